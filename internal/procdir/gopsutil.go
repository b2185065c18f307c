package procdir

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// GopsutilLister enumerates processes through gopsutil instead of an external
// command. Processes that exit mid-enumeration are skipped.
type GopsutilLister struct{}

func (GopsutilLister) Describe() string { return "gopsutil" }

func (GopsutilLister) List(ctx context.Context) ([]Record, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		recs = append(recs, Record{Name: name, PID: int(p.Pid)})
	}
	return recs, nil
}

// ResidentBytes returns the resident set size of pid, or 0 when unavailable.
func ResidentBytes(ctx context.Context, pid int) uint64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}
