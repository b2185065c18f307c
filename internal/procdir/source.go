package procdir

import (
	"fmt"
	"runtime"
	"strings"
)

// ListerFor returns the Lister for a configured source name. An empty name
// selects tasklist on Windows and gopsutil elsewhere; Linux ps truncates
// names to 15 characters, too short for the client's process names.
func ListerFor(source string) (Lister, error) {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "":
		if runtime.GOOS == "windows" {
			return TasklistLister{}, nil
		}
		return GopsutilLister{}, nil
	case "tasklist":
		return TasklistLister{}, nil
	case "ps":
		return PsLister{}, nil
	case "gopsutil":
		return GopsutilLister{}, nil
	default:
		return nil, fmt.Errorf("unknown process source %q (supported: tasklist, ps, gopsutil)", source)
	}
}
