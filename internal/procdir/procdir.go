// Package procdir enumerates OS processes. It is the sole source of truth for
// whether a tracked process is alive, so enumeration failures are retried
// until they succeed instead of being reported to callers.
package procdir

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/poll"
)

// Record is one row of a process listing. A pid is only trustworthy within the
// snapshot it came from because the OS recycles ids.
type Record struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

// Lister performs a single enumeration attempt.
type Lister interface {
	List(ctx context.Context) ([]Record, error)
	Describe() string
}

// Directory wraps a Lister with indefinite retry.
type Directory struct {
	lister  Lister
	clock   poll.Clock
	backoff time.Duration
	log     *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

func WithClock(c poll.Clock) Option { return func(d *Directory) { d.clock = c } }
func WithBackoff(b time.Duration) Option { return func(d *Directory) { d.backoff = b } }
func WithLogger(l *slog.Logger) Option { return func(d *Directory) { d.log = l } }

func New(l Lister, opts ...Option) *Directory {
	d := &Directory{lister: l, clock: poll.RealClock{}, backoff: time.Second, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// List blocks until an enumeration succeeds. The only error it returns is the
// context's.
func (d *Directory) List(ctx context.Context) (Snapshot, error) {
	recs, err := poll.Forever(ctx, d.clock, d.backoff, d.lister.List, func(err error) {
		metrics.IncTransientFailure("process_directory")
		d.log.Warn("process listing failed, retrying", "source", d.lister.Describe(), "error", err)
	})
	if err != nil {
		return nil, err
	}
	return Snapshot(recs), nil
}

// Snapshot is one consistent process listing.
type Snapshot []Record

// Has reports whether pid is present.
func (s Snapshot) Has(pid int) bool {
	if pid <= 0 {
		return false
	}
	for _, r := range s {
		if r.PID == pid {
			return true
		}
	}
	return false
}

// Since returns the records whose pid is not present in old.
func (s Snapshot) Since(old Snapshot) Snapshot {
	seen := make(map[int]struct{}, len(old))
	for _, r := range old {
		seen[r.PID] = struct{}{}
	}
	var out Snapshot
	for _, r := range s {
		if _, ok := seen[r.PID]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Named returns the first record whose name equals name.
func (s Snapshot) Named(name string) (Record, bool) {
	return s.Match(func(n string) bool { return n == name })
}

// Match returns the first record whose name satisfies fn.
func (s Snapshot) Match(fn func(name string) bool) (Record, bool) {
	for _, r := range s {
		if fn(r.Name) {
			return r, true
		}
	}
	return Record{}, false
}

// NameNormalizer strips build suffixes such as "_b2699" from process names so
// that "FiveM_b2699_GTAProcess.exe" compares equal to "FiveM_GTAProcess.exe".
type NameNormalizer struct{ re *regexp.Regexp }

// NewNameNormalizer compiles pattern; an empty pattern disables stripping.
func NewNameNormalizer(pattern string) (NameNormalizer, error) {
	if pattern == "" {
		return NameNormalizer{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return NameNormalizer{}, err
	}
	return NameNormalizer{re: re}, nil
}

func (n NameNormalizer) Normalize(name string) string {
	if n.re == nil {
		return name
	}
	return n.re.ReplaceAllString(name, "")
}

// Equal compares two names after normalization.
func (n NameNormalizer) Equal(observed, want string) bool {
	return n.Normalize(observed) == n.Normalize(want)
}
