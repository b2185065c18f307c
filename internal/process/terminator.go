package process

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/poll"
	"github.com/loykin/joinkeeper/internal/procdir"
)

// Lister is the subset of procdir.Directory the terminator needs.
type Lister interface {
	List(ctx context.Context) (procdir.Snapshot, error)
}

// Terminator force-kills processes and confirms their disappearance from the
// process directory.
type Terminator struct {
	dir      Lister
	clock    poll.Clock
	interval time.Duration
	kill     func(pid int) error
	log      *slog.Logger
}

type TerminatorOption func(*Terminator)

func WithTerminatorClock(c poll.Clock) TerminatorOption {
	return func(t *Terminator) { t.clock = c }
}

func WithKillFunc(fn func(pid int) error) TerminatorOption {
	return func(t *Terminator) { t.kill = fn }
}

func WithTerminatorLogger(l *slog.Logger) TerminatorOption {
	return func(t *Terminator) { t.log = l }
}

func NewTerminator(dir Lister, opts ...TerminatorOption) *Terminator {
	t := &Terminator{
		dir:      dir,
		clock:    poll.RealClock{},
		interval: time.Second,
		kill:     func(pid int) error { return killProcess(pid, syscall.SIGKILL) },
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Kill returns once pid is no longer listed. The kill request is re-issued on
// every poll that still observes the process. Only context cancellation ends
// it early.
func (t *Terminator) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return nil
	}
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.IncKillRetry()
		}
		if err := t.kill(pid); err != nil {
			t.log.Debug("kill request failed", "pid", pid, "attempt", attempt+1, "error", err)
		}
		if err := t.clock.Sleep(ctx, t.interval); err != nil {
			return err
		}
		snap, err := t.dir.List(ctx)
		if err != nil {
			return err
		}
		if !snap.Has(pid) {
			t.log.Debug("process confirmed dead", "pid", pid)
			return nil
		}
	}
}

// KillMatching kills every process in snap whose name satisfies match, one at
// a time, and returns the records it terminated.
func (t *Terminator) KillMatching(ctx context.Context, snap procdir.Snapshot, match func(name string) bool) ([]procdir.Record, error) {
	var killed []procdir.Record
	for _, r := range snap {
		if !match(r.Name) {
			continue
		}
		if err := t.Kill(ctx, r.PID); err != nil {
			return killed, err
		}
		killed = append(killed, r)
	}
	return killed, nil
}
