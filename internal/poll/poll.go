// Package poll provides the clock abstraction and the poll-with-timeout
// primitive every blocking wait in the supervisor is built from.
package poll

import (
	"context"
	"time"
)

// Clock is the time source used by polling loops.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome is the typed result of Until.
type Outcome int

const (
	// Satisfied means the check reported done.
	Satisfied Outcome = iota
	// TimedOut means the deadline passed before the check reported done.
	TimedOut
	// Failed means the check returned an error or the context ended.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

// Options controls a polling loop. A zero Within means no deadline.
type Options struct {
	Every  time.Duration
	Within time.Duration
	// Attempts caps the number of checks when positive.
	Attempts int
}

// CheckFunc is evaluated once per iteration.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Until evaluates check immediately and then once every opts.Every until it
// reports done, the deadline or attempt budget is exhausted, or it fails.
func Until(ctx context.Context, clk Clock, opts Options, check CheckFunc) (Outcome, error) {
	if clk == nil {
		clk = RealClock{}
	}
	every := opts.Every
	if every <= 0 {
		every = time.Second
	}
	var deadline time.Time
	if opts.Within > 0 {
		deadline = clk.Now().Add(opts.Within)
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Failed, err
		}
		done, err := check(ctx)
		if err != nil {
			return Failed, err
		}
		if done {
			return Satisfied, nil
		}
		if opts.Attempts > 0 && attempt >= opts.Attempts {
			return TimedOut, nil
		}
		if !deadline.IsZero() && !clk.Now().Before(deadline) {
			return TimedOut, nil
		}
		if err := clk.Sleep(ctx, every); err != nil {
			return Failed, err
		}
	}
}

// Forever retries fn at a fixed backoff until it succeeds or ctx ends.
// onErr, when set, observes every failed attempt.
func Forever[T any](ctx context.Context, clk Clock, backoff time.Duration, fn func(context.Context) (T, error), onErr func(error)) (T, error) {
	if clk == nil {
		clk = RealClock{}
	}
	for {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			var zero T
			return zero, ctxErr
		}
		if onErr != nil {
			onErr(err)
		}
		if err := clk.Sleep(ctx, backoff); err != nil {
			var zero T
			return zero, err
		}
	}
}
