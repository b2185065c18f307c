package poll

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a virtual clock for tests. Sleep advances the clock instantly
// and runs any hooks registered with OnSleep.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  time.Duration
	hooks  []func(now time.Time)
	sleeps int
}

// NewFakeClock returns a clock starting at start.
func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.sleeps++
	now := c.now
	hooks := append([]func(time.Time){}, c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(now)
	}
	return nil
}

// Advance moves the clock forward without counting as a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// OnSleep registers a hook called after every Sleep with the new time.
func (c *FakeClock) OnSleep(fn func(now time.Time)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Slept reports the total virtual time spent sleeping.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Sleeps reports how many times Sleep was called.
func (c *FakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}
