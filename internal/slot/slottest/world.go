// Package slottest simulates everything a slot talks to: the OS process
// table, the remote session table, the launcher, the script runner and the
// terminator. All waiting happens on a poll.FakeClock so lifecycles spanning
// hours run instantly.
package slottest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/poll"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/script"
)

// ScriptFunc reacts to a script run. Returning an error fails the run.
type ScriptFunc func(w *World, req script.Request) error

// LaunchFunc reacts to a client launch and returns the launcher pid.
type LaunchFunc func(w *World, spec process.LaunchSpec) (int, error)

type timer struct {
	at time.Time
	fn func()
}

// World is a deterministic, single-goroutine simulation.
type World struct {
	Clock *poll.FakeClock

	mu       sync.Mutex
	procs    map[int]string
	sessions map[string]oracle.JoinState
	nextPID  int
	timers   []timer
	stubborn map[int]int

	OnLaunch LaunchFunc
	Scripts  map[string]ScriptFunc
	OnGone   func(pid int) // called after a process leaves the table

	Launches []process.LaunchSpec
	Runs     []script.Request
	Kills    []int
	Prepared []string
	Released int
	Lists    int
	Queries  int
}

// New returns an empty world whose clock starts at start.
func New(start time.Time) *World {
	w := &World{
		Clock:    poll.NewFakeClock(start),
		procs:    map[int]string{},
		sessions: map[string]oracle.JoinState{},
		stubborn: map[int]int{},
		nextPID:  1000,
		Scripts:  map[string]ScriptFunc{},
	}
	w.Clock.OnSleep(w.fire)
	return w
}

// After schedules fn to run once the clock reaches now+d.
func (w *World) After(d time.Duration, fn func()) {
	w.mu.Lock()
	w.timers = append(w.timers, timer{at: w.Clock.Now().Add(d), fn: fn})
	w.mu.Unlock()
}

func (w *World) fire(now time.Time) {
	w.mu.Lock()
	var due []func()
	rest := w.timers[:0]
	for _, t := range w.timers {
		if !now.Before(t.at) {
			due = append(due, t.fn)
		} else {
			rest = append(rest, t)
		}
	}
	w.timers = rest
	w.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

// Spawn adds a process and returns its pid.
func (w *World) Spawn(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextPID++
	w.procs[w.nextPID] = name
	return w.nextPID
}

// Exit removes a process as if it died on its own.
func (w *World) Exit(pid int) {
	w.mu.Lock()
	delete(w.procs, pid)
	gone := w.OnGone
	w.mu.Unlock()
	if gone != nil {
		gone(pid)
	}
}

// Alive reports whether pid is in the process table.
func (w *World) Alive(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.procs[pid]
	return ok
}

// PIDsNamed returns the pids of processes called name.
func (w *World) PIDsNamed(name string) []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for pid, n := range w.procs {
		if n == name {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

// Stubborn makes pid survive n kill requests.
func (w *World) Stubborn(pid, n int) {
	w.mu.Lock()
	w.stubborn[pid] = n
	w.mu.Unlock()
}

// SetSession sets the remote join state of identity.
func (w *World) SetSession(identity string, st oracle.JoinState) {
	w.mu.Lock()
	if st == oracle.Absent {
		delete(w.sessions, identity)
	} else {
		w.sessions[identity] = st
	}
	w.mu.Unlock()
}

// Session returns the remote join state of identity.
func (w *World) Session(identity string) oracle.JoinState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessions[identity]
}

// List implements the process directory.
func (w *World) List(ctx context.Context) (procdir.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Lists++
	snap := make(procdir.Snapshot, 0, len(w.procs))
	for pid, name := range w.procs {
		snap = append(snap, procdir.Record{Name: name, PID: pid})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].PID < snap[j].PID })
	return snap, nil
}

// JoinState implements the session oracle.
func (w *World) JoinState(ctx context.Context, identity string) (oracle.JoinState, error) {
	if err := ctx.Err(); err != nil {
		return oracle.Absent, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Queries++
	return w.sessions[identity], nil
}

// Run implements the script executor.
func (w *World) Run(ctx context.Context, req script.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	w.Runs = append(w.Runs, req)
	fn := w.Scripts[req.Script]
	w.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(w, req)
}

// Kill implements the terminator: one second passes per kill request until
// the process is gone.
func (w *World) Kill(ctx context.Context, pid int) error {
	for {
		w.mu.Lock()
		w.Kills = append(w.Kills, pid)
		if w.stubborn[pid] > 0 {
			w.stubborn[pid]--
		} else {
			delete(w.procs, pid)
		}
		_, alive := w.procs[pid]
		gone := w.OnGone
		w.mu.Unlock()
		if !alive && gone != nil {
			gone(pid)
		}
		if err := w.Clock.Sleep(ctx, time.Second); err != nil {
			return err
		}
		if !alive {
			return nil
		}
	}
}

// KillMatching kills every process of snap whose name satisfies match.
func (w *World) KillMatching(ctx context.Context, snap procdir.Snapshot, match func(name string) bool) ([]procdir.Record, error) {
	var killed []procdir.Record
	for _, r := range snap {
		if !match(r.Name) {
			continue
		}
		if err := w.Kill(ctx, r.PID); err != nil {
			return killed, err
		}
		killed = append(killed, r)
	}
	return killed, nil
}

// Launch implements the launcher.
func (w *World) Launch(_ context.Context, spec process.LaunchSpec) (int, error) {
	w.mu.Lock()
	w.Launches = append(w.Launches, spec)
	fn := w.OnLaunch
	w.mu.Unlock()
	if fn == nil {
		return 0, fmt.Errorf("%w: no launcher configured", process.ErrSpawnFailure)
	}
	return fn(w, spec)
}

// Prepare and Release implement the profile preparer.
func (w *World) Prepare(_ context.Context, slot string) error {
	w.mu.Lock()
	w.Prepared = append(w.Prepared, slot)
	w.mu.Unlock()
	return nil
}

func (w *World) Release(context.Context) error {
	w.mu.Lock()
	w.Released++
	w.mu.Unlock()
	return nil
}

// RunsOf returns the recorded runs of one script.
func (w *World) RunsOf(name string) []script.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []script.Request
	for _, r := range w.Runs {
		if r.Script == name {
			out = append(out, r)
		}
	}
	return out
}
