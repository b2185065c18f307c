// Package manager runs the reconciliation loop: one tick per second, at most
// one slot action per tick, a snapshot published after every tick.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loykin/joinkeeper/internal/history"
	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/poll"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/slot"
	"github.com/loykin/joinkeeper/internal/store"
)

// DefaultSweepPattern matches the crash dump helpers clients leave behind.
const DefaultSweepPattern = "FiveM_*DumpServer*"

// ReasonExited marks a slot forgotten because its primary process vanished.
const ReasonExited = "process_exited"

// Terminator kills single processes and sweeps whole snapshots.
type Terminator interface {
	slot.Terminator
	KillMatching(ctx context.Context, snap procdir.Snapshot, match func(name string) bool) ([]procdir.Record, error)
}

// Stager owns the script staging area.
type Stager interface {
	Cleanup() error
}

// Config controls the loop.
type Config struct {
	Tick          time.Duration
	SweepPatterns []string
}

// Deps are the loop's collaborators. Everything but Directory and Terminator
// is optional.
type Deps struct {
	Directory  slot.Directory
	Terminator Terminator
	Preparer   slot.Preparer
	Stager     Stager
	Store      store.Store
	History    history.Sink
	Clock      poll.Clock
	Logger     *slog.Logger
	// Memory samples the resident size of a pid; nil disables sampling.
	Memory func(ctx context.Context, pid int) uint64
}

// Manager owns the slots and is the only code that mutates them.
type Manager struct {
	cfg     Config
	deps    Deps
	machine *slot.Machine
	slots   []*slot.Slot
	clock   poll.Clock
	log     *slog.Logger

	mu       sync.RWMutex
	statuses []slot.Status
	lastTick time.Time
}

// New wires the loop. The machine's observer is replaced so that every state
// change is published, counted and exported.
func New(cfg Config, machine *slot.Machine, slots []*slot.Slot, deps Deps) (*Manager, error) {
	if deps.Directory == nil || deps.Terminator == nil {
		return nil, fmt.Errorf("manager: directory and terminator are required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.SweepPatterns == nil {
		cfg.SweepPatterns = []string{DefaultSweepPattern}
	}
	for _, p := range cfg.SweepPatterns {
		if _, err := path.Match(p, "x"); err != nil {
			return nil, fmt.Errorf("manager: sweep pattern %q: %w", p, err)
		}
	}
	if deps.Clock == nil {
		deps.Clock = poll.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		machine: machine,
		slots:   slots,
		clock:   deps.Clock,
		log:     deps.Logger,
	}
	m.statuses = make([]slot.Status, len(slots))
	for i, s := range slots {
		m.statuses[i] = s.Status()
		for _, st := range slot.States() {
			metrics.SetCurrentState(s.Name(), st.String(), st == s.State())
		}
	}
	machine.Observe(m.observe)
	return m, nil
}

// Statuses returns the latest published state of every slot.
func (m *Manager) Statuses() []slot.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]slot.Status(nil), m.statuses...)
}

// LastTick returns when the last tick completed; zero before the first one.
func (m *Manager) LastTick() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTick
}

func (m *Manager) publish(st slot.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.statuses {
		if m.statuses[i].Name == st.Name {
			m.statuses[i] = st
			return
		}
	}
}

// Startup clears what a previous run may have left behind: staged scripts,
// stray client processes and the active profile.
func (m *Manager) Startup(ctx context.Context) error {
	if m.deps.Stager != nil {
		if err := m.deps.Stager.Cleanup(); err != nil {
			m.log.Warn("failed to clear script staging area", "error", err)
		}
	}
	primaries := map[string]bool{}
	for _, s := range m.slots {
		if s.Spec.PrimaryProcess != "" {
			primaries[s.Spec.PrimaryProcess] = true
		}
	}
	if len(primaries) > 0 {
		snap, err := m.deps.Directory.List(ctx)
		if err != nil {
			return err
		}
		killed, err := m.deps.Terminator.KillMatching(ctx, snap, func(name string) bool { return primaries[name] })
		for _, r := range killed {
			m.log.Info("terminated client left from a previous run", "name", r.Name, "pid", r.PID)
		}
		if err != nil {
			return err
		}
	}
	if m.deps.Preparer != nil {
		if err := m.deps.Preparer.Release(ctx); err != nil {
			m.log.Warn("failed to release profile", "error", err)
		}
	}
	return nil
}

// Run performs Startup and then ticks until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Startup(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	m.log.Info("reconciliation loop started", "tick", m.cfg.Tick, "slots", len(m.slots))
	for {
		if err := m.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("reconcile tick failed", "error", err)
		}
		if err := m.clock.Sleep(ctx, m.cfg.Tick); err != nil {
			m.log.Info("reconciliation loop stopped")
			return nil
		}
	}
}

// ReconcileOnce runs a single tick. Slot failures never surface here; the
// returned error is a cancellation or a recovered panic.
func (m *Manager) ReconcileOnce(ctx context.Context) (err error) {
	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("reconcile tick panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tick panicked: %v", r)
		}
		metrics.ObserveTick(time.Since(began).Seconds())
	}()

	snap, err := m.deps.Directory.List(ctx)
	if err != nil {
		return err
	}
	if err := m.sweep(ctx, snap); err != nil {
		return err
	}
	m.checkLiveness(snap)
	if err := m.admit(ctx); err != nil {
		return err
	}
	m.sampleMemory(ctx)
	m.persist(ctx)
	return nil
}

// sweep terminates orphaned helper processes that belong to no tracked slot.
func (m *Manager) sweep(ctx context.Context, snap procdir.Snapshot) error {
	if len(m.cfg.SweepPatterns) == 0 {
		return nil
	}
	tracked := map[int]bool{}
	for _, s := range m.slots {
		if se, ok := s.Session(); ok {
			tracked[se.PrimaryPID] = true
			tracked[se.SecondaryPID] = true
		}
	}
	var orphans procdir.Snapshot
	for _, r := range snap {
		if !tracked[r.PID] && m.orphan(r.Name) {
			orphans = append(orphans, r)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	killed, err := m.deps.Terminator.KillMatching(ctx, orphans, m.orphan)
	for _, r := range killed {
		m.log.Info("terminated orphaned helper", "name", r.Name, "pid", r.PID)
	}
	return err
}

func (m *Manager) orphan(name string) bool {
	for _, p := range m.cfg.SweepPatterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// checkLiveness forgets slots whose primary process died outside our control.
func (m *Manager) checkLiveness(snap procdir.Snapshot) {
	for _, s := range m.slots {
		se, ok := s.Session()
		if !ok || snap.Has(se.PrimaryPID) {
			continue
		}
		from := s.State()
		m.log.Warn("client process disappeared", "slot", s.Name(), "pid", se.PrimaryPID)
		s.Forget()
		m.observe(slot.Event{
			Slot: s.Name(), Identity: s.Identity(),
			From: from, To: s.State(), At: m.clock.Now(),
			Reason: ReasonExited, Status: s.Status(),
		})
	}
}

func (m *Manager) occupied() bool {
	for _, s := range m.slots {
		if s.State().Occupying() {
			return true
		}
	}
	return false
}

// admit starts at most one action, in priority order: launch, maintenance,
// uptime retirement, session-loss retirement.
func (m *Manager) admit(ctx context.Context) error {
	if m.occupied() {
		return nil
	}
	for _, s := range m.slots {
		if s.Enabled() && s.State() == slot.Idle {
			// a failed launch already reset the slot and was reported
			_ = m.machine.Launch(ctx, s)
			return ctx.Err()
		}
	}

	now := m.clock.Now()
	for _, s := range m.slots {
		m.machine.ArmMaintenance(s, now)
	}
	for _, s := range m.slots {
		if m.machine.MaintenanceDue(s, now) {
			_, err := m.machine.Maintain(ctx, s)
			return err
		}
	}
	for _, s := range m.slots {
		if m.machine.UptimeExceeded(s, now) {
			return m.machine.Retire(ctx, s, slot.ReasonUptime)
		}
	}
	for _, s := range m.slots {
		lost, err := m.machine.SessionLost(ctx, s)
		if err != nil {
			return err
		}
		if lost {
			m.log.Warn("client is no longer on the server", "slot", s.Name())
			return m.machine.Retire(ctx, s, slot.ReasonSessionLost)
		}
	}
	return nil
}

func (m *Manager) sampleMemory(ctx context.Context) {
	if m.deps.Memory == nil {
		return
	}
	for _, s := range m.slots {
		se, ok := s.Session()
		if !ok {
			metrics.SetResidentBytes(s.Name(), "primary", 0)
			metrics.SetResidentBytes(s.Name(), "secondary", 0)
			continue
		}
		metrics.SetResidentBytes(s.Name(), "primary", m.deps.Memory(ctx, se.PrimaryPID))
		metrics.SetResidentBytes(s.Name(), "secondary", m.deps.Memory(ctx, se.SecondaryPID))
	}
}

func (m *Manager) persist(ctx context.Context) {
	now := m.clock.Now()
	snap := store.Snapshot{UpdatedAt: now, Clients: make([]slot.Status, 0, len(m.slots))}
	for _, s := range m.slots {
		st := s.Status()
		snap.Clients = append(snap.Clients, st)
		m.publish(st)
	}
	m.mu.Lock()
	m.lastTick = now
	m.mu.Unlock()
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.Save(ctx, snap); err != nil && ctx.Err() == nil {
		m.log.Warn("failed to persist snapshot", "error", err)
	}
}
