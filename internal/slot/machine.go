package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/joinkeeper/internal/env"
	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/poll"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/script"
)

// Collaborators of the state machine. Directory and Oracle block until they
// have an answer; the only error they return is the context's.
type (
	Directory interface {
		List(ctx context.Context) (procdir.Snapshot, error)
	}
	Oracle interface {
		JoinState(ctx context.Context, identity string) (oracle.JoinState, error)
	}
	Executor interface {
		Run(ctx context.Context, req script.Request) error
	}
	Terminator interface {
		Kill(ctx context.Context, pid int) error
	}
	Launcher interface {
		Launch(ctx context.Context, spec process.LaunchSpec) (int, error)
	}
	Preparer interface {
		Prepare(ctx context.Context, slot string) error
		Release(ctx context.Context) error
	}
)

// Scripts names the automation scripts run at each stage.
type Scripts struct {
	Connect     string
	Detach      string // spectator post-load
	Instrument  string // regular post-load
	Maintenance string
}

// Timing holds every wait of the lifecycle. Zero fields use DefaultTiming; a
// negative FailureCooldown turns the cooldown off.
type Timing struct {
	Poll                time.Duration
	LaunchTimeout       time.Duration
	ConnectTimeout      time.Duration
	FailureCooldown     time.Duration
	SetupAttempts       int
	SetupInterval       time.Duration
	MaintenanceInterval time.Duration
	MaxUptime           time.Duration
	ScriptTimeout       time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Poll:                time.Second,
		LaunchTimeout:       30 * time.Second,
		ConnectTimeout:      5 * time.Minute,
		FailureCooldown:     30 * time.Second,
		SetupAttempts:       30,
		SetupInterval:       time.Second,
		MaintenanceInterval: 2 * time.Minute,
		MaxUptime:           4 * time.Hour,
		ScriptTimeout:       30 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.Poll <= 0 {
		t.Poll = d.Poll
	}
	if t.LaunchTimeout <= 0 {
		t.LaunchTimeout = d.LaunchTimeout
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	switch {
	case t.FailureCooldown == 0:
		t.FailureCooldown = d.FailureCooldown
	case t.FailureCooldown < 0:
		t.FailureCooldown = 0
	}
	if t.SetupAttempts <= 0 {
		t.SetupAttempts = d.SetupAttempts
	}
	if t.SetupInterval <= 0 {
		t.SetupInterval = d.SetupInterval
	}
	if t.MaintenanceInterval <= 0 {
		t.MaintenanceInterval = d.MaintenanceInterval
	}
	if t.MaxUptime <= 0 {
		t.MaxUptime = d.MaxUptime
	}
	if t.ScriptTimeout <= 0 {
		t.ScriptTimeout = d.ScriptTimeout
	}
	return t
}

// Config is shared by all slots.
type Config struct {
	ServerAddress string
	Spectator     bool
	Scripts       Scripts
	Timing        Timing
	Names         procdir.NameNormalizer
}

// Deps are the machine's collaborators. Preparer and Clock are optional.
type Deps struct {
	Directory  Directory
	Oracle     Oracle
	Executor   Executor
	Terminator Terminator
	Launcher   Launcher
	Preparer   Preparer
	Clock      poll.Clock
	Logger     *slog.Logger
}

// Event describes a state change. Err is set on the transition back to Idle
// after a failure; Reason on retirements.
type Event struct {
	Slot     string
	Identity string
	Attempt  string
	From     State
	To       State
	At       time.Time
	Reason   string
	Err      error
	Status   Status
}

// Observer is notified synchronously after every state change.
type Observer func(Event)

// Retirement reasons.
const (
	ReasonUptime      = "uptime"
	ReasonSessionLost = "session_lost"
)

// Machine drives slots through their lifecycle. Each method runs one
// transition to completion; the caller guarantees that at most one runs at a time.
type Machine struct {
	cfg      Config
	deps     Deps
	clock    poll.Clock
	log      *slog.Logger
	observer Observer
}

func NewMachine(cfg Config, deps Deps) *Machine {
	cfg.Timing = cfg.Timing.withDefaults()
	if deps.Clock == nil {
		deps.Clock = poll.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Preparer == nil {
		deps.Preparer = nopPreparer{}
	}
	return &Machine{cfg: cfg, deps: deps, clock: deps.Clock, log: deps.Logger}
}

// Observe installs the state change observer.
func (m *Machine) Observe(o Observer) { m.observer = o }

// Timing returns the effective timing.
func (m *Machine) Timing() Timing { return m.cfg.Timing }

// attempt carries the pids found during a launch before the slot owns them.
type attempt struct {
	id            string
	primaryPID    int
	secondaryPID  int
	secondaryName string
}

func (m *Machine) set(s *Slot, to State, att *attempt, reason string, err error) {
	from := s.state
	s.state = to
	if m.observer == nil {
		return
	}
	ev := Event{
		Slot: s.Spec.Name, Identity: s.Spec.Identity,
		From: from, To: to, At: m.clock.Now(),
		Reason: reason, Err: err, Status: s.Status(),
	}
	if att != nil {
		ev.Attempt = att.id
	}
	m.observer(ev)
}

// Launch takes an idle slot to Active. Every failure terminates what was
// started and returns the slot to Idle; the returned *TransitionError is for
// reporting only.
func (m *Machine) Launch(ctx context.Context, s *Slot) error {
	if s.state != Idle || s.session != nil {
		return &TransitionError{Slot: s.Spec.Name, Stage: s.state, Err: errNotIdle}
	}
	att := &attempt{id: uuid.NewString()}
	log := m.log.With("slot", s.Spec.Name, "attempt", att.id)
	log.Info("launching client")
	m.set(s, Launching, att, "", nil)

	stage, err := m.launch(ctx, s, att, log)
	if err == nil {
		return nil
	}
	terr := &TransitionError{Slot: s.Spec.Name, Stage: stage, Err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info("launch interrupted by shutdown", "stage", stage.String())
		s.clearSession()
		m.set(s, Idle, att, "", terr)
		return terr
	}
	log.Error("launch failed", "stage", stage.String(), "kind", FailureKind(err), "error", err)
	m.abandon(ctx, s, att, stage, log)
	s.clearSession()
	m.set(s, Idle, att, "", terr)
	return terr
}

// abandon terminates an attempt's processes. Failures after the client reached
// the server also wait out the cooldown so the server can expire the session.
func (m *Machine) abandon(ctx context.Context, s *Slot, att *attempt, stage State, log *slog.Logger) {
	m.kill(ctx, att.primaryPID, log)
	m.kill(ctx, att.secondaryPID, log)
	if err := m.deps.Preparer.Release(ctx); err != nil {
		log.Warn("failed to release profile", "error", err)
	}
	if stage == Launching || m.cfg.Timing.FailureCooldown <= 0 {
		return
	}
	log.Info("waiting before the slot is retried", "cooldown", m.cfg.Timing.FailureCooldown)
	_ = m.clock.Sleep(ctx, m.cfg.Timing.FailureCooldown)
}

func (m *Machine) kill(ctx context.Context, pid int, log *slog.Logger) {
	if pid <= 0 {
		return
	}
	if err := m.deps.Terminator.Kill(ctx, pid); err != nil {
		log.Warn("termination interrupted", "pid", pid, "error", err)
	}
}

func (m *Machine) launch(ctx context.Context, s *Slot, att *attempt, log *slog.Logger) (State, error) {
	t := m.cfg.Timing

	// Launching
	if err := m.deps.Preparer.Prepare(ctx, s.Spec.Name); err != nil {
		return Launching, err
	}
	before, err := m.deps.Directory.List(ctx)
	if err != nil {
		return Launching, err
	}
	launched, err := m.deps.Launcher.Launch(ctx, s.Spec.Launch)
	if err != nil {
		return Launching, err
	}
	out, err := poll.Until(ctx, m.clock, poll.Options{Every: t.Poll, Within: t.LaunchTimeout}, func(ctx context.Context) (bool, error) {
		snap, err := m.deps.Directory.List(ctx)
		if err != nil {
			return false, err
		}
		fresh := snap.Since(before)
		if p, ok := m.findPrimary(fresh, s, launched); ok {
			att.primaryPID = p.PID
		}
		if r, ok := fresh.Match(func(n string) bool { return m.cfg.Names.Equal(n, s.Spec.SecondaryProcess) }); ok {
			att.secondaryPID, att.secondaryName = r.PID, r.Name
		}
		return att.primaryPID > 0 && att.secondaryPID > 0, nil
	})
	if err != nil {
		return Launching, err
	}
	if out == poll.TimedOut {
		return Launching, fmt.Errorf("%w: no new %s and %s within %s", ErrLaunchTimeout, s.Spec.PrimaryProcess, s.Spec.SecondaryProcess, t.LaunchTimeout)
	}
	log.Info("client processes detected", "primary_pid", att.primaryPID, "secondary_pid", att.secondaryPID, "secondary_name", att.secondaryName)
	m.set(s, AwaitingConnect, att, "", nil)

	// AwaitingConnect: a new attempt must not race a lingering session.
	st, err := m.deps.Oracle.JoinState(ctx, s.Spec.Identity)
	if err != nil {
		return AwaitingConnect, err
	}
	if st != oracle.Absent {
		log.Info("old session is lingering on the server, waiting for it to go away", "join_state", st.String())
		if _, err := poll.Until(ctx, m.clock, poll.Options{Every: t.Poll}, m.joinStateIs(s, oracle.Absent)); err != nil {
			return AwaitingConnect, err
		}
		log.Info("old session is gone")
	}
	if err := m.run(ctx, m.cfg.Scripts.Connect, env.Vars("PROCESS_ID", att.secondaryPID, "SERVER_IP", m.cfg.ServerAddress)); err != nil {
		return AwaitingConnect, err
	}
	out, err = poll.Until(ctx, m.clock, poll.Options{Every: t.Poll, Within: t.ConnectTimeout}, func(ctx context.Context) (bool, error) {
		st, err := m.deps.Oracle.JoinState(ctx, s.Spec.Identity)
		return st != oracle.Absent, err
	})
	if err != nil {
		return AwaitingConnect, err
	}
	if out == poll.TimedOut {
		return AwaitingConnect, fmt.Errorf("%w: not seen on the server within %s", ErrConnectTimeout, t.ConnectTimeout)
	}
	log.Info("client connected to the server")
	m.set(s, AwaitingLoad, att, "", nil)

	// AwaitingLoad: Connecting means still loading; dropping back to Absent is fatal.
	_, err = poll.Until(ctx, m.clock, poll.Options{Every: t.Poll}, func(ctx context.Context) (bool, error) {
		st, err := m.deps.Oracle.JoinState(ctx, s.Spec.Identity)
		if err != nil {
			return false, err
		}
		switch st {
		case oracle.Joined:
			return true, nil
		case oracle.Absent:
			return false, fmt.Errorf("%w: session dropped while loading", ErrLoadFailure)
		default:
			return false, nil
		}
	})
	if err != nil {
		return AwaitingLoad, err
	}
	log.Info("client loaded into the server")
	m.set(s, PostLoadSetup, att, "", nil)

	if err := m.postLoad(ctx, s, att); err != nil {
		return PostLoadSetup, err
	}
	if err := m.deps.Preparer.Release(ctx); err != nil {
		log.Warn("failed to release profile", "error", err)
	}

	s.session = &Session{
		PrimaryPID:    att.primaryPID,
		SecondaryPID:  att.secondaryPID,
		SecondaryName: att.secondaryName,
		StartedAt:     m.clock.Now(),
	}
	log.Info("client active", "primary_pid", att.primaryPID, "secondary_pid", att.secondaryPID)
	m.set(s, Active, att, "", nil)
	return Active, nil
}

// findPrimary prefers the configured primary name and falls back to the pid
// the launcher returned when no name is configured.
func (m *Machine) findPrimary(fresh procdir.Snapshot, s *Slot, launched int) (procdir.Record, bool) {
	if s.Spec.PrimaryProcess == "" {
		for _, r := range fresh {
			if r.PID == launched {
				return r, true
			}
		}
		return procdir.Record{}, false
	}
	return fresh.Named(s.Spec.PrimaryProcess)
}

func (m *Machine) postLoad(ctx context.Context, s *Slot, att *attempt) error {
	t := m.cfg.Timing
	vars := env.Vars("PROCESS_ID", att.secondaryPID)
	if m.cfg.Spectator {
		return m.run(ctx, m.cfg.Scripts.Detach, vars)
	}
	before, err := m.deps.Directory.List(ctx)
	if err != nil {
		return err
	}
	if err := m.run(ctx, m.cfg.Scripts.Instrument, vars); err != nil {
		return err
	}
	if s.Spec.InstrumentationProcess == "" {
		return nil
	}
	out, err := poll.Until(ctx, m.clock, poll.Options{Every: t.SetupInterval, Attempts: t.SetupAttempts}, func(ctx context.Context) (bool, error) {
		snap, err := m.deps.Directory.List(ctx)
		if err != nil {
			return false, err
		}
		_, ok := snap.Since(before).Match(func(n string) bool { return m.cfg.Names.Equal(n, s.Spec.InstrumentationProcess) })
		return ok, nil
	})
	if err != nil {
		return err
	}
	if out == poll.TimedOut {
		return fmt.Errorf("%w: %s not found after %d attempts", ErrSetupFailure, s.Spec.InstrumentationProcess, t.SetupAttempts)
	}
	return nil
}

func (m *Machine) joinStateIs(s *Slot, want oracle.JoinState) poll.CheckFunc {
	return func(ctx context.Context) (bool, error) {
		st, err := m.deps.Oracle.JoinState(ctx, s.Spec.Identity)
		return st == want, err
	}
}

func (m *Machine) run(ctx context.Context, name string, vars env.Var) error {
	if name == "" {
		return nil
	}
	return m.deps.Executor.Run(ctx, script.Request{Script: name, Vars: vars, Timeout: m.cfg.Timing.ScriptTimeout})
}

// ArmMaintenance sets the first maintenance deadline of an active slot.
func (m *Machine) ArmMaintenance(s *Slot, now time.Time) {
	if m.cfg.Spectator || s.state != Active || s.session == nil || !s.session.MaintenanceDue.IsZero() {
		return
	}
	s.session.MaintenanceDue = now.Add(m.cfg.Timing.MaintenanceInterval)
}

// MaintenanceDue reports whether an armed deadline has passed.
func (m *Machine) MaintenanceDue(s *Slot, now time.Time) bool {
	if m.cfg.Spectator || s.state != Active || s.session == nil || s.session.MaintenanceDue.IsZero() {
		return false
	}
	return !now.Before(s.session.MaintenanceDue)
}

// Maintain runs the maintenance script when the deadline has passed and
// advances the deadline. It is a no-op otherwise. A failing script is logged
// and does not retire the slot.
func (m *Machine) Maintain(ctx context.Context, s *Slot) (bool, error) {
	if !m.MaintenanceDue(s, m.clock.Now()) {
		return false, nil
	}
	se := s.session
	log := m.log.With("slot", s.Spec.Name)
	log.Info("starting maintenance")
	m.set(s, Maintenance, nil, "", nil)

	err := m.run(ctx, m.cfg.Scripts.Maintenance, env.Vars("PROCESS_ID", se.SecondaryPID, "PROCESS_NAME", se.SecondaryName))
	if err != nil && ctx.Err() == nil {
		log.Warn("maintenance failed", "stage", Maintenance.String(), "kind", FailureKind(err), "error", err)
	}

	now := m.clock.Now()
	next := se.MaintenanceDue.Add(m.cfg.Timing.MaintenanceInterval)
	if !next.After(now) {
		next = now.Add(m.cfg.Timing.MaintenanceInterval)
	}
	se.MaintenanceDue = next
	log.Info("completed maintenance", "next", next)
	m.set(s, Active, nil, "", err)
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	return true, nil
}

// UptimeExceeded reports whether an active slot has outlived its limit.
func (m *Machine) UptimeExceeded(s *Slot, now time.Time) bool {
	if m.cfg.Spectator || s.state != Active || s.session == nil {
		return false
	}
	return now.Sub(s.session.StartedAt) > m.cfg.Timing.MaxUptime+s.Spec.ExtraUptime
}

// SessionLost asks the oracle whether an active slot fell off the server.
func (m *Machine) SessionLost(ctx context.Context, s *Slot) (bool, error) {
	if s.state != Active || s.session == nil {
		return false, nil
	}
	st, err := m.deps.Oracle.JoinState(ctx, s.Spec.Identity)
	if err != nil {
		return false, err
	}
	return st == oracle.Absent, nil
}

// Retire terminates both processes of an active slot, waiting until each is
// confirmed gone, and returns the slot to Idle.
func (m *Machine) Retire(ctx context.Context, s *Slot, reason string) error {
	se, ok := s.Session()
	if !ok {
		return nil
	}
	log := m.log.With("slot", s.Spec.Name, "reason", reason)
	log.Info("retiring client", "primary_pid", se.PrimaryPID, "secondary_pid", se.SecondaryPID)
	m.set(s, Retiring, nil, reason, nil)

	for _, pid := range []int{se.PrimaryPID, se.SecondaryPID} {
		if pid <= 0 {
			continue
		}
		if err := m.deps.Terminator.Kill(ctx, pid); err != nil {
			s.clearSession()
			m.set(s, Idle, nil, reason, err)
			return err
		}
	}
	s.clearSession()
	log.Info("client retired")
	m.set(s, Idle, nil, reason, nil)
	return nil
}

type nopPreparer struct{}

func (nopPreparer) Prepare(context.Context, string) error { return nil }
func (nopPreparer) Release(context.Context) error         { return nil }
