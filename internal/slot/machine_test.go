package slot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/script"
	"github.com/loykin/joinkeeper/internal/slot/slottest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m      *Machine
	w      *slottest.World
	fleet  *slottest.Fleet
	slots  []*Slot
	events []Event
}

func clientSpec(i int) Spec {
	suffix := ""
	if i == 1 {
		suffix = "_cl2"
	}
	return Spec{
		Index:                  i,
		Name:                   fmt.Sprintf("cl_%d", i+1),
		Identity:               fmt.Sprintf("license:%d", i+1),
		Launch:                 process.LaunchSpec{Name: fmt.Sprintf("cl_%d", i+1), Command: "FiveM.exe -pure_1"},
		PrimaryProcess:         "FiveM.exe",
		SecondaryProcess:       "FiveM" + suffix + "_GTAProcess.exe",
		InstrumentationProcess: "FiveM" + suffix + "_ChromeBrowser",
		ExtraUptime:            time.Duration(i) * 15 * time.Minute,
	}
}

func newHarness(t *testing.T, spectator bool) *harness {
	t.Helper()
	names, err := procdir.NewNameNormalizer(`_b\d+`)
	require.NoError(t, err)
	w := slottest.New(t0)
	h := &harness{w: w, fleet: &slottest.Fleet{LaunchDelay: 3 * time.Second, ConnectDelay: 2 * time.Second, LoadDelay: 10 * time.Second}}
	h.m = NewMachine(Config{
		ServerAddress: "203.0.113.7:30120",
		Spectator:     spectator,
		Scripts: Scripts{
			Connect:     slottest.ConnectScript,
			Detach:      slottest.DetachScript,
			Instrument:  slottest.InstrumentScript,
			Maintenance: slottest.MaintenanceScript,
		},
		Names: names,
	}, Deps{Directory: w, Oracle: w, Executor: w, Terminator: w, Launcher: w, Preparer: w, Clock: w.Clock})
	h.m.Observe(func(ev Event) {
		st := ev.Status
		require.Equal(t, st.PrimaryProcessID != nil, st.UptimeStartedAt != nil, "primary pid and uptime must be set together")
		h.events = append(h.events, ev)
	})
	var clients []slottest.Client
	for i := 0; i < 2; i++ {
		spec := clientSpec(i)
		h.slots = append(h.slots, New(spec))
		clients = append(clients, slottest.Client{
			Slot:       spec.Name,
			Identity:   spec.Identity,
			Primary:    spec.PrimaryProcess,
			Secondary:  "FiveM" + map[int]string{0: "", 1: "_cl2"}[i] + "_b2699_GTAProcess.exe",
			Instrument: spec.InstrumentationProcess,
		})
	}
	h.fleet.Install(w, clients...)
	return h
}

func (h *harness) states() []State {
	var out []State
	for _, ev := range h.events {
		out = append(out, ev.To)
	}
	return out
}

func TestLaunchReachesActive(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]

	require.NoError(t, h.m.Launch(context.Background(), s))

	assert.Equal(t, Active, s.State())
	se, ok := s.Session()
	require.True(t, ok)
	assert.True(t, h.w.Alive(se.PrimaryPID))
	assert.True(t, h.w.Alive(se.SecondaryPID))
	assert.Equal(t, "FiveM_b2699_GTAProcess.exe", se.SecondaryName)
	assert.Equal(t, h.w.Clock.Now(), se.StartedAt)
	assert.True(t, se.MaintenanceDue.IsZero())

	assert.Equal(t, []State{Launching, AwaitingConnect, AwaitingLoad, PostLoadSetup, Active}, h.states())
	assert.Equal(t, []string{"cl_1"}, h.w.Prepared)
	assert.GreaterOrEqual(t, h.w.Released, 1)

	connect := h.w.RunsOf(slottest.ConnectScript)
	require.Len(t, connect, 1)
	assert.Equal(t, fmt.Sprint(se.SecondaryPID), connect[0].Vars["PROCESS_ID"])
	assert.Equal(t, "203.0.113.7:30120", connect[0].Vars["SERVER_IP"])
	assert.Equal(t, 30*time.Second, connect[0].Timeout)
	require.Len(t, h.w.RunsOf(slottest.InstrumentScript), 1)
	assert.Empty(t, h.w.RunsOf(slottest.DetachScript))
}

func TestLaunchJoinedImmediately(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.LaunchDelay, h.fleet.ConnectDelay, h.fleet.LoadDelay = 0, 0, 0
	s := h.slots[0]

	require.NoError(t, h.m.Launch(context.Background(), s))
	se, _ := s.Session()
	assert.Equal(t, Active, s.State())
	assert.LessOrEqual(t, se.StartedAt.Sub(t0), time.Second)
}

func TestLaunchTimeoutLeavesNoPartialState(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.NeverSpawn = true
	s := h.slots[0]

	err := h.m.Launch(context.Background(), s)
	require.ErrorIs(t, err, ErrLaunchTimeout)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, Launching, terr.Stage)
	assert.Equal(t, "launch_timeout", FailureKind(err))

	assert.Equal(t, Idle, s.State())
	assert.False(t, s.Live())
	st := s.Status()
	assert.Nil(t, st.PrimaryProcessID)
	assert.Nil(t, st.UptimeStartedAt)
	// no cooldown after a launch timeout
	assert.Equal(t, 30*time.Second, h.w.Clock.Slept())
	assert.Empty(t, h.w.RunsOf(slottest.ConnectScript))
}

func TestLaunchTimeoutKillsHalfStartedClient(t *testing.T) {
	h := newHarness(t, false)
	h.w.OnLaunch = func(w *slottest.World, spec process.LaunchSpec) (int, error) {
		return w.Spawn("FiveM.exe"), nil
	}
	err := h.m.Launch(context.Background(), h.slots[0])
	require.ErrorIs(t, err, ErrLaunchTimeout)
	assert.Empty(t, h.w.PIDsNamed("FiveM.exe"))
}

func TestLaunchWaitsForLingeringSession(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	h.w.SetSession(s.Identity(), oracle.Joined)
	h.w.After(20*time.Second, func() { h.w.SetSession(s.Identity(), oracle.Absent) })

	var connectAt time.Time
	connect := h.w.Scripts[slottest.ConnectScript]
	h.w.Scripts[slottest.ConnectScript] = func(w *slottest.World, req script.Request) error {
		connectAt = w.Clock.Now()
		return connect(w, req)
	}

	require.NoError(t, h.m.Launch(context.Background(), s))
	assert.False(t, connectAt.Before(t0.Add(20*time.Second)), "connect ran at %s", connectAt)
	assert.Equal(t, Active, s.State())
}

func TestConnectTimeoutTerminatesAndCoolsDown(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.NeverConnect = true
	s := h.slots[0]

	err := h.m.Launch(context.Background(), s)
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, "connect_timeout", FailureKind(err))
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, h.w.PIDsNamed("FiveM.exe"))
	assert.Empty(t, h.w.PIDsNamed("FiveM_b2699_GTAProcess.exe"))
	elapsed := h.w.Clock.Now().Sub(t0)
	assert.GreaterOrEqual(t, elapsed, 5*time.Minute+30*time.Second)
	assert.Less(t, elapsed, 6*time.Minute+30*time.Second)
}

func TestLoadFailure(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.DropWhileLoad = true
	s := h.slots[0]

	err := h.m.Launch(context.Background(), s)
	require.ErrorIs(t, err, ErrLoadFailure)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, AwaitingLoad, terr.Stage)
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, h.w.PIDsNamed("FiveM.exe"))
	last := h.events[len(h.events)-1]
	assert.Equal(t, Idle, last.To)
	assert.ErrorIs(t, last.Err, ErrLoadFailure)
}

func TestSetupFailureAfterAttempts(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.NoInstrument = true
	s := h.slots[0]

	start := h.w.Lists
	err := h.m.Launch(context.Background(), s)
	require.ErrorIs(t, err, ErrSetupFailure)
	assert.Equal(t, "setup_failure", FailureKind(err))
	assert.Equal(t, Idle, s.State())
	assert.Greater(t, h.w.Lists-start, 30)
	assert.Empty(t, h.w.PIDsNamed("FiveM.exe"))
}

func TestConnectScriptTimeoutFailsTransition(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.ConnectScriptErr = fmt.Errorf("%w: f8connect.ahk", script.ErrExecutionTimeout)
	s := h.slots[0]

	err := h.m.Launch(context.Background(), s)
	require.ErrorIs(t, err, script.ErrExecutionTimeout)
	assert.Equal(t, "execution_timeout", FailureKind(err))
	assert.Equal(t, Idle, s.State())
	assert.Empty(t, h.w.PIDsNamed("FiveM.exe"))
}

func TestSpawnFailure(t *testing.T) {
	h := newHarness(t, false)
	h.w.OnLaunch = nil
	err := h.m.Launch(context.Background(), h.slots[0])
	require.ErrorIs(t, err, process.ErrSpawnFailure)
	assert.Equal(t, "spawn_failure", FailureKind(err))
	assert.Equal(t, Idle, h.slots[0].State())
}

func TestSpectatorDetachesAndSkipsMaintenance(t *testing.T) {
	h := newHarness(t, true)
	s := h.slots[1]
	require.NoError(t, h.m.Launch(context.Background(), s))

	detach := h.w.RunsOf(slottest.DetachScript)
	require.Len(t, detach, 1)
	se, _ := s.Session()
	assert.Equal(t, fmt.Sprint(se.SecondaryPID), detach[0].Vars["PROCESS_ID"])
	assert.Empty(t, h.w.RunsOf(slottest.InstrumentScript))

	now := h.w.Clock.Now()
	h.m.ArmMaintenance(s, now)
	se, _ = s.Session()
	assert.True(t, se.MaintenanceDue.IsZero())
	assert.False(t, h.m.UptimeExceeded(s, now.Add(24*time.Hour)))
}

func TestMaintenanceSchedule(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	ctx := context.Background()
	require.NoError(t, h.m.Launch(ctx, s))

	now := h.w.Clock.Now()
	h.m.ArmMaintenance(s, now)
	se, _ := s.Session()
	due := now.Add(2 * time.Minute)
	assert.Equal(t, due, se.MaintenanceDue)

	// not due yet: Maintain is a no-op, twice
	for i := 0; i < 2; i++ {
		ran, err := h.m.Maintain(ctx, s)
		require.NoError(t, err)
		assert.False(t, ran)
	}
	assert.Empty(t, h.w.RunsOf(slottest.MaintenanceScript))

	h.w.Clock.Advance(2 * time.Minute)
	ran, err := h.m.Maintain(ctx, s)
	require.NoError(t, err)
	assert.True(t, ran)
	runs := h.w.RunsOf(slottest.MaintenanceScript)
	require.Len(t, runs, 1)
	assert.Equal(t, "FiveM_b2699_GTAProcess.exe", runs[0].Vars["PROCESS_NAME"])
	se, _ = s.Session()
	assert.Equal(t, due.Add(2*time.Minute), se.MaintenanceDue)
	assert.Equal(t, Active, s.State())

	// re-arming keeps the recurring deadline
	h.m.ArmMaintenance(s, h.w.Clock.Now())
	se2, _ := s.Session()
	assert.Equal(t, se.MaintenanceDue, se2.MaintenanceDue)

	// a long stall rebases the deadline instead of firing repeatedly
	h.w.Clock.Advance(10 * time.Minute)
	_, err = h.m.Maintain(ctx, s)
	require.NoError(t, err)
	se, _ = s.Session()
	assert.Equal(t, h.w.Clock.Now().Add(2*time.Minute), se.MaintenanceDue)
}

func TestMaintenanceScriptFailureKeepsSlot(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	ctx := context.Background()
	require.NoError(t, h.m.Launch(ctx, s))
	h.w.Scripts[slottest.MaintenanceScript] = func(*slottest.World, script.Request) error {
		return script.ErrExecutionTimeout
	}
	h.m.ArmMaintenance(s, h.w.Clock.Now())
	h.w.Clock.Advance(2 * time.Minute)

	ran, err := h.m.Maintain(ctx, s)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, Active, s.State())
	assert.True(t, s.Live())
}

func TestUptimeLimitIsStaggered(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.m.Launch(ctx, h.slots[0]))
	require.NoError(t, h.m.Launch(ctx, h.slots[1]))

	se0, _ := h.slots[0].Session()
	se1, _ := h.slots[1].Session()
	assert.False(t, h.m.UptimeExceeded(h.slots[0], se0.StartedAt.Add(4*time.Hour)))
	assert.True(t, h.m.UptimeExceeded(h.slots[0], se0.StartedAt.Add(4*time.Hour+time.Second)))
	assert.False(t, h.m.UptimeExceeded(h.slots[1], se1.StartedAt.Add(4*time.Hour+time.Second)))
	assert.True(t, h.m.UptimeExceeded(h.slots[1], se1.StartedAt.Add(4*time.Hour+15*time.Minute+time.Second)))
}

func TestRetireConfirmsBothDead(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	ctx := context.Background()
	require.NoError(t, h.m.Launch(ctx, s))
	se, _ := s.Session()
	h.w.Stubborn(se.PrimaryPID, 2)

	require.NoError(t, h.m.Retire(ctx, s, ReasonUptime))
	assert.Equal(t, Idle, s.State())
	assert.False(t, s.Live())
	assert.False(t, h.w.Alive(se.PrimaryPID))
	assert.False(t, h.w.Alive(se.SecondaryPID))
	assert.Equal(t, []int{se.PrimaryPID, se.PrimaryPID, se.PrimaryPID, se.SecondaryPID}, h.w.Kills)
	assert.Equal(t, s.Identity(), s.Status().IdentityKey)

	retiring := h.events[len(h.events)-2]
	assert.Equal(t, Retiring, retiring.To)
	assert.Equal(t, ReasonUptime, retiring.Reason)

	last := h.events[len(h.events)-1]
	assert.Equal(t, Retiring, last.From)
	assert.Equal(t, Idle, last.To)
	assert.Nil(t, last.Status.PrimaryProcessID)
}

func TestFailureEventReportsStage(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.NeverConnect = true
	s := h.slots[0]

	require.Error(t, h.m.Launch(context.Background(), s))
	last := h.events[len(h.events)-1]
	assert.Equal(t, AwaitingConnect, last.From)
	assert.Equal(t, Idle, last.To)
	assert.ErrorIs(t, last.Err, ErrConnectTimeout)
	assert.Nil(t, last.Status.PrimaryProcessID)
}

func TestTimingDefaults(t *testing.T) {
	tm := NewMachine(Config{}, Deps{}).Timing()
	assert.Equal(t, DefaultTiming(), tm)

	off := NewMachine(Config{Timing: Timing{FailureCooldown: -1}}, Deps{}).Timing()
	assert.Zero(t, off.FailureCooldown)
}

func TestSessionLost(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	ctx := context.Background()

	lost, err := h.m.SessionLost(ctx, s)
	require.NoError(t, err)
	assert.False(t, lost, "idle slots are never reported")

	require.NoError(t, h.m.Launch(ctx, s))
	lost, err = h.m.SessionLost(ctx, s)
	require.NoError(t, err)
	assert.False(t, lost)

	h.w.SetSession(s.Identity(), oracle.Absent)
	lost, err = h.m.SessionLost(ctx, s)
	require.NoError(t, err)
	assert.True(t, lost)
}

func TestLaunchRejectsBusySlot(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	require.NoError(t, h.m.Launch(context.Background(), s))
	err := h.m.Launch(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, Active, s.State())
}

func TestLaunchCancelled(t *testing.T) {
	h := newHarness(t, false)
	h.fleet.NeverConnect = true
	ctx, cancel := context.WithCancel(context.Background())
	h.w.After(time.Minute, cancel)

	err := h.m.Launch(ctx, h.slots[0])
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", FailureKind(err))
	assert.Equal(t, Idle, h.slots[0].State())
	assert.Empty(t, h.w.Kills)
}

func TestForgetClearsSession(t *testing.T) {
	h := newHarness(t, false)
	s := h.slots[0]
	require.NoError(t, h.m.Launch(context.Background(), s))
	s.Forget()
	assert.Equal(t, Idle, s.State())
	st := s.Status()
	assert.Nil(t, st.PrimaryProcessID)
	assert.Nil(t, st.SecondaryProcessID)
	assert.Nil(t, st.UptimeStartedAt)
	assert.Nil(t, st.MaintenanceDeadline)
}
