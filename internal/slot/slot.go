// Package slot models the supervised client slots and drives their lifecycle.
package slot

import (
	"time"

	"github.com/loykin/joinkeeper/internal/process"
)

// Spec is the static description of a slot, fixed for the supervisor's lifetime.
type Spec struct {
	Index    int
	Name     string // cl_1, cl_2
	Identity string // remote license identifier; empty disables the slot

	Launch                 process.LaunchSpec
	PrimaryProcess         string        // client executable name, e.g. FiveM.exe
	SecondaryProcess       string        // menu process name before build-suffix normalization
	InstrumentationProcess string        // window opened by the instrumentation script
	ExtraUptime            time.Duration // added to the uptime limit to stagger restarts
}

// Session holds what is only meaningful while the slot is Active. Its presence
// is what makes a slot live, so a primary pid never exists without a start time.
type Session struct {
	PrimaryPID     int
	SecondaryPID   int
	SecondaryName  string    // exact observed name, build suffix included
	StartedAt      time.Time // uptime origin
	MaintenanceDue time.Time // zero until armed
}

// Slot is one supervised client. Only the reconciliation loop mutates it.
type Slot struct {
	Spec    Spec
	state   State
	session *Session
}

func New(spec Spec) *Slot { return &Slot{Spec: spec} }

func (s *Slot) Name() string     { return s.Spec.Name }
func (s *Slot) Identity() string { return s.Spec.Identity }
func (s *Slot) State() State     { return s.state }

// Enabled reports whether the slot has an identity to supervise.
func (s *Slot) Enabled() bool { return s.Spec.Identity != "" }

// Live reports whether the slot tracks running processes.
func (s *Slot) Live() bool { return s.session != nil }

// Session returns a copy of the active session, if any.
func (s *Slot) Session() (Session, bool) {
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

// Forget drops the session after its processes disappeared on their own.
func (s *Slot) Forget() {
	s.session = nil
	if s.state == Active || s.state == Maintenance {
		s.state = Idle
	}
}

// clearSession drops the session but leaves the state to the caller, so the
// transition that follows still reports the stage it left.
func (s *Slot) clearSession() { s.session = nil }

// Status is the read-only projection served on /status and persisted to disk.
type Status struct {
	Name                 string     `json:"name"`
	IdentityKey          string     `json:"identityKey"`
	State                State      `json:"state"`
	Occupying            bool       `json:"occupying"`
	PrimaryProcessID     *int       `json:"primaryProcessId"`
	SecondaryProcessID   *int       `json:"secondaryProcessId"`
	SecondaryProcessName string     `json:"secondaryProcessName,omitempty"`
	UptimeStartedAt      *time.Time `json:"uptimeStartedAt"`
	MaintenanceDeadline  *time.Time `json:"maintenanceDeadline"`
}

func (s *Slot) Status() Status {
	st := Status{
		Name:        s.Spec.Name,
		IdentityKey: s.Spec.Identity,
		State:       s.state,
		Occupying:   s.state.Occupying(),
	}
	if se := s.session; se != nil {
		p, q, started := se.PrimaryPID, se.SecondaryPID, se.StartedAt
		st.PrimaryProcessID, st.SecondaryProcessID, st.UptimeStartedAt = &p, &q, &started
		st.SecondaryProcessName = se.SecondaryName
		if !se.MaintenanceDue.IsZero() {
			due := se.MaintenanceDue
			st.MaintenanceDeadline = &due
		}
	}
	return st
}
