package manager

import (
	"context"
	"time"

	"github.com/loykin/joinkeeper/internal/history"
	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/slot"
)

const historyTimeout = 5 * time.Second

// observe runs synchronously on every state change, including the ones made
// in the middle of a long transition, so /status shows the live stage.
func (m *Manager) observe(ev slot.Event) {
	m.publish(ev.Status)

	from, to := ev.From.String(), ev.To.String()
	metrics.RecordStateTransition(ev.Slot, from, to)
	for _, st := range slot.States() {
		metrics.SetCurrentState(ev.Slot, st.String(), st == ev.To)
	}
	switch {
	case ev.From == slot.PostLoadSetup && ev.To == slot.Active:
		metrics.IncLaunch(ev.Slot, "success")
	case ev.From == slot.Maintenance:
		result := "success"
		if ev.Err != nil {
			result = "failure"
		}
		metrics.IncMaintenance(ev.Slot, result)
	case ev.To == slot.Retiring:
		metrics.IncRetirement(ev.Slot, ev.Reason)
	case ev.To == slot.Idle && ev.Reason == "" && ev.Err != nil:
		kind := slot.FailureKind(ev.Err)
		metrics.IncFailure(ev.Slot, kind)
		if kind != "canceled" {
			metrics.IncLaunch(ev.Slot, "failure")
		}
	case ev.Reason == ReasonExited:
		metrics.IncRetirement(ev.Slot, ReasonExited)
	}

	if m.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := m.deps.History.Send(ctx, historyEvent(ev)); err != nil {
			m.log.Warn("failed to export history event", "slot", ev.Slot, "error", err)
		}
	}
}

func historyEvent(ev slot.Event) history.Event {
	typ := history.EventTransition
	switch {
	case ev.Reason == slot.ReasonUptime || ev.Reason == slot.ReasonSessionLost:
		typ = history.EventRetire
	case ev.To == slot.Idle && ev.Err != nil:
		typ = history.EventFailure
	}
	rec := history.Record{
		Slot:     ev.Slot,
		Identity: ev.Identity,
		Attempt:  ev.Attempt,
		From:     ev.From.String(),
		To:       ev.To.String(),
		Reason:   ev.Reason,
	}
	if ev.Err != nil {
		rec.Kind = slot.FailureKind(ev.Err)
		rec.Error = ev.Err.Error()
	}
	if p := ev.Status.PrimaryProcessID; p != nil {
		rec.PrimaryPID = *p
	}
	if p := ev.Status.SecondaryProcessID; p != nil {
		rec.SecondaryPID = *p
	}
	return history.Event{Type: typ, OccurredAt: ev.At.UTC(), Record: rec}
}
