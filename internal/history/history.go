// Package history exports slot lifecycle events to analytics systems.
package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	// EventTransition is any state change that is neither a failure nor a retirement.
	EventTransition EventType = "transition"
	// EventFailure is the reset to Idle after a failed launch.
	EventFailure EventType = "failure"
	// EventRetire covers the move to Retiring and the terminal reset after it.
	EventRetire EventType = "retire"
)

// Record is the flattened slot state carried by an event.
type Record struct {
	Slot         string `json:"slot"`
	Identity     string `json:"identity"`
	Attempt      string `json:"attempt,omitempty"`
	From         string `json:"from"`
	To           string `json:"to"`
	Reason       string `json:"reason,omitempty"`
	Kind         string `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
	PrimaryPID   int    `json:"primary_pid,omitempty"`
	SecondaryPID int    `json:"secondary_pid,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds a connection.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
