// Package store persists the slot snapshot written after every tick. The
// snapshot is advisory: nothing reads it back on startup.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/joinkeeper/internal/slot"
)

// Snapshot is the state of every slot at the end of one tick.
type Snapshot struct {
	UpdatedAt time.Time     `json:"updatedAt"`
	Clients   []slot.Status `json:"clients"`
}

// Store saves snapshots. Save replaces whatever was stored before.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Multi saves to every store and joins their errors.
type Multi []Store

func (m Multi) Save(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
