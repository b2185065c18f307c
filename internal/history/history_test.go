package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	got    []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

type sendOnly struct{ n int }

func (s *sendOnly) Send(context.Context, Event) error { s.n++; return nil }

func TestFanoutSendsToEverySink(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{}
	b := &recordingSink{err: boom}
	c := &sendOnly{}
	f := Fanout{a, b, c}

	e := Event{Type: EventRetire, OccurredAt: time.Now().UTC(), Record: Record{Slot: "cl_1", From: "active", To: "retiring", Reason: "uptime"}}
	err := f.Send(context.Background(), e)
	require.ErrorIs(t, err, boom)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
	assert.Equal(t, 1, c.n)
	assert.Equal(t, "uptime", a.got[0].Record.Reason)

	require.NoError(t, f.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestEmptyFanout(t *testing.T) {
	var f Fanout
	assert.NoError(t, f.Send(context.Background(), Event{}))
	assert.NoError(t, f.Close())
}
