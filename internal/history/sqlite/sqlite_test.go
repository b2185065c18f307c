package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/joinkeeper/internal/history"
)

func launchEvents() []history.Event {
	now := time.Now().UTC()
	return []history.Event{
		{Type: history.EventTransition, OccurredAt: now, Record: history.Record{Slot: "cl_1", Identity: "license:a", Attempt: "att-1", From: "idle", To: "launching"}},
		{Type: history.EventTransition, OccurredAt: now.Add(time.Second), Record: history.Record{Slot: "cl_1", Identity: "license:a", Attempt: "att-1", From: "launching", To: "awaiting_connect"}},
		{Type: history.EventFailure, OccurredAt: now.Add(2 * time.Second), Record: history.Record{Slot: "cl_1", Identity: "license:a", Attempt: "att-1", From: "awaiting_connect", To: "idle", Kind: "connect_timeout", Error: "connect timeout"}},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	for _, e := range launchEvents() {
		require.NoError(t, sink.Send(ctx, e))
	}
	n, err := sink.Count(ctx, "cl_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// reopening keeps the table
	require.NoError(t, sink.Close())
	again, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })
	n, err = again.Count(ctx, "cl_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	e := history.Event{Type: history.EventRetire, OccurredAt: time.Now().UTC(), Record: history.Record{
		Slot: "cl_2", Identity: "license:b", From: "active", To: "retiring", Reason: "session_lost", PrimaryPID: 10, SecondaryPID: 11,
	}}
	require.NoError(t, sink.Send(ctx, e))

	n, err := sink.Count(ctx, "cl_2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = sink.Count(ctx, "cl_1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
	_, err = New("sqlite://")
	assert.Error(t, err)
}
