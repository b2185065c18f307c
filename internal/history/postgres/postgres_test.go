package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/joinkeeper/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgresContainer.Terminate(ctx) })

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: now, Record: history.Record{Slot: "cl_1", Identity: "license:a", Attempt: "att-1", From: "post_load_setup", To: "active", PrimaryPID: 100, SecondaryPID: 101}},
		{Type: history.EventRetire, OccurredAt: now.Add(time.Hour), Record: history.Record{Slot: "cl_1", Identity: "license:a", From: "active", To: "retiring", Reason: "uptime", PrimaryPID: 100, SecondaryPID: 101}},
		{Type: history.EventRetire, OccurredAt: now.Add(time.Hour + 2*time.Second), Record: history.Record{Slot: "cl_1", Identity: "license:a", From: "retiring", To: "idle", Reason: "uptime"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	n, err := sink.Count(ctx, "cl_1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New(" ")
	assert.Error(t, err)
}
