package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/joinkeeper/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(addr, "slot_history")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	now := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventTransition, OccurredAt: now, Record: history.Record{Slot: "cl_2", Identity: "license:b", Attempt: "att-9", From: "idle", To: "launching"}},
		{Type: history.EventFailure, OccurredAt: now.Add(30 * time.Second), Record: history.Record{Slot: "cl_2", Identity: "license:b", Attempt: "att-9", From: "launching", To: "idle", Kind: "launch_timeout", Error: "launch timeout"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	n, err := sink.Count(ctx, "cl_2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestClickHouseSink_CanceledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	addr := setupClickHouseContainer(ctx, t)

	sink, err := New(addr, "slot_history")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = sink.Send(canceled, history.Event{Type: history.EventTransition, OccurredAt: time.Now().UTC(), Record: history.Record{Slot: "cl_1"}})
	assert.Error(t, err)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping network test in short mode")
	}
	_, err := New("invalid-host.invalid:9000", "slot_history")
	assert.Error(t, err)
}
