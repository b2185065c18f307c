package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/joinkeeper/internal/poll"
	"github.com/loykin/joinkeeper/internal/procdir"
)

// table is a process table whose entries die after a number of kill requests.
type table struct {
	alive map[int]string
	lives map[int]int // kill requests survived before dying
	kills map[int]int
}

func newTable() *table {
	return &table{alive: map[int]string{}, lives: map[int]int{}, kills: map[int]int{}}
}

func (tb *table) List(context.Context) (procdir.Snapshot, error) {
	var s procdir.Snapshot
	for pid, name := range tb.alive {
		s = append(s, procdir.Record{Name: name, PID: pid})
	}
	return s, nil
}

func (tb *table) kill(pid int) error {
	tb.kills[pid]++
	if _, ok := tb.alive[pid]; !ok {
		return errors.New("no such process")
	}
	if tb.kills[pid] > tb.lives[pid] {
		delete(tb.alive, pid)
	}
	return nil
}

func TestKill_ConfirmsDeath(t *testing.T) {
	tb := newTable()
	tb.alive[10] = "FiveM.exe"
	clk := poll.NewFakeClock(time.Unix(0, 0))
	term := NewTerminator(tb, WithTerminatorClock(clk), WithKillFunc(tb.kill))

	require.NoError(t, term.Kill(context.Background(), 10))
	assert.Equal(t, 1, tb.kills[10])
	assert.Equal(t, time.Second, clk.Slept())
}

func TestKill_RetriesDroppedSignal(t *testing.T) {
	tb := newTable()
	tb.alive[11] = "FiveM_GTAProcess.exe"
	tb.lives[11] = 2
	clk := poll.NewFakeClock(time.Unix(0, 0))
	term := NewTerminator(tb, WithTerminatorClock(clk), WithKillFunc(tb.kill))

	require.NoError(t, term.Kill(context.Background(), 11))
	assert.Equal(t, 3, tb.kills[11])
	assert.Equal(t, 3*time.Second, clk.Slept())
}

func TestKill_AlreadyGoneAndInvalidPID(t *testing.T) {
	tb := newTable()
	clk := poll.NewFakeClock(time.Unix(0, 0))
	term := NewTerminator(tb, WithTerminatorClock(clk), WithKillFunc(tb.kill))

	require.NoError(t, term.Kill(context.Background(), 99))
	require.NoError(t, term.Kill(context.Background(), 0))
	assert.Zero(t, tb.kills[0])
}

func TestKill_ContextCancelled(t *testing.T) {
	tb := newTable()
	tb.alive[12] = "stubborn"
	tb.lives[12] = 1 << 30
	ctx, cancel := context.WithCancel(context.Background())
	clk := poll.NewFakeClock(time.Unix(0, 0))
	clk.OnSleep(func(now time.Time) {
		if now.Unix() >= 5 {
			cancel()
		}
	})
	term := NewTerminator(tb, WithTerminatorClock(clk), WithKillFunc(tb.kill))
	assert.ErrorIs(t, term.Kill(ctx, 12), context.Canceled)
}

func TestKillMatching(t *testing.T) {
	tb := newTable()
	tb.alive[20] = "FiveM_b2699_DumpServer"
	tb.alive[21] = "FiveM.exe"
	tb.alive[22] = "FiveM_DumpServer.exe"
	snap, _ := tb.List(context.Background())
	term := NewTerminator(tb, WithTerminatorClock(poll.NewFakeClock(time.Unix(0, 0))), WithKillFunc(tb.kill))

	killed, err := term.KillMatching(context.Background(), snap, func(n string) bool { return n != "FiveM.exe" })
	require.NoError(t, err)
	assert.Len(t, killed, 2)
	assert.Contains(t, tb.alive, 21)
	assert.NotContains(t, tb.alive, 20)
	assert.NotContains(t, tb.alive, 22)
}
