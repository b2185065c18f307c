package process

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/joinkeeper/internal/logger"
	"github.com/loykin/joinkeeper/internal/procdir"
)

// existsLister reports only the pids it was told about, filtered by processExists.
type existsLister struct{ pids []int }

func (l existsLister) List(context.Context) (procdir.Snapshot, error) {
	var s procdir.Snapshot
	for _, pid := range l.pids {
		if processExists(pid) {
			s = append(s, procdir.Record{Name: "child", PID: pid})
		}
	}
	return s, nil
}

func TestLaunchThenTerminate(t *testing.T) {
	requireUnixSpec(t)
	dir := t.TempDir()
	l := NewLauncher(slog.Default())
	spec := LaunchSpec{
		Name:     "client",
		Command:  "sh -c 'echo started; exec sleep 30'",
		Detached: true,
		Log:      logger.Config{File: logger.FileConfig{Dir: dir}},
	}
	pid, err := l.Launch(context.Background(), spec)
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	require.True(t, processExists(pid))

	term := NewTerminator(existsLister{pids: []int{pid}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, term.Kill(ctx, pid))

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "client.stdout.log"))
		return err == nil && len(b) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLaunchSpawnFailure(t *testing.T) {
	l := NewLauncher(nil)
	_, err := l.Launch(context.Background(), LaunchSpec{Name: "missing", Command: "/nonexistent/joinkeeper-client"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailure)
}

func TestConfigureSysProcAttrDetached(t *testing.T) {
	spec := LaunchSpec{Command: "FiveM.exe", Detached: true}
	cmd := spec.BuildCommand()
	configureSysProcAttr(cmd, spec)
	checkSysProcAttrs(t, cmd)
}
