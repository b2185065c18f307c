package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// ErrSpawnFailure reports that an external process could not be started.
var ErrSpawnFailure = errors.New("spawn failure")

// Launcher starts external clients detached from the supervisor. It does not
// track them afterwards; liveness is observed through the process directory.
type Launcher struct {
	log *slog.Logger
}

func NewLauncher(log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{log: log}
}

// Launch starts spec and returns the pid of the direct child. The child is
// reaped in the background so it never lingers as a zombie.
func (l *Launcher) Launch(_ context.Context, spec LaunchSpec) (int, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd, spec)
	outW, errW := l.outputs(spec)
	cmd.Stdout, cmd.Stderr = outW, errW

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return 0, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, spec.Name, err)
	}
	pid := cmd.Process.Pid
	l.log.Info("client launched", "name", spec.Name, "pid", pid, "cmd", cmd.String())
	go func(c *exec.Cmd) {
		err := c.Wait()
		closeAll(outW, errW)
		l.log.Debug("launcher child exited", "name", spec.Name, "pid", pid, "error", err)
	}(cmd)
	return pid, nil
}

func (l *Launcher) outputs(spec LaunchSpec) (io.WriteCloser, io.WriteCloser) {
	if spec.Log.File.Dir != "" {
		_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
	}
	outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
	return outW, errW
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
