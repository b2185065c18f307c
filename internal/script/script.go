// Package script runs automation scripts against client windows. A template is
// read from the script directory, placeholders are substituted, and the
// result is staged under a unique name, executed, and removed.
package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/joinkeeper/internal/env"
	"github.com/loykin/joinkeeper/internal/logger"
	"github.com/loykin/joinkeeper/internal/metrics"
)

var (
	// ErrExecutionTimeout means the script outlived its timeout and was killed.
	ErrExecutionTimeout = errors.New("script execution timeout")
	// ErrSpawnFailure means the script could not be materialized or started.
	ErrSpawnFailure = errors.New("script spawn failure")
)

// Request names a script and the variables to substitute into it. A zero
// Timeout uses the executor default.
type Request struct {
	Script  string
	Vars    env.Var
	Timeout time.Duration
}

// Config configures an Executor. With an empty Interpreter the staged file is
// executed directly.
type Config struct {
	Dir             string        // where templates live
	StagingDir      string        // where materialized scripts are written
	Interpreter     string        // e.g. AutoHotkey.exe
	InterpreterArgs []string      // placed before the staged path
	Timeout         time.Duration // default 30s
	Output          logger.Config // stdout/stderr capture per script
	Logger          *slog.Logger
}

// Executor runs one script at a time. Callers must not overlap Run calls.
type Executor struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "temp"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{cfg: cfg, log: cfg.Logger}
}

// Run materializes and executes req. A non-zero exit status is logged but is
// not an error; only ErrExecutionTimeout and ErrSpawnFailure are returned
// (plus ctx.Err() when the supervisor is shutting down).
func (e *Executor) Run(ctx context.Context, req Request) (err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	start := time.Now()
	result := "ok"
	defer func() {
		switch {
		case errors.Is(err, ErrExecutionTimeout):
			result = "timeout"
		case err != nil:
			result = "error"
		}
		metrics.ObserveScript(baseName(req.Script), result, time.Since(start).Seconds())
	}()

	staged, err := e.stage(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req.Script, err)
	}
	defer func() {
		if rmErr := os.Remove(staged); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.log.Warn("failed to remove staged script", "path", staged, "error", rmErr)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := e.command(runCtx, staged)
	cmd.WaitDelay = time.Second
	outW, errW := e.outputs(req.Script)
	defer closeAll(outW, errW)
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	log := e.log.With("script", req.Script)
	if err := cmd.Start(); err != nil {
		log.Error("failed to start script", "error", err)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailure, req.Script, err)
	}
	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn("script took too long, killed", "timeout", timeout)
		return fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, req.Script, timeout)
	case waitErr != nil:
		log.Warn("script exited with error", "error", waitErr, "elapsed", time.Since(start))
	default:
		log.Debug("script finished", "elapsed", time.Since(start))
	}
	return nil
}

// writeFile is replaced in tests to simulate a short write.
var writeFile = os.WriteFile

// stage writes the substituted template to a uniquely named file.
func (e *Executor) stage(req Request) (string, error) {
	tpl, err := os.ReadFile(filepath.Join(e.cfg.Dir, req.Script))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.cfg.StagingDir, 0o750); err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(e.cfg.StagingDir, uuid.NewString()+filepath.Ext(req.Script)))
	if err != nil {
		return "", err
	}
	mode := os.FileMode(0o600)
	if e.cfg.Interpreter == "" {
		mode = 0o700
	}
	if err := writeFile(path, []byte(env.Expand(string(tpl), req.Vars)), mode); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (e *Executor) command(ctx context.Context, staged string) *exec.Cmd {
	if e.cfg.Interpreter == "" {
		// #nosec G204
		return exec.CommandContext(ctx, staged)
	}
	args := append(append([]string{}, e.cfg.InterpreterArgs...), staged)
	// #nosec G204
	return exec.CommandContext(ctx, e.cfg.Interpreter, args...)
}

func (e *Executor) outputs(script string) (io.WriteCloser, io.WriteCloser) {
	if e.cfg.Output.File.Dir != "" {
		_ = os.MkdirAll(e.cfg.Output.File.Dir, 0o750)
	}
	outW, errW, _ := e.cfg.Output.ProcessWriters(baseName(script))
	return outW, errW
}

// Cleanup removes the staging directory and anything left in it.
func (e *Executor) Cleanup() error {
	return os.RemoveAll(e.cfg.StagingDir)
}

func baseName(script string) string {
	b := filepath.Base(script)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
