package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/joinkeeper"
)

const shutdownTimeout = 5 * time.Second

func runServe(parent context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := joinkeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	lock, err := acquireLock(lockPath(flags.LockFile, cfg.State.File))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	sup, err := joinkeeper.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	log := sup.Logger()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.HTTP.Enabled {
		if server, err = joinkeeper.NewHTTPServer(sup); err != nil {
			return err
		}
	}

	runErr := sup.Run(ctx)
	log.Info("shutting down")
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			log.Warn("status server shutdown", "error", err)
		}
	}
	return runErr
}

// lockPath defaults to a lock file next to the state snapshot.
func lockPath(flag, stateFile string) string {
	if flag != "" {
		return flag
	}
	return filepath.Join(filepath.Dir(stateFile), "joinkeeper.lock")
}

// acquireLock takes the single-instance lock without blocking. Two
// supervisors on one host would fight over the same client processes.
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("joinkeeper already running (lock %s held by another process)", path)
	}
	return lock, nil
}
