package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/joinkeeper"
)

func runScript(ctx context.Context, flags *ScriptFlags, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	vars, err := parseVars(flags.Vars)
	if err != nil {
		return err
	}
	cfg, err := joinkeeper.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Timeout > 0 {
		cfg.Timing.ScriptTimeout = flags.Timeout
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sup, err := joinkeeper.New(cfg, joinkeeper.WithLogger(log), joinkeeper.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	return sup.RunScript(ctx, name, vars)
}
