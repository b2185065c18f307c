package config

import (
	"strings"

	"github.com/loykin/joinkeeper/internal/env"
	"github.com/loykin/joinkeeper/internal/logger"
	"github.com/loykin/joinkeeper/internal/manager"
	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/script"
	"github.com/loykin/joinkeeper/internal/slot"
)

// SlotTiming returns the lifecycle waits.
func (c *Config) SlotTiming() slot.Timing {
	t := c.Timing
	return slot.Timing{
		Poll:                t.Poll,
		LaunchTimeout:       t.LaunchTimeout,
		ConnectTimeout:      t.ConnectTimeout,
		FailureCooldown:     t.FailureCooldown,
		SetupAttempts:       t.SetupAttempts,
		SetupInterval:       t.SetupInterval,
		MaintenanceInterval: t.MaintenanceInterval,
		MaxUptime:           t.MaxUptime,
		ScriptTimeout:       t.ScriptTimeout,
	}
}

// MachineConfig returns the settings shared by all slots.
func (c *Config) MachineConfig() (slot.Config, error) {
	names, err := procdir.NewNameNormalizer(c.Client.BuildPattern)
	if err != nil {
		return slot.Config{}, &Error{Field: "client.build_pattern", Reason: err.Error()}
	}
	return slot.Config{
		ServerAddress: c.Server.Address,
		Spectator:     c.Client.Spectator,
		Scripts: slot.Scripts{
			Connect:     c.Scripts.Connect,
			Detach:      c.Scripts.Detach,
			Instrument:  c.Scripts.Instrument,
			Maintenance: c.Scripts.Maintenance,
		},
		Timing: c.SlotTiming(),
		Names:  names,
	}, nil
}

// SlotSpecs returns one spec per configured slot, in order. A custom
// environment is composed only when env or a slot's env is set; otherwise
// clients inherit the supervisor's.
func (c *Config) SlotSpecs() []slot.Spec {
	base := env.New()
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base = base.WithSet(kv[:i], kv[i+1:])
		}
	}
	specs := make([]slot.Spec, 0, len(c.Slots))
	for i, s := range c.Slots {
		launch := process.LaunchSpec{
			Name:     s.Name,
			Command:  c.Client.Command,
			Args:     append([]string(nil), s.Args...),
			WorkDir:  c.Client.WorkDir,
			Detached: c.Client.Detached,
			Log:      logger.Config{File: c.Client.Log},
		}
		if len(c.Env) > 0 || len(s.Env) > 0 {
			launch.Env = base.Merge(s.Env)
		}
		specs = append(specs, slot.Spec{
			Index:                  i,
			Name:                   s.Name,
			Identity:               s.Identity,
			Launch:                 launch,
			PrimaryProcess:         c.Client.PrimaryProcess,
			SecondaryProcess:       s.SecondaryProcess,
			InstrumentationProcess: s.InstrumentationProcess,
			ExtraUptime:            s.ExtraUptime,
		})
	}
	return specs
}

// OracleConfig returns the session table client settings.
func (c *Config) OracleConfig() oracle.Config {
	return oracle.Config{
		Endpoint: c.Server.Endpoint,
		Path:     c.Server.SessionsPath,
		Timeout:  c.Timing.OracleTimeout,
		Backoff:  c.Timing.RetryBackoff,
	}
}

// ScriptConfig returns the executor settings.
func (c *Config) ScriptConfig() script.Config {
	return script.Config{
		Dir:             c.Scripts.Dir,
		StagingDir:      c.Scripts.StagingDir,
		Interpreter:     c.Scripts.Interpreter,
		InterpreterArgs: append([]string(nil), c.Scripts.InterpreterArgs...),
		Timeout:         c.Timing.ScriptTimeout,
		Output:          logger.Config{File: c.Scripts.Output},
	}
}

// ManagerConfig returns the reconciliation loop settings.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Tick:          c.Timing.Tick,
		SweepPatterns: append([]string{}, c.SweepPatterns...),
	}
}
