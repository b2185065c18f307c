// Package joinkeeper keeps up to two game clients joined to a server: it
// launches them, drives them through connect and load, keeps them healthy and
// restarts them when they age out or drop.
package joinkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/joinkeeper/internal/config"
	"github.com/loykin/joinkeeper/internal/env"
	"github.com/loykin/joinkeeper/internal/history"
	hfactory "github.com/loykin/joinkeeper/internal/history/factory"
	"github.com/loykin/joinkeeper/internal/logger"
	"github.com/loykin/joinkeeper/internal/manager"
	"github.com/loykin/joinkeeper/internal/metrics"
	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/profile"
	"github.com/loykin/joinkeeper/internal/script"
	iapi "github.com/loykin/joinkeeper/internal/server"
	"github.com/loykin/joinkeeper/internal/slot"
	"github.com/loykin/joinkeeper/internal/store"
	sfactory "github.com/loykin/joinkeeper/internal/store/factory"
	jktls "github.com/loykin/joinkeeper/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type ConfigError = config.Error

type Status = slot.Status

// Snapshot is the slot table persisted after every tick.
type Snapshot = store.Snapshot

type State = slot.State

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor is a fully wired reconciliation loop.
type Supervisor struct {
	cfg      *Config
	log      *slog.Logger
	mgr      *manager.Manager
	executor *script.Executor
	closers  []io.Closer
}

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

type Option func(*options)

// WithLogger replaces the logger built from the [log] section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// New wires every component described by cfg. Call Close when done.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Supervisor{cfg: cfg, log: o.logger}
	if s.log == nil {
		l, closer, err := logger.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		s.log = l
		s.closers = append(s.closers, closer)
	}
	if err := s.wire(o); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) wire(o options) error {
	cfg, log := s.cfg, s.log
	if cfg.Metrics.Enabled {
		if err := metrics.Register(o.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	lister, err := procdir.ListerFor(cfg.ProcessSource)
	if err != nil {
		return &config.Error{Field: "process_source", Reason: err.Error()}
	}
	dir := procdir.New(lister, procdir.WithBackoff(cfg.Timing.RetryBackoff), procdir.WithLogger(log))
	term := process.NewTerminator(dir, process.WithTerminatorLogger(log))

	oc := cfg.OracleConfig()
	oc.Logger = log
	orc := oracle.New(oc)
	sc := cfg.ScriptConfig()
	sc.Logger = log
	s.executor = script.New(sc)
	prof := profile.New(cfg.Profile, log)

	mc, err := cfg.MachineConfig()
	if err != nil {
		return err
	}
	machine := slot.NewMachine(mc, slot.Deps{
		Directory:  dir,
		Oracle:     orc,
		Executor:   s.executor,
		Terminator: term,
		Launcher:   process.NewLauncher(log),
		Preparer:   prof,
		Logger:     log,
	})
	var slots []*slot.Slot
	for _, spec := range cfg.SlotSpecs() {
		slots = append(slots, slot.New(spec))
	}

	st, err := sfactory.Open(cfg.State.File, cfg.State.DSNs)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	s.closers = append(s.closers, st)
	deps := manager.Deps{
		Directory:  dir,
		Terminator: term,
		Preparer:   prof,
		Stager:     s.executor,
		Store:      st,
		Logger:     log,
	}
	if len(cfg.History.DSNs) > 0 {
		hist, err := hfactory.NewFanout(cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("open history sinks: %w", err)
		}
		s.closers = append(s.closers, hist)
		deps.History = hist
	}
	if cfg.Metrics.Enabled && cfg.Metrics.SampleMemory {
		deps.Memory = procdir.ResidentBytes
	}

	s.mgr, err = manager.New(cfg.ManagerConfig(), machine, slots, deps)
	if err != nil {
		return err
	}
	log.Info("supervisor configured",
		"slots", len(slots), "spectator", cfg.Client.Spectator,
		"process_source", lister.Describe(), "sessions", orc.URL(),
		"state", cfg.State.File, "history_sinks", len(cfg.History.DSNs))
	return nil
}

// Run blocks until ctx ends. Cancellation is a clean stop and returns nil.
func (s *Supervisor) Run(ctx context.Context) error { return s.mgr.Run(ctx) }

// Statuses is the current slot table.
func (s *Supervisor) Statuses() []Status { return s.mgr.Statuses() }

// LastTick is when the last reconciliation tick completed.
func (s *Supervisor) LastTick() time.Time { return s.mgr.LastTick() }

func (s *Supervisor) Logger() *slog.Logger { return s.log }

// Handler serves /status, /healthz and, with metrics enabled, /metrics.
func (s *Supervisor) Handler() http.Handler {
	opts := []iapi.Option{iapi.WithStaleAfter(s.longestTick())}
	if s.cfg.Metrics.Enabled {
		opts = append(opts, iapi.WithMetrics())
	}
	return iapi.NewRouter(s.mgr, "", opts...).Handler()
}

// longestTick bounds a healthy tick: a full launch that fails at the last
// setup attempt and then cools down, plus slack for kills.
func (s *Supervisor) longestTick() time.Duration {
	t := s.cfg.Timing
	return t.LaunchTimeout + t.ConnectTimeout + time.Duration(t.SetupAttempts)*t.SetupInterval +
		t.FailureCooldown + 2*time.Minute
}

// RunScript runs one automation script with vars, outside the loop. It is
// meant for trying scripts by hand, not while the supervisor is running.
func (s *Supervisor) RunScript(ctx context.Context, name string, vars map[string]string) error {
	return s.executor.Run(ctx, script.Request{Script: name, Vars: env.Var(vars)})
}

// Close releases stores, history sinks and the log file.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// LoadSnapshot reads the state file a supervisor writes after every tick.
func LoadSnapshot(path string) (Snapshot, error) {
	if path == "" {
		path = store.DefaultPath
	}
	return store.Load(path)
}

// NewHTTPServer starts the status server for sup on the configured
// address, with TLS when http.tls is enabled.
func NewHTTPServer(sup *Supervisor) (*http.Server, error) {
	tlsCfg, err := jktls.Setup(sup.cfg.HTTP.TLS)
	if err != nil {
		return nil, fmt.Errorf("status server tls: %w", err)
	}
	return iapi.NewServer(sup.cfg.HTTP.Listen(), sup.Handler(), tlsCfg, sup.log), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// HistorySink receives lifecycle events; see NewSink.
type HistorySink = history.Sink

// NewSink opens a history sink from a DSN such as sqlite://events.db.
func NewSink(dsn string) (HistorySink, error) { return hfactory.NewSinkFromDSN(dsn) }
