// Package config loads the supervisor configuration from TOML and the
// environment, fills defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/joinkeeper/internal/logger"
	"github.com/loykin/joinkeeper/internal/oracle"
	"github.com/loykin/joinkeeper/internal/procdir"
	"github.com/loykin/joinkeeper/internal/profile"
	"github.com/loykin/joinkeeper/internal/store"
	jktls "github.com/loykin/joinkeeper/internal/tls"
)

// MaxSlots is the number of clients one host can run side by side.
const MaxSlots = 2

// Error is a missing or malformed setting. It is fatal at startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %s", e.Field, e.Reason) }

// Config represents the top-level TOML structure.
type Config struct {
	Server        ServerConfig   `mapstructure:"server"`
	Client        ClientConfig   `mapstructure:"client"`
	Slots         []SlotConfig   `mapstructure:"slots"`
	Profile       profile.Config `mapstructure:"profile"`
	Scripts       ScriptsConfig  `mapstructure:"scripts"`
	Timing        TimingConfig   `mapstructure:"timing"`
	HTTP          HTTPConfig     `mapstructure:"http"`
	State         StateConfig    `mapstructure:"state"`
	History       HistoryConfig  `mapstructure:"history"`
	Log           logger.Config  `mapstructure:"log"`
	Metrics       MetricsConfig  `mapstructure:"metrics"`
	SweepPatterns []string       `mapstructure:"sweep_patterns"`
	ProcessSource string         `mapstructure:"process_source"` // tasklist, ps or gopsutil
	Env           []string       `mapstructure:"env"`
	EnvFiles      []string       `mapstructure:"env_files"`
}

// ServerConfig locates the game server and its session table.
type ServerConfig struct {
	Endpoint     string `mapstructure:"endpoint"` // base URL of the session table
	Address      string `mapstructure:"address"`  // what the connect script dials
	SessionsPath string `mapstructure:"sessions_path"`
}

// ClientConfig is shared by every slot.
type ClientConfig struct {
	Command        string            `mapstructure:"command"`
	WorkDir        string            `mapstructure:"workdir"`
	PrimaryProcess string            `mapstructure:"primary_process"`
	BuildPattern   string            `mapstructure:"build_pattern"`
	Spectator      bool              `mapstructure:"spectator"`
	Detached       bool              `mapstructure:"detached"`
	Log            logger.FileConfig `mapstructure:"log"`
}

// SlotConfig describes one client slot. Empty fields take per-index defaults.
type SlotConfig struct {
	Name                   string        `mapstructure:"name"`
	Identity               string        `mapstructure:"identity"`
	Args                   []string      `mapstructure:"args"`
	Env                    []string      `mapstructure:"env"`
	SecondaryProcess       string        `mapstructure:"secondary_process"`
	InstrumentationProcess string        `mapstructure:"instrumentation_process"`
	ExtraUptime            time.Duration `mapstructure:"extra_uptime"` // zero: index * timing.uptime_stagger
}

type ScriptsConfig struct {
	Dir             string            `mapstructure:"dir"`
	StagingDir      string            `mapstructure:"staging_dir"`
	Interpreter     string            `mapstructure:"interpreter"`
	InterpreterArgs []string          `mapstructure:"interpreter_args"`
	Connect         string            `mapstructure:"connect"`
	Detach          string            `mapstructure:"detach"`
	Instrument      string            `mapstructure:"instrument"`
	Maintenance     string            `mapstructure:"maintenance"`
	Output          logger.FileConfig `mapstructure:"output"`
}

type TimingConfig struct {
	Tick                time.Duration `mapstructure:"tick"`
	Poll                time.Duration `mapstructure:"poll"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	FailureCooldown     time.Duration `mapstructure:"failure_cooldown"`
	SetupAttempts       int           `mapstructure:"setup_attempts"`
	SetupInterval       time.Duration `mapstructure:"setup_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	MaxUptime           time.Duration `mapstructure:"max_uptime"`
	UptimeStagger       time.Duration `mapstructure:"uptime_stagger"`
	ScriptTimeout       time.Duration `mapstructure:"script_timeout"`
	OracleTimeout       time.Duration `mapstructure:"oracle_timeout"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
}

type HTTPConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	TLS     jktls.Options `mapstructure:"tls"`
}

// Listen is the address the status server binds.
func (h HTTPConfig) Listen() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// StateConfig selects where snapshots go. File is always written; DSNs add
// database tables (sqlite:// or postgres://).
type StateConfig struct {
	File string   `mapstructure:"file"`
	DSNs []string `mapstructure:"dsns"`
}

// HistoryConfig lists lifecycle event sinks by DSN.
type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	SampleMemory bool `mapstructure:"sample_memory"`
}

// legacyEnv maps the variable names of existing deployments onto keys.
var legacyEnv = map[string]string{
	"server.endpoint":  "SERVER_ENDPOINT",
	"server.address":   "SERVER_IP",
	"client.spectator": "IS_SPECTATOR",
	"http.port":        "PORT",
}

// IdentitiesEnv holds space separated identity keys, assigned to slots in order.
const IdentitiesEnv = "LICENSE_IDENTIFIERS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.endpoint", "")
	v.SetDefault("server.address", "")
	v.SetDefault("server.sessions_path", oracle.DefaultPath)

	v.SetDefault("client.command", "FiveM.exe")
	v.SetDefault("client.workdir", "")
	v.SetDefault("client.primary_process", "FiveM.exe")
	v.SetDefault("client.build_pattern", `_b\d+`)
	v.SetDefault("client.spectator", false)
	v.SetDefault("client.detached", true)

	v.SetDefault("scripts.dir", "scripts")
	v.SetDefault("scripts.staging_dir", "temp")
	v.SetDefault("scripts.interpreter", "AutoHotkey.exe")
	v.SetDefault("scripts.connect", "f8connect.ahk")
	v.SetDefault("scripts.detach", "f8close.ahk")
	v.SetDefault("scripts.instrument", "devtools.ahk")
	v.SetDefault("scripts.maintenance", "collectgarbage.ahk")
	v.SetDefault("scripts.output.dir", "_logs/scripts")

	v.SetDefault("timing.tick", time.Second)
	v.SetDefault("timing.poll", time.Second)
	v.SetDefault("timing.launch_timeout", 30*time.Second)
	v.SetDefault("timing.connect_timeout", 5*time.Minute)
	v.SetDefault("timing.failure_cooldown", 30*time.Second)
	v.SetDefault("timing.setup_attempts", 30)
	v.SetDefault("timing.setup_interval", time.Second)
	v.SetDefault("timing.maintenance_interval", 2*time.Minute)
	v.SetDefault("timing.max_uptime", 4*time.Hour)
	v.SetDefault("timing.uptime_stagger", 15*time.Minute)
	v.SetDefault("timing.script_timeout", 30*time.Second)
	v.SetDefault("timing.oracle_timeout", 5*time.Second)
	v.SetDefault("timing.retry_backoff", time.Second)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.host", "")
	v.SetDefault("http.port", 3000)

	v.SetDefault("state.file", store.DefaultPath)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sample_memory", true)
	v.SetDefault("sweep_patterns", []string{"FiveM_*DumpServer*"})
	v.SetDefault("process_source", "")
}

// Load reads file (optional) and the environment. A .env file next to the
// config, or in the working directory without one, is applied first; then
// every env_files entry. Variables already set in the process win.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("JOINKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range legacyEnv {
		_ = v.BindEnv(key, "JOINKEEPER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), name)
	}

	dotenv := ".env"
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		dotenv = filepath.Join(filepath.Dir(file), ".env")
	}
	if err := applyEnvFile(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, f := range v.GetStringSlice("env_files") {
		if err := applyEnvFile(f); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.assignIdentities(os.Getenv(IdentitiesEnv))
	c.fillSlots()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// assignIdentities fills empty slot identities from a space separated list.
func (c *Config) assignIdentities(list string) {
	ids := strings.Fields(list)
	for i, id := range ids {
		if i >= MaxSlots {
			break
		}
		for len(c.Slots) <= i {
			c.Slots = append(c.Slots, SlotConfig{})
		}
		if c.Slots[i].Identity == "" {
			c.Slots[i].Identity = id
		}
	}
}

// fillSlots pads to MaxSlots with disabled slots and applies per-index defaults.
func (c *Config) fillSlots() {
	for len(c.Slots) < MaxSlots {
		c.Slots = append(c.Slots, SlotConfig{})
	}
	for i := range c.Slots {
		s := &c.Slots[i]
		n := i + 1
		if s.Name == "" {
			s.Name = fmt.Sprintf("cl_%d", n)
		}
		infix := ""
		if n > 1 {
			infix = fmt.Sprintf("_cl%d", n)
		}
		if s.Args == nil {
			s.Args = []string{"-pure_1"}
			if n > 1 {
				s.Args = append(s.Args, fmt.Sprintf("-cl%d", n))
			}
		}
		if s.SecondaryProcess == "" {
			s.SecondaryProcess = "FiveM" + infix + "_GTAProcess.exe"
		}
		if s.InstrumentationProcess == "" {
			s.InstrumentationProcess = "FiveM" + infix + "_ChromeBrowser"
		}
		if s.ExtraUptime == 0 {
			s.ExtraUptime = time.Duration(i) * c.Timing.UptimeStagger
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, reason string) { errs = append(errs, &Error{Field: field, Reason: reason}) }

	if c.Server.Endpoint == "" {
		bad("server.endpoint", "required (or SERVER_ENDPOINT)")
	} else if !strings.HasPrefix(c.Server.Endpoint, "http://") && !strings.HasPrefix(c.Server.Endpoint, "https://") {
		bad("server.endpoint", "must be an http(s) URL")
	}
	if c.Server.Address == "" {
		bad("server.address", "required (or SERVER_IP)")
	}
	if c.Client.Command == "" {
		bad("client.command", "required")
	}
	if c.Client.PrimaryProcess == "" {
		bad("client.primary_process", "required")
	}
	if _, err := procdir.NewNameNormalizer(c.Client.BuildPattern); err != nil {
		bad("client.build_pattern", err.Error())
	}

	if len(c.Slots) > MaxSlots {
		bad("slots", fmt.Sprintf("at most %d slots are supported", MaxSlots))
	}
	seen := map[string]string{}
	names := map[string]bool{}
	enabled := 0
	for i, s := range c.Slots {
		field := fmt.Sprintf("slots[%d]", i)
		if names[s.Name] {
			bad(field+".name", fmt.Sprintf("duplicate slot name %q", s.Name))
		}
		names[s.Name] = true
		if s.Identity == "" {
			continue
		}
		enabled++
		if other, ok := seen[s.Identity]; ok {
			bad(field+".identity", "identity already used by "+other)
		}
		seen[s.Identity] = s.Name
		if s.SecondaryProcess == "" {
			bad(field+".secondary_process", "required")
		}
		if s.ExtraUptime < 0 {
			bad(field+".extra_uptime", "must not be negative")
		}
	}
	if enabled == 0 {
		bad("slots", "at least one slot needs an identity (or "+IdentitiesEnv+")")
	}

	if c.Scripts.Connect == "" {
		bad("scripts.connect", "required")
	}
	if c.Client.Spectator {
		if c.Scripts.Detach == "" {
			bad("scripts.detach", "required in spectator mode")
		}
	} else {
		if c.Scripts.Instrument == "" {
			bad("scripts.instrument", "required")
		}
		if c.Scripts.Maintenance == "" {
			bad("scripts.maintenance", "required")
		}
	}

	t := c.Timing
	for field, d := range map[string]time.Duration{
		"timing.tick":                 t.Tick,
		"timing.poll":                 t.Poll,
		"timing.launch_timeout":       t.LaunchTimeout,
		"timing.connect_timeout":      t.ConnectTimeout,
		"timing.failure_cooldown":     t.FailureCooldown,
		"timing.setup_interval":       t.SetupInterval,
		"timing.maintenance_interval": t.MaintenanceInterval,
		"timing.max_uptime":           t.MaxUptime,
		"timing.script_timeout":       t.ScriptTimeout,
		"timing.oracle_timeout":       t.OracleTimeout,
		"timing.retry_backoff":        t.RetryBackoff,
	} {
		if d <= 0 {
			bad(field, "must be positive")
		}
	}
	if t.UptimeStagger < 0 {
		bad("timing.uptime_stagger", "must not be negative")
	}
	if t.SetupAttempts <= 0 {
		bad("timing.setup_attempts", "must be positive")
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		bad("http.port", "must be between 1 and 65535")
	}
	if c.HTTP.Enabled {
		if err := c.HTTP.TLS.Validate(); err != nil {
			bad("http.tls", err.Error())
		}
	}
	if c.State.File == "" {
		bad("state.file", "required")
	}
	for i, p := range c.SweepPatterns {
		if _, err := path.Match(p, "x"); err != nil {
			bad(fmt.Sprintf("sweep_patterns[%d]", i), err.Error())
		}
	}
	if _, err := procdir.ListerFor(c.ProcessSource); err != nil {
		bad("process_source", err.Error())
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		bad("log.level", err.Error())
	}
	return errors.Join(errs...)
}
