package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultName       = "joinkeeper"
)

// FileConfig describes rotated file destinations.
// If StdoutPath/StderrPath are empty and Dir is set, ProcessWriters uses
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config configures the supervisor logger and the writers used for script output.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text, json or color
	Stdout bool       `mapstructure:"stdout"` // tee to stdout when a file is configured
	Name   string     `mapstructure:"name"`   // base name of the supervisor log file
	File   FileConfig `mapstructure:"file"`
}

// New builds the supervisor logger. With File.Dir set, records go to a rotated
// Dir/<Name>.log (and also to stdout when Stdout is true); otherwise to stdout.
// The returned closer releases the log file and is never nil.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var file *lj.Logger
	if c.File.Dir != "" {
		file = c.File.rotated(filepath.Join(c.File.Dir, valOrStr(c.Name, DefaultName)+".log"))
	}

	var closer io.Closer = nopCloser{}
	var h slog.Handler
	switch {
	case file == nil:
		h = handlerFor(c.Format, os.Stdout, opts, true)
	case c.Stdout:
		closer = file
		h = handlerFor(c.Format, io.MultiWriter(file, os.Stdout), opts, true)
	default:
		closer = file
		h = handlerFor(c.Format, file, opts, true)
	}
	return slog.New(h), closer, nil
}

func handlerFor(format string, w io.Writer, opts *slog.HandlerOptions, showTime bool) slog.Handler {
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "color":
		return NewColorTextHandler(w, opts, showTime)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to a slog.Level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// ProcessWriters returns io.WriteClosers capturing stdout and stderr of a
// short-lived child such as an automation script. Either may be nil when no
// destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func valOrStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
