package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("f8connect")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	require.FileExists(t, filepath.Join(dir, "f8connect.stdout.log"))
	require.FileExists(t, filepath.Join(dir, "f8connect.stderr.log"))
}

func TestProcessWriters_DefaultsAndOverrides(t *testing.T) {
	outW, errW, _ := Config{}.ProcessWriters("n")
	require.Nil(t, outW)
	require.Nil(t, errW)

	cfg := Config{File: FileConfig{StdoutPath: "x", StderrPath: "y"}}
	outW, errW, _ = cfg.ProcessWriters("n")
	ol, ok := outW.(*lj.Logger)
	require.True(t, ok)
	require.Equal(t, []int{10, 3, 7}, []int{ol.MaxSize, ol.MaxBackups, ol.MaxAge})
	closeIf(outW)
	closeIf(errW)

	cfg = Config{File: FileConfig{StdoutPath: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ = cfg.ProcessWriters("n")
	require.Nil(t, errW)
	ol = outW.(*lj.Logger)
	require.Equal(t, []int{1, 9, 11}, []int{ol.MaxSize, ol.MaxBackups, ol.MaxAge})
	require.True(t, ol.Compress)
	closeIf(outW)
}

func TestNew_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	log, closer, err := New(Config{Level: "debug", Format: "json", File: FileConfig{Dir: dir}})
	require.NoError(t, err)
	log.Debug("tick", "slot", "cl_1")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, "joinkeeper.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"slot":"cl_1"`)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("slot", "cl_2")
	log.Warn("session lost")
	out := buf.String()
	require.Contains(t, out, "WARN")
	require.Contains(t, out, "session lost")
	require.Contains(t, out, "slot=cl_2")
	require.False(t, strings.Contains(out, "time="))
}
