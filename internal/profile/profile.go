// Package profile swaps per-identity client profile directories into the
// shared location the client reads at startup.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/loykin/joinkeeper/internal/env"
)

// ErrMissingProfile means no stored profile exists for the slot.
var ErrMissingProfile = errors.New("stored profile not found")

// SlotVar is the placeholder substituted with the slot name in StoredPattern.
const SlotVar = "SLOT"

// Config locates the active profile and the stored per-slot copies, e.g.
// ActiveDir "C:/Users/me/AppData/Local/DigitalEntitlements" and
// StoredPattern "C:/Users/me/AppData/Local/DigitalEntitlements-${SLOT}".
type Config struct {
	ActiveDir     string `mapstructure:"active_dir"`
	StoredPattern string `mapstructure:"stored_pattern"`
}

// Enabled reports whether profile swapping is configured.
func (c Config) Enabled() bool { return c.ActiveDir != "" && c.StoredPattern != "" }

// Swapper copies stored profiles over the active one. A zero Config makes
// every operation a no-op.
type Swapper struct {
	cfg Config
	fs  afs.Service
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Swapper {
	if log == nil {
		log = slog.Default()
	}
	return &Swapper{cfg: cfg, fs: afs.New(), log: log}
}

// StoredDir returns the stored profile directory for slot.
func (s *Swapper) StoredDir(slot string) string {
	return env.Expand(s.cfg.StoredPattern, env.Vars(SlotVar, slot))
}

// Prepare replaces the active profile with the one stored for slot.
func (s *Swapper) Prepare(ctx context.Context, slot string) error {
	if !s.cfg.Enabled() {
		return nil
	}
	src := fileURL(s.StoredDir(slot))
	ok, err := s.fs.Exists(ctx, src)
	if err != nil {
		return fmt.Errorf("check stored profile %s: %w", src, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingProfile, s.StoredDir(slot))
	}
	if err := s.Release(ctx); err != nil {
		return err
	}
	if err := s.fs.Copy(ctx, src, fileURL(s.cfg.ActiveDir)); err != nil {
		return fmt.Errorf("copy profile for %s: %w", slot, err)
	}
	s.log.Debug("profile prepared", "slot", slot, "from", s.StoredDir(slot), "to", s.cfg.ActiveDir)
	return nil
}

// Release removes the active profile so no identity stays selected.
func (s *Swapper) Release(ctx context.Context) error {
	if !s.cfg.Enabled() {
		return nil
	}
	dst := fileURL(s.cfg.ActiveDir)
	ok, err := s.fs.Exists(ctx, dst)
	if err != nil || !ok {
		return err
	}
	if err := s.fs.Delete(ctx, dst); err != nil {
		return fmt.Errorf("remove active profile: %w", err)
	}
	return nil
}

func fileURL(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return url.Normalize(filepath.ToSlash(p), file.Scheme)
}
