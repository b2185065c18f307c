package factory

import (
	"errors"
	"strings"

	"github.com/loykin/joinkeeper/internal/store"
	pg "github.com/loykin/joinkeeper/internal/store/postgres"
	sq "github.com/loykin/joinkeeper/internal/store/sqlite"
)

// NewFromDSN selects a snapshot table implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.Contains(ld, "://") && !strings.HasPrefix(ld, "sqlite://") {
		return nil, errors.New("unsupported DSN format: " + d)
	}
	return sq.New(d)
}

// Open returns the JSON file store plus one table store per DSN.
func Open(file string, dsns []string) (store.Multi, error) {
	out := store.Multi{store.NewFile(file)}
	for _, d := range dsns {
		s, err := NewFromDSN(d)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
