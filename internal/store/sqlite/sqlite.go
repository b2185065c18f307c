package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/joinkeeper/internal/slot"
	"github.com/loykin/joinkeeper/internal/store"
)

// DB keeps one row per slot in a SQLite table (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path and creates the table.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(strings.ToLower(p), "sqlite://") {
		p = p[len("sqlite://"):]
	}
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if strings.Contains(p, ":memory:") {
		d.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS slot_state(
		name TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		state TEXT NOT NULL,
		occupying BOOLEAN NOT NULL,
		primary_pid INTEGER NULL,
		secondary_pid INTEGER NULL,
		secondary_name TEXT NULL,
		uptime_started_at TIMESTAMP NULL,
		maintenance_deadline TIMESTAMP NULL,
		updated_at TIMESTAMP NOT NULL
	);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

// Save upserts every slot of the snapshot in one transaction.
func (s *DB) Save(ctx context.Context, snap store.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	updated := snap.UpdatedAt.UTC()
	for _, c := range snap.Clients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO slot_state(name, identity, state, occupying, primary_pid, secondary_pid, secondary_name, uptime_started_at, maintenance_deadline, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				identity=excluded.identity,
				state=excluded.state,
				occupying=excluded.occupying,
				primary_pid=excluded.primary_pid,
				secondary_pid=excluded.secondary_pid,
				secondary_name=excluded.secondary_name,
				uptime_started_at=excluded.uptime_started_at,
				maintenance_deadline=excluded.maintenance_deadline,
				updated_at=excluded.updated_at;`,
			c.Name, c.IdentityKey, c.State.String(), c.Occupying,
			store.NullInt(c.PrimaryProcessID), store.NullInt(c.SecondaryProcessID), store.NullString(c.SecondaryProcessName),
			store.NullTime(c.UptimeStartedAt), store.NullTime(c.MaintenanceDeadline), updated)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Load returns the stored rows ordered by slot name.
func (s *DB) Load(ctx context.Context) ([]slot.Status, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, identity, state, occupying, primary_pid, secondary_pid, secondary_name, uptime_started_at, maintenance_deadline
		FROM slot_state
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanStatuses(rows)
}
