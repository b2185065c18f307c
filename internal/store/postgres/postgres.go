package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/joinkeeper/internal/slot"
	"github.com/loykin/joinkeeper/internal/store"
)

// DB keeps one row per slot in a PostgreSQL table.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty PostgreSQL DSN")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &DB{db: d}
	if err := p.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return p, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS slot_state(
		name TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		state TEXT NOT NULL,
		occupying BOOLEAN NOT NULL,
		primary_pid INTEGER NULL,
		secondary_pid INTEGER NULL,
		secondary_name TEXT NULL,
		uptime_started_at TIMESTAMPTZ NULL,
		maintenance_deadline TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

// Save upserts every slot of the snapshot in one transaction.
func (p *DB) Save(ctx context.Context, snap store.Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	updated := snap.UpdatedAt.UTC()
	for _, c := range snap.Clients {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO slot_state(name, identity, state, occupying, primary_pid, secondary_pid, secondary_name, uptime_started_at, maintenance_deadline, updated_at)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT(name) DO UPDATE SET
				identity=EXCLUDED.identity,
				state=EXCLUDED.state,
				occupying=EXCLUDED.occupying,
				primary_pid=EXCLUDED.primary_pid,
				secondary_pid=EXCLUDED.secondary_pid,
				secondary_name=EXCLUDED.secondary_name,
				uptime_started_at=EXCLUDED.uptime_started_at,
				maintenance_deadline=EXCLUDED.maintenance_deadline,
				updated_at=EXCLUDED.updated_at;`,
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
func (p *DB) Load(ctx context.Context) ([]slot.Status, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, identity, state, occupying, primary_pid, secondary_pid, secondary_name, uptime_started_at, maintenance_deadline
		FROM slot_state
		ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanStatuses(rows)
}
