package store

import (
	"database/sql"
	"time"

	"github.com/loykin/joinkeeper/internal/slot"
)

// Column helpers shared by the SQL snapshot tables.

func NullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func NullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }

func NullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

// ScanStatuses reads rows selected as
// name, identity, state, occupying, primary_pid, secondary_pid, secondary_name, uptime_started_at, maintenance_deadline.
func ScanStatuses(rows *sql.Rows) ([]slot.Status, error) {
	out := make([]slot.Status, 0)
	for rows.Next() {
		var (
			st                 slot.Status
			state              string
			primary, secondary sql.NullInt64
			secondaryName      sql.NullString
			started, deadline  sql.NullTime
		)
		if err := rows.Scan(&st.Name, &st.IdentityKey, &state, &st.Occupying, &primary, &secondary, &secondaryName, &started, &deadline); err != nil {
			return nil, err
		}
		if err := st.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		st.PrimaryProcessID = intPtr(primary)
		st.SecondaryProcessID = intPtr(secondary)
		st.SecondaryProcessName = secondaryName.String
		st.UptimeStartedAt = timePtr(started)
		st.MaintenanceDeadline = timePtr(deadline)
		out = append(out, st)
	}
	return out, rows.Err()
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
