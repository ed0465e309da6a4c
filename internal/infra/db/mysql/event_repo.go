package mysql

import (
	"context"
	"database/sql"

	domain "github.com/bebasset/threatsense/internal/domain/events"
)

type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Insert stores one normalized event from the ingestion surface.
func (r *EventRepository) Insert(ctx context.Context, e *domain.Event) error {
	const q = `
INSERT INTO events
(id, tenant_id, ts, source, event_type, ` + "`user`" + `, ip, hostname, raw_json)
VALUES (?,?,?,?,?,?,?,?,?);
`
	raw := string(e.Raw)
	if raw == "" {
		raw = "{}"
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.TenantID, e.TS, e.Source, e.EventType,
		nullString(e.User), nullString(e.IP), nullString(e.Hostname), raw,
	)
	return err
}

// Select returns the windowed working set: tenant + source + timestamp lower
// bound, most recent first, capped.
func (r *EventRepository) Select(ctx context.Context, q domain.Query) ([]*domain.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	const stmt = `
SELECT id, tenant_id, ts, source, event_type, ` + "`user`" + `, ip, hostname, raw_json
FROM events
WHERE tenant_id=? AND source=? AND ts>=?
ORDER BY ts DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, stmt, q.Tenant, q.Source, q.Since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var user, ip, hostname sql.NullString
		var raw string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TS, &e.Source, &e.EventType, &user, &ip, &hostname, &raw); err != nil {
			return nil, err
		}
		e.User = stringVal(user)
		e.IP = stringVal(ip)
		e.Hostname = stringVal(hostname)
		e.Raw = []byte(raw)
		out = append(out, &e)
	}
	return out, rows.Err()
}
