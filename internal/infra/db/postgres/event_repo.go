package postgres

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

func (r *EventRepository) Insert(ctx context.Context, e *domain.Event) error {
	const q = `
INSERT INTO events
(id, tenant_id, ts, source, event_type, "user", ip, hostname, raw_json)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);
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

func (r *EventRepository) Select(ctx context.Context, q domain.Query) ([]*domain.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	const stmt = `
SELECT id, tenant_id, ts, source, event_type, "user", ip, hostname, raw_json
FROM events
WHERE tenant_id=$1 AND source=$2 AND ts>=$3
ORDER BY ts DESC
LIMIT $4;
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
