package events

import (
	"context"
	"time"
)

// Query selects events for rule evaluation: tenant + source + trailing
// window, most recent first, capped.
type Query struct {
	Tenant string
	Source string
	Since  time.Time
	Limit  int
}

// Repository port
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	Select(ctx context.Context, q Query) ([]*Event, error)
}
