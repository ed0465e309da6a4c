package events

import (
	"encoding/json"
	"time"
)

// Event is one normalized security event produced by the ingestion layer.
// Read-only input to the SOC rule engine.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	TS        time.Time       `json:"ts"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	User      string          `json:"user,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}
