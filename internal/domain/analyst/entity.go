package analyst

import "time"

// AnalysisID identifier type
type AnalysisID string

// Analysis represents an AI analysis of a finished scan run, stored for
// auditing and retrieval
type Analysis struct {
	ID        AnalysisID `json:"id"`
	TenantID  string     `json:"tenant_id"`
	ScanRunID string     `json:"scan_run_id"`
	Result    string     `json:"result"` // JSON string from AI
	CreatedAt time.Time  `json:"created_at"`
}
