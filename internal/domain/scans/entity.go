package scans

import (
	"encoding/json"
	"time"
)

// ID tipe untuk ScanRun
type ScanID string

// Status enum
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether a run can no longer be mutated.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Severity enum
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NormalizeSeverity maps unknown or empty severities to the low default.
func NormalizeSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityLow
	}
}

// Aggregate Root: ScanRun
// Created in "queued" state by the request layer; from there on the
// orchestrator is the only writer of Status, StartedAt, FinishedAt,
// ArtifactPath and ErrorMessage. Status moves queued -> running -> done|failed
// and never leaves a terminal state.
type ScanRun struct {
	ID               ScanID          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	AssetID          string          `json:"asset_id"`
	ScanType         string          `json:"scan_type"`
	Status           Status          `json:"status"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	RequestedBy      string          `json:"requested_by"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Plugin           string          `json:"plugin"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	ArtifactPath     string          `json:"artifact_path,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// Finding is one structured security observation. Append-only; belongs to
// exactly one ScanRun.
type Finding struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenant_id"`
	ScanRunID   ScanID   `json:"scan_run_id"`
	AssetID     string   `json:"asset_id"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Evidence    string   `json:"evidence"`
	Remediation string   `json:"remediation"`
	CVE         string   `json:"cve,omitempty"`
	CVSS        *float64 `json:"cvss,omitempty"`
}
