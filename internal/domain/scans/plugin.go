package scans

import (
	"context"
	"encoding/json"
)

// FindingDraft is what a plugin proposes; the orchestrator binds it to a
// run/asset/tenant and fills severity/category defaults before persisting.
type FindingDraft struct {
	Title       string   `json:"title"`
	Severity    string   `json:"severity,omitempty"`
	Category    string   `json:"category,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	CVE         string   `json:"cve,omitempty"`
	CVSS        *float64 `json:"cvss,omitempty"`
}

// PluginResult is owned by a single plugin invocation, consumed once by the
// orchestrator and discarded. It is never persisted as-is.
type PluginResult struct {
	Findings     []FindingDraft
	ArtifactPath string
}

// Plugin port (interface untuk strategi scanning)
//
// Contract: expected failure modes (missing binary, timeout, malformed or
// empty input) must come back as scanner_error/informational findings inside
// the result, not as an error. A non-nil error means an unexpected fault; the
// orchestrator converts it into a failed run.
type Plugin interface {
	Name() string
	Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (PluginResult, error)
}
