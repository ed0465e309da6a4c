// Package socrules implements the SOC detection plugin: fixed-window
// aggregation rules over normalized log events.
package socrules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/domain/scans"
)

const PluginName = "soc_rules"

// Default thresholds and window, independently overridable per run.
const (
	DefaultWindowMinutes          = 15
	DefaultFailedLoginPerUserIP   = 10
	DefaultFailedLoginGlobalPerIP = 30
	DefaultAdminActionsPerWindow  = 3

	// Password spraying additionally requires this many distinct targets,
	// otherwise the burst is just rule-1 bruteforce seen from another angle.
	sprayMinDistinctUsers = 3

	maxExamples = 5
)

// Event is one normalized input record. Best-effort keys; everything is
// optional and missing identifiers fall back to sentinels inside the rules.
type Event struct {
	TS        string          `json:"ts,omitempty"`
	Source    string          `json:"source,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	User      string          `json:"user,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	Action    string          `json:"action,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Thresholds carries the per-rule overrides.
type Thresholds struct {
	FailedLoginPerUserIP   int `json:"failed_login_per_user_ip,omitempty"`
	FailedLoginGlobalPerIP int `json:"failed_login_global_per_ip,omitempty"`
	AdminActionsPerWindow  int `json:"admin_actions_per_window,omitempty"`
}

// Config is the typed view of the run's parameter blob. Unknown keys in the
// blob are ignored by decoding; missing keys get the stated defaults.
type Config struct {
	Events        []Event    `json:"events,omitempty"`
	WindowMinutes int        `json:"window_minutes,omitempty"`
	Thresholds    Thresholds `json:"thresholds,omitempty"`
	ArtifactsDir  string     `json:"artifacts_dir,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
}

// Engine evaluates the detection rules. The "now" source is injected so a
// fixed event set always yields identical findings under test.
type Engine struct {
	artifactsRoot string
	now           func() time.Time
	log           zerolog.Logger
}

func New(artifactsRoot string, log zerolog.Logger) *Engine {
	return &Engine{
		artifactsRoot: artifactsRoot,
		now:           func() time.Time { return time.Now().UTC() },
		log:           log,
	}
}

// NewWithClock is the test constructor.
func NewWithClock(artifactsRoot string, log zerolog.Logger, now func() time.Time) *Engine {
	e := New(artifactsRoot, log)
	e.now = now
	return e
}

func (e *Engine) Name() string { return PluginName }

func (e *Engine) Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (scans.PluginResult, error) {
	cfg := Config{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return scans.PluginResult{
				Findings: []scans.FindingDraft{{
					Title:       "SOC rules: malformed parameters",
					Severity:    string(scans.SeverityMedium),
					Category:    "scanner_error",
					Evidence:    fmt.Sprintf("Could not decode scan parameters: %v", err),
					Remediation: "Fix the scan request's parameters blob; see the soc_rules configuration keys.",
				}},
			}, nil
		}
	}

	if len(cfg.Events) == 0 {
		return scans.PluginResult{
			Findings: []scans.FindingDraft{{
				Title:       "SOC ingest: no events provided",
				Severity:    string(scans.SeverityInfo),
				Category:    "soc",
				Evidence:    "No events were passed to the SOC rules engine for this window.",
				Remediation: "Set up a log ingestion route/connector (M365, Google Workspace, firewall logs, Wazuh agent).",
			}},
		}, nil
	}

	windowMinutes := cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}
	th := cfg.Thresholds
	if th.FailedLoginPerUserIP <= 0 {
		th.FailedLoginPerUserIP = DefaultFailedLoginPerUserIP
	}
	if th.FailedLoginGlobalPerIP <= 0 {
		th.FailedLoginGlobalPerIP = DefaultFailedLoginGlobalPerIP
	}
	if th.AdminActionsPerWindow <= 0 {
		th.AdminActionsPerWindow = DefaultAdminActionsPerWindow
	}

	// Persist the raw batch before any filtering: this is the audit trail and
	// must survive even when no rule fires.
	artifactPath, err := e.writeArtifact(cfg)
	if err != nil {
		return scans.PluginResult{}, fmt.Errorf("write soc events artifact: %w", err)
	}

	// Single "now" for the whole evaluation.
	now := e.now()
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)

	working := make([]winEvent, 0, len(cfg.Events))
	for _, ev := range cfg.Events {
		ts, ok := parseTS(ev.TS)
		if !ok {
			// Unparseable or missing timestamps are treated as "now":
			// conservative, included rather than dropped.
			ts = now
		}
		if !ts.Before(cutoff) {
			working = append(working, winEvent{Event: ev, ts: ts})
		}
	}

	var findings []scans.FindingDraft
	findings = append(findings, detectBruteforceUserIP(working, th.FailedLoginPerUserIP)...)
	findings = append(findings, detectPasswordSpray(working, th.FailedLoginGlobalPerIP)...)
	findings = append(findings, detectAdminBurst(working, th.AdminActionsPerWindow)...)
	findings = append(findings, detectPrivilegeGrants(working)...)
	findings = append(findings, detectSessionAnomaly(working)...)

	if len(findings) == 0 {
		findings = []scans.FindingDraft{{
			Title:       "SOC window summary: no high-signal alerts",
			Severity:    string(scans.SeverityInfo),
			Category:    "soc",
			Evidence:    fmt.Sprintf("Processed %d events within the last %d minutes from source=%s. No alerts fired.", len(working), windowMinutes, assetValue),
			Remediation: "Continue monitoring. Consider enabling more log sources for better coverage (M365, firewall, endpoint).",
		}}
	}

	e.log.Debug().Int("events", len(cfg.Events)).Int("in_window", len(working)).
		Int("findings", len(findings)).Str("source", assetValue).Msg("soc rules evaluated")

	return scans.PluginResult{Findings: findings, ArtifactPath: artifactPath}, nil
}

func (e *Engine) writeArtifact(cfg Config) (string, error) {
	root := cfg.ArtifactsDir
	if root == "" {
		root = e.artifactsRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}

	runID := cfg.RunID
	if runID == "" {
		runID = e.now().Format("20060102T150405Z")
	}
	path := filepath.Join(root, fmt.Sprintf("soc_events_%s.json", runID))

	data, err := json.MarshalIndent(cfg.Events, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// parseTS accepts ISO-8601 with or without an offset, tolerating the trailing
// "Z" marker. Returns false when the value is missing or unparseable.
func parseTS(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
