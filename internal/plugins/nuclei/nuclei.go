// Package nuclei wraps the ProjectDiscovery nuclei binary behind the plugin
// contract: bounded wall-clock execution, evidence in an artifact file, and
// expected failures reported in-band as scanner_error findings.
package nuclei

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/domain/scans"
)

const (
	PluginName    = "nuclei_scan"
	DefaultBinary = "nuclei"

	DefaultExcludeTags      = "dos,fuzz" // safety filter, applied unless explicitly overridden
	DefaultRateLimit        = 50
	DefaultRequestTimeout   = 10 // seconds, per request
	DefaultRetries          = 1
	DefaultTemplatesDir     = "/opt/nuclei-templates"
	DefaultWallClockTimeout = 600 // seconds, whole invocation
)

// Config is the typed view of the run's parameter blob. All keys optional.
type Config struct {
	TargetURL        string   `json:"target_url,omitempty"`
	Severities       []string `json:"severities,omitempty"`
	Tags             string   `json:"tags,omitempty"`
	ExcludeTags      string   `json:"exclude_tags,omitempty"`
	RateLimit        int      `json:"rate_limit,omitempty"`
	Timeout          int      `json:"timeout,omitempty"`
	Retries          int      `json:"retries,omitempty"`
	TemplatesDir     string   `json:"templates_dir,omitempty"`
	Headless         bool     `json:"headless,omitempty"`
	WallClockTimeout int      `json:"wall_clock_timeout,omitempty"`
	ArtifactsDir     string   `json:"artifacts_dir,omitempty"`
	RunID            string   `json:"run_id,omitempty"`
}

// Scanner invokes the external binary against a single network target.
// It does not sandbox the binary beyond timeout/termination; the image is
// assumed trusted and pre-approved.
type Scanner struct {
	binary        string
	artifactsRoot string
	lookPath      func(string) (string, error)
	now           func() time.Time
	log           zerolog.Logger
}

func New(binary, artifactsRoot string, log zerolog.Logger) *Scanner {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Scanner{
		binary:        binary,
		artifactsRoot: artifactsRoot,
		lookPath:      exec.LookPath,
		now:           func() time.Time { return time.Now().UTC() },
		log:           log,
	}
}

func (s *Scanner) Name() string { return PluginName }

func (s *Scanner) Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (scans.PluginResult, error) {
	cfg := Config{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cfg); err != nil {
			return scans.PluginResult{
				Findings: []scans.FindingDraft{{
					Title:       "Nuclei scan: malformed parameters",
					Severity:    string(scans.SeverityMedium),
					Category:    "scanner_error",
					Evidence:    fmt.Sprintf("Could not decode scan parameters: %v", err),
					Remediation: "Fix the scan request's parameters blob; see the nuclei_scan configuration keys.",
				}},
			}, nil
		}
	}

	// Precondition: the binary must resolve before anything is attempted.
	if _, err := s.lookPath(s.binary); err != nil {
		return scans.PluginResult{
			Findings: []scans.FindingDraft{{
				Title:       "Nuclei binary not installed in worker image",
				Severity:    string(scans.SeverityHigh),
				Category:    "scanner_error",
				Evidence:    fmt.Sprintf("The %q executable was not found on PATH.", s.binary),
				Remediation: "Install ProjectDiscovery nuclei and templates in the worker container.",
			}},
		}, nil
	}

	target := coerceTarget(assetKind, assetValue, cfg.TargetURL)

	severities := cfg.Severities
	if len(severities) == 0 {
		severities = []string{"medium", "high", "critical"}
	}
	excludeTags := cfg.ExcludeTags
	if excludeTags == "" {
		excludeTags = DefaultExcludeTags
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	reqTimeout := cfg.Timeout
	if reqTimeout <= 0 {
		reqTimeout = DefaultRequestTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	templatesDir := cfg.TemplatesDir
	if templatesDir == "" {
		templatesDir = DefaultTemplatesDir
	}
	wallClock := cfg.WallClockTimeout
	if wallClock <= 0 {
		wallClock = DefaultWallClockTimeout
	}

	root := cfg.ArtifactsDir
	if root == "" {
		root = s.artifactsRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return scans.PluginResult{}, fmt.Errorf("create artifacts root: %w", err)
	}

	// Run-identifier-qualified path so concurrent scans never collide.
	runID := cfg.RunID
	if runID == "" {
		runID = s.now().Format("20060102T150405Z")
	}
	outPath := filepath.Join(root, fmt.Sprintf("nuclei_%s.jsonl", runID))

	args := []string{
		"-u", target,
		"-jsonl",
		"-o", outPath,
		"-severity", strings.Join(severities, ","),
		"-rl", strconv.Itoa(rateLimit),
		"-timeout", strconv.Itoa(reqTimeout),
		"-retries", strconv.Itoa(retries),
		"-silent",
	}
	// Templates dir only if it actually exists; nuclei falls back to its own
	// default location otherwise.
	if st, err := os.Stat(templatesDir); err == nil && st.IsDir() {
		args = append(args, "-t", templatesDir)
	}
	if cfg.Tags != "" {
		args = append(args, "-tags", cfg.Tags)
	}
	if excludeTags != "" {
		args = append(args, "-exclude-tags", excludeTags)
	}
	// Headless is a higher-risk capability, opt-in only.
	if cfg.Headless {
		args = append(args, "-headless")
	}

	tctx, cancel := context.WithTimeout(ctx, time.Duration(wallClock)*time.Second)
	defer cancel()

	// Stdout/stderr deliberately discarded: evidence lives in the artifact,
	// not in worker logs.
	cmd := exec.CommandContext(tctx, s.binary, args...)

	start := s.now()
	err := cmd.Run()
	s.log.Debug().Str("target", target).Dur("took", time.Since(start)).
		Str("artifact", outPath).Msg("nuclei invocation finished")

	switch {
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return scans.PluginResult{
			Findings: []scans.FindingDraft{{
				Title:       "Nuclei scan timed out",
				Severity:    string(scans.SeverityMedium),
				Category:    "scanner_error",
				Evidence:    fmt.Sprintf("Scan exceeded wall_clock_timeout=%ds for target=%s.", wallClock, target),
				Remediation: "Reduce scope, lower templates, or increase wall_clock_timeout cautiously.",
			}},
			ArtifactPath: pathIfExists(outPath),
		}, nil

	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// OS-level failure, not a scanner exit code.
			return scans.PluginResult{
				Findings: []scans.FindingDraft{{
					Title:       "Nuclei scan execution error",
					Severity:    string(scans.SeverityHigh),
					Category:    "scanner_error",
					Evidence:    fmt.Sprintf("Error while running nuclei: %v", err),
					Remediation: "Check worker container logs and nuclei installation.",
				}},
				ArtifactPath: pathIfExists(outPath),
			}, nil
		}
		// Non-zero exits are not authoritative: nuclei exits non-zero even
		// with valid output. Fall through to the success path.
	}

	return scans.PluginResult{
		Findings: []scans.FindingDraft{{
			Title:       fmt.Sprintf("Nuclei scan completed for %s", target),
			Severity:    string(scans.SeverityInfo),
			Category:    "exposure",
			Evidence:    fmt.Sprintf("Structured results written to %s. Individual records are extracted downstream.", outPath),
			Remediation: "Review the artifact for matched templates and triage by severity.",
		}},
		ArtifactPath: pathIfExists(outPath),
	}, nil
}

// coerceTarget prefers an explicit override, keeps URL assets as-is, and
// wraps bare domains/IPs into a URL form.
func coerceTarget(assetKind, assetValue, override string) string {
	if override != "" {
		return override
	}
	if strings.HasPrefix(assetValue, "http://") || strings.HasPrefix(assetValue, "https://") {
		return assetValue
	}
	switch assetKind {
	case "domain", "ip":
		return "https://" + assetValue
	default:
		return assetValue
	}
}

func pathIfExists(p string) string {
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
