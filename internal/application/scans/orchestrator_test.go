package scans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebasset/threatsense/internal/domain/assets"
	"github.com/bebasset/threatsense/internal/domain/events"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/plugins"
)

var frozenNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return frozenNow }

type fakeRuns struct {
	mu   sync.Mutex
	runs map[domain.ScanID]*domain.ScanRun
}

func newFakeRuns(seed ...*domain.ScanRun) *fakeRuns {
	f := &fakeRuns{runs: make(map[domain.ScanID]*domain.ScanRun)}
	for _, r := range seed {
		f.runs[r.ID] = r
	}
	return f
}

func (f *fakeRuns) Create(ctx context.Context, run *domain.ScanRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRuns) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) Claim(ctx context.Context, tenant string, id domain.ScanID, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.TenantID != tenant || run.Status != domain.StatusQueued {
		return false, nil
	}
	run.Status = domain.StatusRunning
	run.StartedAt = &startedAt
	return true, nil
}

func (f *fakeRuns) MarkDone(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, artifactPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	if run.Status.Terminal() {
		return nil
	}
	run.Status = domain.StatusDone
	run.FinishedAt = &finishedAt
	run.ArtifactPath = artifactPath
	return nil
}

func (f *fakeRuns) MarkFailed(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	if run.Status.Terminal() {
		return nil
	}
	run.Status = domain.StatusFailed
	run.FinishedAt = &finishedAt
	run.ErrorMessage = errorMessage
	return nil
}

func (f *fakeRuns) Latest(ctx context.Context, tenant string, limit int) ([]*domain.ScanRun, error) {
	return nil, nil
}

func (f *fakeRuns) get(id domain.ScanID) *domain.ScanRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id]
}

type fakeFindings struct {
	mu        sync.Mutex
	rows      []*domain.Finding
	failAfter int // fail the insert once this many rows are stored; 0 = never
}

func (f *fakeFindings) Insert(ctx context.Context, finding *domain.Finding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.rows) >= f.failAfter {
		return errors.New("disk full")
	}
	f.rows = append(f.rows, finding)
	return nil
}

func (f *fakeFindings) ListByRun(ctx context.Context, tenant string, scanRunID domain.ScanID, limit int) ([]*domain.Finding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Finding
	for _, r := range f.rows {
		if r.TenantID == tenant && r.ScanRunID == scanRunID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAssets struct {
	byID map[assets.AssetID]*assets.Asset
}

func (f *fakeAssets) Get(ctx context.Context, tenant string, id assets.AssetID) (*assets.Asset, error) {
	a, ok := f.byID[id]
	if !ok || a.TenantID != tenant {
		return nil, assets.ErrNotFound
	}
	return a, nil
}

type fakeEvents struct {
	rows      []*events.Event
	lastQuery events.Query
}

func (f *fakeEvents) Insert(ctx context.Context, e *events.Event) error {
	f.rows = append(f.rows, e)
	return nil
}

func (f *fakeEvents) Select(ctx context.Context, q events.Query) ([]*events.Event, error) {
	f.lastQuery = q
	return f.rows, nil
}

type fakePlugin struct {
	name       string
	result     domain.PluginResult
	err        error
	panics     bool
	calls      int
	lastParams json.RawMessage
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (domain.PluginResult, error) {
	p.calls++
	p.lastParams = params
	if p.panics {
		panic("plugin blew up")
	}
	return p.result, p.err
}

type fakeStore struct {
	url     string
	err     error
	lastKey string
}

func (s *fakeStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	s.lastKey = key
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

func (s *fakeStore) UploadAndCleanup(ctx context.Context, localPath, key string) (string, error) {
	return s.Upload(ctx, localPath, key)
}

func queuedRun(plugin string) *domain.ScanRun {
	return &domain.ScanRun{
		ID:       "run-1",
		TenantID: "acme",
		AssetID:  "asset-1",
		ScanType: plugin,
		Status:   domain.StatusQueued,
		Plugin:   plugin,
	}
}

func testAsset() *assets.Asset {
	return &assets.Asset{ID: "asset-1", TenantID: "acme", Kind: assets.KindURL, Value: "https://example.com"}
}

func newOrchestrator(runs *fakeRuns, findings *fakeFindings, plugin *fakePlugin) (*Orchestrator, *fakeEvents) {
	ev := &fakeEvents{}
	o := &Orchestrator{
		Runs:     runs,
		Findings: findings,
		Assets:   &fakeAssets{byID: map[assets.AssetID]*assets.Asset{"asset-1": testAsset()}},
		Events:   ev,
		Registry: plugins.Registry{plugin.name: plugin},
		Clock:    fixedClock{},
		Log:      zerolog.Nop(),
	}
	return o, ev
}

func TestExecuteSuccess(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	findings := &fakeFindings{}
	plugin := &fakePlugin{
		name: "fake",
		result: domain.PluginResult{
			Findings: []domain.FindingDraft{
				{Title: "Open port", Severity: "high", Category: "exposure", Evidence: "22/tcp open"},
				{Title: "Untyped", Severity: "", Category: ""},
			},
			ArtifactPath: "/tmp/artifacts/out.jsonl",
		},
	}
	o, _ := newOrchestrator(runs, findings, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))

	run := runs.get("run-1")
	assert.Equal(t, domain.StatusDone, run.Status)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, "/tmp/artifacts/out.jsonl", run.ArtifactPath)

	require.Len(t, findings.rows, 2)
	first := findings.rows[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "acme", first.TenantID)
	assert.Equal(t, domain.ScanID("run-1"), first.ScanRunID)
	assert.Equal(t, "asset-1", first.AssetID)
	assert.Equal(t, domain.SeverityHigh, first.Severity)

	// Missing severity and category get defaults, never empties.
	second := findings.rows[1]
	assert.Equal(t, domain.SeverityLow, second.Severity)
	assert.Equal(t, "general", second.Category)
}

func TestExecuteTerminalRunIsNoOp(t *testing.T) {
	run := queuedRun("fake")
	run.Status = domain.StatusDone
	runs := newFakeRuns(run)
	findings := &fakeFindings{}
	plugin := &fakePlugin{name: "fake"}
	o, _ := newOrchestrator(runs, findings, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	assert.Zero(t, plugin.calls)
	assert.Empty(t, findings.rows)
	assert.Equal(t, domain.StatusDone, runs.get("run-1").Status)
}

func TestExecuteUnknownRunIsDropped(t *testing.T) {
	runs := newFakeRuns()
	plugin := &fakePlugin{name: "fake"}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "ghost"))
	assert.Zero(t, plugin.calls)
}

func TestExecuteMissingAssetFails(t *testing.T) {
	run := queuedRun("fake")
	run.AssetID = "gone"
	runs := newFakeRuns(run)
	plugin := &fakePlugin{name: "fake"}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "Asset not found", got.ErrorMessage)
	assert.Zero(t, plugin.calls)
}

func TestExecuteLostClaimIsNoOp(t *testing.T) {
	run := queuedRun("fake")
	run.Status = domain.StatusRunning
	runs := newFakeRuns(run)
	plugin := &fakePlugin{name: "fake"}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	assert.Zero(t, plugin.calls)
	assert.Equal(t, domain.StatusRunning, runs.get("run-1").Status)
}

func TestExecuteUnknownPluginFails(t *testing.T) {
	runs := newFakeRuns(queuedRun("nope"))
	plugin := &fakePlugin{name: "fake"}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "unknown plugin: nope", got.ErrorMessage)
}

func TestExecutePluginErrorFails(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	plugin := &fakePlugin{name: "fake", err: errors.New("target unreachable")}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "target unreachable", got.ErrorMessage)
}

func TestExecutePluginPanicFails(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	plugin := &fakePlugin{name: "fake", panics: true}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "panic: plugin blew up")
}

func TestExecutePartialFindingsSurviveInsertFailure(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	findings := &fakeFindings{failAfter: 1}
	plugin := &fakePlugin{
		name: "fake",
		result: domain.PluginResult{Findings: []domain.FindingDraft{
			{Title: "first", Severity: "low"},
			{Title: "second", Severity: "low"},
		}},
	}
	o, _ := newOrchestrator(runs, findings, plugin)

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "persist finding")

	// The row inserted before the fault stays: a failed run can carry evidence.
	require.Len(t, findings.rows, 1)
	assert.Equal(t, "first", findings.rows[0].Title)
}

func TestExecuteInjectsEventsForSOCRuns(t *testing.T) {
	run := queuedRun("soc_rules")
	run.Parameters = json.RawMessage(`{"window_minutes": 30, "thresholds": {"failed_login_per_user_ip": 5}}`)
	runs := newFakeRuns(run)
	plugin := &fakePlugin{name: "soc_rules"}
	o, ev := newOrchestrator(runs, &fakeFindings{}, plugin)
	ev.rows = []*events.Event{
		{ID: "e1", TenantID: "acme", TS: frozenNow.Add(-time.Minute), Source: "fw-01", EventType: "auth_failed", User: "alice", IP: "1.2.3.4"},
		{ID: "e2", TenantID: "acme", TS: frozenNow.Add(-2 * time.Minute), Source: "fw-01", EventType: "login_success", User: "bob", IP: "5.6.7.8"},
	}

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	require.Equal(t, 1, plugin.calls)

	// Window and source come from the run's parameters / the asset.
	assert.Equal(t, "acme", ev.lastQuery.Tenant)
	assert.Equal(t, "https://example.com", ev.lastQuery.Source)
	assert.Equal(t, frozenNow.Add(-30*time.Minute), ev.lastQuery.Since)
	assert.Equal(t, MaxEventRows, ev.lastQuery.Limit)

	var got struct {
		WindowMinutes int `json:"window_minutes"`
		Thresholds    struct {
			FailedLoginPerUserIP int `json:"failed_login_per_user_ip"`
		} `json:"thresholds"`
		Events []struct {
			TS        string `json:"ts"`
			EventType string `json:"event_type"`
			User      string `json:"user"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(plugin.lastParams, &got))
	assert.Equal(t, 30, got.WindowMinutes)
	assert.Equal(t, 5, got.Thresholds.FailedLoginPerUserIP)
	require.Len(t, got.Events, 2)
	assert.Equal(t, frozenNow.Add(-time.Minute).Format(time.RFC3339), got.Events[0].TS)
	assert.Equal(t, "auth_failed", got.Events[0].EventType)
	assert.Equal(t, "alice", got.Events[0].User)
}

func TestExecuteMirrorsArtifact(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	plugin := &fakePlugin{
		name:   "fake",
		result: domain.PluginResult{ArtifactPath: "/tmp/artifacts/nuclei_run-1.jsonl"},
	}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)
	store := &fakeStore{url: "https://minio.local/scan-artifacts/x"}
	o.Artifacts = store

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, "https://minio.local/scan-artifacts/x", got.ArtifactPath)
	assert.Equal(t, fmt.Sprintf("acme/fake/%s", "nuclei_run-1.jsonl"), store.lastKey)
}

func TestExecuteMirrorFailureKeepsLocalPath(t *testing.T) {
	runs := newFakeRuns(queuedRun("fake"))
	plugin := &fakePlugin{
		name:   "fake",
		result: domain.PluginResult{ArtifactPath: "/tmp/artifacts/out.jsonl"},
	}
	o, _ := newOrchestrator(runs, &fakeFindings{}, plugin)
	o.Artifacts = &fakeStore{err: errors.New("bucket unreachable")}

	require.NoError(t, o.Execute(context.Background(), "acme", "run-1"))
	got := runs.get("run-1")
	assert.Equal(t, domain.StatusDone, got.Status)
	assert.Equal(t, "/tmp/artifacts/out.jsonl", got.ArtifactPath)
}
