package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebasset/threatsense/internal/domain/assets"
	"github.com/bebasset/threatsense/internal/domain/events"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/infra/queue"
	"github.com/bebasset/threatsense/internal/plugins"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

type memRuns struct {
	mu   sync.Mutex
	runs map[domain.ScanID]*domain.ScanRun
}

func newMemRuns() *memRuns { return &memRuns{runs: make(map[domain.ScanID]*domain.ScanRun)} }

func (m *memRuns) Create(ctx context.Context, run *domain.ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenant {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (m *memRuns) Claim(ctx context.Context, tenant string, id domain.ScanID, startedAt time.Time) (bool, error) {
	return false, nil
}

func (m *memRuns) MarkDone(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, artifactPath string) error {
	return nil
}

func (m *memRuns) MarkFailed(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, errorMessage string) error {
	return nil
}

func (m *memRuns) Latest(ctx context.Context, tenant string, limit int) ([]*domain.ScanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ScanRun
	for _, r := range m.runs {
		if r.TenantID == tenant {
			out = append(out, r)
		}
	}
	return out, nil
}

type memFindings struct {
	rows []*domain.Finding
}

func (m *memFindings) Insert(ctx context.Context, f *domain.Finding) error {
	m.rows = append(m.rows, f)
	return nil
}

func (m *memFindings) ListByRun(ctx context.Context, tenant string, scanRunID domain.ScanID, limit int) ([]*domain.Finding, error) {
	var out []*domain.Finding
	for _, r := range m.rows {
		if r.TenantID == tenant && r.ScanRunID == scanRunID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memAssets struct {
	byID map[assets.AssetID]*assets.Asset
}

func (m *memAssets) Get(ctx context.Context, tenant string, id assets.AssetID) (*assets.Asset, error) {
	a, ok := m.byID[id]
	if !ok || a.TenantID != tenant {
		return nil, assets.ErrNotFound
	}
	return a, nil
}

type memEvents struct {
	mu   sync.Mutex
	rows []*events.Event
}

func (m *memEvents) Insert(ctx context.Context, e *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, e)
	return nil
}

func (m *memEvents) Select(ctx context.Context, q events.Query) ([]*events.Event, error) {
	return nil, nil
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, tenant string, id domain.ScanID) error { return nil }

type stubPlugin struct{ name string }

func (p stubPlugin) Name() string { return p.name }
func (p stubPlugin) Run(ctx context.Context, assetKind, assetValue string, params json.RawMessage) (domain.PluginResult, error) {
	return domain.PluginResult{}, nil
}

type env struct {
	handler  http.Handler
	runs     *memRuns
	findings *memFindings
	events   *memEvents
}

func newEnv(t *testing.T, queueBuffer int, startQueue bool) *env {
	t.Helper()
	runs := newMemRuns()
	findings := &memFindings{}
	evs := &memEvents{}
	d := queue.NewDispatcher(noopExecutor{}, 1, queueBuffer, zerolog.Nop())
	if startQueue {
		d.Start(context.Background())
		t.Cleanup(d.Close)
	}

	handler := NewRouter(Deps{
		Runs:     runs,
		Findings: findings,
		Assets: &memAssets{byID: map[assets.AssetID]*assets.Asset{
			"asset-1": {ID: "asset-1", TenantID: "acme", Kind: assets.KindURL, Value: "https://example.com"},
			"asset-2": {ID: "asset-2", TenantID: "acme", Kind: assets.KindURL, Value: "http://127.0.0.1/admin"},
			"asset-3": {ID: "asset-3", TenantID: "acme", Kind: assets.KindLogSource, Value: "fw-01"},
		}},
		Events:   evs,
		Registry: plugins.Registry{"soc_rules": stubPlugin{"soc_rules"}, "nuclei_scan": stubPlugin{"nuclei_scan"}},
		Queue:    d,
		Clock:    fixedClock{},
		Log:      zerolog.Nop(),
	})
	return &env{handler: handler, runs: runs, findings: findings, events: evs}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateScan(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/scans", map[string]any{
		"asset_id":     "asset-1",
		"plugin":       "nuclei_scan",
		"requested_by": "alice",
		"parameters":   map[string]any{"rate_limit": 10},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID     domain.ScanID `json:"id"`
		Status domain.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusQueued, resp.Status)

	run, err := e.runs.Get(context.Background(), "acme", resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "nuclei_scan", run.Plugin)
	assert.Equal(t, "nuclei_scan", run.ScanType)
	assert.Equal(t, "alice", run.RequestedBy)
	assert.JSONEq(t, `{"rate_limit": 10}`, string(run.Parameters))
}

func TestCreateScanUnknownPlugin(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/scans", map[string]any{
		"asset_id": "asset-1",
		"plugin":   "nmap_full",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid plugin")
}

func TestCreateScanMissingAsset(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/scans", map[string]any{
		"asset_id": "ghost",
		"plugin":   "nuclei_scan",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateScanBlocksInternalTarget(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/scans", map[string]any{
		"asset_id": "asset-2",
		"plugin":   "nuclei_scan",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateScanQueueFull(t *testing.T) {
	// Dispatcher never started and buffer of one: the second request gets
	// backpressure but its row still exists for a later dispatch.
	e := newEnv(t, 1, false)

	body := map[string]any{"asset_id": "asset-3", "plugin": "soc_rules"}
	rec := e.do(t, http.MethodPost, "/v1/acme/scans", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/acme/scans", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	list, err := e.runs.Latest(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestDispatchExistingRun(t *testing.T) {
	e := newEnv(t, 8, true)
	id := domain.ScanID("123e4567-e89b-42d3-a456-426614174000")
	require.NoError(t, e.runs.Create(context.Background(), &domain.ScanRun{
		ID: id, TenantID: "acme", AssetID: "asset-1", Status: domain.StatusQueued, Plugin: "soc_rules",
	}))

	rec := e.do(t, http.MethodPost, "/v1/acme/scans/"+string(id)+"/dispatch", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/acme/scans/123e4567-e89b-42d3-a456-999999999999/dispatch", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/acme/scans/not-a-uuid/dispatch", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetScan(t *testing.T) {
	e := newEnv(t, 8, true)
	require.NoError(t, e.runs.Create(context.Background(), &domain.ScanRun{
		ID: "run-1", TenantID: "acme", AssetID: "asset-1", Status: domain.StatusDone, Plugin: "soc_rules",
	}))

	rec := e.do(t, http.MethodGet, "/v1/acme/scans/run-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.ScanRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, domain.StatusDone, run.Status)

	// Tenant isolation: same ID under another tenant is invisible.
	rec = e.do(t, http.MethodGet, "/v1/other/scans/run-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFindings(t *testing.T) {
	e := newEnv(t, 8, true)
	require.NoError(t, e.runs.Create(context.Background(), &domain.ScanRun{
		ID: "run-1", TenantID: "acme", AssetID: "asset-1", Status: domain.StatusDone, Plugin: "soc_rules",
	}))
	e.findings.rows = []*domain.Finding{
		{ID: "f1", TenantID: "acme", ScanRunID: "run-1", Title: "Brute force", Severity: domain.SeverityHigh},
	}

	rec := e.do(t, http.MethodGet, "/v1/acme/scans/run-1/findings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*domain.Finding
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Brute force", list[0].Title)

	rec = e.do(t, http.MethodGet, "/v1/acme/scans/ghost/findings", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEvents(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/soc/events", map[string]any{
		"events": []map[string]any{
			{"ts": "2025-06-01T11:59:00Z", "source": "fw-01", "event_type": "auth_failed", "user": "alice", "ip": "1.2.3.4"},
			{"ts": "garbage", "source": "fw-01", "event_type": "login_success", "user": "bob"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":2`)

	require.Len(t, e.events.rows, 2)
	first := e.events.rows[0]
	assert.Equal(t, "acme", first.TenantID)
	assert.Equal(t, "auth_failed", first.EventType)
	assert.NotEmpty(t, first.ID)

	// Unparseable timestamps are stamped with ingest time, not rejected.
	second := e.events.rows[1]
	assert.Equal(t, fixedClock{}.Now(), second.TS)
}

func TestIngestEventsValidation(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/soc/events", map[string]any{"events": []map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/acme/soc/events", map[string]any{
		"events": []map[string]any{{"user": "alice"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAIDisabled(t *testing.T) {
	e := newEnv(t, 8, true)

	rec := e.do(t, http.MethodPost, "/v1/acme/ai/analyze", map[string]any{"scan_id": "run-1"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/acme/ai/analyze", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthDefault(t *testing.T) {
	e := newEnv(t, 8, true)
	rec := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
