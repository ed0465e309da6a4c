package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/infra/queue"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }

type memRuns struct {
	mu   sync.Mutex
	runs []*domain.ScanRun
}

func (m *memRuns) Create(ctx context.Context, run *domain.ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanRun, error) {
	return nil, domain.ErrNotFound
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
	return nil, nil
}

func (m *memRuns) all() []*domain.ScanRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ScanRun, len(m.runs))
	copy(out, m.runs)
	return out
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, tenant string, id domain.ScanID) error { return nil }

func newTestScheduler(runs *memRuns, buffer int) *Scheduler {
	d := queue.NewDispatcher(noopExecutor{}, 1, buffer, zerolog.Nop())
	return New(runs, d, fixedClock{}, zerolog.Nop())
}

func TestAddJobValidation(t *testing.T) {
	s := newTestScheduler(&memRuns{}, 8)

	assert.Error(t, s.AddJob(JobConfig{Tenant: "acme", AssetID: "a", Plugin: "soc_rules", Schedule: "* * * * *"}))
	assert.Error(t, s.AddJob(JobConfig{Name: "sweep", AssetID: "a", Plugin: "soc_rules", Schedule: "* * * * *"}))
	assert.Error(t, s.AddJob(JobConfig{Name: "sweep", Tenant: "acme", AssetID: "a", Plugin: "soc_rules", Schedule: "whenever"}))
	assert.NoError(t, s.AddJob(JobConfig{Name: "sweep", Tenant: "acme", AssetID: "a", Plugin: "soc_rules", Schedule: "*/15 * * * *"}))
}

func TestFireCreatesQueuedRun(t *testing.T) {
	runs := &memRuns{}
	s := newTestScheduler(runs, 8)

	s.fire(JobConfig{
		Name:       "nightly-soc",
		Tenant:     "acme",
		AssetID:    "asset-1",
		Plugin:     "soc_rules",
		Schedule:   "0 3 * * *",
		Parameters: map[string]any{"window_minutes": 60},
	})

	all := runs.all()
	require.Len(t, all, 1)
	run := all[0]
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "acme", run.TenantID)
	assert.Equal(t, "asset-1", run.AssetID)
	assert.Equal(t, domain.StatusQueued, run.Status)
	assert.Equal(t, "soc_rules", run.Plugin)
	assert.Equal(t, "soc_rules", run.ScanType)
	assert.Equal(t, "scheduler:nightly-soc", run.RequestedBy)
	assert.JSONEq(t, `{"window_minutes": 60}`, string(run.Parameters))
}

func TestFireWithFullQueueLeavesRunQueued(t *testing.T) {
	runs := &memRuns{}
	s := newTestScheduler(runs, 1)

	// Dispatcher is never started, so the single buffer slot fills and stays.
	cfg := JobConfig{Name: "sweep", Tenant: "acme", AssetID: "asset-1", Plugin: "soc_rules", Schedule: "* * * * *"}
	s.fire(cfg)
	s.fire(cfg)

	all := runs.all()
	require.Len(t, all, 2)
	// Both rows exist in queued state; the undelivered one is picked up later.
	for _, run := range all {
		assert.Equal(t, domain.StatusQueued, run.Status)
	}
}
