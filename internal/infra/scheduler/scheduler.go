// Package scheduler creates and enqueues recurring scans (typically periodic
// soc_rules sweeps) on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bebasset/threatsense/internal/application"
	domain "github.com/bebasset/threatsense/internal/domain/scans"
	"github.com/bebasset/threatsense/internal/infra/queue"
)

// JobConfig describes one recurring scan.
type JobConfig struct {
	Name       string         `yaml:"name"`
	Tenant     string         `yaml:"tenant"`
	AssetID    string         `yaml:"asset_id"`
	Plugin     string         `yaml:"plugin"`
	ScanType   string         `yaml:"scan_type"`
	Schedule   string         `yaml:"schedule"` // standard cron spec
	Parameters map[string]any `yaml:"parameters"`
}

type Scheduler struct {
	cron  *cron.Cron
	runs  domain.Repository
	q     *queue.Dispatcher
	clock application.Clock
	log   zerolog.Logger
}

func New(runs domain.Repository, q *queue.Dispatcher, clock application.Clock, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		runs:  runs,
		q:     q,
		clock: clock,
		log:   log,
	}
}

// AddJob registers one recurring scan. Invalid specs are rejected up front so
// a config typo fails at startup, not at 03:00.
func (s *Scheduler) AddJob(cfg JobConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if cfg.Tenant == "" || cfg.AssetID == "" || cfg.Plugin == "" {
		return fmt.Errorf("schedule %q: tenant, asset_id and plugin are required", cfg.Name)
	}
	_, err := s.cron.AddFunc(cfg.Schedule, func() { s.fire(cfg) })
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Name, err)
	}
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling; already-fired jobs keep running in the queue.
func (s *Scheduler) Stop() { s.cron.Stop() }

// fire creates a fresh queued run and hands its identifier to the dispatcher.
func (s *Scheduler) fire(cfg JobConfig) {
	params := json.RawMessage("{}")
	if len(cfg.Parameters) > 0 {
		data, err := json.Marshal(cfg.Parameters)
		if err != nil {
			s.log.Error().Err(err).Str("schedule", cfg.Name).Msg("could not encode schedule parameters")
			return
		}
		params = data
	}
	scanType := cfg.ScanType
	if scanType == "" {
		scanType = cfg.Plugin
	}

	run := &domain.ScanRun{
		ID:          domain.ScanID(uuid.NewString()),
		TenantID:    cfg.Tenant,
		AssetID:     cfg.AssetID,
		ScanType:    scanType,
		Status:      domain.StatusQueued,
		RequestedBy: "scheduler:" + cfg.Name,
		Plugin:      cfg.Plugin,
		Parameters:  params,
	}

	ctx := context.Background()
	if err := s.runs.Create(ctx, run); err != nil {
		s.log.Error().Err(err).Str("schedule", cfg.Name).Msg("could not create scheduled scan run")
		return
	}
	if err := s.q.Enqueue(queue.Job{Tenant: cfg.Tenant, ScanID: run.ID}); err != nil {
		// The row stays queued; the next tick or a manual dispatch picks it up.
		s.log.Warn().Err(err).Str("schedule", cfg.Name).Str("scan_id", string(run.ID)).
			Msg("scheduled scan not enqueued")
		return
	}
	s.log.Info().Str("schedule", cfg.Name).Str("scan_id", string(run.ID)).Msg("scheduled scan enqueued")
}
