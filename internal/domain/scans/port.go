package scans

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence ScanRun)
type Repository interface {
	Create(ctx context.Context, run *ScanRun) error
	Get(ctx context.Context, tenant string, id ScanID) (*ScanRun, error)

	// Claim atomically moves a queued run to running and records the start
	// time. It returns true for exactly one concurrent caller; a run that is
	// already running, done or failed is not claimable. This is the
	// re-delivery guard: the queue is at-least-once, the claim is the gate.
	Claim(ctx context.Context, tenant string, id ScanID, startedAt time.Time) (bool, error)

	MarkDone(ctx context.Context, tenant string, id ScanID, finishedAt time.Time, artifactPath string) error
	MarkFailed(ctx context.Context, tenant string, id ScanID, finishedAt time.Time, errorMessage string) error

	Latest(ctx context.Context, tenant string, limit int) ([]*ScanRun, error)
}

// FindingRepository port (append-only)
type FindingRepository interface {
	Insert(ctx context.Context, f *Finding) error
	ListByRun(ctx context.Context, tenant string, scanRunID ScanID, limit int) ([]*Finding, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak)
type ArtifactStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	UploadAndCleanup(ctx context.Context, localPath, key string) (string, error)
}
