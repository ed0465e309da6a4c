package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/bebasset/threatsense/internal/domain/scans"
)

type ScanRepository struct {
	db *sql.DB
}

func NewScanRepository(db *sql.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

const scanColumns = `
id, tenant_id, asset_id, scan_type, status, started_at, finished_at,
requested_by, approved_by, requires_approval, plugin, parameters_json,
artifact_path, error_message`

// Create inserts a new run in queued state.
func (r *ScanRepository) Create(ctx context.Context, s *domain.ScanRun) error {
	const q = `
INSERT INTO scan_runs
(id, tenant_id, asset_id, scan_type, status, started_at, finished_at,
 requested_by, approved_by, requires_approval, plugin, parameters_json,
 artifact_path, error_message)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?);
`
	params := string(s.Parameters)
	if params == "" {
		params = "{}"
	}
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.TenantID, s.AssetID, s.ScanType, s.Status,
		nullTime(s.StartedAt), nullTime(s.FinishedAt),
		s.RequestedBy, nullString(s.ApprovedBy), s.RequiresApproval,
		s.Plugin, params,
		nullString(s.ArtifactPath), nullString(s.ErrorMessage),
	)
	return err
}

// Get by ID + Tenant
func (r *ScanRepository) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanRun, error) {
	const q = `
SELECT ` + scanColumns + `
FROM scan_runs
WHERE tenant_id=? AND id=? LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, tenant, id)
	s, err := scanScanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

// Claim moves queued -> running for exactly one concurrent caller. The
// conditional WHERE makes the read-modify-write a single atomic statement.
func (r *ScanRepository) Claim(ctx context.Context, tenant string, id domain.ScanID, startedAt time.Time) (bool, error) {
	const q = `
UPDATE scan_runs
SET status=?, started_at=?
WHERE tenant_id=? AND id=? AND status=?;
`
	res, err := r.db.ExecContext(ctx, q, domain.StatusRunning, startedAt, tenant, id, domain.StatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDone finalizes a run. Terminal rows are never rewritten.
func (r *ScanRepository) MarkDone(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, artifactPath string) error {
	const q = `
UPDATE scan_runs
SET status=?, finished_at=?, artifact_path=?
WHERE tenant_id=? AND id=? AND status NOT IN (?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		domain.StatusDone, finishedAt, nullString(artifactPath),
		tenant, id, domain.StatusDone, domain.StatusFailed,
	)
	return err
}

// MarkFailed finalizes a run with a human-readable error. Terminal rows are
// never rewritten.
func (r *ScanRepository) MarkFailed(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, errorMessage string) error {
	const q = `
UPDATE scan_runs
SET status=?, finished_at=?, error_message=?
WHERE tenant_id=? AND id=? AND status NOT IN (?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		domain.StatusFailed, finishedAt, nullString(errorMessage),
		tenant, id, domain.StatusDone, domain.StatusFailed,
	)
	return err
}

// Latest runs per tenant
func (r *ScanRepository) Latest(ctx context.Context, tenant string, limit int) ([]*domain.ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + scanColumns + `
FROM scan_runs
WHERE tenant_id=?
ORDER BY COALESCE(started_at, finished_at) DESC, id DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ScanRun
	for rows.Next() {
		s, err := scanScanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScanRun(row rowScanner) (*domain.ScanRun, error) {
	var s domain.ScanRun
	var started, finished sql.NullTime
	var approvedBy, artifactPath, errorMessage sql.NullString
	var params string
	if err := row.Scan(
		&s.ID, &s.TenantID, &s.AssetID, &s.ScanType, &s.Status,
		&started, &finished,
		&s.RequestedBy, &approvedBy, &s.RequiresApproval,
		&s.Plugin, &params,
		&artifactPath, &errorMessage,
	); err != nil {
		return nil, err
	}
	s.StartedAt = timePtr(started)
	s.FinishedAt = timePtr(finished)
	s.ApprovedBy = stringVal(approvedBy)
	s.ArtifactPath = stringVal(artifactPath)
	s.ErrorMessage = stringVal(errorMessage)
	s.Parameters = []byte(params)
	return &s, nil
}
