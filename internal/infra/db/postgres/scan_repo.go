package postgres

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

func (r *ScanRepository) Create(ctx context.Context, s *domain.ScanRun) error {
	const q = `
INSERT INTO scan_runs
(id, tenant_id, asset_id, scan_type, status, started_at, finished_at,
 requested_by, approved_by, requires_approval, plugin, parameters_json,
 artifact_path, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14);
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

func (r *ScanRepository) Get(ctx context.Context, tenant string, id domain.ScanID) (*domain.ScanRun, error) {
	const q = `
SELECT ` + scanColumns + `
FROM scan_runs
WHERE tenant_id=$1 AND id=$2 LIMIT 1;
`
	row := r.db.QueryRowContext(ctx, q, tenant, id)
	s, err := scanScanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return s, err
}

// Claim moves queued -> running for exactly one concurrent caller.
func (r *ScanRepository) Claim(ctx context.Context, tenant string, id domain.ScanID, startedAt time.Time) (bool, error) {
	const q = `
UPDATE scan_runs
SET status=$1, started_at=$2
WHERE tenant_id=$3 AND id=$4 AND status=$5;
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

func (r *ScanRepository) MarkDone(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, artifactPath string) error {
	const q = `
UPDATE scan_runs
SET status=$1, finished_at=$2, artifact_path=$3
WHERE tenant_id=$4 AND id=$5 AND status NOT IN ($6, $7);
`
	_, err := r.db.ExecContext(ctx, q,
		domain.StatusDone, finishedAt, nullString(artifactPath),
		tenant, id, domain.StatusDone, domain.StatusFailed,
	)
	return err
}

func (r *ScanRepository) MarkFailed(ctx context.Context, tenant string, id domain.ScanID, finishedAt time.Time, errorMessage string) error {
	const q = `
UPDATE scan_runs
SET status=$1, finished_at=$2, error_message=$3
WHERE tenant_id=$4 AND id=$5 AND status NOT IN ($6, $7);
`
	_, err := r.db.ExecContext(ctx, q,
		domain.StatusFailed, finishedAt, nullString(errorMessage),
		tenant, id, domain.StatusDone, domain.StatusFailed,
	)
	return err
}

func (r *ScanRepository) Latest(ctx context.Context, tenant string, limit int) ([]*domain.ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT ` + scanColumns + `
FROM scan_runs
WHERE tenant_id=$1
ORDER BY COALESCE(started_at, finished_at) DESC NULLS LAST, id DESC
LIMIT $2;
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
