package mysql

import (
	"context"
	"database/sql"

	domain "github.com/bebasset/threatsense/internal/domain/scans"
)

type FindingRepository struct {
	db *sql.DB
}

func NewFindingRepository(db *sql.DB) *FindingRepository {
	return &FindingRepository{db: db}
}

// Insert appends one finding. Findings are never updated or deleted.
func (r *FindingRepository) Insert(ctx context.Context, f *domain.Finding) error {
	const q = `
INSERT INTO findings
(id, tenant_id, scan_run_id, asset_id, title, severity, category,
 evidence, remediation, cve, cvss)
VALUES (?,?,?,?,?,?,?,?,?,?,?);
`
	_, err := r.db.ExecContext(ctx, q,
		f.ID, f.TenantID, f.ScanRunID, f.AssetID,
		f.Title, f.Severity, f.Category,
		f.Evidence, f.Remediation,
		nullString(f.CVE), nullFloat(f.CVSS),
	)
	return err
}

// ListByRun returns a run's findings in insertion order.
func (r *FindingRepository) ListByRun(ctx context.Context, tenant string, scanRunID domain.ScanID, limit int) ([]*domain.Finding, error) {
	if limit <= 0 {
		limit = 1000
	}
	const q = `
SELECT id, tenant_id, scan_run_id, asset_id, title, severity, category,
       evidence, remediation, cve, cvss
FROM findings
WHERE tenant_id=? AND scan_run_id=?
ORDER BY id ASC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenant, scanRunID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Finding
	for rows.Next() {
		var f domain.Finding
		var cve sql.NullString
		var cvss sql.NullFloat64
		if err := rows.Scan(
			&f.ID, &f.TenantID, &f.ScanRunID, &f.AssetID,
			&f.Title, &f.Severity, &f.Category,
			&f.Evidence, &f.Remediation, &cve, &cvss,
		); err != nil {
			return nil, err
		}
		f.CVE = stringVal(cve)
		f.CVSS = floatPtr(cvss)
		out = append(out, &f)
	}
	return out, rows.Err()
}
