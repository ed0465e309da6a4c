package mysql

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/bebasset/threatsense/internal/domain/assets"
)

type AssetRepository struct {
	db *sql.DB
}

func NewAssetRepository(db *sql.DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Get by ID + Tenant
func (r *AssetRepository) Get(ctx context.Context, tenant string, id domain.AssetID) (*domain.Asset, error) {
	const q = `
SELECT id, tenant_id, kind, value, verified
FROM assets
WHERE tenant_id=? AND id=? LIMIT 1;
`
	var a domain.Asset
	err := r.db.QueryRowContext(ctx, q, tenant, id).Scan(&a.ID, &a.TenantID, &a.Kind, &a.Value, &a.Verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
