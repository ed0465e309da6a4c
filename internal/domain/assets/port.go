package assets

import "context"

// Repository port (read-only di sisi scanning)
type Repository interface {
	Get(ctx context.Context, tenant string, id AssetID) (*Asset, error)
}
