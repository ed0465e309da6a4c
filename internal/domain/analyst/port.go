package analyst

import "context"

// Repository persistence untuk Analysis
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	List(ctx context.Context, tenant string, page, pageSize int) ([]*Analysis, error)
}
