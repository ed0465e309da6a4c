package assets

import "errors"

// ErrNotFound indicates the asset does not exist for this tenant.
var ErrNotFound = errors.New("asset not found")
