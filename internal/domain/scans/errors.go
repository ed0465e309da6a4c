package scans

import "errors"

// ErrNotFound indicates the scan run does not exist for this tenant.
var ErrNotFound = errors.New("scan run not found")
