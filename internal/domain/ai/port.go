package ai

import "context"

// Client interface untuk AI provider.
// Analyze receives a JSON document describing a finished scan (run metadata +
// findings) and returns the provider's JSON analysis.
type Client interface {
	Analyze(ctx context.Context, report string) (string, error)
}
