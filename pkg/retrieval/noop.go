package retrieval

import "context"

// NoopProvider is a no-op implementation used when augmentation is disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Retrieve returns no documents.
func (*NoopProvider) Retrieve(_ context.Context, _ string) ([]Document, error) {
	return nil, nil
}

// Verify interface compliance.
var _ Provider = (*NoopProvider)(nil)
