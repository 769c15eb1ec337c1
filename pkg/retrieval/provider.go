// Package retrieval defines the retrieval-augmentation collaborator. The
// completion service calls it once per request, before building the
// provider request, when augmentation is enabled for the chat. Indexing and
// embedding internals live outside this repository.
package retrieval

import "context"

// Document is one retrieved context snippet.
type Document struct {
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Provider retrieves documents relevant to a query.
type Provider interface {
	// Retrieve returns documents ranked by relevance, best first.
	Retrieve(ctx context.Context, query string) ([]Document, error)
}
