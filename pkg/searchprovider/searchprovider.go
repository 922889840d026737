// Package searchprovider defines the optional search backend contract
// the Tool Resolver resolves queue_search requests against.
package searchprovider

import "context"

// Hit is one search result, in char offsets into a document's canonical
// text.
type Hit struct {
	DocIndex  int
	StartChar int
	EndChar   int
	Score     float64
	Preview   string
}

// Provider is the search backend contract. The backend is optional: an
// execution whose corpus has no search backend configured simply cannot
// resolve queue_search requests, surfaced as a per-request error.
type Provider interface {
	Query(ctx context.Context, indexID, query string, k int, filters map[string]any) ([]Hit, error)
}
