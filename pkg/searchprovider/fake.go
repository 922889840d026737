package searchprovider

import "context"

// Fake is an in-memory Provider for tests.
type Fake struct {
	Results map[string][]Hit // query -> canned hits
	Err     error
}

func NewFake() *Fake { return &Fake{Results: map[string][]Hit{}} }

func (f *Fake) Query(ctx context.Context, indexID, query string, k int, filters map[string]any) ([]Hit, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	hits := f.Results[query]
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
