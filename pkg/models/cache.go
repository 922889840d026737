package models

import "time"

// CacheKey identifies a content-addressed cache entry. For LLM entries
// Query/K/Filters are zero; for search entries Prompt/Model/Temperature/
// MaxTokens are zero. PromptHash is SHA-256 over the canonical encoding of
// whichever fields apply.
type CacheKey struct {
	Kind        ToolKind
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	PromptHash  string // sha256:... over canonical(provider, model, temperature, max_tokens, prompt|query+k+filters)
}

// CacheEntry is a content-addressed, immutable tool-response cache record:
// written once, read many, last-writer-wins on key collision because the
// key already encodes the full request.
type CacheEntry struct {
	Key       CacheKey
	Response  map[string]any
	CreatedAt time.Time
}
