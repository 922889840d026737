package toolresolver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Cache is the content-addressed tool-response cache.
type Cache interface {
	Get(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error)
	Put(ctx context.Context, entry models.CacheEntry) error
}

// ObjectCache persists cache entries under the
// `cache/{tenant}/{llm|search}/{hash}` object-store layout.
type ObjectCache struct {
	Store  storage.ObjectStore
	Tenant string
}

func NewObjectCache(store storage.ObjectStore, tenant string) *ObjectCache {
	return &ObjectCache{Store: store, Tenant: tenant}
}

func (c *ObjectCache) key(key models.CacheKey) string {
	return fmt.Sprintf("cache/%s/%s/%s", c.Tenant, key.Kind, key.PromptHash)
}

func (c *ObjectCache) Get(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error) {
	rc, _, err := c.Store.Get(ctx, c.key(key), nil)
	if err != nil {
		return models.CacheEntry{}, false, nil //nolint:nilerr // cache miss, not a failure
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (c *ObjectCache) Put(ctx context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.Store.Put(ctx, c.key(entry.Key), bytes.NewReader(data), "application/json")
}

// HashLLM computes the cache key hash for an LLM request: SHA-256 over
// the canonical (provider, model, temperature, max_tokens, prompt) tuple.
func HashLLM(provider, model string, temperature float64, maxTokens int, prompt string) string {
	return hashParts(provider, model, fmt.Sprintf("%g", temperature), fmt.Sprintf("%d", maxTokens), prompt)
}

// HashSearch computes the analogous cache key hash for a search request.
func HashSearch(provider, query string, k int, filters map[string]any) string {
	return hashParts(provider, query, fmt.Sprintf("%d", k), canonicalFilters(filters))
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func canonicalFilters(filters map[string]any) string {
	if len(filters) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%v", k, filters[k])
	}
	buf.WriteByte('}')
	return buf.String()
}

// MemCache is an in-memory Cache for tests.
type MemCache struct {
	entries map[string]models.CacheEntry
}

func NewMemCache() *MemCache { return &MemCache{entries: map[string]models.CacheEntry{}} }

func (c *MemCache) Get(ctx context.Context, key models.CacheKey) (models.CacheEntry, bool, error) {
	e, ok := c.entries[c.key(key)]
	return e, ok, nil
}

func (c *MemCache) Put(ctx context.Context, entry models.CacheEntry) error {
	c.entries[c.key(entry.Key)] = entry
	return nil
}

func (c *MemCache) key(key models.CacheKey) string {
	return string(key.Kind) + "|" + key.PromptHash
}
