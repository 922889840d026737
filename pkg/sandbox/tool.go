package sandbox

import (
	"fmt"

	"github.com/rlm-rs/orchestrator/pkg/models"
)

// terminal is the single slot both tool.YIELD and tool.FINAL write to;
// each call overwrites it unconditionally, so the last call in program
// order wins.
type terminal struct {
	set     bool
	isFinal bool
	answer  string
	reason  string
}

// toolAPI backs the `tool` object exposed to step code: queue_llm,
// queue_search, YIELD, FINAL.
type toolAPI struct {
	requests []models.ToolRequest
	seenKeys map[string]int // key -> index into requests, for "repeating a key replaces status"
	term     terminal
	limit    int
}

func newToolAPI(limit int) *toolAPI {
	return &toolAPI{seenKeys: map[string]int{}, limit: limit}
}

func (t *toolAPI) queue(kind models.ToolKind, key string, req models.ToolRequest) error {
	req.Kind = kind
	req.Key = key
	req.Status = models.ToolStatusPending
	if idx, ok := t.seenKeys[key]; ok {
		t.requests[idx] = req
		return nil
	}
	if t.limit > 0 && len(t.requests) >= t.limit {
		return fmt.Errorf("tool request limit exceeded (max %d per step)", t.limit)
	}
	t.seenKeys[key] = len(t.requests)
	t.requests = append(t.requests, req)
	return nil
}

func (t *toolAPI) queueLLM(key, prompt, modelHint string, maxTokens int, temperature float64, metadata map[string]any) error {
	return t.queue(models.ToolKindLLM, key, models.ToolRequest{
		LLM: &models.LLMRequest{Prompt: prompt, ModelHint: modelHint, MaxTokens: maxTokens, Temperature: temperature, Metadata: metadata},
	})
}

func (t *toolAPI) queueSearch(key, query string, k int, filters map[string]any) error {
	return t.queue(models.ToolKindSearch, key, models.ToolRequest{
		Search: &models.SearchRequest{Query: query, K: k, Filters: filters},
	})
}

func (t *toolAPI) yield(reason string) {
	t.term = terminal{set: true, isFinal: false, reason: reason}
}

func (t *toolAPI) final(answer string) {
	t.term = terminal{set: true, isFinal: true, answer: answer}
}
