package toolresolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/searchprovider"
)

func llmRequest(key, prompt string) models.ToolRequest {
	return models.ToolRequest{
		Kind: models.ToolKindLLM, Key: key,
		LLM: &models.LLMRequest{Prompt: prompt},
	}
}

func openQuota() Quota {
	return Quota{MaxToolRequestsPerStep: 16, RemainingLLMSubcalls: 100, RemainingPromptChars: 1 << 20}
}

func TestResolveLLMSuccess(t *testing.T) {
	fake := llmprovider.NewFake()
	fake.Responses["say hi"] = llmprovider.Response{Text: "hi"}
	r := &Resolver{LLM: fake, Cache: NewMemCache(), CallTimeout: time.Second}

	out := r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k", "say hi")}, openQuota())
	require.Equal(t, models.ToolStatusResolved, out.Status["k"])
	require.Equal(t, "hi", out.Results[models.ToolKindLLM]["k"]["text"])
	require.Equal(t, 1, out.ConsumedLLMSubcalls)
	require.Equal(t, len("say hi"), out.ConsumedPromptChars)
}

func TestResolveCacheHitSkipsProvider(t *testing.T) {
	cache := NewMemCache()
	key := models.CacheKey{
		Kind: models.ToolKindLLM, Provider: "default",
		PromptHash: HashLLM("default", "", 0, 0, "cached prompt"),
	}
	require.NoError(t, cache.Put(context.Background(), models.CacheEntry{
		Key:      key,
		Response: map[string]any{"text": "from cache"},
	}))

	fake := llmprovider.NewFake()
	fake.Err = llmprovider.Permanent(errors.New("provider must not be called"))
	r := &Resolver{LLM: fake, Cache: cache, CallTimeout: time.Second}

	out := r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k", "cached prompt")}, openQuota())
	require.Equal(t, models.ToolStatusResolved, out.Status["k"])
	require.Equal(t, "from cache", out.Results[models.ToolKindLLM]["k"]["text"])
	require.Empty(t, fake.Calls)
}

func TestResolveWritesCacheOnSuccess(t *testing.T) {
	cache := NewMemCache()
	fake := llmprovider.NewFake()
	fake.Responses["p"] = llmprovider.Response{Text: "r"}
	r := &Resolver{LLM: fake, Cache: cache, CallTimeout: time.Second}

	_ = r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k", "p")}, openQuota())
	require.Len(t, fake.Calls, 1)

	// Second resolve must be served from cache even though the provider now
	// fails hard.
	fake.Err = llmprovider.Permanent(errors.New("down"))
	out := r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k2", "p")}, openQuota())
	require.Equal(t, models.ToolStatusResolved, out.Status["k2"])
	require.Len(t, fake.Calls, 1)
}

func TestResolvePermanentErrorMarksError(t *testing.T) {
	fake := llmprovider.NewFake()
	fake.Err = llmprovider.Permanent(errors.New("bad request"))
	r := &Resolver{LLM: fake, CallTimeout: time.Second}

	out := r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k", "p")}, openQuota())
	require.Equal(t, models.ToolStatusError, out.Status["k"])
	require.Equal(t, "LLM_PROVIDER_ERROR", out.Errors["k"].Code)
	require.Len(t, fake.Calls, 1, "permanent errors must not be retried")
}

func TestResolveSubcallQuotaExhausted(t *testing.T) {
	fake := llmprovider.NewFake()
	r := &Resolver{LLM: fake, CallTimeout: time.Second}

	quota := openQuota()
	quota.RemainingLLMSubcalls = 1
	out := r.Resolve(context.Background(), []models.ToolRequest{
		llmRequest("a", "one"),
		llmRequest("b", "two"),
	}, quota)
	require.Equal(t, models.ToolStatusError, out.Status["b"])
	require.Equal(t, "BUDGET_EXCEEDED", out.Errors["b"].Code)
	require.Equal(t, 1, out.ConsumedLLMSubcalls)
}

func TestResolvePromptCharQuota(t *testing.T) {
	fake := llmprovider.NewFake()
	r := &Resolver{LLM: fake, CallTimeout: time.Second}

	quota := openQuota()
	quota.RemainingPromptChars = 3
	out := r.Resolve(context.Background(), []models.ToolRequest{llmRequest("k", "longer than three")}, quota)
	require.Equal(t, models.ToolStatusError, out.Status["k"])
	require.Empty(t, fake.Calls)
}

func TestResolvePerStepLimitRejectsOverflow(t *testing.T) {
	fake := llmprovider.NewFake()
	fake.Responses["one"] = llmprovider.Response{Text: "1"}
	r := &Resolver{LLM: fake, CallTimeout: time.Second}

	quota := openQuota()
	quota.MaxToolRequestsPerStep = 1
	out := r.Resolve(context.Background(), []models.ToolRequest{
		llmRequest("a", "one"),
		llmRequest("b", "two"),
	}, quota)
	require.Equal(t, models.ToolStatusResolved, out.Status["a"])
	require.Equal(t, models.ToolStatusError, out.Status["b"])
}

func TestResolveSearchWithoutBackend(t *testing.T) {
	r := &Resolver{LLM: llmprovider.NewFake(), CallTimeout: time.Second}
	out := r.Resolve(context.Background(), []models.ToolRequest{{
		Kind: models.ToolKindSearch, Key: "s",
		Search: &models.SearchRequest{Query: "q", K: 3},
	}}, openQuota())
	require.Equal(t, models.ToolStatusError, out.Status["s"])
}

func TestResolveSearchSuccess(t *testing.T) {
	search := searchprovider.NewFake()
	search.Results["world"] = []searchprovider.Hit{{DocIndex: 0, StartChar: 2, EndChar: 8, Score: 0.9, Preview: "llo wo"}}
	r := &Resolver{LLM: llmprovider.NewFake(), Search: search, CallTimeout: time.Second}

	out := r.Resolve(context.Background(), []models.ToolRequest{{
		Kind: models.ToolKindSearch, Key: "s",
		Search: &models.SearchRequest{Query: "world", K: 1},
	}}, openQuota())
	require.Equal(t, models.ToolStatusResolved, out.Status["s"])
	hits := out.Results[models.ToolKindSearch]["s"]["hits"].([]any)
	require.Len(t, hits, 1)
}

func TestMergeIntoStatePreservesEarlierTurns(t *testing.T) {
	state := map[string]any{
		"_tool_results": map[string]any{"llm": map[string]any{"old": map[string]any{"text": "kept"}}},
		"_tool_status":  map[string]any{"old": "resolved"},
	}
	out := newOutcome()
	out.commitResult("new", models.ToolKindLLM, map[string]any{"text": "fresh"})
	out.MergeIntoState(state)

	llm := state["_tool_results"].(map[string]any)["llm"].(map[string]any)
	require.Contains(t, llm, "old")
	require.Contains(t, llm, "new")
	status := state["_tool_status"].(map[string]any)
	require.Equal(t, "resolved", status["old"])
	require.Equal(t, "resolved", status["new"])
}

func TestHashLLMIsStable(t *testing.T) {
	a := HashLLM("p", "m", 0, 128, "prompt")
	b := HashLLM("p", "m", 0, 128, "prompt")
	c := HashLLM("p", "m", 0, 128, "different")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
