// Package toolresolver implements the Tool Resolver: it
// fulfills queued LLM/search tool requests outside the sandbox, with
// content-addressed caching, bounded concurrency, and retry.
package toolresolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/searchprovider"
)

// Quota is the remaining-budget snapshot the resolver validates each
// request against before calling a provider.
type Quota struct {
	MaxToolRequestsPerStep int
	RemainingLLMSubcalls   int
	RemainingPromptChars   int
}

// Resolver fulfills queued tool requests for one turn.
type Resolver struct {
	LLM    llmprovider.Provider
	Search searchprovider.Provider
	Cache  Cache

	MaxConcurrency int
	RetryAttempts  int
	CallTimeout    time.Duration

	// SearchIndexID selects which search index Query() runs against; a
	// single execution has at most one configured index.
	SearchIndexID string
}

// Outcome is the populated result set handed back to the orchestrator to
// merge into state["_tool_results"] / state["_tool_status"].
type Outcome struct {
	Results map[models.ToolKind]map[string]map[string]any
	Status  map[string]models.ToolStatus
	Errors  map[string]*models.StructuredError

	ConsumedLLMSubcalls int
	ConsumedPromptChars int

	// mu guards the maps above while resolveOne goroutines are in flight;
	// Resolve returns only after every goroutine has finished, so callers
	// never need it.
	mu sync.Mutex
}

func newOutcome() *Outcome {
	return &Outcome{
		Results: map[models.ToolKind]map[string]map[string]any{
			models.ToolKindLLM:    {},
			models.ToolKindSearch: {},
		},
		Status: map[string]models.ToolStatus{},
		Errors: map[string]*models.StructuredError{},
	}
}

// Resolve fulfills one turn's queued
// requests. Over-quota requests are marked error without aborting the
// rest; provider/cache failures on individual requests never fail the
// whole call.
func (r *Resolver) Resolve(ctx context.Context, requests []models.ToolRequest, quota Quota) *Outcome {
	out := newOutcome()

	if quota.MaxToolRequestsPerStep > 0 && len(requests) > quota.MaxToolRequestsPerStep {
		for _, req := range requests[quota.MaxToolRequestsPerStep:] {
			out.reject(req, "per-step tool request limit exceeded")
		}
		requests = requests[:quota.MaxToolRequestsPerStep]
	}

	sem := semaphore.NewWeighted(int64(maxInt(r.MaxConcurrency, 1)))
	var wg sync.WaitGroup

	remainingSubcalls := quota.RemainingLLMSubcalls
	remainingChars := quota.RemainingPromptChars

	for _, req := range requests {
		req := req
		if req.Kind == models.ToolKindLLM {
			promptLen := len(req.LLM.Prompt)
			if remainingSubcalls <= 0 {
				out.reject(req, "execution-wide LLM subcall budget exhausted")
				continue
			}
			if remainingChars < promptLen {
				out.reject(req, "execution-wide LLM prompt-char budget exhausted")
				continue
			}
			remainingSubcalls--
			remainingChars -= promptLen
			out.ConsumedLLMSubcalls++
			out.ConsumedPromptChars += promptLen
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			out.reject(req, "cancelled before resolution")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			r.resolveOne(ctx, req, out)
		}()
	}
	wg.Wait()
	return out
}

func (o *Outcome) reject(req models.ToolRequest, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Status[req.Key] = models.ToolStatusError
	o.Errors[req.Key] = &models.StructuredError{Code: "BUDGET_EXCEEDED", Message: truncate(reason, 500)}
}

func (r *Resolver) resolveOne(ctx context.Context, req models.ToolRequest, out *Outcome) {
	switch req.Kind {
	case models.ToolKindLLM:
		r.resolveLLM(ctx, req, out)
	case models.ToolKindSearch:
		r.resolveSearch(ctx, req, out)
	}
}

func (r *Resolver) resolveLLM(ctx context.Context, req models.ToolRequest, out *Outcome) {
	l := req.LLM
	// Subcalls pin temperature=0 so cache keys stay meaningful.
	temperature := 0.0
	provider := "default"
	key := models.CacheKey{
		Kind: models.ToolKindLLM, Provider: provider, Model: l.ModelHint,
		Temperature: temperature, MaxTokens: l.MaxTokens,
		PromptHash: HashLLM(provider, l.ModelHint, temperature, l.MaxTokens, l.Prompt),
	}

	if r.Cache != nil {
		if entry, ok, _ := r.Cache.Get(ctx, key); ok {
			out.commitResult(req.Key, models.ToolKindLLM, entry.Response)
			return
		}
	}

	deadline := time.Now().Add(r.CallTimeout)
	var resp llmprovider.Response
	err := r.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = r.LLM.Call(ctx, l.ModelHint, l.Prompt, l.MaxTokens, temperature, deadline)
		return classify(callErr)
	})
	if err != nil {
		out.fail(req.Key, "LLM_PROVIDER_ERROR", err)
		return
	}

	response := map[string]any{"text": resp.Text, "usage": map[string]any{
		"prompt_tokens": resp.Usage.PromptTokens, "completion_tokens": resp.Usage.CompletionTokens,
	}}
	if r.Cache != nil {
		_ = r.Cache.Put(ctx, models.CacheEntry{Key: key, Response: response, CreatedAt: time.Now()})
	}
	out.commitResult(req.Key, models.ToolKindLLM, response)
}

func (r *Resolver) resolveSearch(ctx context.Context, req models.ToolRequest, out *Outcome) {
	s := req.Search
	key := models.CacheKey{
		Kind: models.ToolKindSearch, Provider: r.SearchIndexID,
		PromptHash: HashSearch(r.SearchIndexID, s.Query, s.K, s.Filters),
	}

	if r.Cache != nil {
		if entry, ok, _ := r.Cache.Get(ctx, key); ok {
			out.commitResult(req.Key, models.ToolKindSearch, entry.Response)
			return
		}
	}
	if r.Search == nil {
		out.fail(req.Key, "LLM_PROVIDER_ERROR", fmt.Errorf("no search backend configured for this session"))
		return
	}

	var hits []searchprovider.Hit
	err := r.withRetry(ctx, func() error {
		var callErr error
		hits, callErr = r.Search.Query(ctx, r.SearchIndexID, s.Query, s.K, s.Filters)
		return callErr
	})
	if err != nil {
		out.fail(req.Key, "LLM_PROVIDER_ERROR", err)
		return
	}

	rawHits := make([]any, len(hits))
	for i, h := range hits {
		rawHits[i] = map[string]any{
			"doc_index": h.DocIndex, "start_char": h.StartChar, "end_char": h.EndChar,
			"score": h.Score, "preview": h.Preview,
		}
	}
	response := map[string]any{"hits": rawHits}
	if r.Cache != nil {
		_ = r.Cache.Put(ctx, models.CacheEntry{Key: key, Response: response, CreatedAt: time.Now()})
	}
	out.commitResult(req.Key, models.ToolKindSearch, response)
}

// StatusSummary flattens the outcome's per-key statuses into the loosely
// typed map trace records carry.
func (o *Outcome) StatusSummary() map[string]any {
	out := make(map[string]any, len(o.Status))
	for key, st := range o.Status {
		out[key] = string(st)
	}
	return out
}

// MergeIntoState writes the outcome into the orchestrator-owned subtrees of
// state ("_tool_results", "_tool_status", "_tool_errors"). Existing keys
// from earlier turns are preserved; a repeated key's result and status are
// overwritten. Callers invoke this only after Resolve has returned, so no
// locking is needed.
func (o *Outcome) MergeIntoState(state map[string]any) {
	results, _ := state["_tool_results"].(map[string]any)
	if results == nil {
		results = map[string]any{}
	}
	status, _ := state["_tool_status"].(map[string]any)
	if status == nil {
		status = map[string]any{}
	}

	for kind, byKey := range o.Results {
		kindResults, _ := results[string(kind)].(map[string]any)
		if kindResults == nil {
			kindResults = map[string]any{}
		}
		for key, response := range byKey {
			kindResults[key] = response
		}
		results[string(kind)] = kindResults
	}
	for key, st := range o.Status {
		status[key] = string(st)
	}
	state["_tool_results"] = results
	state["_tool_status"] = status

	if len(o.Errors) > 0 {
		errs, _ := state["_tool_errors"].(map[string]any)
		if errs == nil {
			errs = map[string]any{}
		}
		for key, e := range o.Errors {
			errs[key] = map[string]any{"code": e.Code, "message": e.Message}
		}
		state["_tool_errors"] = errs
	}
}

func (o *Outcome) commitResult(key string, kind models.ToolKind, response map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Results[kind][key] = response
	o.Status[key] = models.ToolStatusResolved
}

func (o *Outcome) fail(key, code string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Status[key] = models.ToolStatusError
	o.Errors[key] = &models.StructuredError{Code: code, Message: truncate(err.Error(), 500)}
}

// withRetry applies a bounded exponential backoff — permanent provider errors stop
// immediately via backoff.Permanent.
func (r *Resolver) withRetry(ctx context.Context, op func() error) error {
	attempts := r.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts))
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// classify maps a provider error's transient/permanent classification onto
// backoff's retry contract.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *llmprovider.Error
	if e, ok := err.(*llmprovider.Error); ok {
		pe = e
	}
	if pe != nil && pe.Kind == llmprovider.ErrKindPermanent {
		return backoff.Permanent(err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
