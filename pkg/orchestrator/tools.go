package orchestrator

import (
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
)

// injectBudgetSnapshot refreshes the orchestrator-owned "_budgets" subtree
// before each sandbox dispatch, so step code can see what headroom remains
// without being able to change it (any sandbox write to the key is
// reverted).
func injectBudgetSnapshot(state map[string]any, exec *models.Execution) {
	b := exec.RequestedBudget
	c := exec.Consumed
	state["_budgets"] = map[string]any{
		"turns_used":             c.Turns,
		"max_turns":              b.MaxTurns,
		"llm_subcalls_used":      c.LLMSubcalls,
		"max_llm_subcalls":       b.MaxLLMSubcalls,
		"prompt_chars_remaining": c.RemainingLLMPromptChars(b),
		"spans_total":            c.SpansTotal,
		"max_spans_total":        b.MaxSpansTotal,
	}
}

// toolQuota derives the resolver's remaining-budget snapshot from an
// execution's consumed counters.
func toolQuota(exec *models.Execution) toolresolver.Quota {
	return toolresolver.Quota{
		MaxToolRequestsPerStep: exec.RequestedBudget.MaxToolRequestsPerStep,
		RemainingLLMSubcalls:   exec.Consumed.RemainingLLMSubcalls(exec.RequestedBudget),
		RemainingPromptChars:   exec.Consumed.RemainingLLMPromptChars(exec.RequestedBudget),
	}
}
