package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rlm-rs/orchestrator/pkg/models"
)

// BuildPrompt assembles the root LLM prompt for one turn: the question, the
// corpus shape (document count and per-document lengths), a compact state
// summary (key names and serialized sizes, never the raw values), the tool
// schema variant for this execution, a budget snapshot, and the previous
// turn's error fed forward so the model can self-correct.
//
// The model must answer with exactly one fenced ```repl block; ParseStep
// enforces that on the way back in.
func BuildPrompt(exec *models.Execution, state map[string]any, docs []*models.Document, prevStdout string, prevErr *models.StructuredError) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Question: %s\n\n", exec.Question)
	fmt.Fprintf(&b, "Turn %d of at most %d.\n", exec.CurrentTurn, exec.RequestedBudget.MaxTurns)

	fmt.Fprintf(&b, "Corpus has %d document(s):\n", len(docs))
	for i, d := range docs {
		fmt.Fprintf(&b, "  context[%d]: %d chars\n", i, d.LengthChars)
	}
	b.WriteString("\n")

	b.WriteString("Current state keys (name: serialized bytes):\n")
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		b.WriteString("  (empty)\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %d\n", k, serializedSize(state[k]))
	}
	b.WriteString("\n")

	b.WriteString(toolSchema(exec.SubcallsEnabled))

	rem := exec.Consumed
	req := exec.RequestedBudget
	fmt.Fprintf(&b, "Budget: %d/%d LLM subcalls used, %d span reads logged (cap %d).\n",
		rem.LLMSubcalls, req.MaxLLMSubcalls, rem.SpansTotal, req.MaxSpansTotal)

	if exec.Output == models.OutputModeContexts {
		b.WriteString("\nThis execution returns contexts, not prose: tag every span you want ")
		b.WriteString("returned with \"context\" or \"context:<label>\" when slicing, e.g. ")
		b.WriteString("context[0].slice(a, b, \"context:intro\"). Only context-tagged spans are returned.\n")
	}

	if prevStdout != "" {
		fmt.Fprintf(&b, "\nPrevious turn stdout:\n%s\n", prevStdout)
	}
	if prevErr != nil {
		fmt.Fprintf(&b, "\nThe previous turn failed with %s: %s\nAdjust your step accordingly.\n", prevErr.Code, prevErr.Message)
	}

	b.WriteString("\nRespond with exactly one fenced ```repl code block containing your next step, nothing else. ")
	b.WriteString("Call tool.FINAL(answer) to finish, tool.YIELD() to end the step and wait for tool results, ")
	b.WriteString("or mutate state and fall through to continue.\n")

	return b.String()
}

// toolSchema enumerates the tool surface available to step code; the
// subcall-enabled variant advertises queue_llm/queue_search, the other warns
// they will be rejected.
func toolSchema(subcalls bool) string {
	var b strings.Builder
	b.WriteString("Available in steps:\n")
	b.WriteString("  len(context), context[i], context[i][a:b], context[i].slice(a, b, tag)\n")
	b.WriteString("  context[i].find(needle, start, end, max_hits), context[i].regex(pattern, ...)\n")
	b.WriteString("  context[i].sections(), context[i].page_spans()\n")
	b.WriteString("  state — your JSON workspace; keys starting with \"_\" are read-only\n")
	if subcalls {
		b.WriteString("  tool.queue_llm(key, prompt, model_hint, max_tokens, temperature)\n")
		b.WriteString("  tool.queue_search(key, query, k, filters)\n")
		b.WriteString("  results appear next turn in state[\"_tool_results\"], status in state[\"_tool_status\"]\n")
	} else {
		b.WriteString("  subcalls are disabled for this execution; tool.queue_llm/queue_search will be rejected\n")
	}
	b.WriteString("  tool.YIELD(reason?), tool.FINAL(answer)\n\n")
	return b.String()
}

func serializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
