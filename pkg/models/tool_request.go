package models

// ToolKind distinguishes the two variants of the tool request tagged
// union.
type ToolKind string

const (
	ToolKindLLM    ToolKind = "llm"
	ToolKindSearch ToolKind = "search"
)

// ToolStatus tracks resolution progress of a queued request, surfaced to
// the model via state["_tool_status"][key].
type ToolStatus string

const (
	ToolStatusPending  ToolStatus = "pending"
	ToolStatusResolved ToolStatus = "resolved"
	ToolStatusError    ToolStatus = "error"
)

// LLMRequest is the llm variant of a Tool Request: tool.queue_llm(...).
type LLMRequest struct {
	Prompt      string
	ModelHint   string
	MaxTokens   int
	Temperature float64
	Metadata    map[string]any
}

// SearchRequest is the search variant of a Tool Request: tool.queue_search(...).
type SearchRequest struct {
	Query   string
	K       int
	Filters map[string]any
}

// ToolRequest is a single queued request emitted by a sandbox step for
// out-of-sandbox resolution. Exactly one of LLM/Search is populated,
// selected by Kind. Key is unique within an execution-turn namespace;
// repeating a key across turns replaces status rather than erroring.
type ToolRequest struct {
	Kind ToolKind
	Key  string

	LLM    *LLMRequest
	Search *SearchRequest

	Status ToolStatus
	Error  *StructuredError
}
