// Package sandbox implements the Sandbox Step Runtime: it
// executes one AST-policy-validated step against a restricted environment
// — a tree-walking interpreter over the same Go-syntax subset astpolicy
// validates — and returns a structured result.
package sandbox

import (
	"time"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// OrchestratorOwnedKeys are the state sub-trees sandbox code may read but
// never durably mutate. Run reverts any sandbox write to these keys before
// returning.
var OrchestratorOwnedKeys = []string{"_tool_results", "_tool_status", "_budgets", "_trace", "_tool_schema"}

// Limits are the per-step caps from the execution's budget
// enforced inside the sandbox rather than by the orchestrator.
type Limits struct {
	MaxStdoutChars         int
	MaxSpansPerStep        int
	MaxToolRequestsPerStep int
	MaxStatements          int           // exceeding it fails the step with SANDBOX_LINE_LIMIT
	StepTimeout            time.Duration // exceeding it fails the step with STEP_TIMEOUT; the turn continues
}

// Request is the Sandbox Step Runtime's input.
type Request struct {
	Tenant    string
	Session   string
	Execution string
	TurnIndex int
	Code      string
	State     map[string]any
	Documents []*models.Document
	Store     storage.ObjectStore
	Limits    Limits
}

// Result is the Sandbox Step Runtime's output.
type Result struct {
	Success      bool
	Stdout       string
	State        map[string]any
	SpanLog      []models.SpanLogEntry
	ToolRequests []models.ToolRequest
	IsFinal      bool
	Answer       string
	Error        *models.StructuredError
}
