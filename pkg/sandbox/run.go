package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"

	"github.com/rlm-rs/orchestrator/pkg/astpolicy"
	"github.com/rlm-rs/orchestrator/pkg/corpus"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
)

// stepFuncName matches astpolicy's wrapping of a step body as the sole
// declaration in a synthetic file.
const stepFuncName = "Step"

// snapshot deep-copies the orchestrator-owned subtrees of state before
// execution, so any sandbox mutation to them can be reverted afterward.
func snapshot(state map[string]any) map[string]any {
	out := make(map[string]any, len(OrchestratorOwnedKeys))
	for _, k := range OrchestratorOwnedKeys {
		if v, ok := state[k]; ok {
			out[k] = deepCopy(v)
		}
	}
	return out
}

func restore(state map[string]any, snap map[string]any) {
	for _, k := range OrchestratorOwnedKeys {
		if v, ok := snap[k]; ok {
			state[k] = v
		} else {
			delete(state, k)
		}
	}
}

func deepCopy(v any) any {
	switch n := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, vv := range n {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, vv := range n {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return n
	}
}

// Run is the Sandbox Step Runtime's entry point: it applies
// the AST Policy, then tree-walks the validated step against a restricted
// environment, returning a structured Result. It never returns a Go error
// for a step-local problem — those are captured in Result.Error — only for
// conditions the orchestrator must treat as a system-level failure (none
// currently; reserved for context cancellation before the step starts).
func Run(ctx context.Context, req Request) Result {
	violations, parseErr := astpolicy.Check(req.Code)
	if parseErr != nil {
		return Result{Success: false, State: req.State, Error: &models.StructuredError{
			Code: "SANDBOX_AST_REJECTED", Message: parseErr.Error(),
		}}
	}
	if len(violations) > 0 {
		rej := astpolicy.Reject(violations)
		return Result{Success: false, State: req.State, Error: &models.StructuredError{
			Code: string(rej.Code), Message: rej.Message, Details: rej.Details,
		}}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "step.step", "package step\n\nfunc "+stepFuncName+"() {\n"+req.Code+"\n}\n", 0)
	if err != nil {
		return Result{Success: false, State: req.State, Error: &models.StructuredError{
			Code: "SANDBOX_AST_REJECTED", Message: "parse error: " + err.Error(),
		}}
	}
	var body *ast.BlockStmt
	for _, d := range file.Decls {
		if fn, ok := d.(*ast.FuncDecl); ok && fn.Name.Name == stepFuncName {
			body = fn.Body
		}
	}
	if body == nil {
		return Result{Success: false, State: req.State, Error: &models.StructuredError{
			Code: "SANDBOX_AST_REJECTED", Message: "step source must be a single statement block",
		}}
	}

	if req.Limits.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Limits.StepTimeout)
		defer cancel()
	}

	snap := snapshot(req.State)
	view := corpus.NewView(req.Store, req.Documents, req.TurnIndex)
	tools := newToolAPI(req.Limits.MaxToolRequestsPerStep)

	it := &interp{
		ctx:       ctx,
		corpus:    view,
		tool:      tools,
		stdoutCap: req.Limits.MaxStdoutChars,
		stmtLimit: req.Limits.MaxStatements,
	}

	top := newEnv(nil)
	top.define("context", view)
	top.define("state", req.State)
	top.define("tool", tools)
	for name := range astpolicy.AllowedBuiltins {
		top.define(name, builtinMarker(name))
	}

	runErr := it.run(body, top)
	restore(req.State, snap)

	spanLog := view.SpanLog()
	if req.Limits.MaxSpansPerStep > 0 && len(spanLog) > req.Limits.MaxSpansPerStep {
		return Result{
			Success: false,
			Stdout:  it.capturedStdout(),
			State:   req.State,
			SpanLog: spanLog,
			Error: &models.StructuredError{
				Code:    "BUDGET_EXCEEDED",
				Message: fmt.Sprintf("step produced %d span log entries, exceeding the per-step cap of %d", len(spanLog), req.Limits.MaxSpansPerStep),
			},
		}
	}

	if _, isStop := runErr.(stopSignal); isStop || runErr == nil {
		res := Result{
			Success:      true,
			Stdout:       it.capturedStdout(),
			State:        req.State,
			SpanLog:      spanLog,
			ToolRequests: tools.requests,
		}
		if tools.term.set {
			res.IsFinal = tools.term.isFinal
			res.Answer = tools.term.answer
		}
		return res
	}

	code := "INTERNAL_ERROR"
	if _, ok := runErr.(lineLimitError); ok {
		code = "SANDBOX_LINE_LIMIT"
	} else if errors.Is(runErr, context.DeadlineExceeded) {
		// The step overran its own deadline; the turn continues and the
		// model sees the error next prompt, unlike the execution-wide
		// wall clock which is terminal.
		code = string(rlmerr.CodeStepTimeout)
	}
	return Result{
		Success: false,
		Stdout:  it.capturedStdout(),
		State:   req.State,
		SpanLog: spanLog,
		Error:   &models.StructuredError{Code: code, Message: runErr.Error()},
	}
}

// builtinMarker binds an allow-listed built-in name so identifier
// resolution succeeds; calls to it are actually dispatched by name in
// callBuiltin, not through this value.
type builtinMarker string

func (it *interp) capturedStdout() string {
	s := it.stdout.String()
	if it.stdoutCap > 0 && len(s) > it.stdoutCap {
		return s[:it.stdoutCap]
	}
	return s
}
