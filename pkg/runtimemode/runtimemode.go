// Package runtimemode exposes the orchestrator's per-turn mechanics one
// step at a time to an external driver: the driver supplies each step's
// code directly instead of a root LLM writing it, and may ask for queued
// tool requests to be resolved in the same call. Finalization, budget
// enforcement, state persistence, and citation assembly behave exactly as
// in answerer mode — both modes share the sandbox, state store, tool
// resolver, and citation engine rather than duplicating the execution
// path.
package runtimemode

import (
	"context"
	"time"

	"github.com/rlm-rs/orchestrator/pkg/citation"
	"github.com/rlm-rs/orchestrator/pkg/corpus"
	"github.com/rlm-rs/orchestrator/pkg/masking"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/sandbox"
	"github.com/rlm-rs/orchestrator/pkg/statestore"
	"github.com/rlm-rs/orchestrator/pkg/storage"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
	"github.com/rlm-rs/orchestrator/pkg/trace"
)

// Dependencies bundles what the adapter needs, threaded through explicitly
// like the answerer loop's Dependencies.
type Dependencies struct {
	Objects  storage.ObjectStore
	Resolver *toolresolver.Resolver
	States   *statestore.Store
	Masker   *masking.Service

	RedactionGroup string
	Redact         bool
	MergeGapChars  int
	SandboxLimits  sandbox.Limits

	// Now is injected for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// StepOptions modifies a single Step call.
type StepOptions struct {
	// StateOverride, when non-nil, replaces the current workspace before the
	// step runs. Orchestrator-owned keys in the override are discarded; the
	// adapter's own copies win.
	StateOverride map[string]any

	// ResolveTools asks the adapter to run the Tool Resolver over any
	// requests the step queues, merging results into state before Step
	// returns — the managed-resolution option for drivers that don't want to
	// call ResolveTools themselves.
	ResolveTools bool
}

// StepResult is what a driver gets back from one Step call.
type StepResult struct {
	Turn    models.Turn
	State   map[string]any
	Outcome *toolresolver.Outcome // non-nil only when tools were resolved
}

// Driver advances one RUNTIME-mode execution step by step. Not safe for
// concurrent use; an execution's turns are serial by contract, and the
// caller holds the execution's lease.
type Driver struct {
	deps *Dependencies
	exec *models.Execution
	docs []*models.Document

	tw     *trace.Writer
	state  map[string]any
	spans  []models.SpanLogEntry
	limits sandbox.Limits
}

// New prepares a driver for exec, which must be RUNTIME mode and not yet
// terminal. The initial workspace is empty.
func New(deps *Dependencies, exec *models.Execution, docs []*models.Document) (*Driver, error) {
	if exec.Mode != models.ExecutionModeRuntime {
		return nil, rlmerr.New(rlmerr.CodeValidationError, "execution is not in runtime mode")
	}
	if exec.Status.Terminal() {
		return nil, rlmerr.New(rlmerr.CodeValidationError, "execution already reached a terminal status")
	}
	if exec.Status == models.ExecutionStatusPending {
		exec.Status = models.ExecutionStatusRunning
		exec.StartedAt = deps.now()
	}
	limits := deps.SandboxLimits
	if limits.StepTimeout == 0 && exec.RequestedBudget.MaxStepSeconds > 0 {
		limits.StepTimeout = time.Duration(exec.RequestedBudget.MaxStepSeconds) * time.Second
	}
	return &Driver{
		deps:   deps,
		exec:   exec,
		docs:   docs,
		tw:     trace.New(deps.Objects, deps.Masker, deps.RedactionGroup, deps.Redact),
		state:  map[string]any{},
		limits: limits,
	}, nil
}

// Step validates and runs one raw code step (no fenced-block envelope in
// runtime mode), persists the turn, and returns the structured result.
// Sandbox-level failures (AST rejection, runtime errors, per-step caps) are
// returned inside the Turn, not as a Go error; the execution stays live so
// the driver can try again.
func (d *Driver) Step(ctx context.Context, code string, opts StepOptions) (StepResult, error) {
	if d.exec.Status.Terminal() {
		return StepResult{}, rlmerr.New(rlmerr.CodeValidationError, "execution already reached a terminal status")
	}
	if err := ctx.Err(); err != nil {
		d.Cancel(ctx)
		return StepResult{}, rlmerr.Wrap(rlmerr.CodeInternalError, "cancelled", err)
	}
	if d.exec.Consumed.ExceedsTurns(d.exec.RequestedBudget) {
		d.exec.Finish(models.ExecutionStatusMaxTurnsExceeded, d.deps.now())
		d.finalize(ctx)
		return StepResult{}, rlmerr.New(rlmerr.CodeMaxTurnsExceeded, "turn budget exhausted")
	}

	if opts.StateOverride != nil {
		next := opts.StateOverride
		statestore.RevertOwnedKeys(d.state, next, sandbox.OrchestratorOwnedKeys)
		d.state = next
	}

	turnStart := d.deps.now()
	turnIndex := d.exec.CurrentTurn

	result := sandbox.Run(ctx, sandbox.Request{
		Tenant: d.exec.Tenant, Session: d.exec.SessionID, Execution: d.exec.ID,
		TurnIndex: turnIndex, Code: code, State: d.state, Documents: d.docs,
		Store: d.deps.Objects, Limits: d.limits,
	})

	d.state = result.State
	d.spans = append(d.spans, result.SpanLog...)
	d.exec.Consumed.SpansTotal += len(result.SpanLog)
	d.exec.Consumed.StdoutChars += len(result.Stdout)
	d.exec.Consumed.Turns++
	d.exec.CurrentTurn++

	turn := models.Turn{
		ExecutionID:  d.exec.ID,
		TurnIndex:    turnIndex,
		Code:         code,
		Stdout:       result.Stdout,
		SpanLog:      result.SpanLog,
		ToolRequests: result.ToolRequests,
		IsFinal:      result.IsFinal,
		Answer:       result.Answer,
		Error:        result.Error,
		StartedAt:    turnStart,
	}

	ptr, perr := d.deps.States.Persist(ctx, d.exec.Tenant, d.exec.ID, turnIndex, d.state)
	if perr != nil {
		turn.Error = &models.StructuredError{Code: string(rlmerr.CodeOf(perr)), Message: perr.Error()}
		turn.FinishedAt = d.deps.now()
		d.record(turn)
		d.exec.ErrorCode = turn.Error.Code
		d.exec.ErrorMessage = turn.Error.Message
		d.exec.Finish(models.ExecutionStatusFailed, d.deps.now())
		d.finalize(ctx)
		return StepResult{Turn: turn, State: d.state}, perr
	}
	turn.State = ptr
	turn.FinishedAt = d.deps.now()
	d.record(turn)

	if result.IsFinal {
		d.exec.Answer = result.Answer
		if d.exec.Output == models.OutputModeContexts {
			d.exec.Answer = ""
		}
		d.exec.Finish(models.ExecutionStatusCompleted, d.deps.now())
		d.finalize(ctx)
		return StepResult{Turn: turn, State: d.state}, nil
	}

	var outcome *toolresolver.Outcome
	if opts.ResolveTools && len(result.ToolRequests) > 0 {
		outcome = d.ResolveTools(ctx, result.ToolRequests)
	}

	return StepResult{Turn: turn, State: d.state, Outcome: outcome}, nil
}

// ResolveTools runs the shared Tool Resolver over requests and merges the
// outcome into the orchestrator-owned state keys, exactly as the answerer
// loop would between turns.
func (d *Driver) ResolveTools(ctx context.Context, requests []models.ToolRequest) *toolresolver.Outcome {
	outcome := d.deps.Resolver.Resolve(ctx, requests, toolresolver.Quota{
		MaxToolRequestsPerStep: d.exec.RequestedBudget.MaxToolRequestsPerStep,
		RemainingLLMSubcalls:   d.exec.Consumed.RemainingLLMSubcalls(d.exec.RequestedBudget),
		RemainingPromptChars:   d.exec.Consumed.RemainingLLMPromptChars(d.exec.RequestedBudget),
	})
	d.exec.Consumed.LLMSubcalls += outcome.ConsumedLLMSubcalls
	d.exec.Consumed.TotalLLMPromptChars += outcome.ConsumedPromptChars
	outcome.MergeIntoState(d.state)
	if d.exec.CurrentTurn > 0 {
		d.tw.AttachToolResolution(d.exec.CurrentTurn-1, outcome.StatusSummary())
	}
	return outcome
}

// Cancel terminates the execution, writing trace and citations for whatever
// was accumulated so far. Idempotent: cancelling an already-terminal
// execution does nothing.
func (d *Driver) Cancel(ctx context.Context) {
	if d.exec.Status.Terminal() {
		return
	}
	d.exec.Cancel(d.deps.now())
	d.finalize(ctx)
}

// State returns the current workspace, for drivers that inspect it between
// steps.
func (d *Driver) State() map[string]any { return d.state }

// Execution returns the driven execution record.
func (d *Driver) Execution() *models.Execution { return d.exec }

func (d *Driver) record(t models.Turn) {
	d.tw.RecordTurn(trace.Record{
		TurnIndex:    t.TurnIndex,
		Code:         t.Code,
		Stdout:       t.Stdout,
		SpanLog:      t.SpanLog,
		ToolRequests: t.ToolRequests,
		Timings:      t.Timings,
		Error:        t.Error,
		IsFinal:      t.IsFinal,
	})
}

func (d *Driver) finalize(ctx context.Context) {
	if d.exec.Status == models.ExecutionStatusCompleted {
		entries := d.spans
		if d.exec.Output == models.OutputModeContexts {
			entries = citation.FilterContextTagged(d.spans)
		}
		eng := citation.New(reader{store: d.deps.Objects, docs: d.docs}, d.exec.Tenant, d.exec.SessionID, d.deps.MergeGapChars)
		ids := make(map[int]string, len(d.docs))
		for i, doc := range d.docs {
			ids[i] = doc.ID
		}
		refs, err := eng.Build(ctx, entries, ids)
		if err != nil {
			d.exec.ErrorCode = string(rlmerr.CodeOf(err))
			d.exec.ErrorMessage = err.Error()
		} else {
			d.exec.Citations = refs
		}
	}

	key, err := d.tw.Finalize(ctx, d.exec.Tenant, d.exec.SessionID, d.exec.ID, string(d.exec.Status), d.exec.Answer, d.exec.Citations)
	if err == nil {
		d.exec.TracePointer = key
	}
}

type reader struct {
	store storage.ObjectStore
	docs  []*models.Document
}

func (r reader) ReadRange(ctx context.Context, docIndex, startChar, endChar int) (string, error) {
	return corpus.ReadNoLog(ctx, r.store, r.docs, docIndex, startChar, endChar)
}
