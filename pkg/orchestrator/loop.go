// Package orchestrator implements the answerer-mode orchestrator loop: it
// owns the per-turn cycle of building a prompt, calling the root LLM,
// parsing its single step, running the sandbox, resolving queued tool
// requests, and persisting state/trace/turn records, until the execution
// reaches a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rlm-rs/orchestrator/pkg/citation"
	"github.com/rlm-rs/orchestrator/pkg/events"
	"github.com/rlm-rs/orchestrator/pkg/lease"
	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/masking"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/sandbox"
	"github.com/rlm-rs/orchestrator/pkg/statestore"
	"github.com/rlm-rs/orchestrator/pkg/storage"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
	"github.com/rlm-rs/orchestrator/pkg/trace"
)

// Dependencies bundles everything RunExecution needs, threaded through
// explicitly rather than held as package-level state.
type Dependencies struct {
	Objects  storage.ObjectStore
	RootLLM  llmprovider.Provider
	Resolver *toolresolver.Resolver
	States   *statestore.Store
	Masker   *masking.Service
	Lease    *lease.Controller

	// Events, when non-nil, receives a live-tail broadcast after each
	// persisted turn and once more at finalization. Nil disables it entirely.
	Events *events.Manager

	RedactionGroup string
	Redact         bool
	MergeGapChars  int
	SandboxLimits  sandbox.Limits
	RootCallModel  string

	// Now is injected for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// broadcastTurn publishes a turn summary on the execution's event channel.
// Never blocks the loop on slow listeners beyond Manager's own write
// timeout, and is a no-op when no Manager is configured.
func (d *Dependencies) broadcastTurn(exec *models.Execution, turn models.Turn) {
	if d.Events == nil {
		return
	}
	d.Events.Broadcast("execution:"+exec.ID, map[string]any{
		"type":       "turn.recorded",
		"turn_index": turn.TurnIndex,
		"is_final":   turn.IsFinal,
		"has_error":  turn.Error != nil,
	})
}

func (d *Dependencies) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RunExecution drives exec from its current status to a terminal one,
// mutating exec and persisting turns/state/trace as it goes. The caller is
// responsible for claiming exec's lease beforehand and for storing exec
// itself afterward; this function is the loop, not persistence of the
// Execution record.
func RunExecution(ctx context.Context, deps *Dependencies, exec *models.Execution, docs []*models.Document) error {
	now := deps.now()
	if exec.Status == models.ExecutionStatusPending {
		exec.Status = models.ExecutionStatusRunning
		exec.StartedAt = now
	}

	tw := trace.New(deps.Objects, deps.Masker, deps.RedactionGroup, deps.Redact)
	state := map[string]any{}
	var allSpans []models.SpanLogEntry
	var prevErr *models.StructuredError
	var prevStdout string

	limits := deps.SandboxLimits
	if limits.StepTimeout == 0 && exec.RequestedBudget.MaxStepSeconds > 0 {
		limits.StepTimeout = time.Duration(exec.RequestedBudget.MaxStepSeconds) * time.Second
	}

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				exec.Finish(models.ExecutionStatusTimeout, deps.now())
			} else {
				exec.Cancel(deps.now())
			}
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}

		if exec.Consumed.ExceedsTurns(exec.RequestedBudget) {
			exec.Finish(models.ExecutionStatusMaxTurnsExceeded, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}
		if exec.Consumed.ExceedsTotalSeconds(exec.RequestedBudget) {
			exec.Finish(models.ExecutionStatusTimeout, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}
		if b := exec.RequestedBudget.MaxSpansTotal; b > 0 && exec.Consumed.SpansTotal >= b {
			exec.Finish(models.ExecutionStatusBudgetExceeded, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}

		turnStart := deps.now()
		turnIndex := exec.CurrentTurn

		injectBudgetSnapshot(state, exec)
		prompt := BuildPrompt(exec, state, docs, prevStdout, prevErr)
		if b := exec.RequestedBudget.MaxLLMPromptChars; b > 0 && len(prompt) > b {
			prompt = prompt[:b]
		}
		deadline := turnStart.Add(time.Duration(exec.RequestedBudget.MaxStepSeconds) * time.Second)
		resp, err := deps.RootLLM.Call(ctx, deps.RootCallModel, prompt, 0, 0, deadline)
		exec.Consumed.TotalLLMPromptChars += len(prompt)
		if err != nil {
			exec.ErrorCode = string(rlmerr.CodeLLMProviderError)
			exec.ErrorMessage = err.Error()
			exec.Finish(models.ExecutionStatusFailed, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}
		rootLLMDone := deps.now()

		turn := models.Turn{ExecutionID: exec.ID, TurnIndex: turnIndex, StartedAt: turnStart}

		code, parseErr := ParseStep(resp.Text)
		if parseErr != nil {
			turn.ParseError = parseErr
			turn.FinishedAt = deps.now()
			prevErr = parseErr
			exec.Consumed.Turns++
			exec.CurrentTurn++
			tw.RecordTurn(recordFromTurn(turn))
			deps.broadcastTurn(exec, turn)
			continue
		}

		result := sandbox.Run(ctx, sandbox.Request{
			Tenant: exec.Tenant, Session: exec.SessionID, Execution: exec.ID,
			TurnIndex: turnIndex, Code: code, State: state, Documents: docs,
			Store: deps.Objects, Limits: limits,
		})
		sandboxDone := deps.now()

		state = result.State
		allSpans = append(allSpans, result.SpanLog...)
		exec.Consumed.SpansTotal += len(result.SpanLog)
		exec.Consumed.StdoutChars += len(result.Stdout)
		exec.Consumed.Turns++

		turn.Code = code
		turn.Stdout = result.Stdout
		turn.SpanLog = result.SpanLog
		turn.ToolRequests = result.ToolRequests
		turn.IsFinal = result.IsFinal
		turn.Answer = result.Answer
		turn.Error = result.Error

		ptr, perr := deps.States.Persist(ctx, exec.Tenant, exec.ID, turnIndex, state)
		if perr != nil {
			turn.Error = &models.StructuredError{Code: string(rlmerr.CodeOf(perr)), Message: perr.Error()}
			turn.FinishedAt = deps.now()
			tw.RecordTurn(recordFromTurn(turn))
			deps.broadcastTurn(exec, turn)
			exec.ErrorCode = turn.Error.Code
			exec.ErrorMessage = turn.Error.Message
			exec.Finish(models.ExecutionStatusFailed, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}
		turn.State = ptr
		turn.FinishedAt = deps.now()
		turn.Timings = models.Timings{
			RootLLMMS:    rootLLMDone.Sub(turnStart).Milliseconds(),
			SandboxMS:    sandboxDone.Sub(rootLLMDone).Milliseconds(),
			StateStoreMS: turn.FinishedAt.Sub(sandboxDone).Milliseconds(),
			TotalMS:      turn.FinishedAt.Sub(turnStart).Milliseconds(),
		}
		tw.RecordTurn(recordFromTurn(turn))
		deps.broadcastTurn(exec, turn)

		prevStdout = result.Stdout
		if result.Error != nil {
			prevErr = result.Error
		} else {
			prevErr = nil
		}

		// Finalization wins over queued tool requests in the same step.
		if result.IsFinal {
			exec.Answer = result.Answer
			if exec.Output == models.OutputModeContexts {
				exec.Answer = ""
			}
			exec.Finish(models.ExecutionStatusCompleted, deps.now())
			deps.finalize(ctx, exec, tw, allSpans, docs)
			return nil
		}

		if len(result.ToolRequests) > 0 {
			outcome := deps.Resolver.Resolve(ctx, result.ToolRequests, toolQuota(exec))
			exec.Consumed.LLMSubcalls += outcome.ConsumedLLMSubcalls
			exec.Consumed.TotalLLMPromptChars += outcome.ConsumedPromptChars
			outcome.MergeIntoState(state)
			tw.AttachToolResolution(turnIndex, outcome.StatusSummary())
		}

		exec.CurrentTurn++
		exec.Consumed.TotalSeconds += deps.now().Sub(turnStart).Seconds()
	}
}

// finalize builds citations (for a successfully completed execution) and
// writes the trace artifact, then releases the lease — the shared tail end
// of every terminal transition.
func (d *Dependencies) finalize(ctx context.Context, exec *models.Execution, tw *trace.Writer, allSpans []models.SpanLogEntry, docs []*models.Document) {
	if exec.Status == models.ExecutionStatusCompleted {
		entries := allSpans
		if exec.Output == models.OutputModeContexts {
			entries = citation.FilterContextTagged(allSpans)
		}
		eng := citation.New(corpusReader{store: d.Objects, docs: docs}, exec.Tenant, exec.SessionID, d.MergeGapChars)
		refs, err := eng.Build(ctx, entries, docIDsByIndex(docs))
		if err != nil {
			exec.ErrorCode = string(rlmerr.CodeOf(err))
			exec.ErrorMessage = fmt.Sprintf("citation build failed: %v", err)
		} else {
			exec.Citations = refs
		}
	}

	key, err := tw.Finalize(ctx, exec.Tenant, exec.SessionID, exec.ID, string(exec.Status), exec.Answer, exec.Citations)
	if err == nil {
		exec.TracePointer = key
	}

	if d.Lease != nil && exec.Lease != nil {
		_ = d.Lease.Release(ctx, exec.Tenant, exec.ID, *exec.Lease)
	}

	if d.Events != nil {
		d.Events.Broadcast("execution:"+exec.ID, map[string]any{
			"type":   "execution.finished",
			"status": string(exec.Status),
		})
	}
}

func recordFromTurn(t models.Turn) trace.Record {
	return trace.Record{
		TurnIndex:    t.TurnIndex,
		Code:         t.Code,
		Stdout:       t.Stdout,
		SpanLog:      t.SpanLog,
		ToolRequests: t.ToolRequests,
		Timings:      t.Timings,
		ParseError:   t.ParseError,
		Error:        t.Error,
		IsFinal:      t.IsFinal,
	}
}
