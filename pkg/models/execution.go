package models

import "time"

// ExecutionMode selects whether the Orchestrator Loop drives turns itself
// (Answerer) or an external driver advances one step at a time through the
// Runtime Mode Adapter (Runtime).
type ExecutionMode string

const (
	ExecutionModeAnswerer ExecutionMode = "ANSWERER"
	ExecutionModeRuntime  ExecutionMode = "RUNTIME"
)

// OutputMode controls the shape of a completed execution's answer field.
// CONTEXTS replaces the answer with the filtered, tagged span list produced
// by the Citation Engine.
type OutputMode string

const (
	OutputModeAnswer   OutputMode = "ANSWER"
	OutputModeContexts OutputMode = "CONTEXTS"
)

// ExecutionStatus is the execution-level state machine.
// Terminal states are absorbing.
type ExecutionStatus string

const (
	ExecutionStatusPending          ExecutionStatus = "PENDING"
	ExecutionStatusRunning          ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted        ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed           ExecutionStatus = "FAILED"
	ExecutionStatusCancelled        ExecutionStatus = "CANCELLED"
	ExecutionStatusTimeout          ExecutionStatus = "TIMEOUT"
	ExecutionStatusBudgetExceeded   ExecutionStatus = "BUDGET_EXCEEDED"
	ExecutionStatusMaxTurnsExceeded ExecutionStatus = "MAX_TURNS_EXCEEDED"
)

// Terminal reports whether s is an absorbing state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled,
		ExecutionStatusTimeout, ExecutionStatusBudgetExceeded, ExecutionStatusMaxTurnsExceeded:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the legal RUNNING-originated transitions; any
// PENDING execution may only move to RUNNING, and any terminal state absorbs
// further signals. CANCELLED is reachable from any non-terminal state,
// handled separately as an idempotent override rather than listed here.
var validTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionStatusPending: {ExecutionStatusRunning: true},
	ExecutionStatusRunning: {
		ExecutionStatusCompleted:        true,
		ExecutionStatusFailed:           true,
		ExecutionStatusCancelled:        true,
		ExecutionStatusTimeout:          true,
		ExecutionStatusBudgetExceeded:   true,
		ExecutionStatusMaxTurnsExceeded: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal. Cancel
// is idempotent: a terminal execution asked to cancel again reports true
// without changing anything (callers should check Terminal() first to avoid
// a redundant write, not because the transition itself is invalid).
func CanTransition(from, to ExecutionStatus) bool {
	if from.Terminal() {
		return false
	}
	return validTransitions[from][to]
}

// Lease is the optimistic-lock record letting exactly one orchestrator
// instance drive a given execution at a time.
type Lease struct {
	Owner       string
	Version     int
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// Expired reports whether the lease has outlived its grant without a
// heartbeat renewing it, making the execution eligible for orphan recovery.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Execution is a single run of the orchestrator against a ready session.
type Execution struct {
	ID        string
	Tenant    string
	SessionID string
	Mode      ExecutionMode
	Output    OutputMode

	Question string

	RequestedBudget Budget
	Consumed        ConsumedBudget

	Status ExecutionStatus
	Lease  *Lease

	// CancelRequested is set by the command interface when an external
	// cancel arrives for a RUNNING execution; the owning worker observes it
	// and stops at the next safe point. Cancelling a PENDING execution
	// transitions it directly instead.
	CancelRequested bool

	CurrentTurn int

	Answer       string
	Citations    []SpanRef
	TracePointer string
	ErrorCode    string
	ErrorMessage string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// SubcallsEnabled gates whether the root prompt's system-prompt variant
	// advertises tool.queue_llm/queue_search at all.
	SubcallsEnabled bool
}

// Cancel moves the execution to CANCELLED if it is not already terminal.
// Calling Cancel twice is a no-op the second time.
func (e *Execution) Cancel(now time.Time) {
	if e.Status.Terminal() {
		return
	}
	e.Status = ExecutionStatusCancelled
	e.FinishedAt = now
}

// Finish transitions the execution to a terminal status, recording the
// finish time. It is a no-op if the execution is already terminal, so
// double-calling from a race between budget enforcement and loop completion
// cannot double-write terminal fields.
func (e *Execution) Finish(status ExecutionStatus, now time.Time) bool {
	if e.Status.Terminal() {
		return false
	}
	if !CanTransition(e.Status, status) {
		return false
	}
	e.Status = status
	e.FinishedAt = now
	return true
}
