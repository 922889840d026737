package models

import "time"

// StructuredError is the captured representation of an uncaught sandbox
// error or a root-output parse failure. It is embedded in the turn record
// and fed forward into the next turn's prompt.
type StructuredError struct {
	Code    string
	Message string
	Details map[string]any
}

// Timings records the duration of each suspension point touched by a turn,
// for the trace record and for diagnosing per-step timeout causes.
type Timings struct {
	PromptBuildMS int64
	RootLLMMS     int64
	SandboxMS     int64
	StateStoreMS  int64
	ToolResolveMS int64
	TraceWriteMS  int64
	TotalMS       int64
}

// StatePointer describes where a turn's execution state actually lives:
// inline in the turn record, or offloaded to the object store as a
// compressed blob.
type StatePointer struct {
	Inline    []byte         // JSON, present only when not offloaded
	URI       string         // object-store key, present only when offloaded
	Checksum  string         // sha256:..., always present
	Summary   map[string]int // key name -> serialized size, for the prompt's compact state summary
	Offloaded bool
}

// Turn is the persisted record of one sandbox invocation within an
// execution.
type Turn struct {
	ExecutionID string
	TurnIndex   int // monotonic, gap-free within an execution

	Code   string
	Stdout string

	State StatePointer

	SpanLog      []SpanLogEntry
	ToolRequests []ToolRequest

	IsFinal bool
	Answer  string

	ParseError *StructuredError
	Error      *StructuredError

	Timings Timings

	StartedAt  time.Time
	FinishedAt time.Time
}
