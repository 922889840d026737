// Package trace implements the Trace Writer: it persists a
// structured per-turn record and, on completion, a single gzipped trace
// artifact pointed to from the execution.
package trace

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rlm-rs/orchestrator/pkg/masking"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Record is one turn's trace entry.
type Record struct {
	TurnIndex      int                     `json:"turn_index"`
	Code           string                  `json:"code"`
	Stdout         string                  `json:"stdout"`
	SpanLog        []models.SpanLogEntry   `json:"span_log"`
	ToolRequests   []models.ToolRequest    `json:"tool_requests"`
	ToolResolution map[string]any          `json:"tool_resolution,omitempty"`
	Timings        models.Timings          `json:"timings"`
	ParseError     *models.StructuredError `json:"parse_error,omitempty"`
	Error          *models.StructuredError `json:"error,omitempty"`
	IsFinal        bool                    `json:"is_final"`
}

// Artifact is the final persisted trace.
type Artifact struct {
	ExecutionID string           `json:"execution_id"`
	SessionID   string           `json:"session_id"`
	Tenant      string           `json:"tenant"`
	Turns       []Record         `json:"turns"`
	Answer      string           `json:"answer,omitempty"`
	Citations   []models.SpanRef `json:"citations,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Writer accumulates turn records for one execution in memory and flushes
// the final gzipped artifact to the object store at completion. Redaction
// masks prompts and model outputs when enabled.
type Writer struct {
	Store          storage.ObjectStore
	Masker         *masking.Service
	RedactionGroup string
	Redact         bool

	turns []Record
}

func New(store storage.ObjectStore, masker *masking.Service, redactionGroup string, redact bool) *Writer {
	return &Writer{Store: store, Masker: masker, RedactionGroup: redactionGroup, Redact: redact}
}

// RecordTurn appends one turn's record, applying redaction to Code and
// Stdout when enabled, before persisting anything — the code/stdout kept in
// memory for the final artifact are already masked, not just the final
// write.
func (w *Writer) RecordTurn(r Record) {
	if w.Redact && w.Masker != nil {
		r.Code = w.mask(r.Code)
		r.Stdout = w.mask(r.Stdout)
		if r.Error != nil {
			masked := *r.Error
			masked.Message = w.mask(masked.Message)
			r.Error = &masked
		}
	}
	w.turns = append(w.turns, r)
}

// AttachToolResolution adds the resolver's per-key statuses to an
// already-recorded turn, since resolution happens after the turn record is
// written.
func (w *Writer) AttachToolResolution(turnIndex int, statuses map[string]any) {
	for i := range w.turns {
		if w.turns[i].TurnIndex == turnIndex {
			w.turns[i].ToolResolution = statuses
		}
	}
}

func (w *Writer) mask(s string) string {
	result, err := w.Masker.Mask(s, w.RedactionGroup)
	if err != nil {
		return s
	}
	return result
}

// Finalize writes the gzipped artifact to
// `traces/{tenant}/{session}/{execution}.json.gz` and returns its
// object-store key to be stored on the execution.
func (w *Writer) Finalize(ctx context.Context, tenant, session, execution, status, answer string, citations []models.SpanRef) (string, error) {
	artifact := Artifact{
		ExecutionID: execution,
		SessionID:   session,
		Tenant:      tenant,
		Turns:       w.turns,
		Answer:      answer,
		Citations:   citations,
		Status:      status,
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return "", rlmerr.Wrap(rlmerr.CodeInternalError, "marshal trace artifact", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", rlmerr.Wrap(rlmerr.CodeInternalError, "compress trace artifact", err)
	}
	if err := gz.Close(); err != nil {
		return "", rlmerr.Wrap(rlmerr.CodeInternalError, "finalize trace artifact", err)
	}

	key := fmt.Sprintf("traces/%s/%s/%s.json.gz", tenant, session, execution)
	if err := w.Store.Put(ctx, key, bytes.NewReader(buf.Bytes()), "application/gzip"); err != nil {
		return "", rlmerr.Wrap(rlmerr.CodeS3ReadError, "write trace artifact", err)
	}
	return key, nil
}
