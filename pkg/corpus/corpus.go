// Package corpus implements the Parsed Corpus View: a lazy,
// per-document accessor over canonical parsed text backed by an object
// store, logging every byte read it serves to sandbox code.
package corpus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// View is the per-step corpus accessor handed to the Sandbox Step Runtime.
// It accumulates a span log for the duration of one step; the orchestrator
// drains it via SpanLog after the step returns and resets it for the next
// step via NewView.
type View struct {
	store storage.ObjectStore
	docs  []*models.Document

	turnIndex int

	mu      sync.Mutex
	inTurn  int
	spanLog []models.SpanLogEntry
}

// NewView constructs a View over docs for the given turn, used to stamp
// TurnIndex/InTurnIndex on every span log entry it records.
func NewView(store storage.ObjectStore, docs []*models.Document, turnIndex int) *View {
	return &View{store: store, docs: docs, turnIndex: turnIndex}
}

// Len reports the number of documents in the corpus.
func (v *View) Len() int { return len(v.docs) }

// Doc returns the handle for document i. Returns an error for an out-of-range
// index; unlike slice ranges, document indices are not silently clamped.
func (v *View) Doc(i int) (*DocHandle, error) {
	if i < 0 || i >= len(v.docs) {
		return nil, fmt.Errorf("corpus: document index %d out of range [0,%d)", i, len(v.docs))
	}
	return &DocHandle{view: v, index: i, doc: v.docs[i]}, nil
}

// SpanLog returns a copy of the span log accumulated so far this step, in
// the append-only program order entries were recorded.
func (v *View) SpanLog() []models.SpanLogEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.SpanLogEntry, len(v.spanLog))
	copy(out, v.spanLog)
	return out
}

// record appends one span log entry, stamping turn/in-turn ordering. Called
// only after the corresponding text has been read successfully, so logging
// and text return are atomic: a failed read never
// reaches here.
func (v *View) record(docIndex, start, end int, tag string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.spanLog = append(v.spanLog, models.SpanLogEntry{
		DocIndex:    docIndex,
		StartChar:   start,
		EndChar:     end,
		Tag:         tag,
		TurnIndex:   v.turnIndex,
		InTurnIndex: v.inTurn,
	})
	v.inTurn++
}

// DocHandle is the per-document handle returned by View.Doc.
type DocHandle struct {
	view  *View
	index int
	doc   *models.Document
}

// Len is the document length in chars.
func (d *DocHandle) Len() int { return d.doc.LengthChars }

// clamp narrows [a,b) to [0, Len()).
func (d *DocHandle) clamp(a, b int) (int, int) {
	n := d.Len()
	if a < 0 {
		a = 0
	}
	if b > n {
		b = n
	}
	return a, b
}

// Slice returns the canonical text [a,b) and logs the read.
func (d *DocHandle) Slice(ctx context.Context, a, b int, tag string) (string, error) {
	a, b = d.clamp(a, b)
	if a >= b {
		return "", nil
	}
	text, err := readCharRange(ctx, d.view.store, d.doc, a, b)
	if err != nil {
		return "", err
	}
	d.view.record(d.index, a, b, tag)
	return text, nil
}

// Sections returns the document's optional section tree; returning it logs
// the covering spans.
func (d *DocHandle) Sections() []models.SectionNode {
	for _, s := range d.doc.Meta.Sections {
		d.logSectionTree(s)
	}
	return d.doc.Meta.Sections
}

func (d *DocHandle) logSectionTree(s models.SectionNode) {
	d.view.record(d.index, s.Start, s.End, "sections")
	for _, c := range s.Children {
		d.logSectionTree(c)
	}
}

// PageSpans returns the document's page boundaries, logging each span.
func (d *DocHandle) PageSpans() []models.PageSpan {
	for _, p := range d.doc.Meta.Pages {
		d.view.record(d.index, p.Start, p.End, "page_spans")
	}
	return d.doc.Meta.Pages
}

// ReadNoLog range-reads canonical text for [a,b) without writing a span log
// entry. It exists for the Citation Engine (pkg/citation), which rereads
// already-logged ranges to compute checksums at finalization and verify
// time — logging those reads again would double-count them in a later
// accumulation.
func ReadNoLog(ctx context.Context, store storage.ObjectStore, docs []*models.Document, docIndex, a, b int) (string, error) {
	if docIndex < 0 || docIndex >= len(docs) {
		return "", fmt.Errorf("corpus: document index %d out of range [0,%d)", docIndex, len(docs))
	}
	return readCharRange(ctx, store, docs[docIndex], a, b)
}
