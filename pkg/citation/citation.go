// Package citation implements the Citation Engine: it turns
// the span log accumulated across an execution's turns into deduplicated,
// checksummed SpanRefs, and verifies them against canonical text.
package citation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
)

// Reader abstracts the range-read capability the engine needs over
// canonical text, satisfied by pkg/corpus's View in production and a fake
// in tests.
type Reader interface {
	ReadRange(ctx context.Context, docIndex, startChar, endChar int) (string, error)
}

// Engine merges span log entries and produces SpanRefs for one execution.
type Engine struct {
	Reader        Reader
	Tenant        string
	Session       string
	MergeGapChars int
}

func New(reader Reader, tenant, session string, mergeGapChars int) *Engine {
	return &Engine{Reader: reader, Tenant: tenant, Session: session, MergeGapChars: mergeGapChars}
}

type mergedRange struct {
	start, end int
	// turnIndex/inTurnIndex of the first entry that contributed to this
	// range, kept as the deterministic ordering tiebreaker.
	turnIndex, inTurnIndex int
}

// Merge partitions entries by doc_index, sorts by start_char, and merges
// overlapping (and, with MergeGapChars>0, near-adjacent) ranges.
func Merge(entries []models.SpanLogEntry, mergeGapChars int) map[int][]mergedRange {
	byDoc := map[int][]models.SpanLogEntry{}
	for _, e := range entries {
		byDoc[e.DocIndex] = append(byDoc[e.DocIndex], e)
	}
	out := map[int][]mergedRange{}
	for doc, es := range byDoc {
		sort.SliceStable(es, func(i, j int) bool {
			if es[i].StartChar != es[j].StartChar {
				return es[i].StartChar < es[j].StartChar
			}
			if es[i].TurnIndex != es[j].TurnIndex {
				return es[i].TurnIndex < es[j].TurnIndex
			}
			return es[i].InTurnIndex < es[j].InTurnIndex
		})
		var merged []mergedRange
		for _, e := range es {
			if len(merged) > 0 {
				last := &merged[len(merged)-1]
				if e.StartChar <= last.end+mergeGapChars {
					if e.EndChar > last.end {
						last.end = e.EndChar
					}
					continue
				}
			}
			merged = append(merged, mergedRange{start: e.StartChar, end: e.EndChar, turnIndex: e.TurnIndex, inTurnIndex: e.InTurnIndex})
		}
		out[doc] = merged
	}
	return out
}

// Build merges the span log, range-reads each merged range,
// NFC-normalize, UTF-8-encode, SHA-256 hash, and emit one SpanRef per
// range. docIDs maps doc_index to the Document's persisted ID.
func (eng *Engine) Build(ctx context.Context, entries []models.SpanLogEntry, docIDs map[int]string) ([]models.SpanRef, error) {
	merged := Merge(entries, eng.MergeGapChars)

	docIndices := make([]int, 0, len(merged))
	for d := range merged {
		docIndices = append(docIndices, d)
	}
	sort.Ints(docIndices)

	var refs []models.SpanRef
	for _, doc := range docIndices {
		ranges := merged[doc]
		sort.Slice(ranges, func(i, j int) bool {
			if ranges[i].turnIndex != ranges[j].turnIndex {
				return ranges[i].turnIndex < ranges[j].turnIndex
			}
			if ranges[i].inTurnIndex != ranges[j].inTurnIndex {
				return ranges[i].inTurnIndex < ranges[j].inTurnIndex
			}
			return ranges[i].start < ranges[j].start
		})
		for _, r := range ranges {
			ref, err := eng.buildOne(ctx, doc, docIDs[doc], r.start, r.end)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (eng *Engine) buildOne(ctx context.Context, docIndex int, docID string, start, end int) (models.SpanRef, error) {
	text, err := eng.Reader.ReadRange(ctx, docIndex, start, end)
	if err != nil {
		return models.SpanRef{}, rlmerr.Wrap(rlmerr.CodeS3ReadError, "read canonical range for citation", err)
	}
	return models.SpanRef{
		Tenant:    eng.Tenant,
		Session:   eng.Session,
		DocID:     docID,
		DocIndex:  docIndex,
		StartChar: start,
		EndChar:   end,
		Checksum:  Checksum(text),
	}, nil
}

// Checksum computes a SpanRef checksum: SHA-256 over NFC-normalized
// UTF-8 of the exact canonical slice, prefixed "sha256:".
func Checksum(text string) string {
	normalized := norm.NFC.String(text)
	sum := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FilterContextTagged keeps only entries tagged "context" or "context:..."
// in global discovery order, with (turn_index, in_turn_index) tiebreakers.
func FilterContextTagged(entries []models.SpanLogEntry) []models.SpanLogEntry {
	out := make([]models.SpanLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.ContextTagged() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TurnIndex != out[j].TurnIndex {
			return out[i].TurnIndex < out[j].TurnIndex
		}
		return out[i].InTurnIndex < out[j].InTurnIndex
	})
	return out
}

// Verify re-reads the exact range a SpanRef describes and recomputes its
// checksum.
type Verifier struct {
	Reader Reader
}

// Result is the outcome of a citation verification check.
type Result struct {
	Valid bool
	Cause string
}

func (v *Verifier) Verify(ctx context.Context, ref models.SpanRef) (Result, error) {
	text, err := v.Reader.ReadRange(ctx, ref.DocIndex, ref.StartChar, ref.EndChar)
	if err != nil {
		return Result{}, rlmerr.Wrap(rlmerr.CodeS3ReadError, "read canonical range for verification", err)
	}
	if Checksum(text) != ref.Checksum {
		return Result{Valid: false, Cause: string(rlmerr.CodeChecksumMismatch)}, nil
	}
	return Result{Valid: true}, nil
}
