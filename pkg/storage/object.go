// Package storage defines the driver interfaces the orchestrator core
// depends on for object and metadata persistence. The core
// never imports a concrete backend directly; cmd/orchestratord wires one in
// at startup.
package storage

import (
	"context"
	"io"
)

// ByteRange is an inclusive [Start, End] byte range for a range-read
// against an object. End == -1 means "to the end of the object".
type ByteRange struct {
	Start int64
	End   int64
}

// ObjectMeta is returned alongside a Get to let callers surface size and
// content-type without a separate Head call.
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// Object store is the driver interface consumed by the Parsed Corpus View
// (range reads of canonical text), the State Store (blob offload), and the
// Trace Writer (final gzipped artifact). Keys follow a fixed layout:
// `parsed/{tenant}/{session}/{doc}/...`, `state/{tenant}/{execution}/...`,
// `traces/{tenant}/{session}/{execution}`, `cache/{tenant}/{llm|search}/{hash}`.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string, r *ByteRange) (io.ReadCloser, ObjectMeta, error)
	List(ctx context.Context, prefix, cursor string) (keys []string, nextCursor string, err error)
	Delete(ctx context.Context, key string) error
}

// Item is one row of the metadata store's single-table design: partition
// key PK, sort key SK, a monotonically increasing Version used for
// optimistic concurrency, and an opaque Data payload.
type Item struct {
	PK      string
	SK      string
	Version int64
	Data    map[string]any
}

// MetadataStore is the driver interface behind sessions, documents,
// executions, execution_state, and leases. UpdateIf performs a
// conditional write: it succeeds only if the stored item's Version equals
// expectedVersion (or the item does not exist and expectedVersion is 0),
// otherwise it returns ErrConditionFailed. Query returns every item whose SK
// begins with skPrefix under the given PK, in SK order.
type MetadataStore interface {
	PutItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, pk, sk string) (Item, bool, error)
	UpdateIf(ctx context.Context, pk, sk string, expectedVersion int64, next map[string]any) (Item, error)
	Query(ctx context.Context, pk, skPrefix string) ([]Item, error)
	DeleteItem(ctx context.Context, pk, sk string) error
}

// ErrConditionFailed is returned by UpdateIf when expectedVersion does not
// match the item currently stored — the conditional-write guard behind
// lease claims and state transitions.
type ErrConditionFailed struct {
	PK, SK          string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ErrConditionFailed) Error() string {
	return "storage: condition failed for " + e.PK + "/" + e.SK
}
