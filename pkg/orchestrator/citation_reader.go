package orchestrator

import (
	"context"

	"github.com/rlm-rs/orchestrator/pkg/corpus"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// corpusReader implements citation.Reader against pkg/corpus.ReadNoLog, so
// the Citation Engine can reread already-logged ranges at finalization
// without re-accumulating span log entries for them.
type corpusReader struct {
	store storage.ObjectStore
	docs  []*models.Document
}

func (r corpusReader) ReadRange(ctx context.Context, docIndex, startChar, endChar int) (string, error) {
	return corpus.ReadNoLog(ctx, r.store, r.docs, docIndex, startChar, endChar)
}

func docIDsByIndex(docs []*models.Document) map[int]string {
	out := make(map[int]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
