package corpus

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
)

func singleDocStore(t *testing.T, text string) (*memstore.ObjectStore, *models.Document) {
	t.Helper()
	store := memstore.NewObjectStore()
	require.NoError(t, store.Put(context.Background(), "parsed/t1/s1/d0/text", strings.NewReader(text), "text/plain"))
	doc := &models.Document{
		ID:               "d0",
		CanonicalTextKey: "parsed/t1/s1/d0/text",
		LengthChars:      len([]rune(text)),
		Offsets: models.OffsetTable{
			CheckpointInterval: 1000,
			Checkpoints:        []models.OffsetCheckpoint{{CharOffset: 0, ByteOffset: 0}},
			TotalChars:         len([]rune(text)),
			TotalBytes:         len(text),
		},
	}
	return store, doc
}

func TestSliceExactMatchesTrivialFinalScenario(t *testing.T) {
	store, doc := singleDocStore(t, "Hello world from RLM-RS")
	view := NewView(store, []*models.Document{doc}, 1)
	handle, err := view.Doc(0)
	require.NoError(t, err)

	got, err := handle.Slice(context.Background(), 0, 5, "")
	require.NoError(t, err)
	require.Equal(t, "Hello", got)

	log := view.SpanLog()
	require.Len(t, log, 1)
	require.Equal(t, models.SpanLogEntry{DocIndex: 0, StartChar: 0, EndChar: 5, Tag: "", TurnIndex: 1, InTurnIndex: 0}, log[0])
}

func TestSliceClampsOutOfRange(t *testing.T) {
	store, doc := singleDocStore(t, "short")
	view := NewView(store, []*models.Document{doc}, 0)
	handle, err := view.Doc(0)
	require.NoError(t, err)

	got, err := handle.Slice(context.Background(), -5, 1000, "")
	require.NoError(t, err)
	require.Equal(t, "short", got)
}

func TestSliceEmptyRangeLogsNothing(t *testing.T) {
	store, doc := singleDocStore(t, "short")
	view := NewView(store, []*models.Document{doc}, 0)
	handle, err := view.Doc(0)
	require.NoError(t, err)

	got, err := handle.Slice(context.Background(), 3, 1, "")
	require.NoError(t, err)
	require.Equal(t, "", got)
	require.Empty(t, view.SpanLog())
}

func TestFindLogsScanTag(t *testing.T) {
	store, doc := singleDocStore(t, "the cat sat on the mat")
	view := NewView(store, []*models.Document{doc}, 0)
	handle, err := view.Doc(0)
	require.NoError(t, err)

	hits, err := handle.Find(context.Background(), "at", 0, handle.Len(), 0, "")
	require.NoError(t, err)
	require.Len(t, hits, 3)

	log := view.SpanLog()
	require.Len(t, log, 3)
	for _, e := range log {
		require.Equal(t, "scan", e.Tag)
	}
}

func TestDocOutOfRangeErrors(t *testing.T) {
	store, doc := singleDocStore(t, "x")
	view := NewView(store, []*models.Document{doc}, 0)
	_, err := view.Doc(5)
	require.Error(t, err)
}
