package memstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/storage"
)

func TestObjectStoreRangeRead(t *testing.T) {
	ctx := context.Background()
	s := NewObjectStore()
	require.NoError(t, s.Put(ctx, "doc/1", strings.NewReader("Hello world"), "text/plain"))

	rc, meta, err := s.Get(ctx, "doc/1", &storage.ByteRange{Start: 0, End: 4})
	require.NoError(t, err)
	defer rc.Close()
	buf := make([]byte, meta.Size)
	n, _ := rc.Read(buf)
	require.Equal(t, "Hello", string(buf[:n]))
}

func TestObjectStoreGetMissing(t *testing.T) {
	s := NewObjectStore()
	_, _, err := s.Get(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestMetadataStoreUpdateIfConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMetadataStore()

	item, err := s.UpdateIf(ctx, "EXEC#1", "LEASE", 0, map[string]any{"owner": "worker-a"})
	require.NoError(t, err)
	require.EqualValues(t, 1, item.Version)

	_, err = s.UpdateIf(ctx, "EXEC#1", "LEASE", 0, map[string]any{"owner": "worker-b"})
	require.Error(t, err)
	var condErr *storage.ErrConditionFailed
	require.ErrorAs(t, err, &condErr)
	require.Equal(t, int64(1), condErr.ActualVersion)

	item, err = s.UpdateIf(ctx, "EXEC#1", "LEASE", 1, map[string]any{"owner": "worker-b"})
	require.NoError(t, err)
	require.EqualValues(t, 2, item.Version)
}

func TestMetadataStoreQueryByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMetadataStore()
	require.NoError(t, s.PutItem(ctx, storage.Item{PK: "SESSION#1", SK: "DOC#a", Version: 1}))
	require.NoError(t, s.PutItem(ctx, storage.Item{PK: "SESSION#1", SK: "DOC#b", Version: 1}))
	require.NoError(t, s.PutItem(ctx, storage.Item{PK: "SESSION#1", SK: "META", Version: 1}))

	items, err := s.Query(ctx, "SESSION#1", "DOC#")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "DOC#a", items[0].SK)
	require.Equal(t, "DOC#b", items[1].SK)
}
