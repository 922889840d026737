package statestore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
)

func TestValidateRejectsNonJSONTypes(t *testing.T) {
	err := Validate(map[string]any{"when": time.Now()})
	require.Error(t, err)
	require.Equal(t, rlmerr.CodeStateInvalidType, rlmerr.CodeOf(err))

	err = Validate(map[string]any{"raw": []byte("bytes")})
	require.Error(t, err)

	require.NoError(t, Validate(map[string]any{
		"s": "str", "n": 1.5, "b": true, "null": nil,
		"arr": []any{1.0, "two"}, "obj": map[string]any{"k": "v"},
	}))
}

func TestPersistInlineRoundTrip(t *testing.T) {
	store := New(memstore.NewObjectStore(), Limits{InlineCutoffBytes: 1024, MaxStateBytes: 1 << 20})
	state := map[string]any{"work": map[string]any{"note": "small"}}

	ptr, err := store.Persist(context.Background(), "t1", "e1", 0, state)
	require.NoError(t, err)
	require.False(t, ptr.Offloaded)
	require.NotEmpty(t, ptr.Inline)
	require.True(t, strings.HasPrefix(ptr.Checksum, "sha256:"))

	got, err := store.Load(context.Background(), ptr)
	require.NoError(t, err)
	require.Equal(t, "small", got["work"].(map[string]any)["note"])
}

func TestPersistOffloadsOverCutoff(t *testing.T) {
	objects := memstore.NewObjectStore()
	store := New(objects, Limits{InlineCutoffBytes: 64, MaxStateBytes: 1 << 20})
	big := strings.Repeat("x", 200)
	state := map[string]any{"work": map[string]any{"big": big}}

	ptr, err := store.Persist(context.Background(), "t1", "e1", 3, state)
	require.NoError(t, err)
	require.True(t, ptr.Offloaded)
	require.Equal(t, "state/t1/e1/state_3.json.gz", ptr.URI)
	require.Empty(t, ptr.Inline)

	got, err := store.Load(context.Background(), ptr)
	require.NoError(t, err)
	require.Equal(t, big, got["work"].(map[string]any)["big"])
}

func TestPersistTooLarge(t *testing.T) {
	store := New(memstore.NewObjectStore(), Limits{InlineCutoffBytes: 16, MaxStateBytes: 64})
	state := map[string]any{"work": strings.Repeat("y", 200)}

	_, err := store.Persist(context.Background(), "t1", "e1", 0, state)
	require.Error(t, err)
	require.Equal(t, rlmerr.CodeStateTooLarge, rlmerr.CodeOf(err))
}

func TestLoadDetectsTamper(t *testing.T) {
	objects := memstore.NewObjectStore()
	store := New(objects, Limits{InlineCutoffBytes: 16, MaxStateBytes: 1 << 20})
	state := map[string]any{"work": strings.Repeat("z", 100)}

	ptr, err := store.Persist(context.Background(), "t1", "e1", 0, state)
	require.NoError(t, err)
	require.True(t, ptr.Offloaded)

	// Overwrite the blob with different (but valid gzip+JSON) content.
	other, err := store.Persist(context.Background(), "t1", "e1", 1, map[string]any{"work": strings.Repeat("w", 100)})
	require.NoError(t, err)
	require.NoError(t, copyObject(objects, other.URI, ptr.URI))

	_, err = store.Load(context.Background(), ptr)
	require.Error(t, err)
	var e *rlmerr.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, rlmerr.CodeChecksumMismatch, e.Code)
}

func copyObject(s *memstore.ObjectStore, from, to string) error {
	rc, _, err := s.Get(context.Background(), from, nil)
	if err != nil {
		return err
	}
	defer rc.Close()
	return s.Put(context.Background(), to, rc, "application/gzip")
}

func TestChecksumDeterministicAcrossKeyOrder(t *testing.T) {
	store := New(memstore.NewObjectStore(), Limits{InlineCutoffBytes: 1024, MaxStateBytes: 1 << 20})
	a := map[string]any{"b": 2.0, "a": 1.0, "nested": map[string]any{"y": "2", "x": "1"}}
	b := map[string]any{"nested": map[string]any{"x": "1", "y": "2"}, "a": 1.0, "b": 2.0}

	pa, err := store.Persist(context.Background(), "t1", "e1", 0, a)
	require.NoError(t, err)
	pb, err := store.Persist(context.Background(), "t1", "e1", 1, b)
	require.NoError(t, err)
	require.Equal(t, pa.Checksum, pb.Checksum)
}

func TestRevertOwnedKeys(t *testing.T) {
	prev := map[string]any{"_tool_status": map[string]any{"k": "resolved"}}
	next := map[string]any{"_tool_status": "clobbered", "_budgets": "injected", "work": "mine"}
	RevertOwnedKeys(prev, next, []string{"_tool_status", "_budgets"})
	require.Equal(t, map[string]any{"k": "resolved"}, next["_tool_status"])
	require.NotContains(t, next, "_budgets")
	require.Equal(t, "mine", next["work"])
}
