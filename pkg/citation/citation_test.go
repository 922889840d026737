package citation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
)

// fakeReader serves ranges out of in-memory canonical texts, one per doc
// index.
type fakeReader struct {
	texts map[int]string
}

func (r *fakeReader) ReadRange(_ context.Context, docIndex, start, end int) (string, error) {
	text, ok := r.texts[docIndex]
	if !ok {
		return "", fmt.Errorf("no document at index %d", docIndex)
	}
	runes := []rune(text)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return "", nil
	}
	return string(runes[start:end]), nil
}

func entry(doc, start, end, turn, inTurn int, tag string) models.SpanLogEntry {
	return models.SpanLogEntry{DocIndex: doc, StartChar: start, EndChar: end, Tag: tag, TurnIndex: turn, InTurnIndex: inTurn}
}

func TestMergeOverlappingRanges(t *testing.T) {
	merged := Merge([]models.SpanLogEntry{
		entry(0, 0, 10, 0, 0, ""),
		entry(0, 5, 15, 0, 1, ""),
		entry(0, 30, 40, 0, 2, ""),
	}, 0)
	require.Len(t, merged[0], 2)
	require.Equal(t, 0, merged[0][0].start)
	require.Equal(t, 15, merged[0][0].end)
	require.Equal(t, 30, merged[0][1].start)
}

func TestMergeBridgesSmallGaps(t *testing.T) {
	merged := Merge([]models.SpanLogEntry{
		entry(0, 0, 10, 0, 0, ""),
		entry(0, 12, 20, 0, 1, ""),
	}, 5)
	require.Len(t, merged[0], 1)
	require.Equal(t, 0, merged[0][0].start)
	require.Equal(t, 20, merged[0][0].end)

	unmergedAtZeroGap := Merge([]models.SpanLogEntry{
		entry(0, 0, 10, 0, 0, ""),
		entry(0, 12, 20, 0, 1, ""),
	}, 0)
	require.Len(t, unmergedAtZeroGap[0], 2)
}

func TestMergePartitionsByDocument(t *testing.T) {
	merged := Merge([]models.SpanLogEntry{
		entry(0, 0, 10, 0, 0, ""),
		entry(1, 5, 15, 0, 1, ""),
	}, 100)
	require.Len(t, merged[0], 1)
	require.Len(t, merged[1], 1)
}

func TestBuildEmitsVerifiableRefs(t *testing.T) {
	reader := &fakeReader{texts: map[int]string{0: "Hello world from RLM-RS"}}
	eng := New(reader, "t1", "s1", 0)

	refs, err := eng.Build(context.Background(), []models.SpanLogEntry{entry(0, 0, 5, 0, 0, "")}, map[int]string{0: "d0"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, models.SpanRef{
		Tenant: "t1", Session: "s1", DocID: "d0",
		DocIndex: 0, StartChar: 0, EndChar: 5,
		Checksum: Checksum("Hello"),
	}, refs[0])

	v := Verifier{Reader: reader}
	res, err := v.Verify(context.Background(), refs[0])
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestVerifyDetectsTamper(t *testing.T) {
	reader := &fakeReader{texts: map[int]string{0: "Hello world"}}
	eng := New(reader, "t1", "s1", 0)
	refs, err := eng.Build(context.Background(), []models.SpanLogEntry{entry(0, 0, 5, 0, 0, "")}, map[int]string{0: "d0"})
	require.NoError(t, err)

	reader.texts[0] = "HELLO world"
	v := Verifier{Reader: reader}
	res, err := v.Verify(context.Background(), refs[0])
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, string(rlmerr.CodeChecksumMismatch), res.Cause)
}

func TestChecksumIsNFCNormalized(t *testing.T) {
	// U+00E9 (é precomposed) vs U+0065 U+0301 (e + combining acute) must
	// hash identically.
	precomposed := "caf\u00e9"
	decomposed := "cafe\u0301"
	require.Equal(t, Checksum(precomposed), Checksum(decomposed))
}

func TestChecksumDeterministic(t *testing.T) {
	require.Equal(t, Checksum("same text"), Checksum("same text"))
	require.NotEqual(t, Checksum("same text"), Checksum("other text"))
}

func TestFilterContextTaggedKeepsDiscoveryOrder(t *testing.T) {
	entries := []models.SpanLogEntry{
		entry(0, 50, 60, 1, 0, "context:later"),
		entry(0, 0, 10, 0, 1, "context"),
		entry(0, 20, 30, 0, 0, "scan"),
		entry(0, 40, 45, 0, 2, "contextual"), // prefix without colon does not qualify
	}
	got := FilterContextTagged(entries)
	require.Len(t, got, 2)
	require.Equal(t, 0, got[0].TurnIndex)
	require.Equal(t, 1, got[0].InTurnIndex)
	require.Equal(t, 1, got[1].TurnIndex)
}
