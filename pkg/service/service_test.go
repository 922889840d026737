package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/citation"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
)

func testService(t *testing.T) (*Service, *memstore.ObjectStore) {
	t.Helper()
	objects := memstore.NewObjectStore()
	return &Service{
		Repo:          &Repository{Metadata: memstore.NewMetadataStore()},
		Objects:       objects,
		DefaultBudget: models.DefaultBudget(),
	}, objects
}

func readySession() *models.Session {
	return &models.Session{
		ID: "s1", Tenant: "t1",
		DocumentIDs: []string{"d0"},
		Status:      models.SessionStatusReady,
	}
}

func TestCreateExecutionRequiresSession(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "missing", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.Error(t, err)
	require.Equal(t, rlmerr.CodeSessionNotFound, rlmerr.CodeOf(err))
}

func TestCreateExecutionRequiresReadySession(t *testing.T) {
	svc, _ := testService(t)
	s := readySession()
	s.Status = models.SessionStatusPending
	require.NoError(t, svc.Repo.PutSession(context.Background(), s))

	_, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.Error(t, err)
	require.Equal(t, rlmerr.CodeSessionNotReady, rlmerr.CodeOf(err))
}

func TestCreateExecutionRejectsExpiredSession(t *testing.T) {
	svc, _ := testService(t)
	s := readySession()
	s.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, svc.Repo.PutSession(context.Background(), s))

	_, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.Error(t, err)
}

func TestCreateExecutionQueuesWork(t *testing.T) {
	svc, _ := testService(t)
	require.NoError(t, svc.Repo.PutSession(context.Background(), readySession()))

	exec, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer,
		Question: "what is it?", SubcallsEnabled: true,
	})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusPending, exec.Status)
	require.NotEmpty(t, exec.ID)
	require.Equal(t, svc.DefaultBudget, exec.RequestedBudget)

	ids, err := svc.Repo.ListQueuedExecutionIDs(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []string{exec.ID}, ids)

	got, err := svc.GetExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, exec.ID, got.ID)
}

func TestCreateExecutionAnswererNeedsQuestion(t *testing.T) {
	svc, _ := testService(t)
	require.NoError(t, svc.Repo.PutSession(context.Background(), readySession()))
	_, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer,
	})
	require.Error(t, err)
	require.Equal(t, rlmerr.CodeValidationError, rlmerr.CodeOf(err))
}

func TestCancelPendingExecution(t *testing.T) {
	svc, _ := testService(t)
	require.NoError(t, svc.Repo.PutSession(context.Background(), readySession()))
	exec, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.NoError(t, err)

	cancelled, err := svc.CancelExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	// Cancelling again is a no-op with the same outcome.
	again, err := svc.CancelExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCancelled, again.Status)
	require.True(t, cancelled.FinishedAt.Equal(again.FinishedAt), "second cancel must not rewrite the finish time")

	// Terminal executions leave the queue.
	ids, err := svc.Repo.ListQueuedExecutionIDs(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestCancelRunningExecutionSetsMarker(t *testing.T) {
	svc, _ := testService(t)
	require.NoError(t, svc.Repo.PutSession(context.Background(), readySession()))
	exec, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.NoError(t, err)

	exec.Status = models.ExecutionStatusRunning
	require.NoError(t, svc.Repo.PutExecution(context.Background(), exec))

	marked, err := svc.CancelExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusRunning, marked.Status)
	require.True(t, marked.CancelRequested)
}

func TestGetExecutionNotFound(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.GetExecution(context.Background(), "t1", "nope")
	require.Error(t, err)
	var e *rlmerr.Error
	require.True(t, errors.As(err, &e))
	require.Equal(t, rlmerr.CodeExecutionNotFound, e.Code)
}

func TestVerifyCitation(t *testing.T) {
	svc, objects := testService(t)
	text := "Hello world from RLM-RS"
	require.NoError(t, objects.Put(context.Background(), "parsed/t1/s1/d0/text", strings.NewReader(text), "text/plain"))
	doc := &models.Document{
		ID: "d0", Tenant: "t1", SessionID: "s1",
		CanonicalTextKey: "parsed/t1/s1/d0/text",
		LengthChars:      len(text),
		Offsets: models.OffsetTable{
			CheckpointInterval: 1000,
			Checkpoints:        []models.OffsetCheckpoint{{CharOffset: 0, ByteOffset: 0}},
			TotalChars:         len(text),
			TotalBytes:         len(text),
		},
	}
	require.NoError(t, svc.Repo.PutDocument(context.Background(), doc, 0))

	ref := models.SpanRef{
		Tenant: "t1", Session: "s1", DocID: "d0",
		DocIndex: 0, StartChar: 0, EndChar: 5,
		Checksum: citation.Checksum("Hello"),
	}
	res, err := svc.VerifyCitation(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, res.Valid)

	ref.Checksum = citation.Checksum("tampered")
	res, err = svc.VerifyCitation(context.Background(), ref)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, string(rlmerr.CodeChecksumMismatch), res.Cause)
}

func TestRepositoryRoundTripsDocumentsInOrder(t *testing.T) {
	svc, _ := testService(t)
	for i, id := range []string{"d0", "d1", "d2"} {
		require.NoError(t, svc.Repo.PutDocument(context.Background(), &models.Document{
			ID: id, Tenant: "t1", SessionID: "s1",
		}, i))
	}
	docs, err := svc.Repo.ListDocuments(context.Background(), "t1", "s1")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "d0", docs[0].ID)
	require.Equal(t, "d2", docs[2].ID)
}
