package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/lease"
	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/orchestrator"
	"github.com/rlm-rs/orchestrator/pkg/statestore"
	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
)

// scriptedRoot replays fixed root-model outputs in order.
type scriptedRoot struct {
	outputs []string
	calls   int
}

func (s *scriptedRoot) Call(_ context.Context, _, _ string, _ int, _ float64, _ time.Time) (llmprovider.Response, error) {
	i := s.calls
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	s.calls++
	return llmprovider.Response{Text: s.outputs[i]}, nil
}

func TestWorkerDrivesQueuedExecutionToCompletion(t *testing.T) {
	objects := memstore.NewObjectStore()
	metadata := memstore.NewMetadataStore()
	svc := &Service{
		Repo:          &Repository{Metadata: metadata},
		Objects:       objects,
		DefaultBudget: models.DefaultBudget(),
	}

	text := "Hello world from RLM-RS"
	require.NoError(t, objects.Put(context.Background(), "parsed/t1/s1/d0/text", strings.NewReader(text), "text/plain"))
	require.NoError(t, svc.Repo.PutSession(context.Background(), &models.Session{
		ID: "s1", Tenant: "t1", DocumentIDs: []string{"d0"}, Status: models.SessionStatusReady,
	}))
	require.NoError(t, svc.Repo.PutDocument(context.Background(), &models.Document{
		ID: "d0", Tenant: "t1", SessionID: "s1",
		CanonicalTextKey: "parsed/t1/s1/d0/text",
		LengthChars:      len(text),
		Offsets: models.OffsetTable{
			CheckpointInterval: 1000,
			Checkpoints:        []models.OffsetCheckpoint{{CharOffset: 0, ByteOffset: 0}},
			TotalChars:         len(text),
			TotalBytes:         len(text),
		},
	}, 0))

	exec, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "greeting?",
	})
	require.NoError(t, err)

	root := &scriptedRoot{outputs: []string{"```repl\nsnippet = context[0][0:5]\ntool.FINAL(snippet)\n```"}}
	leaseCtl := lease.New(metadata, time.Minute)
	w := &Worker{
		Service: svc,
		Deps: &orchestrator.Dependencies{
			Objects: objects,
			RootLLM: root,
			Resolver: &toolresolver.Resolver{
				LLM:         llmprovider.NewFake(),
				Cache:       toolresolver.NewMemCache(),
				CallTimeout: time.Second,
			},
			States: statestore.New(objects, statestore.Limits{InlineCutoffBytes: 8192, MaxStateBytes: 1 << 20}),
			Lease:  leaseCtl,
		},
		Lease:      leaseCtl,
		Tenants:    []string{"t1"},
		InstanceID: "test-worker",
	}

	w.pollOnce(context.Background())

	final, err := svc.GetExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, final.Status)
	require.Equal(t, "Hello", final.Answer)
	require.Len(t, final.Citations, 1)
	require.NotEmpty(t, final.TracePointer)

	// Terminal executions leave the queue; a second poll finds nothing.
	ids, err := svc.Repo.ListQueuedExecutionIDs(context.Background(), "t1")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestWorkerHonorsCancelMarkerBeforeClaim(t *testing.T) {
	metadata := memstore.NewMetadataStore()
	svc := &Service{
		Repo:          &Repository{Metadata: metadata},
		Objects:       memstore.NewObjectStore(),
		DefaultBudget: models.DefaultBudget(),
	}
	require.NoError(t, svc.Repo.PutSession(context.Background(), &models.Session{
		ID: "s1", Tenant: "t1", Status: models.SessionStatusReady,
	}))
	exec, err := svc.CreateExecution(context.Background(), CreateExecutionRequest{
		Tenant: "t1", SessionID: "s1", Mode: models.ExecutionModeAnswerer, Question: "q",
	})
	require.NoError(t, err)

	exec.Status = models.ExecutionStatusRunning
	exec.CancelRequested = true
	require.NoError(t, svc.Repo.PutExecution(context.Background(), exec))

	w := &Worker{
		Service:    svc,
		Lease:      lease.New(metadata, time.Minute),
		Tenants:    []string{"t1"},
		InstanceID: "test-worker",
	}
	w.pollOnce(context.Background())

	final, err := svc.GetExecution(context.Background(), "t1", exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCancelled, final.Status)
}
