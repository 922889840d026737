package runtimemode

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/citation"
	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/statestore"
	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
)

func testSetup(t *testing.T) (*Dependencies, []*models.Document, *llmprovider.Fake) {
	t.Helper()
	store := memstore.NewObjectStore()
	require.NoError(t, store.Put(context.Background(), "parsed/t1/s1/d0/text", strings.NewReader("Hello world from RLM-RS"), "text/plain"))
	doc := &models.Document{
		ID:               "d0",
		CanonicalTextKey: "parsed/t1/s1/d0/text",
		LengthChars:      23,
		Offsets: models.OffsetTable{
			CheckpointInterval: 1000,
			Checkpoints:        []models.OffsetCheckpoint{{CharOffset: 0, ByteOffset: 0}},
			TotalChars:         23,
			TotalBytes:         23,
		},
	}
	subLLM := llmprovider.NewFake()
	deps := &Dependencies{
		Objects: store,
		Resolver: &toolresolver.Resolver{
			LLM:         subLLM,
			Cache:       toolresolver.NewMemCache(),
			CallTimeout: time.Second,
		},
		States: statestore.New(store, statestore.Limits{InlineCutoffBytes: 8192, MaxStateBytes: 1 << 20}),
	}
	return deps, []*models.Document{doc}, subLLM
}

func runtimeExecution() *models.Execution {
	return &models.Execution{
		ID: "e1", Tenant: "t1", SessionID: "s1",
		Mode:            models.ExecutionModeRuntime,
		Output:          models.OutputModeAnswer,
		RequestedBudget: models.DefaultBudget(),
		Status:          models.ExecutionStatusPending,
	}
}

func TestNewRejectsAnswererMode(t *testing.T) {
	deps, docs, _ := testSetup(t)
	exec := runtimeExecution()
	exec.Mode = models.ExecutionModeAnswerer
	_, err := New(deps, exec, docs)
	require.Error(t, err)
}

func TestStepAccumulatesStateAcrossCalls(t *testing.T) {
	deps, docs, _ := testSetup(t)
	d, err := New(deps, runtimeExecution(), docs)
	require.NoError(t, err)

	res, err := d.Step(context.Background(), `state["work"] = context[0][0:5]`, StepOptions{})
	require.NoError(t, err)
	require.Nil(t, res.Turn.Error)
	require.Equal(t, 0, res.Turn.TurnIndex)

	res, err = d.Step(context.Background(), `tool.FINAL(state["work"])`, StepOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Turn.TurnIndex)
	require.True(t, res.Turn.IsFinal)

	exec := d.Execution()
	require.Equal(t, models.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, "Hello", exec.Answer)
	require.Len(t, exec.Citations, 1)
	require.Equal(t, citation.Checksum("Hello"), exec.Citations[0].Checksum)
	require.NotEmpty(t, exec.TracePointer)
}

func TestStepReturnsSandboxErrorWithoutTerminating(t *testing.T) {
	deps, docs, _ := testSetup(t)
	d, err := New(deps, runtimeExecution(), docs)
	require.NoError(t, err)

	res, err := d.Step(context.Background(), `import "os"`, StepOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Turn.Error)
	require.Equal(t, "SANDBOX_AST_REJECTED", res.Turn.Error.Code)
	require.Equal(t, models.ExecutionStatusRunning, d.Execution().Status)

	// The driver can continue after the rejected step.
	_, err = d.Step(context.Background(), `tool.FINAL("ok")`, StepOptions{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusCompleted, d.Execution().Status)
}

func TestStepResolvesToolsWhenAsked(t *testing.T) {
	deps, docs, subLLM := testSetup(t)
	subLLM.Responses["summarize: Hello"] = llmprovider.Response{Text: "a greeting"}

	d, err := New(deps, runtimeExecution(), docs)
	require.NoError(t, err)

	res, err := d.Step(context.Background(),
		`tool.queue_llm("sum", "summarize: " + context[0][0:5])`+"\ntool.YIELD()",
		StepOptions{ResolveTools: true})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	require.Equal(t, models.ToolStatusResolved, res.Outcome.Status["sum"])

	res, err = d.Step(context.Background(), `tool.FINAL(state["_tool_results"]["llm"]["sum"]["text"])`, StepOptions{})
	require.NoError(t, err)
	require.Equal(t, "a greeting", d.Execution().Answer)
}

func TestStepStateOverrideKeepsOwnedKeys(t *testing.T) {
	deps, docs, subLLM := testSetup(t)
	subLLM.Default = llmprovider.Response{Text: "resolved"}

	d, err := New(deps, runtimeExecution(), docs)
	require.NoError(t, err)

	_, err = d.Step(context.Background(), `tool.queue_llm("k", "anything")`+"\ntool.YIELD()", StepOptions{ResolveTools: true})
	require.NoError(t, err)

	// An override may replace model-owned keys but not the orchestrator's.
	res, err := d.Step(context.Background(), `x = 1`, StepOptions{
		StateOverride: map[string]any{
			"work":          "injected",
			"_tool_results": "clobbered",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "injected", res.State["work"])
	results, ok := res.State["_tool_results"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, results["llm"].(map[string]any), "k")
}

func TestMaxTurnsTerminatesDriver(t *testing.T) {
	deps, docs, _ := testSetup(t)
	exec := runtimeExecution()
	exec.RequestedBudget.MaxTurns = 1

	d, err := New(deps, exec, docs)
	require.NoError(t, err)

	_, err = d.Step(context.Background(), `x = 1`, StepOptions{})
	require.NoError(t, err)

	_, err = d.Step(context.Background(), `y = 2`, StepOptions{})
	require.Error(t, err)
	require.Equal(t, models.ExecutionStatusMaxTurnsExceeded, exec.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	deps, docs, _ := testSetup(t)
	d, err := New(deps, runtimeExecution(), docs)
	require.NoError(t, err)

	_, err = d.Step(context.Background(), `x = context[0][0:5]`, StepOptions{})
	require.NoError(t, err)

	d.Cancel(context.Background())
	require.Equal(t, models.ExecutionStatusCancelled, d.Execution().Status)
	finishedAt := d.Execution().FinishedAt

	d.Cancel(context.Background())
	require.Equal(t, finishedAt, d.Execution().FinishedAt)

	_, err = d.Step(context.Background(), `y = 1`, StepOptions{})
	require.Error(t, err)
}
