// Package service is the thin command interface over the orchestrator
// core: create/cancel/inspect executions, verify citations, and the worker
// that claims queued executions and drives them. An HTTP layer (not part of
// this module) would translate requests onto these calls one-to-one.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rlm-rs/orchestrator/pkg/citation"
	"github.com/rlm-rs/orchestrator/pkg/corpus"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Service exposes the orchestrator's command surface.
type Service struct {
	Repo    *Repository
	Objects storage.ObjectStore

	DefaultBudget models.Budget
	MergeGapChars int

	// Now is injected for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateExecutionRequest carries everything a driver supplies when starting
// a run. Zero-valued budget fields inherit the session default, then the
// service default.
type CreateExecutionRequest struct {
	Tenant    string
	SessionID string
	Mode      models.ExecutionMode
	Output    models.OutputMode
	Question  string

	Budget          *models.Budget
	SubcallsEnabled bool
}

// CreateExecution validates the session and persists a new PENDING
// execution for the worker (answerer mode) or an external driver (runtime
// mode) to pick up.
func (s *Service) CreateExecution(ctx context.Context, req CreateExecutionRequest) (*models.Execution, error) {
	if req.Tenant == "" || req.SessionID == "" {
		return nil, rlmerr.New(rlmerr.CodeValidationError, "tenant and session_id are required")
	}
	if req.Mode == models.ExecutionModeAnswerer && req.Question == "" {
		return nil, rlmerr.New(rlmerr.CodeValidationError, "question is required in answerer mode")
	}

	session, err := s.Repo.GetSession(ctx, req.Tenant, req.SessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if session.Expired(now) {
		return nil, rlmerr.New(rlmerr.CodeSessionNotFound, fmt.Sprintf("session %s has expired", req.SessionID))
	}
	if !session.IsReady() {
		return nil, rlmerr.New(rlmerr.CodeSessionNotReady, fmt.Sprintf("session %s is %s", req.SessionID, session.Status))
	}

	budget := s.DefaultBudget
	if session.Defaults.Budget != (models.Budget{}) {
		budget = session.Defaults.Budget
	}
	if req.Budget != nil {
		budget = *req.Budget
	}

	mode := req.Mode
	if mode == "" {
		mode = session.Defaults.Mode
	}
	if mode == "" {
		mode = models.ExecutionModeAnswerer
	}
	output := req.Output
	if output == "" {
		output = models.OutputModeAnswer
	}

	exec := &models.Execution{
		ID:              uuid.New().String(),
		Tenant:          req.Tenant,
		SessionID:       req.SessionID,
		Mode:            mode,
		Output:          output,
		Question:        req.Question,
		RequestedBudget: budget,
		Status:          models.ExecutionStatusPending,
		SubcallsEnabled: req.SubcallsEnabled,
		CreatedAt:       now,
	}
	if err := s.Repo.PutExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution returns the current execution record.
func (s *Service) GetExecution(ctx context.Context, tenant, id string) (*models.Execution, error) {
	return s.Repo.GetExecution(ctx, tenant, id)
}

// CancelExecution requests cancellation. Idempotent: cancelling a terminal
// execution returns its record unchanged. A RUNNING execution is marked
// cancel-requested in metadata; the owning worker observes the marker at
// its next heartbeat and stops at the next safe point.
func (s *Service) CancelExecution(ctx context.Context, tenant, id string) (*models.Execution, error) {
	exec, err := s.Repo.GetExecution(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, nil
	}
	if exec.Status == models.ExecutionStatusPending {
		exec.Cancel(s.now())
	} else {
		exec.CancelRequested = true
	}
	if err := s.Repo.PutExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// VerifyCitation re-reads the exact range a SpanRef describes and checks
// its checksum against the stored one.
func (s *Service) VerifyCitation(ctx context.Context, ref models.SpanRef) (citation.Result, error) {
	docs, err := s.Repo.ListDocuments(ctx, ref.Tenant, ref.Session)
	if err != nil {
		return citation.Result{}, err
	}
	if ref.DocIndex < 0 || ref.DocIndex >= len(docs) {
		return citation.Result{}, rlmerr.New(rlmerr.CodeValidationError,
			fmt.Sprintf("doc_index %d out of range for session %s", ref.DocIndex, ref.Session))
	}
	v := citation.Verifier{Reader: docReader{store: s.Objects, docs: docs}}
	return v.Verify(ctx, ref)
}

type docReader struct {
	store storage.ObjectStore
	docs  []*models.Document
}

func (r docReader) ReadRange(ctx context.Context, docIndex, startChar, endChar int) (string, error) {
	return corpus.ReadNoLog(ctx, r.store, r.docs, docIndex, startChar, endChar)
}

// LoadCorpus returns a session's documents in corpus order, shared by the
// worker and the runtime-mode entry path.
func (s *Service) LoadCorpus(ctx context.Context, tenant, sessionID string) ([]*models.Document, error) {
	return s.Repo.ListDocuments(ctx, tenant, sessionID)
}
