package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rlm-rs/orchestrator/pkg/lease"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/orchestrator"
)

// Worker claims queued answerer-mode executions and drives each to a
// terminal status. Multiple workers (in one process or across instances)
// compete on the lease; a claim that loses is skipped, not retried, since
// another worker is already driving that execution.
type Worker struct {
	Service *Service
	Deps    *orchestrator.Dependencies
	Lease   *lease.Controller

	Tenants      []string
	InstanceID   string
	PollInterval time.Duration

	// HeartbeatInterval paces lease renewal and the cancel-marker check
	// while an execution is running.
	HeartbeatInterval time.Duration
}

// Run polls for queued executions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	for _, tenant := range w.Tenants {
		ids, err := w.Service.Repo.ListQueuedExecutionIDs(ctx, tenant)
		if err != nil {
			slog.Error("list queued executions failed", "tenant", tenant, "error", err)
			continue
		}
		for _, id := range ids {
			w.tryDrive(ctx, tenant, id)
		}
	}
}

// tryDrive claims one execution's lease and, if successful, drives it to a
// terminal status and persists the final record.
func (w *Worker) tryDrive(ctx context.Context, tenant, id string) {
	exec, err := w.Service.Repo.GetExecution(ctx, tenant, id)
	if err != nil {
		slog.Error("load execution failed", "execution_id", id, "error", err)
		return
	}
	if exec.Status.Terminal() || exec.Mode != models.ExecutionModeAnswerer {
		return
	}
	if exec.CancelRequested {
		exec.Cancel(time.Now())
		if err := w.Service.Repo.PutExecution(ctx, exec); err != nil {
			slog.Error("persist cancelled execution failed", "execution_id", id, "error", err)
		}
		return
	}

	l, err := w.Lease.Claim(ctx, tenant, id, w.InstanceID)
	if err != nil {
		if !errors.Is(err, lease.ErrLeaseHeld) {
			slog.Error("lease claim failed", "execution_id", id, "error", err)
		}
		return
	}
	exec.Lease = &l

	docs, err := w.Service.LoadCorpus(ctx, tenant, exec.SessionID)
	if err != nil {
		slog.Error("load corpus failed", "execution_id", id, "error", err)
		exec.ErrorCode = "INTERNAL_ERROR"
		exec.ErrorMessage = err.Error()
		exec.Finish(models.ExecutionStatusFailed, time.Now())
		w.persist(ctx, exec)
		return
	}

	runCtx, cancel := w.watchCancel(ctx, exec)
	defer cancel()

	slog.Info("driving execution", "execution_id", id, "tenant", tenant, "turns_budget", exec.RequestedBudget.MaxTurns)
	if err := orchestrator.RunExecution(runCtx, w.Deps, exec, docs); err != nil {
		slog.Error("execution run failed", "execution_id", id, "error", err)
	}
	w.persist(ctx, exec)
	slog.Info("execution finished", "execution_id", id, "status", string(exec.Status), "turns", exec.Consumed.Turns)
}

// watchCancel renews the lease and watches the execution record's cancel
// marker while the loop runs; tripping either cancels runCtx so the loop
// stops at its next safe point.
func (w *Worker) watchCancel(ctx context.Context, exec *models.Execution) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				latest, err := w.Service.Repo.GetExecution(ctx, exec.Tenant, exec.ID)
				if err == nil && latest.CancelRequested {
					cancel()
					return
				}
				if exec.Lease != nil {
					renewed, err := w.Lease.Heartbeat(ctx, exec.Tenant, exec.ID, *exec.Lease)
					if err != nil {
						// Lost the lease: another worker may take over.
						cancel()
						return
					}
					*exec.Lease = renewed
				}
			}
		}
	}()
	return runCtx, cancel
}

func (w *Worker) persist(ctx context.Context, exec *models.Execution) {
	if err := w.Service.Repo.PutExecution(ctx, exec); err != nil {
		slog.Error("persist execution failed", "execution_id", exec.ID, "error", err)
	}
}
