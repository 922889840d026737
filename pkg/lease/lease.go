// Package lease implements execution lease coordination: claiming,
// heartbeating, releasing, and recovering the optimistic-lock lease that
// lets exactly one orchestrator instance drive a given execution.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// ErrLeaseHeld is returned by Claim when another live owner holds the
// lease.
var ErrLeaseHeld = errors.New("lease: held by another owner")

const leaseSK = "LEASE"

// Controller claims, heartbeats, and releases execution leases against the
// shared metadata store.
type Controller struct {
	Metadata storage.MetadataStore
	TTL      time.Duration
}

func New(metadata storage.MetadataStore, ttl time.Duration) *Controller {
	return &Controller{Metadata: metadata, TTL: ttl}
}

func executionPK(tenant, executionID string) string {
	return fmt.Sprintf("TENANT#%s#EXEC#%s", tenant, executionID)
}

// Claim attempts to become (or renew as) the owner of an execution's lease.
// It succeeds if no lease exists, the lease is already held by owner, or
// the existing lease has expired.
func (c *Controller) Claim(ctx context.Context, tenant, executionID, owner string) (models.Lease, error) {
	pk := executionPK(tenant, executionID)
	now := time.Now()

	existing, found, err := c.Metadata.GetItem(ctx, pk, leaseSK)
	if err != nil {
		return models.Lease{}, rlmerr.Wrap(rlmerr.CodeInternalError, "read lease", err)
	}

	expectedVersion := int64(0)
	if found {
		cur := decodeLease(existing.Data)
		if cur.Owner != "" && cur.Owner != owner && !cur.Expired(now) {
			return models.Lease{}, ErrLeaseHeld
		}
		expectedVersion = existing.Version
	}

	next := models.Lease{Owner: owner, AcquiredAt: now, HeartbeatAt: now, ExpiresAt: now.Add(c.TTL)}
	item, err := c.Metadata.UpdateIf(ctx, pk, leaseSK, expectedVersion, encodeLease(next))
	if err != nil {
		if errors.As(err, new(*storage.ErrConditionFailed)) {
			return models.Lease{}, ErrLeaseHeld
		}
		return models.Lease{}, rlmerr.Wrap(rlmerr.CodeInternalError, "claim lease", err)
	}
	next.Version = int(item.Version)
	return next, nil
}

// Heartbeat renews an already-claimed lease's expiry, guarded by the
// lease's current version so a lost-and-reclaimed lease cannot be silently
// renewed by its former owner.
func (c *Controller) Heartbeat(ctx context.Context, tenant, executionID string, current models.Lease) (models.Lease, error) {
	pk := executionPK(tenant, executionID)
	now := time.Now()
	next := current
	next.HeartbeatAt = now
	next.ExpiresAt = now.Add(c.TTL)

	item, err := c.Metadata.UpdateIf(ctx, pk, leaseSK, int64(current.Version), encodeLease(next))
	if err != nil {
		if errors.As(err, new(*storage.ErrConditionFailed)) {
			return models.Lease{}, ErrLeaseHeld
		}
		return models.Lease{}, rlmerr.Wrap(rlmerr.CodeInternalError, "heartbeat lease", err)
	}
	next.Version = int(item.Version)
	return next, nil
}

// Release drops ownership of the lease unconditionally once the execution
// reaches a terminal status. Releasing twice is harmless — that is cancellation
// idempotence at the lease layer.
func (c *Controller) Release(ctx context.Context, tenant, executionID string, current models.Lease) error {
	pk := executionPK(tenant, executionID)
	released := current
	released.Owner = ""
	released.ExpiresAt = time.Time{}
	_, err := c.Metadata.UpdateIf(ctx, pk, leaseSK, int64(current.Version), encodeLease(released))
	if err != nil && !errors.As(err, new(*storage.ErrConditionFailed)) {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "release lease", err)
	}
	return nil
}

func encodeLease(l models.Lease) map[string]any {
	return map[string]any{
		"owner":        l.Owner,
		"acquired_at":  l.AcquiredAt,
		"heartbeat_at": l.HeartbeatAt,
		"expires_at":   l.ExpiresAt,
	}
}

func decodeLease(data map[string]any) models.Lease {
	return models.Lease{
		Owner:       asString(data["owner"]),
		AcquiredAt:  asTime(data["acquired_at"]),
		HeartbeatAt: asTime(data["heartbeat_at"]),
		ExpiresAt:   asTime(data["expires_at"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Recoverer periodically scans for executions whose lease expired without
// a heartbeat and requeues or fails them.
type Recoverer struct {
	Metadata    storage.MetadataStore
	Tenant      string
	MaxAttempts int
	OnOrphan    func(ctx context.Context, executionID string, attempt int) error
}

// ScanOnce performs a single orphan sweep across one tenant's execution
// leases, recovering each expired one independently so a single failure
// does not block the rest.
func (r *Recoverer) ScanOnce(ctx context.Context, executionIDs []string) {
	now := time.Now()
	for _, id := range executionIDs {
		pk := executionPK(r.Tenant, id)
		item, found, err := r.Metadata.GetItem(ctx, pk, leaseSK)
		if err != nil || !found {
			continue
		}
		l := decodeLease(item.Data)
		if l.Owner == "" || !l.Expired(now) {
			continue
		}
		attempt := 1
		if a, ok := item.Data["recovery_attempt"].(int); ok {
			attempt = a + 1
		}
		if r.OnOrphan != nil {
			if err := r.OnOrphan(ctx, id, attempt); err != nil {
				slog.Error("orphan recovery failed", "execution_id", id, "error", err)
			}
		}
	}
}

// Run drives ScanOnce on interval until ctx is cancelled.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration, listExecutionIDs func(context.Context) ([]string, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := listExecutionIDs(ctx)
			if err != nil {
				slog.Error("orphan scan: list executions failed", "error", err)
				continue
			}
			r.ScanOnce(ctx, ids)
		}
	}
}
