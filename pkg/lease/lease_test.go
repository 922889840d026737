package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rlm-rs/orchestrator/pkg/storage/memstore"
)

func TestClaimAndReclaim(t *testing.T) {
	meta := memstore.NewMetadataStore()
	ctl := New(meta, time.Minute)

	l, err := ctl.Claim(context.Background(), "t1", "e1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, "worker-a", l.Owner)

	// Another owner cannot claim a live lease.
	_, err = ctl.Claim(context.Background(), "t1", "e1", "worker-b")
	require.ErrorIs(t, err, ErrLeaseHeld)

	// The same owner may renew.
	renewed, err := ctl.Claim(context.Background(), "t1", "e1", "worker-a")
	require.NoError(t, err)
	require.Equal(t, "worker-a", renewed.Owner)
}

func TestClaimTakesOverExpiredLease(t *testing.T) {
	meta := memstore.NewMetadataStore()
	expired := New(meta, -time.Second)

	_, err := expired.Claim(context.Background(), "t1", "e1", "worker-a")
	require.NoError(t, err)

	ctl := New(meta, time.Minute)
	l, err := ctl.Claim(context.Background(), "t1", "e1", "worker-b")
	require.NoError(t, err)
	require.Equal(t, "worker-b", l.Owner)
}

func TestHeartbeatRejectsStaleVersion(t *testing.T) {
	meta := memstore.NewMetadataStore()
	ctl := New(meta, time.Minute)

	l, err := ctl.Claim(context.Background(), "t1", "e1", "worker-a")
	require.NoError(t, err)

	fresh, err := ctl.Heartbeat(context.Background(), "t1", "e1", l)
	require.NoError(t, err)
	require.Greater(t, fresh.Version, l.Version)

	// The pre-heartbeat lease is now stale and cannot renew.
	_, err = ctl.Heartbeat(context.Background(), "t1", "e1", l)
	require.ErrorIs(t, err, ErrLeaseHeld)
}

func TestReleaseFreesTheLease(t *testing.T) {
	meta := memstore.NewMetadataStore()
	ctl := New(meta, time.Minute)

	l, err := ctl.Claim(context.Background(), "t1", "e1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, ctl.Release(context.Background(), "t1", "e1", l))

	// Releasing again with the now-stale version is harmless.
	require.NoError(t, ctl.Release(context.Background(), "t1", "e1", l))

	other, err := ctl.Claim(context.Background(), "t1", "e1", "worker-b")
	require.NoError(t, err)
	require.Equal(t, "worker-b", other.Owner)
}

func TestRecovererInvokesCallbackForExpiredLeases(t *testing.T) {
	meta := memstore.NewMetadataStore()
	expired := New(meta, -time.Second)
	_, err := expired.Claim(context.Background(), "t1", "e1", "dead-worker")
	require.NoError(t, err)

	live := New(meta, time.Minute)
	_, err = live.Claim(context.Background(), "t1", "e2", "live-worker")
	require.NoError(t, err)

	var recovered []string
	rec := &Recoverer{
		Metadata: meta,
		Tenant:   "t1",
		OnOrphan: func(_ context.Context, executionID string, attempt int) error {
			recovered = append(recovered, executionID)
			require.Equal(t, 1, attempt)
			return nil
		},
	}
	rec.ScanOnce(context.Background(), []string{"e1", "e2"})
	require.Equal(t, []string{"e1"}, recovered)
}
