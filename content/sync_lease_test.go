package content

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysConflictSyncLeaseManager struct{}

func (alwaysConflictSyncLeaseManager) Acquire(ctx context.Context, scope, holder string, ttl time.Duration) (*SyncLease, error) {
	return nil, ErrSyncLeaseConflict
}

func (alwaysConflictSyncLeaseManager) Renew(ctx context.Context, lease *SyncLease, ttl time.Duration) (*SyncLease, error) {
	return nil, ErrSyncLeaseConflict
}

func (alwaysConflictSyncLeaseManager) Release(ctx context.Context, lease *SyncLease) error {
	return nil
}

// renewConflictLeaseManager grants leases but refuses every renewal.
type renewConflictLeaseManager struct {
	*InMemorySyncLeaseManager
	renewals atomic.Int32
}

func (m *renewConflictLeaseManager) Renew(ctx context.Context, lease *SyncLease, ttl time.Duration) (*SyncLease, error) {
	m.renewals.Add(1)
	return nil, ErrSyncLeaseConflict
}

func TestSyncLeaseRedis(t *testing.T) {
	type testCase struct {
		name string
		run  func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager)
	}

	tests := []testCase{
		{
			name: "acquire_conflict_and_renew",
			run: func(t *testing.T, ctx context.Context, _ *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", 500*time.Millisecond)
				require.NoError(t, err)
				require.NotEmpty(t, lease.Token)

				_, err = mgr.Acquire(ctx, "dataset", "sync-1", 500*time.Millisecond)
				require.ErrorIs(t, err, ErrSyncLeaseConflict)

				renewed, err := mgr.Renew(ctx, lease, 1200*time.Millisecond)
				require.NoError(t, err)
				assert.Equal(t, lease.Token, renewed.Token)
				assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

				require.NoError(t, mgr.Release(ctx, renewed))
				_, err = mgr.Acquire(ctx, "dataset", "sync-1", 500*time.Millisecond)
				require.NoError(t, err)
			},
		},
		{
			name: "renew_after_expiry_conflicts",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", 500*time.Millisecond)
				require.NoError(t, err)

				mr.FastForward(2 * time.Second)

				_, err = mgr.Renew(ctx, lease, time.Second)
				require.ErrorIs(t, err, ErrSyncLeaseConflict)
				_, err = mgr.Acquire(ctx, "dataset", "sync-1", 500*time.Millisecond)
				require.NoError(t, err)
			},
		},
		{
			name: "release_requires_matching_token",
			run: func(t *testing.T, ctx context.Context, _ *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", time.Second)
				require.NoError(t, err)

				wrong := &SyncLease{Scope: lease.Scope, Token: "not-the-token"}
				require.NoError(t, mgr.Release(ctx, wrong))

				_, err = mgr.Acquire(ctx, "dataset", "sync-1", time.Second)
				require.ErrorIs(t, err, ErrSyncLeaseConflict)

				require.NoError(t, mgr.Release(ctx, lease))
				_, err = mgr.Acquire(ctx, "dataset", "sync-1", time.Second)
				require.NoError(t, err)
			},
		},
		{
			name: "scopes_are_independent",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				_, err := mgr.Acquire(ctx, "dataset-a", "sync-1", time.Second)
				require.NoError(t, err)
				_, err = mgr.Acquire(ctx, "dataset-b", "sync-1", time.Second)
				require.NoError(t, err)
				require.True(t, mr.Exists("test:sync:dataset-a"))
				require.True(t, mr.Exists("test:sync:dataset-b"))
			},
		},
		{
			name: "current_reports_holder",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				free, err := mgr.Current(ctx, "dataset")
				require.NoError(t, err)
				assert.Nil(t, free)

				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", time.Minute)
				require.NoError(t, err)
				assert.Equal(t, "sync-1", mr.HGet("test:sync:dataset", "holder"))

				held, err := mgr.Current(ctx, "dataset")
				require.NoError(t, err)
				require.NotNil(t, held)
				assert.Equal(t, "sync-1", held.Holder)
				assert.Empty(t, held.Token)
				assert.WithinDuration(t, lease.ExpiresAt, held.ExpiresAt, 5*time.Second)

				require.NoError(t, mgr.Release(ctx, lease))
				free, err = mgr.Current(ctx, "dataset")
				require.NoError(t, err)
				assert.Nil(t, free)
			},
		},
		{
			name: "rejects_missing_holder",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				_, err := mgr.Acquire(ctx, "dataset", " ", time.Second)
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrSyncLeaseConflict)
				assert.False(t, mr.Exists("test:sync:dataset"))
			},
		},
		{
			name: "renew_keeps_holder",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", time.Second)
				require.NoError(t, err)

				mr.FastForward(800 * time.Millisecond)
				renewed, err := mgr.Renew(ctx, lease, time.Second)
				require.NoError(t, err)
				assert.Equal(t, "sync-1", renewed.Holder)

				mr.FastForward(800 * time.Millisecond)
				held, err := mgr.Current(ctx, "dataset")
				require.NoError(t, err)
				require.NotNil(t, held)
				assert.Equal(t, "sync-1", held.Holder)
			},
		},
		{
			name: "release_with_cancelled_context",
			run: func(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, mgr *RedisSyncLeaseManager) {
				lease, err := mgr.Acquire(ctx, "dataset", "sync-1", time.Minute)
				require.NoError(t, err)

				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				require.NoError(t, mgr.Release(cancelled, lease))
				require.False(t, mr.Exists("test:sync:dataset"))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			mr := miniredis.RunT(t)

			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			mgr, err := NewRedisSyncLeaseManager(client, "test:sync:")
			require.NoError(t, err)
			tc.run(t, ctx, mr, mgr)
		})
	}
}

func TestSyncLeaseInMemory(t *testing.T) {
	ctx := context.Background()
	mgr := NewInMemorySyncLeaseManager()

	lease, err := mgr.Acquire(ctx, "dataset", "sync-1", 100*time.Millisecond)
	require.NoError(t, err)

	_, err = mgr.Acquire(ctx, "dataset", "sync-1", 100*time.Millisecond)
	require.ErrorIs(t, err, ErrSyncLeaseConflict)

	renewed, err := mgr.Renew(ctx, lease, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

	held, err := mgr.Current(ctx, "dataset")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "sync-1", held.Holder)
	assert.Empty(t, held.Token)

	require.NoError(t, mgr.Release(ctx, lease))

	held, err = mgr.Current(ctx, "dataset")
	require.NoError(t, err)
	assert.Nil(t, held)

	_, err = mgr.Acquire(ctx, "dataset", "sync-2", 100*time.Millisecond)
	require.NoError(t, err)
}

func TestSyncLeaseInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	mgr := NewInMemorySyncLeaseManager()
	mgr.now = func() time.Time { return now }

	lease, err := mgr.Acquire(ctx, "dataset", "sync-1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	held, err := mgr.Current(ctx, "dataset")
	require.NoError(t, err)
	assert.Nil(t, held)

	_, err = mgr.Renew(ctx, lease, time.Minute)
	require.ErrorIs(t, err, ErrSyncLeaseConflict)

	_, err = mgr.Acquire(ctx, "dataset", "sync-1", time.Minute)
	require.NoError(t, err)
}

func TestKeepLeaseAliveReportsLoss(t *testing.T) {
	mgr := &renewConflictLeaseManager{InMemorySyncLeaseManager: NewInMemorySyncLeaseManager()}
	lease, err := mgr.Acquire(context.Background(), "dataset", "sync-1", 20*time.Millisecond)
	require.NoError(t, err)

	lost := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go keepLeaseAlive(ctx, mgr, lease, 20*time.Millisecond, discardLogger(), func() { close(lost) })

	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("lease loss was not reported")
	}
	assert.GreaterOrEqual(t, mgr.renewals.Load(), int32(1))
}
