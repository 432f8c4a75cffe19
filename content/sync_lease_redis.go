package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisSyncLeasePrefix = "contentsync:sync-lease:"

// RedisSyncLeaseManager coordinates sync cycles across processes.
//
// Each scope is one hash under Prefix+scope holding the owner token and the
// holder's sync id, with the lease TTL as the key's expiry. Every state
// change goes through syncLeaseScript so the token check and the write are
// one atomic step.
type RedisSyncLeaseManager struct {
	Client redis.UniversalClient
	Prefix string
}

// NewRedisSyncLeaseManager creates a Redis-backed lease manager. An empty
// prefix selects the default key namespace.
func NewRedisSyncLeaseManager(client redis.UniversalClient, prefix string) (*RedisSyncLeaseManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisSyncLeasePrefix
	}
	return &RedisSyncLeaseManager{Client: client, Prefix: prefix}, nil
}

type leaseOp string

const (
	leaseAcquire leaseOp = "acquire"
	leaseRenew   leaseOp = "renew"
	leaseRelease leaseOp = "release"
)

func (m *RedisSyncLeaseManager) Acquire(ctx context.Context, scope, holder string, ttl time.Duration) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validLeaseRequest(scope, holder); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}

	lease := &SyncLease{Scope: scope, Holder: holder, Token: uuid.NewString()}
	now := time.Now().UTC()
	if err := m.run(ctx, leaseAcquire, lease, ttl); err != nil {
		return nil, err
	}
	lease.ExpiresAt = now.Add(ttl)
	return lease, nil
}

func (m *RedisSyncLeaseManager) Renew(ctx context.Context, lease *SyncLease, ttl time.Duration) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ownsLease(lease) {
		return nil, ErrSyncLeaseConflict
	}
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}

	now := time.Now().UTC()
	if err := m.run(ctx, leaseRenew, lease, ttl); err != nil {
		return nil, err
	}
	renewed := *lease
	renewed.ExpiresAt = now.Add(ttl)
	return &renewed, nil
}

// Release runs on a fresh context so a cancelled cycle still frees the key
// instead of blocking other processes until the TTL runs out. A lease that
// already expired or changed owner is not an error.
func (m *RedisSyncLeaseManager) Release(_ context.Context, lease *SyncLease) error {
	if !ownsLease(lease) {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.run(releaseCtx, leaseRelease, lease, 0)
	if errors.Is(err, ErrSyncLeaseConflict) {
		return nil
	}
	return err
}

// Current reads the holder and remaining TTL of scope in one transaction.
func (m *RedisSyncLeaseManager) Current(ctx context.Context, scope string) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := m.key(scope)
	pipe := m.Client.TxPipeline()
	holder := pipe.HGet(ctx, key, "holder")
	remaining := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("inspect sync lease %s: %w", scope, err)
	}
	if errors.Is(holder.Err(), redis.Nil) {
		return nil, nil
	}
	if err := holder.Err(); err != nil {
		return nil, fmt.Errorf("inspect sync lease %s: %w", scope, err)
	}

	held := &SyncLease{Scope: scope, Holder: holder.Val()}
	if ttl := remaining.Val(); ttl > 0 {
		held.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	return held, nil
}

func (m *RedisSyncLeaseManager) run(ctx context.Context, op leaseOp, lease *SyncLease, ttl time.Duration) error {
	res, err := syncLeaseScript.Run(ctx, m.Client, []string{m.key(lease.Scope)},
		string(op), lease.Token, ttl.Milliseconds(), lease.Holder).Int()
	if err != nil {
		return fmt.Errorf("%s sync lease %s: %w", op, lease.Scope, err)
	}
	if res != 1 {
		return ErrSyncLeaseConflict
	}
	return nil
}

func (m *RedisSyncLeaseManager) key(scope string) string {
	return m.Prefix + scope
}

// syncLeaseScript: KEYS[1] lease hash; ARGV op, token, ttl ms, holder.
// Returns 1 when the op took effect and 0 when the scope is held by
// someone else (acquire) or no longer owned by token (renew, release).
var syncLeaseScript = redis.NewScript(`
local op = ARGV[1]
if op == 'acquire' then
  if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
  end
  redis.call('HSET', KEYS[1], 'token', ARGV[2], 'holder', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return 1
end
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
if op == 'renew' then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
elseif op == 'release' then
  redis.call('DEL', KEYS[1])
else
  return redis.error_reply('unknown sync lease op ' .. op)
end
return 1
`)
