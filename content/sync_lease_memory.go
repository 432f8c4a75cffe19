package content

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemorySyncLeaseManager keeps leases in process memory. Expired entries
// are dropped lazily on the next call that touches their scope.
type InMemorySyncLeaseManager struct {
	mu     sync.Mutex
	leases map[string]SyncLease
	now    func() time.Time
}

func NewInMemorySyncLeaseManager() *InMemorySyncLeaseManager {
	return &InMemorySyncLeaseManager{
		leases: make(map[string]SyncLease),
		now:    time.Now,
	}
}

// live returns the unexpired lease for scope. The caller holds m.mu.
func (m *InMemorySyncLeaseManager) live(scope string, now time.Time) (SyncLease, bool) {
	held, ok := m.leases[scope]
	if !ok {
		return SyncLease{}, false
	}
	if !now.Before(held.ExpiresAt) {
		delete(m.leases, scope)
		return SyncLease{}, false
	}
	return held, true
}

func (m *InMemorySyncLeaseManager) Acquire(ctx context.Context, scope, holder string, ttl time.Duration) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validLeaseRequest(scope, holder); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.live(scope, now); held {
		return nil, ErrSyncLeaseConflict
	}
	lease := SyncLease{Scope: scope, Holder: holder, Token: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.leases[scope] = lease
	return &lease, nil
}

func (m *InMemorySyncLeaseManager) Renew(ctx context.Context, lease *SyncLease, ttl time.Duration) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ownsLease(lease) {
		return nil, ErrSyncLeaseConflict
	}
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.live(lease.Scope, now)
	if !ok || held.Token != lease.Token {
		return nil, ErrSyncLeaseConflict
	}
	held.ExpiresAt = now.Add(ttl)
	m.leases[lease.Scope] = held
	return &held, nil
}

// Release drops the lease if lease still owns it. It ignores ctx so a
// cancelled cycle still frees its scope.
func (m *InMemorySyncLeaseManager) Release(_ context.Context, lease *SyncLease) error {
	if !ownsLease(lease) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[lease.Scope]; ok && held.Token == lease.Token {
		delete(m.leases, lease.Scope)
	}
	return nil
}

func (m *InMemorySyncLeaseManager) Current(ctx context.Context, scope string) (*SyncLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.live(scope, m.now().UTC())
	if !ok {
		return nil, nil
	}
	held.Token = ""
	return &held, nil
}
