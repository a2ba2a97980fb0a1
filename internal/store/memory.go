package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same semantics as
// RedisStore. Used in tests and as a single-process fallback.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]*ProcessingLease // userID|platform -> lease
	locks  map[string]*UsernameLock    // platform -> lock
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]*ProcessingLease),
		locks:  make(map[string]*UsernameLock),
	}
}

func leaseMapKey(userID, platform string) string {
	return userID + "|" + platform
}

func cloneLease(l *ProcessingLease) *ProcessingLease {
	c := *l
	return &c
}

// dropLockLocked removes the platform's username lock when it still
// carries the reclaimed lease's username. Callers hold m.mu.
func (m *MemoryStore) dropLockLocked(platform, username string) {
	if cur, ok := m.locks[platform]; ok && cur.Username == username {
		delete(m.locks, platform)
	}
}

// CreateLease implements Store.CreateLease.
func (m *MemoryStore) CreateLease(ctx context.Context, lease *ProcessingLease) (*ProcessingLease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseMapKey(lease.UserID, lease.Platform)
	if cur, ok := m.leases[key]; ok {
		if cur.Status == StatusActive && cur.EndMS > lease.StartMS {
			return cloneLease(cur), false, nil
		}
		// Reclaiming a dead lease drops its leftover username lock too.
		delete(m.leases, key)
		m.dropLockLocked(cur.Platform, cur.Username)
	}

	m.leases[key] = cloneLease(lease)
	return cloneLease(lease), true, nil
}

// GetLease implements Store.GetLease.
func (m *MemoryStore) GetLease(ctx context.Context, userID, platform string) (*ProcessingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[leaseMapKey(userID, platform)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLease(cur), nil
}

// ReleaseLease implements Store.ReleaseLease.
func (m *MemoryStore) ReleaseLease(ctx context.Context, userID, platform string) (*ProcessingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseMapKey(userID, platform)
	cur, ok := m.leases[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.leases, key)

	released := cloneLease(cur)
	released.Status = StatusReleased
	return released, nil
}

// DeleteLeaseIfExpired implements Store.DeleteLeaseIfExpired.
func (m *MemoryStore) DeleteLeaseIfExpired(ctx context.Context, userID, platform string, now time.Time) (*ProcessingLease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseMapKey(userID, platform)
	cur, ok := m.leases[key]
	if !ok {
		return nil, false, nil
	}
	if cur.Status == StatusActive && cur.EndMS > now.UnixMilli() {
		return nil, false, nil
	}
	delete(m.leases, key)

	expired := cloneLease(cur)
	expired.Status = StatusExpired
	return expired, true, nil
}

// ReplaceLease implements Store.ReplaceLease.
func (m *MemoryStore) ReplaceLease(ctx context.Context, renewed *ProcessingLease, now time.Time) (*ProcessingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := leaseMapKey(renewed.UserID, renewed.Platform)
	cur, ok := m.leases[key]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != StatusActive || cur.EndMS <= now.UnixMilli() {
		delete(m.leases, key)
		m.dropLockLocked(cur.Platform, cur.Username)
		return nil, ErrNotFound
	}
	if cur.Username != renewed.Username {
		return nil, ErrUsernameConflict
	}

	m.leases[key] = cloneLease(renewed)
	return cloneLease(renewed), nil
}

// ListActiveForUser implements Store.ListActiveForUser.
func (m *MemoryStore) ListActiveForUser(ctx context.Context, userID string) ([]*ProcessingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var leases []*ProcessingLease
	for _, l := range m.leases {
		if l.UserID == userID {
			leases = append(leases, cloneLease(l))
		}
	}
	sortLeases(leases)
	return leases, nil
}

// ListLeases implements Store.ListLeases.
func (m *MemoryStore) ListLeases(ctx context.Context) ([]*ProcessingLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leases := make([]*ProcessingLease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, cloneLease(l))
	}
	sortLeases(leases)
	return leases, nil
}

func sortLeases(leases []*ProcessingLease) {
	sort.Slice(leases, func(i, j int) bool {
		if leases[i].UserID != leases[j].UserID {
			return leases[i].UserID < leases[j].UserID
		}
		return leases[i].Platform < leases[j].Platform
	})
}

// LockUsername implements Store.LockUsername.
func (m *MemoryStore) LockUsername(ctx context.Context, platform, username string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[platform]; ok {
		if cur.Username == username {
			return nil
		}
		return ErrUsernameConflict
	}

	m.locks[platform] = &UsernameLock{
		Platform:   platform,
		Username:   username,
		LockedAtMS: now.UnixMilli(),
		LockType:   LockTypeProcessing,
		Immutable:  true,
	}
	return nil
}

// GetUsernameLock implements Store.GetUsernameLock.
func (m *MemoryStore) GetUsernameLock(ctx context.Context, platform string) (*UsernameLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[platform]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cur
	return &c, nil
}

// UnlockUsername implements Store.UnlockUsername.
func (m *MemoryStore) UnlockUsername(ctx context.Context, platform, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[platform]
	if !ok || cur.Username != username {
		return false, nil
	}
	delete(m.locks, platform)
	return true, nil
}

// Close implements Store.Close.
func (m *MemoryStore) Close() error {
	return nil
}
