package jobs

import (
	"context"
	"sync"
	"time"
)

// Locker grants time-limited leases on string keys. A lease is held by one
// owner until it is released or its TTL elapses without renewal.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a process-local lock table.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}
