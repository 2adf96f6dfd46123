package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is an in-process Locker. Expired leases are reclaimed lazily
// on the next Acquire for the same key.
type MemoryLocker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, leases: make(map[string]memoryEntry)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.leases[key]; ok && now.Before(e.expiresAt) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.leases[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, true, nil
}

// Held reports whether key currently has an unexpired lease.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.leases[key]
	return ok && l.now().Before(e.expiresAt)
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.leases[l.key]; ok && e.token == l.token {
		delete(l.locker.leases, l.key)
	}
	return nil
}
