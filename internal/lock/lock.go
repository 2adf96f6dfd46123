// Package lock provides short-lived mutual exclusion keyed by string.
package lock

import (
	"context"
	"time"
)

// Locker acquires leases. Acquire returns ok=false when another holder owns
// the key; a non-nil error means the lock service itself failed.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held lock. Release only removes the caller's own lease, so a
// lease that already expired and was taken over is left alone.
type Lease interface {
	Release(ctx context.Context) error
}

// Noop always grants the lock. It stands in when no lock service is
// configured.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	return noopLease{}, true, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }
