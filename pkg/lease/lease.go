// Package lease provides exclusive, expiring leases keyed by string. A lease
// request waits a bounded time and then fails with ErrBusy.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBusy     = errors.New("lease: held by another owner")
	ErrReleased = errors.New("lease: not held")
)

type Locker interface {
	// Acquire blocks until the lease for key is granted, wait elapses, or ctx
	// is done. A granted lease stays valid while the holder is alive and
	// expires after ttl if the holder disappears.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}
