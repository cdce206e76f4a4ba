package lease

import (
	"context"
	"sync"
	"time"
)

// LocalLocker serializes holders inside one process. It is what a single
// replica or a test uses when redis is not available.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return &localLease{owner: l, key: key, ch: ch}, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type localLease struct {
	owner *LocalLocker
	key   string
	ch    chan struct{}
	once  sync.Once
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	err := ErrReleased
	l.once.Do(func() {
		l.owner.mu.Lock()
		if l.owner.held[l.key] == l.ch {
			delete(l.owner.held, l.key)
		}
		l.owner.mu.Unlock()
		close(l.ch)
		err = nil
	})
	return err
}
