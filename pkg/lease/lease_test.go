package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb), mr
}

func lockers(t *testing.T) map[string]Locker {
	rl, _ := newRedisLocker(t)
	return map[string]Locker{
		"redis": rl,
		"local": NewLocalLocker(),
	}
}

func TestLocker_BusyAfterWait(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := locker.Acquire(ctx, "plan:1", time.Minute, 50*time.Millisecond)
			require.NoError(t, err)

			_, err = locker.Acquire(ctx, "plan:1", time.Minute, 50*time.Millisecond)
			require.ErrorIs(t, err, ErrBusy)

			other, err := locker.Acquire(ctx, "plan:2", time.Minute, 50*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, other.Release(ctx))

			require.NoError(t, first.Release(ctx))
			require.ErrorIs(t, first.Release(ctx), ErrReleased)
		})
	}
}

func TestLocker_WaitsForRelease(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			held, err := locker.Acquire(ctx, "plan:1", time.Minute, time.Second)
			require.NoError(t, err)

			go func() {
				time.Sleep(30 * time.Millisecond)
				_ = held.Release(ctx)
			}()

			next, err := locker.Acquire(ctx, "plan:1", time.Minute, 2*time.Second)
			require.NoError(t, err)
			require.NoError(t, next.Release(ctx))
		})
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside int32
			var wg sync.WaitGroup

			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l, err := locker.Acquire(ctx, "plan:shared", time.Minute, 5*time.Second)
					if err != nil {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					_ = l.Release(ctx)
				}()
			}
			wg.Wait()

			require.Equal(t, int32(1), maxInside)
		})
	}
}

func TestLocker_ContextCancelled(t *testing.T) {
	for name, locker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held, err := locker.Acquire(context.Background(), "plan:1", time.Minute, time.Second)
			require.NoError(t, err)
			defer held.Release(context.Background())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err = locker.Acquire(ctx, "plan:1", time.Minute, time.Second)
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestRedisLocker_ExpiredLeaseCanBeTaken(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	// another process that died while holding the lease
	mr.Set("plan:1", "stale-token")
	mr.SetTTL("plan:1", 100*time.Millisecond)
	mr.FastForward(time.Second)

	l, err := locker.Acquire(ctx, "plan:1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	require.False(t, mr.Exists("plan:1"))
}
