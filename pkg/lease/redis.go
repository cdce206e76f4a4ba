package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker grants leases with SET NX PX and keeps them alive with a
// token-checked PEXPIRE until released.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	delay := 10 * time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return l.hold(key, token, ttl), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrBusy
		}
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = nextDelay(delay)
	}
}

func (l *RedisLocker) hold(key, token string, ttl time.Duration) *redisLease {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &redisLease{
		rdb:    l.rdb,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go rl.keepAlive(ctx, ttl)
	return rl
}

type redisLease struct {
	rdb    *redis.Client
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) keepAlive(ctx context.Context, ttl time.Duration) {
	defer close(r.done)

	interval := ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, r.rdb, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
			if err != nil && !errors.Is(err, context.Canceled) {
				zap.L().Warn("lease refresh failed", zap.String("key", r.key), zap.Error(err))
				continue
			}
			if n == 0 {
				zap.L().Warn("lease lost before release", zap.String("key", r.key))
				return
			}
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	err := ErrReleased
	r.once.Do(func() {
		r.cancel()
		<-r.done

		n, runErr := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.token).Int64()
		switch {
		case runErr != nil:
			err = runErr
		case n == 0:
			err = ErrReleased
		default:
			err = nil
		}
	})
	return err
}
