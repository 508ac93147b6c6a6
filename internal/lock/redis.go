package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another replica is never released by us.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

const redisRetryInterval = 100 * time.Millisecond

// scripter is the subset of redis.Cmdable used by Redis.
type scripter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis is a Locker shared by every dispatcher replica.
type Redis struct {
	client scripter
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedis returns a Redis locker. Locks expire after ttl even if never
// released.
func NewRedis(client redis.Cmdable, ttl time.Duration, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, prefix: "switchyard:lock:", ttl: ttl, log: log}
}

// Acquire polls SET NX until it succeeds, wait elapses, or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error) {
	full := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// Release must run even if the caller's ctx is already done.
					rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := r.client.Eval(rctx, releaseScript, []string{full}, token).Err(); err != nil {
						r.log.Warn("lock release failed", "key", key, "error", err)
					}
				})
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
		}
		select {
		case <-time.After(redisRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
