package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/observability"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock that was taken over by another holder is never released.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the subset of redis operations the lock needs.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, value string) error
}

type redisAdapter struct{ c *redis.Client }

// NewRedisClient wraps a go-redis client for use with Redis.
func NewRedisClient(c *redis.Client) RedisClient { return &redisAdapter{c: c} }

func (r *redisAdapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, value, ttl).Result()
}

func (r *redisAdapter) Release(ctx context.Context, key, value string) error {
	err := releaseScript.Run(ctx, r.c, []string{key}, value).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Redis is a lease lock shared across server instances. The TTL bounds how
// long a crashed holder can block a key.
type Redis struct {
	Client RedisClient
	TTL    time.Duration
	Wait   time.Duration
	Prefix string
	Logger *zap.Logger

	// Retry is the initial poll interval, doubled up to 100ms.
	Retry time.Duration
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	if r.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Wait)
		defer cancel()
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := r.Prefix + key
	delay := r.Retry
	if delay <= 0 {
		delay = 5 * time.Millisecond
	}
	const maxDelay = 100 * time.Millisecond

	for {
		ok, err := r.Client.SetNX(ctx, full, token, r.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitErr(ctx)
			}
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		}
		if ok {
			observability.LockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())
			return r.releaser(full, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, waitErr(ctx)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (r *Redis) releaser(key, token string) func() {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		// release even when the caller's context is already gone
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Client.Release(ctx, key, token); err != nil {
			logging.OrNop(r.Logger).Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ Locker = (*Redis)(nil)
