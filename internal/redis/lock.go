package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("date lock not acquired")
)

// Locker serializes queue allocation and call-next for a single calendar date.
// Different dates never contend with each other.
type Locker interface {
	WithDateLock(ctx context.Context, date string, fn func(ctx context.Context) error) error
}

type redisDateLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisDateLocker creates a locker backed by a per-date Redis key.
// A contended lock is polled for up to wait before giving up, so short
// bursts of same-date bookings queue behind each other instead of failing.
func NewRedisDateLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisDateLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
	}
}

const lockPollInterval = 25 * time.Millisecond

func (l *redisDateLocker) WithDateLock(ctx context.Context, date string, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:queue:date:%s", date)
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire date lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisDateLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release date lock: %w", err)
	}
	return nil
}
