package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseIfOwnerScript deletes the guard only when the caller still owns it,
// so a heartbeat that outlived its TTL cannot drop a newer holder's guard.
const releaseIfOwnerScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const defaultLockPoll = 20 * time.Millisecond

var (
	ErrLockKeyEmpty   = errors.New("lock_key_empty")
	ErrLockTTLInvalid = errors.New("lock_ttl_invalid")
	ErrLockWait       = errors.New("lock_wait_exceeded")
)

// RedisLocks holds per-key guards shared by every replica.
type RedisLocks struct {
	client  *redis.Client
	release *redis.Script
}

func NewRedisLocks(client *redis.Client) *RedisLocks {
	if client == nil {
		return nil
	}
	return &RedisLocks{
		client:  client,
		release: redis.NewScript(releaseIfOwnerScript),
	}
}

func (l *RedisLocks) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("redis locks not configured")
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTLInvalid
	}

	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return owner, ok, nil
}

func (l *RedisLocks) Release(ctx context.Context, key, owner string) error {
	if l == nil || l.client == nil || key == "" || owner == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, owner).Err()
}

// waitForLock polls until the guard is free. It gives up with ErrLockWait
// after maxWait; the guard TTL bounds how long a crashed holder can block.
func waitForLock(ctx context.Context, locks Locks, key string, ttl, maxWait, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = defaultLockPoll
	}
	deadline := time.Now().Add(maxWait)
	for {
		owner, ok, err := locks.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return owner, nil
		}
		if !time.Now().Before(deadline) {
			return "", ErrLockWait
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}
