package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const localIdleTTL = 10 * time.Minute

// LocalBuckets is the in-process fallback used when no redis is configured.
// Limits are per replica.
type LocalBuckets struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	now      func() time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalBuckets() *LocalBuckets {
	return &LocalBuckets{limiters: make(map[string]*localEntry), now: time.Now}
}

func (b *LocalBuckets) Allow(_ context.Context, key string, r float64, burst int) (*RateLimitResult, error) {
	if key == "" {
		return &RateLimitResult{Allowed: false}, errors.New("rate limiter key is empty")
	}
	if r <= 0 || burst <= 0 {
		return &RateLimitResult{Allowed: false}, errors.New("rate limiter rate and burst must be positive")
	}

	now := b.now()
	b.mu.Lock()
	entry, ok := b.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(rate.Limit(r), burst)}
		b.limiters[key] = entry
		if len(b.limiters)%1024 == 0 {
			b.evictLocked(now)
		}
	}
	entry.lastSeen = now
	b.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &RateLimitResult{Allowed: false, Limit: burst}, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return &RateLimitResult{
			Allowed:    false,
			Limit:      burst,
			ResetTime:  now.Add(delay),
			RetryAfter: delay,
		}, nil
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     burst,
		Remaining: int(entry.limiter.TokensAt(now)),
		ResetTime: now,
	}, nil
}

func (b *LocalBuckets) evictLocked(now time.Time) {
	for key, entry := range b.limiters {
		if now.Sub(entry.lastSeen) > localIdleTTL {
			delete(b.limiters, key)
		}
	}
}

// LocalLocks mirrors RedisLocks for a single process.
type LocalLocks struct {
	mu    sync.Mutex
	held  map[string]localLock
	now   func() time.Time
	count uint64
}

type localLock struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]localLock), now: time.Now}
}

func (l *LocalLocks) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[key]; ok && now.Before(current.expiresAt) {
		return "", false, nil
	}
	l.count++
	token := key + "#" + time.Duration(l.count).String()
	l.held[key] = localLock{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocks) Release(_ context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[key]; ok && current.token == token {
		delete(l.held, key)
	}
	return nil
}
