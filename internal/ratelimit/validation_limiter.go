package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensehub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyValidationIP   = "licensehub:ratelimit:ip:%s"
	keyValidationKey  = "licensehub:ratelimit:key:%s"
	keyHeartbeatGuard = "licensehub:heartbeat:lock:%s"

	ScopeIP  = "ip"
	ScopeKey = "license_key"
)

// Buckets is satisfied by TokenBucket and LocalBuckets.
type Buckets interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

// Locks is satisfied by RedisLocks and LocalLocks.
type Locks interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// ValidationLimiter throttles the public validation endpoints per caller IP
// and per license key, and queues heartbeats for the same key one at a time.
type ValidationLimiter struct {
	buckets   Buckets
	locks     Locks
	ipRate    float64
	ipBurst   int
	keyRate   float64
	keyBurst  int
	guardTTL  time.Duration
	guardPoll time.Duration
	backendID string
}

type LimiterParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewValidationLimiter returns nil when rate limiting is disabled.
func NewValidationLimiter(p LimiterParams) (*ValidationLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.IPRate <= 0 || cfg.IPBurst <= 0 || cfg.KeyRate <= 0 || cfg.KeyBurst <= 0 {
		return nil, fmt.Errorf("rate limit rates and bursts must be positive")
	}
	log := p.Log.Named("ratelimit")

	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		log.Info("rate limiting with in-process buckets")
		return NewValidationLimiterWith(cfg, NewLocalBuckets(), NewLocalLocks(), "local"), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.RedisPassword),
		DB:       p.Config.RedisDB,
	})
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					log.Warn("redis ping failed; rate limit checks will fail open", zap.Error(err))
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
	}
	log.Info("rate limiting with redis token buckets", zap.String("addr", addr))
	return NewValidationLimiterWith(cfg, NewTokenBucket(client), NewRedisLocks(client), "redis"), nil
}

func NewValidationLimiterWith(cfg config.RateLimitConfig, buckets Buckets, locks Locks, backend string) *ValidationLimiter {
	guard := cfg.HeartbeatGuard
	if guard <= 0 {
		guard = 5 * time.Second
	}
	return &ValidationLimiter{
		buckets:   buckets,
		locks:     locks,
		ipRate:    cfg.IPRate,
		ipBurst:   cfg.IPBurst,
		keyRate:   cfg.KeyRate,
		keyBurst:  cfg.KeyBurst,
		guardTTL:  guard,
		guardPoll: defaultLockPoll,
		backendID: backend,
	}
}

func (l *ValidationLimiter) Enabled() bool {
	return l != nil && l.buckets != nil
}

func (l *ValidationLimiter) Backend() string {
	if l == nil {
		return ""
	}
	return l.backendID
}

func (l *ValidationLimiter) AllowIP(ctx context.Context, ip string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	return l.buckets.Allow(ctx, fmt.Sprintf(keyValidationIP, ip), l.ipRate, l.ipBurst)
}

func (l *ValidationLimiter) AllowKey(ctx context.Context, licenseKey string) (*RateLimitResult, error) {
	if !l.Enabled() || strings.TrimSpace(licenseKey) == "" {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.buckets.Allow(ctx, fmt.Sprintf(keyValidationKey, fingerprint(licenseKey)), l.keyRate, l.keyBurst)
}

// SerializeHeartbeat waits for the per-key heartbeat guard and returns its
// release func. Heartbeats are never rejected here: if the guard cannot be
// taken within its TTL the error is returned and the caller proceeds
// unguarded, since the presence upsert is itself atomic.
func (l *ValidationLimiter) SerializeHeartbeat(ctx context.Context, licenseKey string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !l.Enabled() || l.locks == nil || strings.TrimSpace(licenseKey) == "" {
		return noop, nil
	}
	key := fmt.Sprintf(keyHeartbeatGuard, fingerprint(licenseKey))
	owner, err := waitForLock(ctx, l.locks, key, l.guardTTL, l.guardTTL, l.guardPoll)
	if err != nil {
		return noop, err
	}
	return func(ctx context.Context) error {
		return l.locks.Release(ctx, key, owner)
	}, nil
}

// fingerprint keeps raw license keys out of redis.
func fingerprint(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return hex.EncodeToString(sum[:12])
}
