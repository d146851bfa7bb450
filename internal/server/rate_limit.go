package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensehub/internal/observability/logger"
	"github.com/smallbiznis/licensehub/internal/ratelimit"
	"github.com/smallbiznis/licensehub/internal/validation"
	"go.uber.org/zap"
)

const (
	rateLimitReasonIPRate  = "ip-rate"
	rateLimitReasonKeyRate = "license-key-rate"

	maxRateLimitBody = 64 << 10
)

type rateLimitKey struct {
	LicenseKey string `json:"license_key"`
}

// ValidationRateLimit throttles the public endpoints per client IP and per
// license key. Heartbeats for one key are applied one at a time.
// Limiter failures let the request through.
func (s *Server) ValidationRateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		res, err := s.limiter.AllowIP(ctx, c.ClientIP())
		if err != nil {
			log.Warn("validation ip rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
		} else if !res.Allowed {
			s.denyRateLimit(c, endpoint, ratelimit.ScopeIP, rateLimitReasonIPRate, res.RetryAfter)
			return
		}

		key, err := readRateLimitKey(c)
		if err != nil {
			log.Warn("validation rate limit read body failed", zap.Error(err))
			c.Next()
			return
		}

		if key != "" {
			res, err = s.limiter.AllowKey(ctx, key)
			if err != nil {
				log.Warn("validation key rate limit check failed", zap.String("endpoint", endpoint), zap.Error(err))
			} else if !res.Allowed {
				s.denyRateLimit(c, endpoint, ratelimit.ScopeKey, rateLimitReasonKeyRate, res.RetryAfter)
				return
			}
		}

		if endpoint == validation.EndpointHeartbeat && key != "" {
			release, err := s.limiter.SerializeHeartbeat(ctx, key)
			if err != nil {
				log.Warn("heartbeat guard not acquired; applying unguarded", zap.Error(err))
			}
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("heartbeat guard unlock failed", zap.Error(err))
				}
			}()
		}

		s.metrics.RecordRateLimitAllowed(ctx, ratelimit.ScopeIP, endpoint)
		c.Next()
	}
}

func (s *Server) denyRateLimit(c *gin.Context, endpoint, scope, reason string, retryAfter time.Duration) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("validation rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
		zap.String("backend", s.limiter.Backend()),
	)
	s.metrics.RecordRateLimitDenied(ctx, scope, endpoint, reason)

	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	c.Set("validation_outcome", rateLimitedReason)

	// Game servers parse the same body shapes as a normal rejection.
	_ = c.Error(ErrRateLimited)
	if endpoint == validation.EndpointHeartbeat {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, heartbeatError{Error: msgRateLimited, Reason: rateLimitedReason})
		return
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, rejectedResponse{Error: msgRateLimited, Reason: rateLimitedReason})
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// readRateLimitKey peeks at the license key and restores the body for the
// handler.
func readRateLimitKey(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRateLimitBody))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload rateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.LicenseKey), nil
}
