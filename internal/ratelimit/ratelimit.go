// Package ratelimit implements the C1 fixed-window rate limiter: every
// bucket is a shared-store counter incremented with IncrWindow and expired
// at the end of its window, so all control-plane replicas agree on the
// count without a separate lock service.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/config"
	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/metrics"
	"github.com/sattva2020/tg-video-stream-sub003/internal/sharedstore"
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces the closed set of rate-limit buckets from spec §4.1.
type Limiter struct {
	store   *sharedstore.Store
	buckets map[string]config.RateBucketConfig
}

// New builds a Limiter over the given buckets (typically config.Config.RateLimitDefaults).
func New(store *sharedstore.Store, buckets map[string]config.RateBucketConfig) *Limiter {
	return &Limiter{store: store, buckets: buckets}
}

// Check increments the counter for (bucket, subject) and reports whether the
// request is within the bucket's limit. On shared-store unavailability the
// limiter fails open — it allows the request, increments
// RateLimiterFallbackTotal, and logs a warning, since a broadcast outage is
// worse than an unenforced quota for the handful of seconds a Redis blip lasts.
func (l *Limiter) Check(ctx context.Context, bucket, subject string) (Decision, error) {
	cfg, ok := l.buckets[bucket]
	if !ok {
		return Decision{}, coreerr.New(coreerr.KindValidation, "unknown_rate_bucket", fmt.Sprintf("unknown rate limit bucket %q", bucket))
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	var windowIndex int64
	if cfg.WindowSeconds > 0 {
		windowIndex = time.Now().Unix() / int64(cfg.WindowSeconds)
	}
	key := fmt.Sprintf("rate:%s:%s:%d", bucket, subject, windowIndex)

	count, err := l.store.IncrWindow(ctx, key, window)
	if err != nil {
		metrics.RateLimiterFallbackTotal.Inc()
		log.WithComponent("ratelimit").Warn().Err(err).Str("bucket", bucket).Msg("shared store unavailable, failing open")
		return Decision{Allowed: true, Remaining: cfg.Limit}, nil
	}

	remaining := cfg.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := time.Now().Add(window)
	if cfg.WindowSeconds > 0 {
		resetAt = time.Unix((windowIndex+1)*int64(cfg.WindowSeconds), 0)
	}

	allowed := int(count) <= cfg.Limit
	if !allowed {
		metrics.RateLimiterRejectionsTotal.WithLabelValues(bucket).Inc()
	}

	return Decision{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}
