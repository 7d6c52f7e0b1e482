// Package sharedstore wraps the Redis-backed coordination primitives used
// by the queue engine, rate limiter, auto-end controller and scheduler
// (spec §5: "queue:{channel_id}", "queue_state:{channel_id}",
// "auto_end:{channel_id}", "rate:{bucket}:{identity}:{window}",
// "scheduler:{...}"). Every call is bounded by a 5s timeout and retried up
// to 3 times with 100ms/500ms/2s backoff before surfacing
// coreerr.KindStorageUnavailable, per spec §5 Timeouts.
package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
)

// Config holds Redis connection coordinates (SHARED_STORE_URL, spec §6.5).
type Config struct {
	Addr     string
	Password string
	DB       int
}

var retryBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

const callTimeout = 5 * time.Second

// Store is the sole entry point for all cross-process coordination state.
// No separate distributed lock service is introduced (spec §9): every
// operation here is a single atomic Redis command or script.
type Store struct {
	client redis.UniversalClient
}

// New dials Redis using the given coordinates.
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "", fmt.Errorf("shared store connect: %w", err))
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an already-constructed client (used with miniredis in tests).
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if c, ok := s.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

// withRetry executes op with a bounded per-attempt timeout, retrying
// transient failures with the configured backoff before giving up.
func (s *Store) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return coreerr.Wrap(coreerr.KindStorageUnavailable, "", err)
		}
		lastErr = err
		if attempt < len(retryBackoff) {
			log.WithComponent("sharedstore").Warn().
				Err(err).Int("attempt", attempt+1).
				Dur("backoff", retryBackoff[attempt]).
				Msg("shared store call failed, retrying")
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-ctx.Done():
				return coreerr.Wrap(coreerr.KindStorageUnavailable, "", ctx.Err())
			}
		}
	}
	return coreerr.Wrap(coreerr.KindStorageUnavailable, "", lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	return true
}

// Client exposes the underlying redis client for components that need
// scripting or pipelining beyond the primitives below (queue engine Lua
// scripts live in the queue package but execute through this client).
func (s *Store) Client() redis.UniversalClient { return s.client }

// --- generic key/value with TTL (auto-end timers, placeholder flags) ---

// SetWithTTL stores value under key with the given TTL, used for
// AutoEndTimer persistence (spec §4.6: "Writing a timer MUST set a matching
// TTL in the shared store").
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Get returns the value and whether it exists; an expired TTL is reported as absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return val, val != "" || s.exists(ctx, key), nil
}

func (s *Store) exists(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

// TTL returns the remaining time-to-live for key, or 0 if absent/no TTL.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.withRetry(ctx, func(ctx context.Context) error {
		d, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if d < 0 {
			d = 0
		}
		ttl = d
		return nil
	})
	return ttl, err
}

// Delete removes key unconditionally (idempotent).
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
}

// SetNX sets key only if absent, with a TTL; used for scheduler dedup
// (spec §4.9: "deduplication key = (trigger_id, fire_time)").
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		v, err := s.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		ok = v
		return nil
	})
	return ok, err
}

// IncrWindow atomically increments the fixed-window counter at key and, on
// first increment (count==1), applies the window TTL — the C1 rate-limiter
// primitive from spec §4.1.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		n, err := s.client.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 1 {
			if err := s.client.Expire(ctx, key, window).Err(); err != nil {
				return err
			}
		}
		count = n
		return nil
	})
	return count, err
}
