package httputil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// RateLimitConfig bounds requests per client within a window
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
	// BurstSize allows short bursts above the steady rate. Only the local
	// limiter honours it.
	BurstSize int
}

// Limiter decides whether a request keyed by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Config() RateLimitConfig
}

// LocalLimiter keeps an in-process token bucket per key
type LocalLimiter struct {
	config   RateLimitConfig
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates an in-memory limiter refilling RequestsPerWindow
// tokens per window, holding at most RequestsPerWindow+BurstSize.
func NewLocalLimiter(config RateLimitConfig) *LocalLimiter {
	limit := rate.Inf
	if config.RequestsPerWindow > 0 {
		limit = rate.Every(config.WindowDuration / time.Duration(config.RequestsPerWindow))
	}
	return &LocalLimiter{
		config:   config,
		limit:    limit,
		burst:    config.RequestsPerWindow + config.BurstSize,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *LocalLimiter) Config() RateLimitConfig { return l.config }

// Allow takes a token from key's bucket
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1), nil
}

// Cleanup drops visitors idle for two windows
func (l *LocalLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > 2*l.config.WindowDuration {
			delete(l.visitors, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (l *LocalLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisLimiter is a fixed-window counter shared by every replica
type RedisLimiter struct {
	client *redis.Client
	config RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter; keys are stored under prefix
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "idhub:ratelimit"
	}
	return &RedisLimiter{client: client, config: config, prefix: prefix}
}

func (l *RedisLimiter) Config() RateLimitConfig { return l.config }

// Allow counts the request in the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis rate limit: %w", err)
	}
	// The first hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.config.WindowDuration).Err(); err != nil {
			return true, fmt.Errorf("redis rate limit: %w", err)
		}
	}
	return count <= int64(l.config.RequestsPerWindow), nil
}

// RateLimit rejects clients over the limit with 429. Limiter errors fail
// open. Paths in skip are never limited.
func RateLimit(limiter Limiter, logger *observability.Logger, skip ...string) func(http.Handler) http.Handler {
	exempt := make(map[string]bool, len(skip))
	for _, p := range skip {
		exempt[p] = true
	}
	cfg := limiter.Config()
	retryAfter := strconv.Itoa(int(cfg.WindowDuration.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := limiter.Allow(r.Context(), "ip:"+ClientIP(r))
			if err != nil {
				logger.WithContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing request")
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
				WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the connection address without its port. Behind a
// proxy, ForwardedFor rewrites RemoteAddr first.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
