package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for a specific rate limit
type RateLimitConfig struct {
	// Name separates the counters of different routes sharing a key function.
	Name   string
	Limit  int
	Window time.Duration
	KeyFn  func(*http.Request) string
}

// RateLimit counts requests per key in a fixed window. Redis holds the
// counters when configured; otherwise each key gets a token bucket refilling
// Limit tokens per Window.
func (m *Middleware) RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.cfg.Security.RateLimiting.Enabled || cfg.Limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("ratelimit:%s:%s", cfg.Name, cfg.KeyFn(r))

			var (
				allowed    bool
				remaining  int
				retryAfter time.Duration
			)
			if m.rdb != nil {
				count, err := m.rdb.IncrWindow(r.Context(), key, cfg.Window)
				if err != nil {
					m.log.Error().Err(err).Str("key", key).Msg("failed to increment rate limit counter")
					allowed, remaining, retryAfter = m.local.take(key, cfg)
				} else {
					ttl, _ := m.rdb.Client.TTL(r.Context(), key).Result()
					if ttl < 0 {
						ttl = cfg.Window
					}
					allowed = int(count) <= cfg.Limit
					remaining = max(0, cfg.Limit-int(count))
					retryAfter = ttl
				}
			} else {
				allowed, remaining, retryAfter = m.local.take(key, cfg)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))

			if !allowed {
				seconds := int64(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client IP address as the rate limit key
func IPKey(r *http.Request) string {
	return ClientIP(r)
}

// AccountOrIPKey returns the authenticated account ID, or the client IP for
// anonymous requests.
func AccountOrIPKey(r *http.Request) string {
	if account := AccountFromContext(r.Context()); account != nil {
		return "acc:" + account.ID
	}
	return "ip:" + ClientIP(r)
}

const limiterIdleTTL = time.Hour

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localLimiter keeps per-key token buckets for single-node deployments.
type localLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	swept    time.Time
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{limiters: make(map[string]*limiterEntry)}
}

func (l *localLimiter) take(key string, cfg RateLimitConfig) (bool, int, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		every := cfg.Window / time.Duration(cfg.Limit)
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(every), cfg.Limit)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.cleanup(now)

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, 0, cfg.Window
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, 0, delay
	}
	remaining := int(entry.limiter.TokensAt(now))
	return true, max(0, remaining), cfg.Window
}

func (l *localLimiter) cleanup(now time.Time) {
	if now.Sub(l.swept) < time.Minute {
		return
	}
	l.swept = now
	cutoff := now.Add(-limiterIdleTTL)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}
