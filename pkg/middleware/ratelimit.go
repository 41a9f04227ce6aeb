package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/observability"
)

// RateLimitConfig configures a rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Preset limits
var (
	// DefaultRateLimit applies to general authenticated traffic
	DefaultRateLimit = RateLimitConfig{RequestsPerMinute: 600, Burst: 60}
	// PrivacyIntakeRateLimit applies to public privacy request intake
	PrivacyIntakeRateLimit = RateLimitConfig{RequestsPerMinute: 5, Burst: 5}
)

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

const (
	limiterCapacity = 50000
	limiterIdleTTL  = 10 * time.Minute
)

// RateLimiter is an in-process token bucket limiter keyed by caller
type RateLimiter struct {
	config  RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter creates an in-memory limiter. Idle buckets are evicted.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultRateLimit.RequestsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &RateLimiter{
		config:  config,
		buckets: expirable.NewLRU[string, *rate.Limiter](limiterCapacity, nil, limiterIdleTTL),
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	every := rate.Every(time.Minute / time.Duration(rl.config.RequestsPerMinute))
	b := rate.NewLimiter(every, rl.config.Burst)
	rl.buckets.Add(key, b)
	return b
}

// Allow consumes one token for key
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	b := rl.bucket(key)
	now := time.Now()
	r := b.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Limit: rl.config.RequestsPerMinute, RetryAfter: time.Minute}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: rl.config.RequestsPerMinute, RetryAfter: delay}, nil
	}
	remaining := int(math.Floor(b.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: rl.config.RequestsPerMinute, Remaining: remaining}, nil
}

// KeyFunc derives the rate limit key for a request
type KeyFunc func(r *http.Request) string

// KeyByIP keys requests by client address
func KeyByIP(r *http.Request) string {
	return "ip:" + httputil.ClientIP(r)
}

// KeyByUserOrIP keys authenticated requests by user and the rest by address
func KeyByUserOrIP(r *http.Request) string {
	if ac := auth.FromContext(r.Context()); ac.IsAuthenticated() {
		return "user:" + ac.UserID()
	}
	return KeyByIP(r)
}

// RateLimitMiddleware rejects callers over their limit with 429. Limiter
// errors let the request through.
func RateLimitMiddleware(limiter Limiter, scope string, auditWriter audit.Writer, metrics *observability.Metrics, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = KeyByUserOrIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := scope + ":" + keyFunc(r)
			decision, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).WithField("scope", scope).
					Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			metrics.RateLimited(scope)
			audit.Security.RateLimitExceeded(auditWriter, r, scope, map[string]interface{}{
				"limit":       decision.Limit,
				"retry_after": retry,
			})
			httputil.WriteTooManyRequests(w, fmt.Sprintf("Rate limit exceeded, retry in %d seconds", retry))
		})
	}
}
