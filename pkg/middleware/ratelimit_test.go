package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	ctx := context.Background()

	d, err := rl.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, _ = rl.Allow(ctx, "a")
	assert.True(t, d.Allowed)

	d, _ = rl.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter.Seconds(), 0.0)

	// separate key has its own bucket
	d, _ = rl.Allow(ctx, "b")
	assert.True(t, d.Allowed)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	mr, client := newRedis(t)
	l := NewDistributedRateLimiter(client, RateLimitConfig{RequestsPerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter.Nanoseconds(), int64(0))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]).Seconds(), 0.0)

	require.NoError(t, l.Reset(ctx, "ip:10.0.0.1"))
	d, err = l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr, client := newRedis(t)
	l := NewDistributedRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1})
	mr.Close()

	d, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, d.Allowed)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("rejects over limit", func(t *testing.T) {
		_, client := newRedis(t)
		writer := &recordingWriter{}
		limiter := NewDistributedRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1})
		h := RateLimitMiddleware(limiter, "privacy_intake", writer, nil, KeyByIP)(ok)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/privacy/requests", nil)
		req.RemoteAddr = "192.0.2.10:443"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		entries := writer.all()
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionRateLimitExceeded, entries[0].Action)
		assert.Equal(t, "privacy_intake", entries[0].Metadata["scope"])
	})

	t.Run("fails open", func(t *testing.T) {
		h := RateLimitMiddleware(failingLimiter{}, "api", nil, nil, nil)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestKeyFuncs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", KeyByIP(req))
	assert.Equal(t, "ip:203.0.113.9", KeyByUserOrIP(req))

	authed := req.WithContext(auth.WithContext(req.Context(), &auth.AuthContext{User: &auth.User{ID: "u1"}}))
	assert.Equal(t, "user:u1", KeyByUserOrIP(authed))
}
