package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
)

type recordingWriter struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (w *recordingWriter) Write(_ context.Context, e audit.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

func (w *recordingWriter) all() []audit.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]audit.Entry(nil), w.entries...)
}

func newVerifier(t *testing.T) *auth.TokenVerifier {
	t.Helper()
	v, err := auth.NewTokenVerifier("test-secret", "gymdesk", "")
	require.NoError(t, err)
	return v
}

func captureAuth(captured **auth.AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newVerifier(t)
	token, err := verifier.IssueToken(&auth.User{ID: "user-1", Email: "coach@example.com"}, time.Hour)
	require.NoError(t, err)

	var got *auth.AuthContext
	m := NewAuthMiddleware(verifier, nil, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(OrganizationHeader, " org-1 ")
	rec := httptest.NewRecorder()
	m.Handler(captureAuth(&got)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID())
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, token, got.Token)
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		m := NewAuthMiddleware(newVerifier(t), nil, false)
		var got *auth.AuthContext
		rec := httptest.NewRecorder()
		m.Handler(captureAuth(&got)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "Authentication required")
		assert.Nil(t, got)
	})

	t.Run("optional", func(t *testing.T) {
		m := NewAuthMiddleware(newVerifier(t), nil, true)
		var got *auth.AuthContext
		rec := httptest.NewRecorder()
		m.Handler(captureAuth(&got)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, got.IsAuthenticated())
	})
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	writer := &recordingWriter{}
	m := NewAuthMiddleware(newVerifier(t), writer, true)

	tests := []struct {
		name   string
		header string
	}{
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"no token", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "203.0.113.7:5000"
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			m.Handler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	entries := writer.all()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, audit.ActionAuthFailedLogin, e.Action)
		assert.Equal(t, i+1, e.Metadata[audit.MetaAttemptCount])
	}
	assert.Equal(t, 3, m.FailedAttempts("203.0.113.7"))
}

func TestAuthMiddleware_SuccessResetsAttempts(t *testing.T) {
	verifier := newVerifier(t)
	m := NewAuthMiddleware(verifier, nil, false)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.RemoteAddr = "198.51.100.2:1234"
	bad.Header.Set("Authorization", "Bearer nope")
	m.Handler(ok).ServeHTTP(httptest.NewRecorder(), bad)
	require.Equal(t, 1, m.FailedAttempts("198.51.100.2"))

	token, err := verifier.IssueToken(&auth.User{ID: "user-2"}, time.Hour)
	require.NoError(t, err)
	good := httptest.NewRequest(http.MethodGet, "/", nil)
	good.RemoteAddr = "198.51.100.2:1234"
	good.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	m.Handler(ok).ServeHTTP(rec, good)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, m.FailedAttempts("198.51.100.2"))
}
