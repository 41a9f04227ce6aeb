package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/observability"
)

const (
	// OrganizationHeader carries the client's organization hint
	OrganizationHeader = "x-organization-id"

	failedAttemptWindow   = 15 * time.Minute
	failedAttemptCapacity = 10000
)

// Verifier validates bearer tokens
type Verifier interface {
	Verify(raw string) (*auth.User, error)
}

// AuthMiddleware resolves the bearer token into an auth context
type AuthMiddleware struct {
	verifier Verifier
	optional bool // If true, requests without a token pass through unauthenticated
	audit    audit.Writer
	attempts *expirable.LRU[string, int]
}

// NewAuthMiddleware creates the authentication middleware. Failed token
// checks are audited with a per-client attempt count.
func NewAuthMiddleware(verifier Verifier, auditWriter audit.Writer, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		optional: optional,
		audit:    auditWriter,
		attempts: expirable.NewLRU[string, int](failedAttemptCapacity, nil, failedAttemptWindow),
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <token>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteAuthzError(w, r, auth.ErrAuthenticationRequired())
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			m.reject(w, r, "invalid authorization header format")
			return
		}

		user, err := m.verifier.Verify(token)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("Token verification failed")
			m.reject(w, r, "invalid or expired token")
			return
		}
		m.attempts.Remove(httputil.ClientIP(r))

		ac := &auth.AuthContext{
			User:           user,
			OrganizationID: strings.TrimSpace(r.Header.Get(OrganizationHeader)),
			Token:          token,
		}
		next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
	})
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	ip := httputil.ClientIP(r)
	count, _ := m.attempts.Get(ip)
	count++
	m.attempts.Add(ip, count)

	audit.Auth.FailedLogin(m.audit, r, reason, count)
	httputil.WriteAuthzError(w, r, auth.NewAuthError("Invalid or expired token"))
}

// FailedAttempts returns the failed token count recorded for a client
// address within the current window
func (m *AuthMiddleware) FailedAttempts(ip string) int {
	count, _ := m.attempts.Get(ip)
	return count
}
