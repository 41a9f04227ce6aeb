// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here so that the
// producer and the consumers of a value agree on one key.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/gymdesk/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: gate middleware, organization loader, privacy handlers
	AuthKey Key = "auth_context"

	// OrgKey contains *orgs.Context
	// Set by: orgs.Loader.LoadOrganizationContext (pkg/orgs/loader.go)
	// Required by: rbac.Gates.RequireFeature, org-scoped handlers
	OrgKey Key = "organization"

	// PermissionsKey contains []rbac.Permission
	// Set by: rbac.Gates.LoadUserPermissions
	PermissionsKey Key = "permissions"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: logger, audit trail
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: auth middleware after token verification
	UserIDKey Key = "user_id"

	// LoggerKey contains logrus.FieldLogger
	// Set by: httputil.LoggingMiddleware
	LoggerKey Key = "logger"

	// AuditRecorderKey contains *audit.Recorder
	// Set by: audit.Middleware (pkg/audit/middleware.go)
	// Used by: handlers that annotate the audit entry of the current request
	AuditRecorderKey Key = "audit_recorder"

	// RequestStartTimeKey contains request start timestamp
	// Set by: audit.Middleware
	RequestStartTimeKey Key = "request_start_time"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithOrg adds the organization context to the context
func WithOrg(ctx context.Context, org interface{}) context.Context {
	return context.WithValue(ctx, OrgKey, org)
}

// WithPermissions adds the effective permission list to the context
func WithPermissions(ctx context.Context, perms interface{}) context.Context {
	return context.WithValue(ctx, PermissionsKey, perms)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithAuditRecorder adds the per-request audit recorder to the context
func WithAuditRecorder(ctx context.Context, rec interface{}) context.Context {
	return context.WithValue(ctx, AuditRecorderKey, rec)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetRequestStartTime retrieves the request start time, zero if unset
func GetRequestStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
