package audit

import (
	"net/http"
)

type authEvents struct{}
type dataEvents struct{}
type securityEvents struct{}

// Auth groups authentication events
var Auth authEvents

// Data groups data access and mutation events
var Data dataEvents

// Security groups security events
var Security securityEvents

func write(w Writer, r *http.Request, action Action, entityType, entityID string, details map[string]interface{}) {
	entry := FromRequest(r, action, entityType)
	entry.EntityID = entityID
	for k, v := range details {
		entry.Metadata[k] = v
	}
	CreateAuditLog(r.Context(), w, entry)
}

func (authEvents) Login(w Writer, r *http.Request, userID string) {
	write(w, r, ActionAuthLogin, "user", userID, nil)
}

// FailedLogin records a rejected credential. attemptCount drives risk
// escalation.
func (authEvents) FailedLogin(w Writer, r *http.Request, reason string, attemptCount int) {
	write(w, r, ActionAuthFailedLogin, "user", "", map[string]interface{}{
		"reason":         reason,
		MetaAttemptCount: attemptCount,
		MetaStatus:       string(StatusFailure),
	})
}

func (authEvents) Logout(w Writer, r *http.Request, userID string) {
	write(w, r, ActionAuthLogout, "user", userID, nil)
}

func (authEvents) PasswordReset(w Writer, r *http.Request, userID string) {
	write(w, r, ActionAuthPasswordReset, "user", userID, nil)
}

func (dataEvents) Read(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionDataRead, entityType, entityID, details)
}

func (dataEvents) Create(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionDataCreate, entityType, entityID, details)
}

func (dataEvents) Update(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionDataUpdate, entityType, entityID, details)
}

func (dataEvents) Delete(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionDataDelete, entityType, entityID, details)
}

func (dataEvents) Export(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionDataExport, entityType, entityID, details)
}

func (securityEvents) PermissionDenied(w Writer, r *http.Request, entityType string, details map[string]interface{}) {
	details = withFailure(details)
	details["path"] = r.URL.Path
	details["method"] = r.Method
	write(w, r, ActionPermissionDenied, entityType, "", details)
}

func (securityEvents) RateLimitExceeded(w Writer, r *http.Request, scope string, details map[string]interface{}) {
	details = withFailure(details)
	details["scope"] = scope
	details["path"] = r.URL.Path
	write(w, r, ActionRateLimitExceeded, "rate_limit", "", details)
}

func (securityEvents) SuspiciousActivity(w Writer, r *http.Request, entityType, entityID string, details map[string]interface{}) {
	write(w, r, ActionSuspiciousActivity, entityType, entityID, details)
}

func withFailure(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+3)
	for k, v := range details {
		out[k] = v
	}
	out[MetaStatus] = string(StatusFailure)
	return out
}

// CRUDAuditor produces audit middleware for the standard operations on one
// entity type
type CRUDAuditor struct {
	writer     Writer
	entityType string
}

// CRUD returns the audit middleware set for entityType
func CRUD(w Writer, entityType string) CRUDAuditor {
	return CRUDAuditor{writer: w, entityType: entityType}
}

func (c CRUDAuditor) Create(opts Options) func(http.Handler) http.Handler {
	return Middleware(c.writer, ActionDataCreate, c.entityType, opts)
}

func (c CRUDAuditor) Read(opts Options) func(http.Handler) http.Handler {
	return Middleware(c.writer, ActionDataRead, c.entityType, opts)
}

func (c CRUDAuditor) Update(opts Options) func(http.Handler) http.Handler {
	return Middleware(c.writer, ActionDataUpdate, c.entityType, opts)
}

func (c CRUDAuditor) Delete(opts Options) func(http.Handler) http.Handler {
	return Middleware(c.writer, ActionDataDelete, c.entityType, opts)
}

// OnFailure is a ShouldAudit for routes whose service already audits its
// successful writes; only rejected or failed requests get an entry
func OnFailure(_ *http.Request, status int) bool {
	return status < 200 || status >= 300
}
