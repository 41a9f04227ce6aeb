package audit

import (
	"time"
)

// Action is the audited event kind
type Action string

const (
	ActionAuthLogin         Action = "auth.login"
	ActionAuthLogout        Action = "auth.logout"
	ActionAuthFailedLogin   Action = "auth.failed_login"
	ActionAuthPasswordReset Action = "auth.password_reset"

	ActionDataRead   Action = "data.read"
	ActionDataCreate Action = "data.create"
	ActionDataUpdate Action = "data.update"
	ActionDataDelete Action = "data.delete"
	ActionDataExport Action = "data.export"

	ActionUserRoleChange   Action = "user.role_change"
	ActionPermissionGrant  Action = "permission.grant"
	ActionPermissionRevoke Action = "permission.revoke"

	ActionPermissionDenied   Action = "security.permission_denied"
	ActionRateLimitExceeded  Action = "security.rate_limit_exceeded"
	ActionSuspiciousActivity Action = "security.suspicious_activity"
)

// AllActions lists every known action
func AllActions() []Action {
	return []Action{
		ActionAuthLogin, ActionAuthLogout, ActionAuthFailedLogin, ActionAuthPasswordReset,
		ActionDataRead, ActionDataCreate, ActionDataUpdate, ActionDataDelete, ActionDataExport,
		ActionUserRoleChange, ActionPermissionGrant, ActionPermissionRevoke,
		ActionPermissionDenied, ActionRateLimitExceeded, ActionSuspiciousActivity,
	}
}

// IsValid reports whether a is a known action
func (a Action) IsValid() bool {
	for _, known := range AllActions() {
		if a == known {
			return true
		}
	}
	return false
}

// Status is the outcome recorded on an entry
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// RiskLevel is derived from the action and its metadata
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Metadata keys written by Enrich and the middleware
const (
	MetaTimestamp      = "timestamp"
	MetaRiskLevel      = "risk_level"
	MetaStatus         = "status"
	MetaErrorMessage   = "error_message"
	MetaResponseTimeMS = "response_time_ms"
	MetaStatusCode     = "status_code"
	MetaAttemptCount   = "attempt_count"
)

// Entry is one audit event before persistence
type Entry struct {
	UserID         string                 `json:"user_id,omitempty"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Action         Action                 `json:"action"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	RequestID      string                 `json:"request_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Record is a persisted audit log row
type Record struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	RiskLevel RiskLevel `json:"risk_level"`
	Status    Status    `json:"status"`
	Entry
}

// ListFilter narrows an organization's audit trail listing
type ListFilter struct {
	UserID     string
	Actions    []Action
	EntityType string
	EntityID   string
	RiskLevel  RiskLevel
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// ExportFormat selects the audit trail export encoding
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)
