package privacy

import (
	"errors"
	"time"
)

// RequestType is the data subject right being exercised
type RequestType string

const (
	TypeAccess        RequestType = "access"
	TypePortability   RequestType = "portability"
	TypeRectification RequestType = "rectification"
	TypeErasure       RequestType = "erasure"
	TypeRestriction   RequestType = "restriction"
	TypeObjection     RequestType = "objection"
)

// Valid reports whether t is one of the six request types
func (t RequestType) Valid() bool {
	switch t {
	case TypeAccess, TypePortability, TypeRectification, TypeErasure, TypeRestriction, TypeObjection:
		return true
	}
	return false
}

// Status is a request's lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusExpired
}

// CanTransitionTo reports whether moving from s to next is allowed.
//
//	pending     -> in_progress | rejected | expired
//	in_progress -> completed | rejected
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusRejected || next == StatusExpired
	case StatusInProgress:
		return next == StatusCompleted || next == StatusRejected
	}
	return false
}

// LegalBasis is the regulation the request is made under
type LegalBasis string

const (
	BasisGDPR  LegalBasis = "gdpr"
	BasisCCPA  LegalBasis = "ccpa"
	BasisOther LegalBasis = "other"
)

// Valid reports whether b is a known legal basis
func (b LegalBasis) Valid() bool {
	return b == BasisGDPR || b == BasisCCPA || b == BasisOther
}

// Request is a data privacy request. VerificationTokenHash never leaves
// the service.
type Request struct {
	ID                    string                 `json:"id"`
	UserID                string                 `json:"user_id"`
	OrganizationID        string                 `json:"organization_id"`
	RequestType           RequestType            `json:"request_type"`
	Status                Status                 `json:"status"`
	LegalBasis            LegalBasis             `json:"legal_basis"`
	Description           string                 `json:"description,omitempty"`
	RequesterEmail        string                 `json:"requester_email"`
	RequesterVerified     bool                   `json:"requester_verified"`
	VerificationTokenHash string                 `json:"-"`
	VerificationExpiresAt time.Time              `json:"verification_expires_at"`
	FulfillmentDeadline   time.Time              `json:"fulfillment_deadline"`
	FulfilledAt           *time.Time             `json:"fulfilled_at,omitempty"`
	FulfillmentData       map[string]interface{} `json:"fulfillment_data,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// CreateRequest is the intake payload
type CreateRequest struct {
	RequestType    RequestType `json:"request_type"`
	Description    string      `json:"description,omitempty"`
	LegalBasis     LegalBasis  `json:"legal_basis,omitempty"`
	RequesterEmail string      `json:"requester_email"`
	UserID         string      `json:"user_id,omitempty"`
}

// CreateResponse is returned from intake. The verification token itself
// is delivered to the requester by the notifier.
type CreateResponse struct {
	ID                   string    `json:"id"`
	Status               Status    `json:"status"`
	VerificationRequired bool      `json:"verification_required"`
	FulfillmentDeadline  time.Time `json:"fulfillment_deadline"`
	Message              string    `json:"message"`
}

// ListFilter narrows List
type ListFilter struct {
	Status      Status
	RequestType RequestType
	Page        int
	Limit       int
}

// ExportFormat is the access export encoding
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// OutcomeStatus classifies what happened to one table during fulfillment
type OutcomeStatus string

const (
	OutcomeExported OutcomeStatus = "exported"
	OutcomeDeleted  OutcomeStatus = "deleted"
	OutcomeRetained OutcomeStatus = "retained"
	OutcomeUpdated  OutcomeStatus = "updated"
	OutcomeError    OutcomeStatus = "error"
)

// TableOutcome records the result for one personal-data table. Exactly
// one of Reason (retained) or Error (error) is set for non-success.
type TableOutcome struct {
	Status        OutcomeStatus `json:"status"`
	Count         int64         `json:"count"`
	Reason        string        `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	UpdatedFields []string      `json:"updated_fields,omitempty"`
}

// RetentionReason is one legal obligation that keeps subject data in place
type RetentionReason struct {
	Action      string `json:"action"`
	Occurrences int64  `json:"occurrences"`
}

// AccessExport is the assembled access or portability document
type AccessExport struct {
	ExportDate         time.Time                           `json:"export_date"`
	RequestID          string                              `json:"request_id"`
	DataSubject        DataSubject                         `json:"data_subject"`
	DataSources        []string                            `json:"data_sources"`
	Data               map[string][]map[string]interface{} `json:"data"`
	ProcessingPurposes []string                            `json:"processing_purposes"`
	RetentionPeriods   map[string]string                   `json:"retention_periods"`
	DataSubjectRights  []string                            `json:"data_subject_rights"`
	ThirdPartySharing  []string                            `json:"third_party_sharing"`
}

// DataSubject identifies whose data an export contains
type DataSubject struct {
	UserID         string     `json:"user_id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	LegalBasis     LegalBasis `json:"legal_basis"`
}

// AccessResult is the output of FulfillAccess
type AccessResult struct {
	Format      ExportFormat            `json:"format"`
	ContentType string                  `json:"content_type"`
	FileName    string                  `json:"file_name"`
	Body        []byte                  `json:"-"`
	Tables      map[string]TableOutcome `json:"tables"`
	TotalRows   int64                   `json:"total_records"`
	ArchivedAt  string                  `json:"archive_location,omitempty"`
}

// ErasureResult is the output of FulfillErasure
type ErasureResult struct {
	Message         string                  `json:"message"`
	TotalDeleted    int64                   `json:"total_deleted"`
	DeletionResults map[string]TableOutcome `json:"deletion_results"`
	Retention       []RetentionReason       `json:"retention_reasons,omitempty"`
	CompletionDate  time.Time               `json:"completion_date"`
}

// RectificationResult is the output of FulfillRectification
type RectificationResult struct {
	Message              string                  `json:"message"`
	RectificationResults map[string]TableOutcome `json:"rectification_results"`
	CompletionDate       time.Time               `json:"completion_date"`
}

// SweepResult reports what ExpireOverdue changed and found
type SweepResult struct {
	Expired []string `json:"expired"`
	Overdue []string `json:"overdue"`
}

// Sentinel errors
var (
	ErrNotFound         = errors.New("Request not found")
	ErrAlreadyFulfilled = errors.New("Request already fulfilled")
	ErrRequestClosed    = errors.New("Request is no longer active")
	ErrWrongType        = errors.New("Invalid request type for this operation")
	ErrNotVerified      = errors.New("Request not verified")
	ErrDeliveryFailed   = errors.New("Verification delivery failed")
)

// ValidationError is a malformed or unacceptable input
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// IsValidation reports whether err maps to 400
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v) || errors.Is(err, ErrWrongType) || errors.Is(err, ErrNotVerified)
}
