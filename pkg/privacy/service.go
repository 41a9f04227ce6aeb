package privacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/sanitize"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// EntityType is the audit entity type for privacy requests
const EntityType = "data_privacy_request"

const (
	defaultVerificationTTL   = 24 * time.Hour
	defaultFulfillmentWindow = 30 * 24 * time.Hour
	defaultExportConcurrency = 4

	maxDescriptionLength = 2000
	maxEmailLength       = 320
	maxSubjectIDLength   = 128
	defaultPageSize      = 20
	maxPageSize          = 100
)

// ServiceOptions configures a Service. Zero values take defaults.
type ServiceOptions struct {
	VerificationTTL   time.Duration
	FulfillmentWindow time.Duration
	ExportConcurrency int
	// Archive keeps a copy of every access export when set
	Archive  storage.ArchiveStore
	Notifier Notifier
	Audit    audit.Writer
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Service drives data privacy requests through their lifecycle
type Service struct {
	store  *Store
	data   DataStore
	policy PolicySource
	opts   ServiceOptions
	logger logrus.FieldLogger
}

// NewService creates the privacy request service
func NewService(store *Store, data DataStore, policy PolicySource, opts ServiceOptions) *Service {
	if opts.VerificationTTL <= 0 {
		opts.VerificationTTL = defaultVerificationTTL
	}
	if opts.FulfillmentWindow <= 0 {
		opts.FulfillmentWindow = defaultFulfillmentWindow
	}
	if opts.ExportConcurrency <= 0 {
		opts.ExportConcurrency = defaultExportConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if policy == nil {
		policy = StaticPolicy{P: DefaultPolicy()}
	}
	return &Service{
		store:  store,
		data:   data,
		policy: policy,
		opts:   opts,
		logger: opts.Logger.WithField("component", "privacy"),
	}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Service) record(ctx context.Context, action audit.Action, r *Request, details map[string]interface{}) {
	entry := audit.FromContext(ctx, action, EntityType)
	entry.EntityID = r.ID
	entry.OrganizationID = r.OrganizationID
	entry.Metadata["request_type"] = string(r.RequestType)
	for k, v := range details {
		entry.Metadata[k] = v
	}
	audit.CreateAuditLog(ctx, s.opts.Audit, entry)
}

// Create validates and stores a new request, then sends the verification
// token to the requester. actorID is the authenticated caller, if any, and
// becomes the data subject when the payload names none.
func (s *Service) Create(ctx context.Context, orgID, actorID string, in CreateRequest) (*Request, error) {
	if !in.RequestType.Valid() {
		return nil, invalid("Invalid request type")
	}
	if orgID == "" {
		return nil, invalid("Organization ID required")
	}
	basis := in.LegalBasis
	if basis == "" {
		basis = BasisGDPR
	}
	if !basis.Valid() {
		return nil, invalid("Invalid legal basis")
	}
	email := sanitize.Email(in.RequesterEmail)
	if len(email) > maxEmailLength || !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return nil, invalid("Valid requester_email is required")
	}
	subject := sanitize.Text(in.UserID, maxSubjectIDLength)
	if subject == "" {
		subject = actorID
	}
	if subject == "" {
		return nil, invalid("user_id is required")
	}

	token, tokenHash, err := auth.GenerateVerificationToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &Request{
		ID:                    uuid.New().String(),
		UserID:                subject,
		OrganizationID:        orgID,
		RequestType:           in.RequestType,
		Status:                StatusPending,
		LegalBasis:            basis,
		Description:           sanitize.Text(in.Description, maxDescriptionLength),
		RequesterEmail:        email,
		VerificationTokenHash: tokenHash,
		VerificationExpiresAt: now.Add(s.opts.VerificationTTL),
		FulfillmentDeadline:   now.Add(s.opts.FulfillmentWindow),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return nil, err
	}

	if err := s.opts.Notifier.SendVerification(ctx, r, token); err != nil {
		// The request stays pending; staff can ResendVerification
		observability.FromContext(ctx).WithError(err).WithField("request_id", r.ID).
			Error("Failed to send privacy request verification")
	}

	s.record(ctx, audit.ActionDataCreate, r, map[string]interface{}{
		"legal_basis": string(r.LegalBasis),
	})
	s.opts.Metrics.PrivacyRequest(string(r.RequestType), string(r.Status))
	return r, nil
}

func closedError(st Status) error {
	if st == StatusCompleted {
		return ErrAlreadyFulfilled
	}
	return ErrRequestClosed
}

// Verify checks the requester's token and moves the request to
// in_progress. Verifying an in_progress request again with the right
// token changes nothing.
func (s *Service) Verify(ctx context.Context, id, orgID, token string) (*Request, error) {
	if orgID == "" {
		return nil, invalid("Organization ID required")
	}
	r, err := s.store.Get(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, closedError(r.Status)
	}
	if !auth.TokenMatchesHash(strings.TrimSpace(token), r.VerificationTokenHash) {
		s.record(ctx, audit.ActionSuspiciousActivity, r, map[string]interface{}{
			"reason":          "invalid_verification_token",
			audit.MetaStatus:  string(audit.StatusFailure),
			"requester_email": sanitize.MaskSensitive(r.RequesterEmail, 3),
		})
		return nil, invalid("Invalid verification token")
	}
	if r.Status == StatusInProgress && r.RequesterVerified {
		return r, nil
	}

	now := s.now()
	if now.After(r.VerificationExpiresAt) {
		return nil, invalid("Verification token expired")
	}

	ok, err := s.store.MarkVerified(ctx, id, orgID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another verify, a reject or the sweep
		current, err := s.store.Get(ctx, id, orgID)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusInProgress {
			return current, nil
		}
		return nil, closedError(current.Status)
	}

	r.Status = StatusInProgress
	r.RequesterVerified = true
	r.UpdatedAt = now
	s.record(ctx, audit.ActionDataUpdate, r, map[string]interface{}{"transition": "verified"})
	s.opts.Metrics.PrivacyRequest(string(r.RequestType), string(r.Status))
	return r, nil
}

// Get loads one request of orgID
func (s *Service) Get(ctx context.Context, id, orgID string) (*Request, error) {
	return s.store.Get(ctx, id, orgID)
}

// List pages through orgID's requests
func (s *Service) List(ctx context.Context, orgID string, f ListFilter) ([]*Request, int, ListFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, f, invalid("Invalid status filter")
	}
	if f.RequestType != "" && !f.RequestType.Valid() {
		return nil, 0, f, invalid("Invalid request type filter")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	requests, total, err := s.store.List(ctx, orgID, f)
	return requests, total, f, err
}

// Reject closes an open request without fulfilling it
func (s *Service) Reject(ctx context.Context, id, orgID, reason string) (*Request, error) {
	reason = sanitize.Text(reason, maxDescriptionLength)
	if reason == "" {
		return nil, invalid("Rejection reason required")
	}
	r, err := s.store.Get(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if !r.Status.CanTransitionTo(StatusRejected) {
		return nil, closedError(r.Status)
	}

	now := s.now()
	ok, err := s.store.Reject(ctx, id, orgID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestClosed
	}

	r.Status = StatusRejected
	r.UpdatedAt = now
	r.FulfillmentData = map[string]interface{}{"rejection_reason": reason}
	s.record(ctx, audit.ActionDataUpdate, r, map[string]interface{}{
		"transition": "rejected",
		"reason":     reason,
	})
	s.opts.Metrics.PrivacyRequest(string(r.RequestType), string(r.Status))
	return r, nil
}

// ResendVerification issues a fresh token and verification window for a
// pending request and delivers it. The previous token stops working.
// Unlike Create, a delivery failure is returned to the caller.
func (s *Service) ResendVerification(ctx context.Context, id, orgID string) (*Request, error) {
	r, err := s.store.Get(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	switch {
	case r.Status.Terminal():
		return nil, closedError(r.Status)
	case r.Status != StatusPending:
		return nil, invalid("Request already verified")
	}

	token, tokenHash, err := auth.GenerateVerificationToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	expiresAt := now.Add(s.opts.VerificationTTL)
	ok, err := s.store.ReissueVerification(ctx, id, orgID, tokenHash, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestClosed
	}
	r.VerificationTokenHash = tokenHash
	r.VerificationExpiresAt = expiresAt
	r.UpdatedAt = now

	sendErr := s.opts.Notifier.SendVerification(ctx, r, token)
	if sendErr != nil && !errors.Is(sendErr, ErrDeliveryFailed) {
		sendErr = fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	details := map[string]interface{}{"transition": "verification_reissued"}
	if sendErr != nil {
		details[audit.MetaStatus] = string(audit.StatusFailure)
		details[audit.MetaErrorMessage] = sendErr.Error()
	}
	s.record(ctx, audit.ActionDataUpdate, r, details)
	if sendErr != nil {
		return nil, sendErr
	}
	return r, nil
}

// ExpireOverdue marks pending requests past their verification window as
// expired and reports in_progress requests past their fulfillment
// deadline. Overdue requests stay actionable.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (SweepResult, error) {
	result := SweepResult{Expired: []string{}, Overdue: []string{}}

	expired, err := s.store.ExpirePending(ctx, now.UTC())
	if err != nil {
		return result, err
	}
	for _, e := range expired {
		result.Expired = append(result.Expired, e.ID)
		r := &Request{ID: e.ID, OrganizationID: e.OrganizationID, RequestType: e.RequestType}
		s.record(ctx, audit.ActionDataUpdate, r, map[string]interface{}{
			"transition":              "expired",
			"verification_expires_at": e.Deadline.Format(time.RFC3339),
		})
		s.opts.Metrics.PrivacyRequest(string(e.RequestType), string(StatusExpired))
	}

	overdue, err := s.store.Overdue(ctx, now.UTC())
	if err != nil {
		return result, err
	}
	for _, o := range overdue {
		result.Overdue = append(result.Overdue, o.ID)
		s.logger.WithFields(logrus.Fields{
			"request_id":      o.ID,
			"organization_id": o.OrganizationID,
			"request_type":    o.RequestType,
			"deadline":        o.Deadline,
		}).Warn("Privacy request past fulfillment deadline")
		r := &Request{ID: o.ID, OrganizationID: o.OrganizationID, RequestType: o.RequestType}
		s.record(ctx, audit.ActionSuspiciousActivity, r, map[string]interface{}{
			"reason":               "fulfillment_deadline_missed",
			"fulfillment_deadline": o.Deadline.Format(time.RFC3339),
		})
	}

	s.opts.Metrics.PrivacySweep(len(result.Expired), len(result.Overdue))
	if len(result.Expired) > 0 || len(result.Overdue) > 0 {
		s.logger.WithFields(logrus.Fields{
			"expired": len(result.Expired),
			"overdue": len(result.Overdue),
		}).Info("Privacy request sweep finished")
	}
	return result, nil
}
