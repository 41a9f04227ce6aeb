package privacy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/sanitize"
)

// prepare loads a request and checks, in order, that its type fits the
// operation, that the requester was verified and that it is still open
func (s *Service) prepare(ctx context.Context, id, orgID string, allowed ...RequestType) (*Request, error) {
	r, err := s.store.Get(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	typeOK := false
	for _, t := range allowed {
		if r.RequestType == t {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return nil, ErrWrongType
	}
	if !r.RequesterVerified {
		return nil, ErrNotVerified
	}
	if r.Status != StatusInProgress {
		return nil, closedError(r.Status)
	}
	return r, nil
}

func (s *Service) complete(ctx context.Context, r *Request, data map[string]interface{}) (time.Time, error) {
	now := s.now()
	ok, err := s.store.Complete(ctx, r.ID, r.OrganizationID, data, now)
	if err != nil {
		return now, err
	}
	if !ok {
		return now, ErrAlreadyFulfilled
	}
	r.Status = StatusCompleted
	r.FulfilledAt = &now
	r.FulfillmentData = data
	r.UpdatedAt = now
	s.opts.Metrics.PrivacyRequest(string(r.RequestType), string(r.Status))
	return now, nil
}

func (s *Service) observeOutcomes(op string, outcomes map[string]TableOutcome) {
	for table, o := range outcomes {
		s.opts.Metrics.PrivacyTableOutcome(op, table, string(o.Status))
	}
}

// FulfillAccess exports every personal-data row of the subject. Tables
// that fail to read are logged and left out of the export.
func (s *Service) FulfillAccess(ctx context.Context, id, orgID string, format ExportFormat) (*AccessResult, error) {
	ctx, span := tracer.Start(ctx, "privacy.fulfill_access")
	defer span.End()
	start := time.Now()

	r, err := s.prepare(ctx, id, orgID, TypeAccess, TypePortability)
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, invalid("Invalid export format")
	}
	span.SetAttributes(attribute.String("request_id", r.ID), attribute.String("format", string(format)))

	policy := s.policy.Current()
	logger := observability.FromContext(ctx).WithField("request_id", r.ID)

	var (
		mu       sync.Mutex
		data     = map[string][]map[string]interface{}{}
		outcomes = map[string]TableOutcome{}
		total    int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ExportConcurrency)
	for _, t := range policy.Tables {
		g.Go(func() error {
			rows, err := s.data.Collect(gctx, t, r.UserID, r.OrganizationID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.WithError(err).WithField("table", t.Name).Warn("Skipping table in access export")
				outcomes[t.Name] = TableOutcome{Status: OutcomeError, Error: "read failed"}
				return nil
			}
			data[t.Name] = rows
			outcomes[t.Name] = TableOutcome{Status: OutcomeExported, Count: int64(len(rows))}
			total += int64(len(rows))
			return nil
		})
	}
	_ = g.Wait()

	now := s.now()
	export := buildAccessExport(r, policy, data, now)

	result := &AccessResult{Format: format, Tables: outcomes, TotalRows: total}
	stamp := now.Format("20060102")
	switch format {
	case FormatCSV:
		result.Body, err = encodeCSVExport(export)
		result.ContentType = "application/zip"
		result.FileName = sanitize.FileName(fmt.Sprintf("data-export-%s-%s.zip", r.ID, stamp))
	default:
		result.Body, err = encodeJSONExport(export)
		result.ContentType = "application/json"
		result.FileName = sanitize.FileName(fmt.Sprintf("data-export-%s-%s.json", r.ID, stamp))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}

	if s.opts.Archive != nil {
		key := fmt.Sprintf("%s/%s/%s", r.OrganizationID, r.ID, result.FileName)
		location, err := s.opts.Archive.Put(ctx, key, result.ContentType, result.Body)
		if err != nil {
			logger.WithError(err).Error("Failed to archive access export")
		} else {
			result.ArchivedAt = location
		}
	}

	fulfillment := map[string]interface{}{
		"operation":     "access",
		"format":        string(format),
		"tables":        outcomes,
		"total_records": total,
	}
	if result.ArchivedAt != "" {
		fulfillment["archive_location"] = result.ArchivedAt
	}
	if _, err := s.complete(ctx, r, fulfillment); err != nil {
		return nil, err
	}

	s.observeOutcomes("access", outcomes)
	s.opts.Metrics.PrivacyFulfillment("access", time.Since(start))
	s.record(ctx, audit.ActionDataExport, r, map[string]interface{}{
		"tables":        export.DataSources,
		"total_records": total,
		"format":        string(format),
	})
	return result, nil
}

// HasLegalRetentionObligation lists the reasons the subject's legal-hold
// tables must survive erasure. An empty list means none apply.
func (s *Service) HasLegalRetentionObligation(ctx context.Context, subjectID, orgID string) ([]RetentionReason, error) {
	policy := s.policy.Current()
	counts, err := s.data.ActionCounts(ctx, subjectID, orgID, policy.LegalHoldActions)
	if err != nil {
		return nil, err
	}
	reasons := []RetentionReason{}
	for action, n := range counts {
		if n > 0 {
			reasons = append(reasons, RetentionReason{Action: action, Occurrences: n})
		}
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i].Action < reasons[j].Action })
	return reasons, nil
}

func retentionSummary(reasons []RetentionReason) string {
	actions := make([]string, len(reasons))
	for i, r := range reasons {
		actions[i] = r.Action
	}
	return "legal retention obligation: " + strings.Join(actions, ", ")
}

// FulfillErasure deletes the subject's rows table by table. Legal-hold
// tables are retained while an obligation exists. A failing table is
// recorded and the remaining tables are still processed.
func (s *Service) FulfillErasure(ctx context.Context, id, orgID string, confirm bool) (*ErasureResult, error) {
	ctx, span := tracer.Start(ctx, "privacy.fulfill_erasure")
	defer span.End()
	start := time.Now()

	r, err := s.prepare(ctx, id, orgID, TypeErasure)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return nil, invalid("Deletion confirmation required")
	}
	span.SetAttributes(attribute.String("request_id", r.ID))

	logger := observability.FromContext(ctx).WithField("request_id", r.ID)
	policy := s.policy.Current()

	reasons, err := s.HasLegalRetentionObligation(ctx, r.UserID, r.OrganizationID)
	holdReason := ""
	switch {
	case err != nil:
		logger.WithError(err).Error("Retention check failed, retaining legal-hold tables")
		holdReason = "retention check unavailable"
	case len(reasons) > 0:
		holdReason = retentionSummary(reasons)
	}

	outcomes := make(map[string]TableOutcome, len(policy.Tables))
	var total int64
	for _, t := range policy.Tables {
		if t.LegalHold && holdReason != "" {
			outcomes[t.Name] = TableOutcome{Status: OutcomeRetained, Reason: holdReason}
			continue
		}
		n, err := s.data.Delete(ctx, t, r.UserID, r.OrganizationID)
		if err != nil {
			logger.WithError(err).WithField("table", t.Name).Error("Erasure failed for table")
			outcomes[t.Name] = TableOutcome{Status: OutcomeError, Error: "delete failed"}
			continue
		}
		outcomes[t.Name] = TableOutcome{Status: OutcomeDeleted, Count: n}
		total += n
	}

	completedAt, err := s.complete(ctx, r, map[string]interface{}{
		"operation":        "erasure",
		"deletion_results": outcomes,
		"total_deleted":    total,
	})
	if err != nil {
		return nil, err
	}

	s.observeOutcomes("erasure", outcomes)
	s.opts.Metrics.PrivacyFulfillment("erasure", time.Since(start))
	s.record(ctx, audit.ActionDataDelete, r, map[string]interface{}{
		"deletion_results": outcomes,
		"total_deleted":    total,
	})
	return &ErasureResult{
		Message:         "Data erasure completed",
		TotalDeleted:    total,
		DeletionResults: outcomes,
		Retention:       reasons,
		CompletionDate:  completedAt,
	}, nil
}

// FulfillRectification applies per-table correction patches to the
// subject's rows
func (s *Service) FulfillRectification(ctx context.Context, id, orgID string, corrections map[string]map[string]interface{}) (*RectificationResult, error) {
	ctx, span := tracer.Start(ctx, "privacy.fulfill_rectification")
	defer span.End()
	start := time.Now()

	r, err := s.prepare(ctx, id, orgID, TypeRectification)
	if err != nil {
		return nil, err
	}
	if len(corrections) == 0 {
		return nil, invalid("Corrections required")
	}
	span.SetAttributes(attribute.String("request_id", r.ID))

	logger := observability.FromContext(ctx).WithField("request_id", r.ID)
	policy := s.policy.Current()

	tables := make([]string, 0, len(corrections))
	for name := range corrections {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	outcomes := make(map[string]TableOutcome, len(tables))
	changed := make(map[string][]string, len(tables))
	for _, name := range tables {
		t, ok := policy.Table(name)
		if !ok || !t.Rectifiable {
			outcomes[name] = TableOutcome{Status: OutcomeError, Error: "table not eligible for rectification"}
			continue
		}
		patch := sanitize.Object(corrections[name])
		fields, err := PatchFields(t, patch)
		if err != nil {
			outcomes[name] = TableOutcome{Status: OutcomeError, Error: err.Error()}
			continue
		}
		n, err := s.data.Update(ctx, t, r.UserID, r.OrganizationID, patch)
		if err != nil {
			logger.WithError(err).WithField("table", name).Error("Rectification failed for table")
			outcomes[name] = TableOutcome{Status: OutcomeError, Error: "update failed"}
			continue
		}
		outcomes[name] = TableOutcome{Status: OutcomeUpdated, Count: n, UpdatedFields: fields}
		changed[name] = fields
	}

	completedAt, err := s.complete(ctx, r, map[string]interface{}{
		"operation":             "rectification",
		"rectification_results": outcomes,
	})
	if err != nil {
		return nil, err
	}

	s.observeOutcomes("rectification", outcomes)
	s.opts.Metrics.PrivacyFulfillment("rectification", time.Since(start))
	s.record(ctx, audit.ActionDataUpdate, r, map[string]interface{}{
		"transition":  "rectified",
		"corrections": changed,
	})
	return &RectificationResult{
		Message:              "Data rectification completed",
		RectificationResults: outcomes,
		CompletionDate:       completedAt,
	}, nil
}
