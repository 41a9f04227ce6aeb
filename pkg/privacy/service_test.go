package privacy

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

func (w *recordingWriter) actions() []audit.Action {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]audit.Action, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.Action
	}
	return out
}

func (w *recordingWriter) find(action audit.Action) *audit.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].Action == action {
			e := w.entries[i]
			return &e
		}
	}
	return nil
}

func (w *recordingWriter) last() audit.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries[len(w.entries)-1]
}

type captureNotifier struct {
	token string
	err   error
}

func (n *captureNotifier) SendVerification(_ context.Context, _ *Request, token string) error {
	n.token = token
	return n.err
}

type fakeData struct {
	mu          sync.Mutex
	rows        map[string][]map[string]interface{}
	failCollect map[string]bool
	failDelete  map[string]bool
	actions     map[string]int64
	actionsErr  error
	deleted     map[string]int64
	updated     map[string]map[string]interface{}
	calls       int
}

func newFakeData() *fakeData {
	return &fakeData{
		rows:        map[string][]map[string]interface{}{},
		failCollect: map[string]bool{},
		failDelete:  map[string]bool{},
		actions:     map[string]int64{},
		deleted:     map[string]int64{},
		updated:     map[string]map[string]interface{}{},
	}
}

func (f *fakeData) Collect(_ context.Context, t TableSpec, _, _ string) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failCollect[t.Name] {
		return nil, errors.New("relation does not exist")
	}
	rows := f.rows[t.Name]
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	return rows, nil
}

func (f *fakeData) Delete(_ context.Context, t TableSpec, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failDelete[t.Name] {
		return 0, errors.New("permission denied for table")
	}
	n := int64(len(f.rows[t.Name]))
	delete(f.rows, t.Name)
	f.deleted[t.Name] = n
	return n, nil
}

func (f *fakeData) Update(_ context.Context, t TableSpec, _, _ string, patch map[string]interface{}) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.updated[t.Name] = patch
	return int64(len(f.rows[t.Name])), nil
}

func (f *fakeData) ActionCounts(_ context.Context, _, _ string, actions []string) (map[string]int64, error) {
	if f.actionsErr != nil {
		return nil, f.actionsErr
	}
	out := map[string]int64{}
	for _, a := range actions {
		if n, ok := f.actions[a]; ok {
			out[a] = n
		}
	}
	return out, nil
}

type fixture struct {
	service  *Service
	mock     sqlmock.Sqlmock
	data     *fakeData
	audit    *recordingWriter
	notifier *captureNotifier
}

func newFixture(t *testing.T, archive storage.ArchiveStore) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{mock: mock, data: newFakeData(), audit: &recordingWriter{}, notifier: &captureNotifier{}}
	f.service = NewService(NewStore(db, time.Second), f.data, nil, ServiceOptions{
		Archive:  archive,
		Notifier: f.notifier,
		Audit:    f.audit,
		Now:      func() time.Time { return fixedNow },
	})
	return f
}

var requestCols = []string{
	"id", "user_id", "organization_id", "request_type", "status", "legal_basis", "description",
	"requester_email", "requester_verified", "verification_token_hash", "verification_expires_at",
	"fulfillment_deadline", "fulfilled_at", "fulfillment_data", "created_at", "updated_at",
}

func stored(reqType RequestType, status Status, verified bool) *Request {
	return &Request{
		ID:                    "req-1",
		UserID:                "client-7",
		OrganizationID:        "org-1",
		RequestType:           reqType,
		Status:                status,
		LegalBasis:            BasisGDPR,
		RequesterEmail:        "a@b.com",
		RequesterVerified:     verified,
		VerificationTokenHash: auth.HashToken("right-token"),
		VerificationExpiresAt: fixedNow.Add(time.Hour),
		FulfillmentDeadline:   fixedNow.Add(29 * 24 * time.Hour),
		CreatedAt:             fixedNow.Add(-time.Hour),
		UpdatedAt:             fixedNow.Add(-time.Hour),
	}
}

func expectGet(mock sqlmock.Sqlmock, r *Request) {
	mock.ExpectQuery("FROM data_privacy_requests WHERE id = ").
		WithArgs(r.ID, r.OrganizationID).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			r.ID, r.UserID, r.OrganizationID, string(r.RequestType), string(r.Status), string(r.LegalBasis), nil,
			r.RequesterEmail, r.RequesterVerified, r.VerificationTokenHash, r.VerificationExpiresAt,
			r.FulfillmentDeadline, nil, nil, r.CreatedAt, r.UpdatedAt))
}

func expectComplete(mock sqlmock.Sqlmock, r *Request, affected int64) {
	mock.ExpectExec("UPDATE data_privacy_requests").
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), r.ID, r.OrganizationID, "in_progress").
		WillReturnResult(sqlmock.NewResult(0, affected))
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusRejected, true},
		{StatusInProgress, StatusExpired, false},
		{StatusInProgress, StatusPending, false},
		{StatusCompleted, StatusRejected, false},
		{StatusRejected, StatusInProgress, false},
		{StatusExpired, StatusInProgress, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestService_Create(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, nil)
		tests := []struct {
			name  string
			org   string
			in    CreateRequest
			error string
		}{
			{"bad type", "org-1", CreateRequest{RequestType: "delete_everything", RequesterEmail: "a@b.com", UserID: "u"}, "Invalid request type"},
			{"no org", "", CreateRequest{RequestType: TypeAccess, RequesterEmail: "a@b.com", UserID: "u"}, "Organization ID required"},
			{"bad basis", "org-1", CreateRequest{RequestType: TypeAccess, LegalBasis: "hipaa", RequesterEmail: "a@b.com", UserID: "u"}, "Invalid legal basis"},
			{"bad email", "org-1", CreateRequest{RequestType: TypeAccess, RequesterEmail: "nope", UserID: "u"}, "Valid requester_email is required"},
			{"no subject", "org-1", CreateRequest{RequestType: TypeAccess, RequesterEmail: "a@b.com"}, "user_id is required"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.service.Create(context.Background(), tt.org, "", tt.in)
				require.Error(t, err)
				assert.True(t, IsValidation(err))
				assert.Equal(t, tt.error, err.Error())
			})
		}
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("creates pending request", func(t *testing.T) {
		f := newFixture(t, nil)
		args := make([]driver.Value, 14)
		for i := range args {
			args[i] = sqlmock.AnyArg()
		}
		f.mock.ExpectExec("INSERT INTO data_privacy_requests").WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))

		r, err := f.service.Create(context.Background(), "org-1", "member-3", CreateRequest{
			RequestType:    TypeAccess,
			RequesterEmail: "  A@B.com ",
			Description:    "<b>please</b> send my data",
		})
		require.NoError(t, err)

		assert.Equal(t, StatusPending, r.Status)
		assert.False(t, r.RequesterVerified)
		assert.Equal(t, "member-3", r.UserID)
		assert.Equal(t, "a@b.com", r.RequesterEmail)
		assert.Equal(t, "please send my data", r.Description)
		assert.Equal(t, BasisGDPR, r.LegalBasis)
		assert.Equal(t, fixedNow.Add(24*time.Hour), r.VerificationExpiresAt)
		assert.Equal(t, fixedNow.Add(30*24*time.Hour), r.FulfillmentDeadline)

		require.NotEmpty(t, f.notifier.token)
		assert.True(t, auth.TokenMatchesHash(f.notifier.token, r.VerificationTokenHash))
		assert.NotEqual(t, f.notifier.token, r.VerificationTokenHash)

		assert.Equal(t, []audit.Action{audit.ActionDataCreate}, f.audit.actions())
		assert.Equal(t, "gdpr", f.audit.last().Metadata["legal_basis"])
		assert.Equal(t, "org-1", f.audit.last().OrganizationID)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("notifier failure keeps request", func(t *testing.T) {
		f := newFixture(t, nil)
		f.notifier.err = errors.New("smtp down")
		f.mock.ExpectExec("INSERT INTO data_privacy_requests").WillReturnResult(sqlmock.NewResult(0, 1))

		r, err := f.service.Create(context.Background(), "org-1", "", CreateRequest{
			RequestType: TypeErasure, RequesterEmail: "a@b.com", UserID: "client-7",
		})
		require.NoError(t, err)
		assert.Equal(t, "client-7", r.UserID)
	})
}

func TestService_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong token leaves state unchanged", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusPending, false))

		_, err := f.service.Verify(ctx, "req-1", "org-1", "wrong-token")
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Equal(t, "Invalid verification token", err.Error())
		assert.Equal(t, []audit.Action{audit.ActionSuspiciousActivity}, f.audit.actions())
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("correct token moves to in_progress", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusPending, false))
		f.mock.ExpectExec("UPDATE data_privacy_requests").
			WithArgs("in_progress", sqlmock.AnyArg(), "req-1", "org-1", "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))

		r, err := f.service.Verify(ctx, "req-1", "org-1", "right-token")
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, r.Status)
		assert.True(t, r.RequesterVerified)
		assert.Equal(t, []audit.Action{audit.ActionDataUpdate}, f.audit.actions())
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t, nil)
		r := stored(TypeAccess, StatusPending, false)
		r.VerificationExpiresAt = fixedNow.Add(-time.Minute)
		expectGet(f.mock, r)

		_, err := f.service.Verify(ctx, "req-1", "org-1", "right-token")
		require.Error(t, err)
		assert.Equal(t, "Verification token expired", err.Error())
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("second verify is idempotent", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusInProgress, true))

		r, err := f.service.Verify(ctx, "req-1", "org-1", "right-token")
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, r.Status)
		assert.Empty(t, f.audit.actions())
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("closed requests conflict", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusCompleted, true))
		_, err := f.service.Verify(ctx, "req-1", "org-1", "right-token")
		assert.ErrorIs(t, err, ErrAlreadyFulfilled)

		expectGet(f.mock, stored(TypeAccess, StatusExpired, false))
		_, err = f.service.Verify(ctx, "req-1", "org-1", "right-token")
		assert.ErrorIs(t, err, ErrRequestClosed)
	})

	t.Run("unknown request", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mock.ExpectQuery("FROM data_privacy_requests WHERE id = ").
			WithArgs("missing", "org-1").
			WillReturnRows(sqlmock.NewRows(requestCols))
		_, err := f.service.Verify(ctx, "missing", "org-1", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestService_FulfillPreconditions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		stored  *Request
		call    func(s *Service) error
		wantErr error
		message string
	}{
		{
			name:    "wrong type for access",
			stored:  stored(TypeErasure, StatusInProgress, true),
			call:    func(s *Service) error { _, err := s.FulfillAccess(ctx, "req-1", "org-1", FormatJSON); return err },
			wantErr: ErrWrongType,
			message: "Invalid request type for this operation",
		},
		{
			name:    "type checked before verification",
			stored:  stored(TypeAccess, StatusPending, false),
			call:    func(s *Service) error { _, err := s.FulfillErasure(ctx, "req-1", "org-1", true); return err },
			wantErr: ErrWrongType,
		},
		{
			name:    "unverified erasure",
			stored:  stored(TypeErasure, StatusPending, false),
			call:    func(s *Service) error { _, err := s.FulfillErasure(ctx, "req-1", "org-1", true); return err },
			wantErr: ErrNotVerified,
			message: "Request not verified",
		},
		{
			name:   "unverified rectification",
			stored: stored(TypeRectification, StatusPending, false),
			call: func(s *Service) error {
				_, err := s.FulfillRectification(ctx, "req-1", "org-1", map[string]map[string]interface{}{"clients": {"first_name": "A"}})
				return err
			},
			wantErr: ErrNotVerified,
		},
		{
			name:    "already fulfilled",
			stored:  stored(TypeErasure, StatusCompleted, true),
			call:    func(s *Service) error { _, err := s.FulfillErasure(ctx, "req-1", "org-1", true); return err },
			wantErr: ErrAlreadyFulfilled,
			message: "Request already fulfilled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			expectGet(f.mock, tt.stored)
			err := tt.call(f.service)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.message != "" {
				assert.Equal(t, tt.message, err.Error())
			}
			assert.Zero(t, f.data.calls)
			assert.NoError(t, f.mock.ExpectationsWereMet())
		})
	}

	t.Run("body flags checked last", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeErasure, StatusInProgress, true))
		_, err := f.service.FulfillErasure(ctx, "req-1", "org-1", false)
		require.Error(t, err)
		assert.Equal(t, "Deletion confirmation required", err.Error())

		expectGet(f.mock, stored(TypeRectification, StatusInProgress, true))
		_, err = f.service.FulfillRectification(ctx, "req-1", "org-1", nil)
		require.Error(t, err)
		assert.Equal(t, "Corrections required", err.Error())
		assert.Zero(t, f.data.calls)
	})
}

func TestService_FulfillAccess_JSON(t *testing.T) {
	archive, err := storage.NewFileSystemArchiveStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, archive)
	f.data.rows["clients"] = []map[string]interface{}{{"id": "client-7", "first_name": "Ada"}}
	f.data.rows["check_ins"] = []map[string]interface{}{{"id": "c1"}, {"id": "c2"}}
	f.data.failCollect["bookings"] = true

	r := stored(TypeAccess, StatusInProgress, true)
	expectGet(f.mock, r)
	expectComplete(f.mock, r, 1)

	result, err := f.service.FulfillAccess(context.Background(), "req-1", "org-1", "")
	require.NoError(t, err)

	assert.Equal(t, "application/json", result.ContentType)
	assert.True(t, strings.HasSuffix(result.FileName, ".json"))
	assert.EqualValues(t, 3, result.TotalRows)
	assert.Equal(t, OutcomeError, result.Tables["bookings"].Status)
	assert.Equal(t, OutcomeExported, result.Tables["check_ins"].Status)
	assert.EqualValues(t, 2, result.Tables["check_ins"].Count)
	assert.True(t, strings.HasPrefix(result.ArchivedAt, "file://"))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &doc))
	assert.Contains(t, doc, "export_date")
	assert.Contains(t, doc, "processing_purposes")
	assert.Contains(t, doc, "retention_periods")
	assert.Contains(t, doc, "data_subject_rights")
	assert.Contains(t, doc, "third_party_sharing")
	sources, ok := doc["data_sources"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, sources, "clients")
	assert.NotContains(t, sources, "bookings")
	assert.NotContains(t, doc["data"], "bookings")

	assert.Equal(t, audit.ActionDataExport, f.audit.last().Action)
	assert.EqualValues(t, 3, f.audit.last().Metadata["total_records"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_FulfillAccess_CSV(t *testing.T) {
	f := newFixture(t, nil)
	f.data.rows["clients"] = []map[string]interface{}{{"id": "client-7", "email": "a@b.com", "tags": []interface{}{"vip"}}}

	r := stored(TypePortability, StatusInProgress, true)
	expectGet(f.mock, r)
	expectComplete(f.mock, r, 1)

	result, err := f.service.FulfillAccess(context.Background(), "req-1", "org-1", FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "application/zip", result.ContentType)

	zr, err := zip.NewReader(bytes.NewReader(result.Body), int64(len(result.Body)))
	require.NoError(t, err)
	files := map[string]string{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[zf.Name] = string(b)
	}

	require.Contains(t, files, "summary.csv")
	require.Contains(t, files, "clients.csv")
	assert.NotContains(t, files, "bookings.csv")
	assert.Contains(t, files["clients.csv"], "email,id,tags")
	assert.Contains(t, files["clients.csv"], `"[""vip""]"`)
	assert.Contains(t, files["summary.csv"], "records.clients,1")
	assert.Contains(t, files["summary.csv"], "request_id,req-1")
}

func TestService_FulfillAccess_InvalidFormat(t *testing.T) {
	f := newFixture(t, nil)
	expectGet(f.mock, stored(TypeAccess, StatusInProgress, true))
	_, err := f.service.FulfillAccess(context.Background(), "req-1", "org-1", "xml")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Zero(t, f.data.calls)
}

func TestService_FulfillErasure(t *testing.T) {
	t.Run("retains legal hold tables", func(t *testing.T) {
		f := newFixture(t, nil)
		f.data.rows["clients"] = []map[string]interface{}{{"id": "client-7"}}
		f.data.rows["bookings"] = []map[string]interface{}{{"id": "b1"}, {"id": "b2"}}
		f.data.rows["audit_logs"] = []map[string]interface{}{{"id": "a1"}}
		f.data.actions["auth.login"] = 4
		f.data.failDelete["payments"] = true

		r := stored(TypeErasure, StatusInProgress, true)
		expectGet(f.mock, r)
		expectComplete(f.mock, r, 1)

		result, err := f.service.FulfillErasure(context.Background(), "req-1", "org-1", true)
		require.NoError(t, err)

		assert.EqualValues(t, 3, result.TotalDeleted)
		assert.Equal(t, OutcomeRetained, result.DeletionResults["audit_logs"].Status)
		assert.Contains(t, result.DeletionResults["audit_logs"].Reason, "auth.login")
		assert.Equal(t, OutcomeError, result.DeletionResults["payments"].Status)
		assert.Equal(t, OutcomeDeleted, result.DeletionResults["check_ins"].Status)
		assert.EqualValues(t, 0, result.DeletionResults["check_ins"].Count)
		assert.Len(t, result.DeletionResults, len(DefaultPolicy().Tables))
		assert.Equal(t, []RetentionReason{{Action: "auth.login", Occurrences: 4}}, result.Retention)
		assert.Equal(t, fixedNow, result.CompletionDate)

		assert.NotContains(t, f.data.deleted, "audit_logs")
		assert.Equal(t, audit.ActionDataDelete, f.audit.last().Action)
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("no obligation purges audit logs", func(t *testing.T) {
		f := newFixture(t, nil)
		f.data.rows["audit_logs"] = []map[string]interface{}{{"id": "a1"}}

		r := stored(TypeErasure, StatusInProgress, true)
		expectGet(f.mock, r)
		expectComplete(f.mock, r, 1)

		result, err := f.service.FulfillErasure(context.Background(), "req-1", "org-1", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeleted, result.DeletionResults["audit_logs"].Status)
		assert.EqualValues(t, 1, result.TotalDeleted)
	})

	t.Run("failed retention check retains", func(t *testing.T) {
		f := newFixture(t, nil)
		f.data.actionsErr = errors.New("timeout")

		r := stored(TypeErasure, StatusInProgress, true)
		expectGet(f.mock, r)
		expectComplete(f.mock, r, 1)

		result, err := f.service.FulfillErasure(context.Background(), "req-1", "org-1", true)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetained, result.DeletionResults["audit_logs"].Status)
	})

	t.Run("concurrent completion", func(t *testing.T) {
		f := newFixture(t, nil)
		r := stored(TypeErasure, StatusInProgress, true)
		expectGet(f.mock, r)
		expectComplete(f.mock, r, 0)

		_, err := f.service.FulfillErasure(context.Background(), "req-1", "org-1", true)
		assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	})
}

func TestService_FulfillRectification(t *testing.T) {
	f := newFixture(t, nil)
	f.data.rows["communications"] = []map[string]interface{}{{"id": "m1"}}

	r := stored(TypeRectification, StatusInProgress, true)
	expectGet(f.mock, r)
	expectComplete(f.mock, r, 1)

	result, err := f.service.FulfillRectification(context.Background(), "req-1", "org-1", map[string]map[string]interface{}{
		"communications": {"subject": "  Welcome <b>back</b> "},
		"clients":        {"organization_id": "org-2"},
		"payments":       {"amount_cents": 1},
		"unknown_table":  {"x": 1},
	})
	require.NoError(t, err)

	comm := result.RectificationResults["communications"]
	assert.Equal(t, OutcomeUpdated, comm.Status)
	assert.EqualValues(t, 1, comm.Count)
	assert.Equal(t, []string{"subject"}, comm.UpdatedFields)
	assert.Equal(t, "Welcome back", f.data.updated["communications"]["subject"])

	assert.Equal(t, OutcomeError, result.RectificationResults["clients"].Status)
	assert.Contains(t, result.RectificationResults["clients"].Error, "cannot be changed")
	assert.Equal(t, OutcomeError, result.RectificationResults["payments"].Status)
	assert.Equal(t, OutcomeError, result.RectificationResults["unknown_table"].Status)
	assert.NotContains(t, f.data.updated, "clients")

	last := f.audit.last()
	assert.Equal(t, audit.ActionDataUpdate, last.Action)
	assert.Equal(t, map[string][]string{"communications": {"subject"}}, last.Metadata["corrections"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_Reject(t *testing.T) {
	f := newFixture(t, nil)
	expectGet(f.mock, stored(TypeObjection, StatusPending, false))
	f.mock.ExpectExec("UPDATE data_privacy_requests").
		WithArgs("rejected", sqlmock.AnyArg(), sqlmock.AnyArg(), "req-1", "org-1", "pending", "in_progress").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r, err := f.service.Reject(context.Background(), "req-1", "org-1", "Identity could not be confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, "Identity could not be confirmed", r.FulfillmentData["rejection_reason"])

	_, err = f.service.Reject(context.Background(), "req-1", "org-1", "  ")
	assert.True(t, IsValidation(err))

	expectGet(f.mock, stored(TypeObjection, StatusCompleted, true))
	_, err = f.service.Reject(context.Background(), "req-1", "org-1", "late")
	assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_ResendVerification(t *testing.T) {
	t.Run("pending gets a fresh token", func(t *testing.T) {
		f := newFixture(t, nil)
		old := stored(TypeAccess, StatusPending, false)
		expectGet(f.mock, old)
		f.mock.ExpectExec("UPDATE data_privacy_requests").
			WithArgs(sqlmock.AnyArg(), fixedNow.Add(defaultVerificationTTL), fixedNow, "req-1", "org-1", "pending").
			WillReturnResult(sqlmock.NewResult(0, 1))

		r, err := f.service.ResendVerification(context.Background(), "req-1", "org-1")
		require.NoError(t, err)
		require.NotEmpty(t, f.notifier.token)
		assert.NotEqual(t, "right-token", f.notifier.token)
		assert.Equal(t, auth.HashToken(f.notifier.token), r.VerificationTokenHash)
		assert.Equal(t, fixedNow.Add(defaultVerificationTTL), r.VerificationExpiresAt)

		entry := f.audit.last()
		assert.Equal(t, audit.ActionDataUpdate, entry.Action)
		assert.Equal(t, "verification_reissued", entry.Metadata["transition"])
		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("already verified", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusInProgress, true))
		_, err := f.service.ResendVerification(context.Background(), "req-1", "org-1")
		assert.True(t, IsValidation(err))
		assert.Empty(t, f.notifier.token)
	})

	t.Run("completed", func(t *testing.T) {
		f := newFixture(t, nil)
		expectGet(f.mock, stored(TypeAccess, StatusCompleted, true))
		_, err := f.service.ResendVerification(context.Background(), "req-1", "org-1")
		assert.ErrorIs(t, err, ErrAlreadyFulfilled)
	})

	t.Run("delivery failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.notifier.err = errors.New("relay unreachable")
		expectGet(f.mock, stored(TypeAccess, StatusPending, false))
		f.mock.ExpectExec("UPDATE data_privacy_requests").WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := f.service.ResendVerification(context.Background(), "req-1", "org-1")
		assert.ErrorIs(t, err, ErrDeliveryFailed)
		entry := f.audit.last()
		assert.Equal(t, string(audit.StatusFailure), entry.Metadata[audit.MetaStatus])
		assert.Contains(t, entry.Metadata[audit.MetaErrorMessage], "relay unreachable")
	})
}

func TestService_List(t *testing.T) {
	f := newFixture(t, nil)

	_, _, _, err := f.service.List(context.Background(), "org-1", ListFilter{Status: "done"})
	assert.True(t, IsValidation(err))

	f.mock.ExpectQuery("SELECT COUNT").WithArgs("org-1", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	r := stored(TypeAccess, StatusPending, false)
	f.mock.ExpectQuery("ORDER BY created_at DESC").WithArgs("org-1", "pending", 100, 0).
		WillReturnRows(sqlmock.NewRows(requestCols).AddRow(
			r.ID, r.UserID, r.OrganizationID, string(r.RequestType), string(r.Status), string(r.LegalBasis), "desc",
			r.RequesterEmail, r.RequesterVerified, r.VerificationTokenHash, r.VerificationExpiresAt,
			r.FulfillmentDeadline, nil, []byte(`{"note":"x"}`), r.CreatedAt, r.UpdatedAt))

	requests, total, applied, err := f.service.List(context.Background(), "org-1", ListFilter{Status: StatusPending, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, applied.Page)
	assert.Equal(t, 100, applied.Limit)
	require.Len(t, requests, 1)
	assert.Equal(t, "desc", requests[0].Description)
	assert.Equal(t, "x", requests[0].FulfillmentData["note"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestService_ExpireOverdue(t *testing.T) {
	f := newFixture(t, nil)
	swept := []string{"id", "organization_id", "request_type", "deadline"}
	f.mock.ExpectQuery("UPDATE data_privacy_requests").
		WithArgs("expired", fixedNow, "pending").
		WillReturnRows(sqlmock.NewRows(swept).
			AddRow("req-old", "org-1", "access", fixedNow.Add(-2*time.Hour)))
	f.mock.ExpectQuery("SELECT id, organization_id, request_type, fulfillment_deadline").
		WithArgs("in_progress", fixedNow).
		WillReturnRows(sqlmock.NewRows(swept).
			AddRow("req-late", "org-2", "erasure", fixedNow.Add(-24*time.Hour)))

	result, err := f.service.ExpireOverdue(context.Background(), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-old"}, result.Expired)
	assert.Equal(t, []string{"req-late"}, result.Overdue)
	assert.Equal(t, []audit.Action{audit.ActionDataUpdate, audit.ActionSuspiciousActivity}, f.audit.actions())
	assert.Equal(t, "org-2", f.audit.last().OrganizationID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
