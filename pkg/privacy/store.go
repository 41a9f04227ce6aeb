package privacy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// Store persists data_privacy_requests. Every lookup is scoped by
// organization.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore creates a request store bounded by timeout per call
func NewStore(db *sql.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

const requestColumns = `id, user_id, organization_id, request_type, status, legal_basis, description,
	requester_email, requester_verified, verification_token_hash, verification_expires_at,
	fulfillment_deadline, fulfilled_at, fulfillment_data, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r           Request
		description sql.NullString
		fulfilledAt sql.NullTime
		data        []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &r.OrganizationID, &r.RequestType, &r.Status, &r.LegalBasis,
		&description, &r.RequesterEmail, &r.RequesterVerified, &r.VerificationTokenHash,
		&r.VerificationExpiresAt, &r.FulfillmentDeadline, &fulfilledAt, &data, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	if fulfilledAt.Valid {
		t := fulfilledAt.Time
		r.FulfilledAt = &t
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.FulfillmentData); err != nil {
			return nil, fmt.Errorf("failed to decode fulfillment data: %w", err)
		}
	}
	return &r, nil
}

// Insert stores a new request
func (s *Store) Insert(ctx context.Context, r *Request) error {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_privacy_requests (
			id, user_id, organization_id, request_type, status, legal_basis, description,
			requester_email, requester_verified, verification_token_hash, verification_expires_at,
			fulfillment_deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.UserID, r.OrganizationID, r.RequestType, r.Status, r.LegalBasis, nullString(r.Description),
		r.RequesterEmail, r.RequesterVerified, r.VerificationTokenHash, r.VerificationExpiresAt,
		r.FulfillmentDeadline, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return invalid("Organization not found")
		}
		return fmt.Errorf("failed to insert privacy request: %w", err)
	}
	return nil
}

// Get loads a request in orgID. Requests of other organizations are
// reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id, orgID string) (*Request, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM data_privacy_requests WHERE id = $1 AND organization_id = $2`, id, orgID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load privacy request: %w", err)
	}
	return r, nil
}

// List returns a page of requests for orgID, newest first, and the total
// matching count
func (s *Store) List(ctx context.Context, orgID string, f ListFilter) ([]*Request, int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	where := []string{"organization_id = $1"}
	args := []interface{}{orgID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RequestType != "" {
		args = append(args, f.RequestType)
		where = append(where, fmt.Sprintf("request_type = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_privacy_requests WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count privacy requests: %w", err)
	}

	offset := (f.Page - 1) * f.Limit
	query := fmt.Sprintf(`SELECT %s FROM data_privacy_requests WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		requestColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list privacy requests: %w", err)
	}
	defer rows.Close()

	out := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan privacy request: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// MarkVerified moves a pending request to in_progress. It reports false
// when the request was no longer pending.
func (s *Store) MarkVerified(ctx context.Context, id, orgID string, now time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE data_privacy_requests
		SET requester_verified = TRUE, status = $1, updated_at = $2
		WHERE id = $3 AND organization_id = $4 AND status = $5
	`, StatusInProgress, now, id, orgID, StatusPending)
}

// Complete records fulfillment of an in_progress request. It reports
// false when the request was no longer in progress.
func (s *Store) Complete(ctx context.Context, id, orgID string, data map[string]interface{}, now time.Time) (bool, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to encode fulfillment data: %w", err)
	}
	return s.transition(ctx, `
		UPDATE data_privacy_requests
		SET status = $1, fulfilled_at = $2, fulfillment_data = $3, updated_at = $2
		WHERE id = $4 AND organization_id = $5 AND status = $6
	`, StatusCompleted, now, string(payload), id, orgID, StatusInProgress)
}

// Reject closes an open request with a reason
func (s *Store) Reject(ctx context.Context, id, orgID, reason string, now time.Time) (bool, error) {
	payload, err := json.Marshal(map[string]interface{}{"rejection_reason": reason})
	if err != nil {
		return false, fmt.Errorf("failed to encode rejection: %w", err)
	}
	return s.transition(ctx, `
		UPDATE data_privacy_requests
		SET status = $1, fulfillment_data = $2, updated_at = $3
		WHERE id = $4 AND organization_id = $5 AND status IN ($6, $7)
	`, StatusRejected, string(payload), now, id, orgID, StatusPending, StatusInProgress)
}

// ReissueVerification replaces the token hash and window of a pending
// request
func (s *Store) ReissueVerification(ctx context.Context, id, orgID, tokenHash string, expiresAt, now time.Time) (bool, error) {
	return s.transition(ctx, `
		UPDATE data_privacy_requests
		SET verification_token_hash = $1, verification_expires_at = $2, updated_at = $3
		WHERE id = $4 AND organization_id = $5 AND status = $6
	`, tokenHash, expiresAt, now, id, orgID, StatusPending)
}

func (s *Store) transition(ctx context.Context, query string, args ...interface{}) (bool, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update privacy request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// SweptRequest identifies a request touched by the expiry sweep
type SweptRequest struct {
	ID             string
	OrganizationID string
	RequestType    RequestType
	Deadline       time.Time
}

// ExpirePending marks pending requests whose verification window closed
// before now as expired
func (s *Store) ExpirePending(ctx context.Context, now time.Time) ([]SweptRequest, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE data_privacy_requests
		SET status = $1, updated_at = $2
		WHERE status = $3 AND verification_expires_at < $2
		RETURNING id, organization_id, request_type, verification_expires_at
	`, StatusExpired, now, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to expire privacy requests: %w", err)
	}
	return scanSwept(rows)
}

// Overdue lists in_progress requests past their fulfillment deadline
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]SweptRequest, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, request_type, fulfillment_deadline
		FROM data_privacy_requests
		WHERE status = $1 AND fulfillment_deadline < $2
		ORDER BY fulfillment_deadline
	`, StatusInProgress, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue privacy requests: %w", err)
	}
	return scanSwept(rows)
}

func scanSwept(rows *sql.Rows) ([]SweptRequest, error) {
	defer rows.Close()
	var out []SweptRequest
	for rows.Next() {
		var r SweptRequest
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.RequestType, &r.Deadline); err != nil {
			return nil, fmt.Errorf("failed to scan privacy request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
