package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// Store reads an organization's audit trail
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore creates a store bounded by timeout per query
func NewStore(db *sql.DB, timeout time.Duration) *Store {
	return &Store{db: db, timeout: timeout}
}

// ListForOrganization returns the matching entries of one organization,
// newest first, and the total match count
func (s *Store) ListForOrganization(ctx context.Context, orgID string, filter ListFilter) ([]Record, int, error) {
	where, args := buildWhere(orgID, filter)

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, organization_id, action, entity_type, entity_id,
		       ip_address, user_agent, request_id, metadata, risk_level, status, created_at
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return records, total, nil
}

// Export encodes the organization's matching entries in format
func (s *Store) Export(ctx context.Context, orgID string, filter ListFilter, format ExportFormat) ([]byte, error) {
	if filter.Limit <= 0 {
		filter.Limit = 10000
	}
	records, _, err := s.ListForOrganization(ctx, orgID, filter)
	if err != nil {
		return nil, err
	}
	switch format {
	case ExportFormatCSV:
		return exportCSV(records)
	default:
		return exportJSON(records)
	}
}

func buildWhere(orgID string, filter ListFilter) (string, []interface{}) {
	clauses := []string{"organization_id = $1"}
	args := []interface{}{orgID}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", pq.Array(actions))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.RiskLevel != "" {
		add("risk_level = $%d", string(filter.RiskLevel))
	}
	if filter.Since != nil {
		add("created_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		add("created_at <= $%d", *filter.Until)
	}
	return strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec                             Record
		userID, orgID, entityID         sql.NullString
		ipAddress, userAgent, requestID sql.NullString
		metadata                        []byte
		action, risk, status            string
	)
	if err := row.Scan(&rec.ID, &userID, &orgID, &action, &rec.EntityType, &entityID,
		&ipAddress, &userAgent, &requestID, &metadata, &risk, &status, &rec.CreatedAt); err != nil {
		return Record{}, fmt.Errorf("failed to scan audit log: %w", err)
	}
	rec.UserID = userID.String
	rec.OrganizationID = orgID.String
	rec.EntityID = entityID.String
	rec.IPAddress = ipAddress.String
	rec.UserAgent = userAgent.String
	rec.RequestID = requestID.String
	rec.Action = Action(action)
	rec.RiskLevel = RiskLevel(risk)
	rec.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	return rec, nil
}
