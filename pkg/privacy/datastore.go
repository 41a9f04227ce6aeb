package privacy

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/gymdesk/pkg/sanitize"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// DataStore reads and mutates a subject's rows in personal-data tables.
// Every call is scoped by subject and organization.
type DataStore interface {
	Collect(ctx context.Context, table TableSpec, subjectID, orgID string) ([]map[string]interface{}, error)
	Delete(ctx context.Context, table TableSpec, subjectID, orgID string) (int64, error)
	Update(ctx context.Context, table TableSpec, subjectID, orgID string, patch map[string]interface{}) (int64, error)
	// ActionCounts counts audit_logs rows per action for the subject
	ActionCounts(ctx context.Context, subjectID, orgID string, actions []string) (map[string]int64, error)
}

// SQLDataStore is the Postgres DataStore
type SQLDataStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLDataStore creates a data store bounded by timeout per call
func NewSQLDataStore(db *sql.DB, timeout time.Duration) *SQLDataStore {
	return &SQLDataStore{db: db, timeout: timeout}
}

var tracer = otel.Tracer("github.com/platinummonkey/gymdesk/pkg/privacy")

// subjectPredicate builds "(a = $1 OR b = $1) AND org = $2" with quoted
// identifiers. Placeholders start at first.
func subjectPredicate(t TableSpec, first int) string {
	parts := make([]string, 0, len(t.SubjectColumns))
	for _, c := range t.SubjectColumns {
		parts = append(parts, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(sanitize.SQLIdentifier(c)), first))
	}
	return fmt.Sprintf("(%s) AND %s = $%d",
		strings.Join(parts, " OR "),
		pq.QuoteIdentifier(sanitize.SQLIdentifier(t.OrganizationColumn)), first+1)
}

func quoteTable(t TableSpec) string {
	return pq.QuoteIdentifier(sanitize.SQLIdentifier(t.Name))
}

// Collect returns every row of the table belonging to the subject
func (s *SQLDataStore) Collect(ctx context.Context, t TableSpec, subjectID, orgID string) ([]map[string]interface{}, error) {
	ctx, span := tracer.Start(ctx, "privacy.collect")
	span.SetAttributes(attribute.String("table", t.Name))
	defer span.End()

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", quoteTable(t), subjectPredicate(t, 1))
	rows, err := s.db.QueryContext(ctx, query, subjectID, orgID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", t.Name, err)
	}

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

// normalizeValue turns driver values into JSON friendly ones. JSON
// documents are decoded, other byte slices become strings.
func normalizeValue(v interface{}) interface{} {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		var decoded interface{}
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			return decoded
		}
	}
	return string(b)
}

// Delete removes the subject's rows and returns how many went
func (s *SQLDataStore) Delete(ctx context.Context, t TableSpec, subjectID, orgID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "privacy.delete")
	span.SetAttributes(attribute.String("table", t.Name))
	defer span.End()

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", quoteTable(t), subjectPredicate(t, 1)), subjectID, orgID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete from %s: %w", t.Name, err)
	}
	return res.RowsAffected()
}

// Update applies patch to the subject's rows. Column names are reduced to
// [A-Za-z0-9_] and quoted; columns that identify the subject or the
// organization cannot be patched.
func (s *SQLDataStore) Update(ctx context.Context, t TableSpec, subjectID, orgID string, patch map[string]interface{}) (int64, error) {
	ctx, span := tracer.Start(ctx, "privacy.update")
	span.SetAttributes(attribute.String("table", t.Name))
	defer span.End()

	fields, err := PatchFields(t, patch)
	if err != nil {
		return 0, err
	}

	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+2)
	for _, f := range fields {
		args = append(args, patchValue(patch[f]))
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(f), len(args)))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteTable(t), strings.Join(sets, ", "), subjectPredicate(t, len(args)+1))
	args = append(args, subjectID, orgID)

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to update %s: %w", t.Name, err)
	}
	return res.RowsAffected()
}

// PatchFields validates and orders the columns of a correction patch
func PatchFields(t TableSpec, patch map[string]interface{}) ([]string, error) {
	protected := map[string]struct{}{t.OrganizationColumn: {}, "id": {}, "created_at": {}}
	for _, c := range t.SubjectColumns {
		protected[c] = struct{}{}
	}

	fields := make([]string, 0, len(patch))
	for k := range patch {
		col := sanitize.SQLIdentifier(k)
		if col == "" || col != k {
			return nil, fmt.Errorf("invalid column %q", k)
		}
		if _, ok := protected[col]; ok {
			return nil, fmt.Errorf("column %q cannot be changed", col)
		}
		fields = append(fields, col)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	sort.Strings(fields)
	return fields, nil
}

// patchValue stores nested documents as JSON text
func patchValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

// ActionCounts counts the subject's audit_logs rows per listed action
func (s *SQLDataStore) ActionCounts(ctx context.Context, subjectID, orgID string, actions []string) (map[string]int64, error) {
	counts := map[string]int64{}
	if len(actions) == 0 {
		return counts, nil
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COUNT(*)
		FROM audit_logs
		WHERE user_id = $1 AND organization_id = $2 AND action = ANY($3)
		GROUP BY action
	`, subjectID, orgID, pq.Array(actions))
	if err != nil {
		return nil, fmt.Errorf("failed to count audit actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action string
			n      int64
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit action count: %w", err)
		}
		counts[action] = n
	}
	return counts, rows.Err()
}
