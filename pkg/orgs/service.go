package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
	"github.com/platinummonkey/gymdesk/pkg/sanitize"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

const (
	maxNameLength   = 255
	maxDomainLength = 253
	// maxTreeDepth bounds recursive walks of the organization tree
	maxTreeDepth = 64
)

// PermissionInvalidator drops cached authorization decisions
type PermissionInvalidator interface {
	InvalidateUser(userID, orgID string)
}

// Service manages organizations, their locations and memberships
type Service struct {
	db          *sql.DB
	timeout     time.Duration
	audit       audit.Writer
	invalidator PermissionInvalidator
	logger      logrus.FieldLogger
}

// NewService creates an organization service. auditWriter and invalidator
// may be nil.
func NewService(db *sql.DB, timeout time.Duration, auditWriter audit.Writer, invalidator PermissionInvalidator, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		db:          db,
		timeout:     timeout,
		audit:       auditWriter,
		invalidator: invalidator,
		logger:      logger,
	}
}

func (s *Service) record(ctx context.Context, action audit.Action, entityType, entityID string, details map[string]interface{}) {
	entry := audit.FromContext(ctx, action, entityType)
	entry.EntityID = entityID
	for k, v := range details {
		entry.Metadata[k] = v
	}
	audit.CreateAuditLog(ctx, s.audit, entry)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(sanitize.Text(domain, maxDomainLength))
}

func normalizeSettings(settings map[string]any) map[string]any {
	out := sanitize.Object(settings)
	if _, ok := out[FeaturesKey].(map[string]any); !ok {
		out[FeaturesKey] = map[string]any{}
	}
	return out
}

// CreateOrganization creates an organization and makes actorID its owner
func (s *Service) CreateOrganization(ctx context.Context, actorID string, req CreateOrganizationRequest) (*Organization, error) {
	name := sanitize.Text(req.Name, maxNameLength)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}
	orgType := req.OrganizationType
	if orgType == "" {
		orgType = TypeSingle
	}
	if !orgType.Valid() {
		return nil, &ValidationError{Field: "organization_type", Message: "must be single, franchise or location_group"}
	}

	org := &Organization{
		ID:               uuid.New().String(),
		Name:             name,
		Settings:         normalizeSettings(req.Settings),
		OrganizationType: orgType,
		IsActive:         true,
	}
	if d := normalizeDomain(req.Domain); d != "" {
		org.Domain = &d
	}
	if actorID != "" {
		org.CreatedBy = &actorID
	}

	settingsJSON, err := json.Marshal(org.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if parent := strings.TrimSpace(req.ParentID); parent != "" {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT is_active FROM organizations WHERE id = $1`, parent).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return nil, ErrInvalidParent
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load parent organization: %w", err)
		}
		org.ParentID = &parent
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO organizations (id, name, domain, settings, parent_id, organization_type, is_active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, org.ID, org.Name, org.Domain, settingsJSON, org.ParentID, string(org.OrganizationType), org.IsActive, org.CreatedBy,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	if actorID != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_organizations (user_id, organization_id, role_id, is_active)
			VALUES ($1, $2, $3, true)
		`, actorID, org.ID, rbac.RoleID(auth.RoleOwner))
		if err != nil {
			return nil, fmt.Errorf("failed to add owner membership: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit organization: %w", err)
	}

	s.record(ctx, audit.ActionDataCreate, "organization", org.ID, map[string]interface{}{
		"created_by":        actorID,
		"name":              org.Name,
		"organization_type": string(org.OrganizationType),
	})
	return org, nil
}

const organizationColumns = `id, name, domain, settings, parent_id, organization_type, is_active, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*Organization, error) {
	var (
		org       Organization
		domain    sql.NullString
		parentID  sql.NullString
		createdBy sql.NullString
		orgType   string
		settings  []byte
	)
	err := row.Scan(&org.ID, &org.Name, &domain, &settings, &parentID, &orgType,
		&org.IsActive, &createdBy, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	org.OrganizationType = OrganizationType(orgType)
	org.Settings = decodeSettings(settings)
	if domain.Valid {
		org.Domain = &domain.String
	}
	if parentID.Valid {
		org.ParentID = &parentID.String
	}
	if createdBy.Valid {
		org.CreatedBy = &createdBy.String
	}
	return &org, nil
}

// GetOrganization retrieves an organization by id
func (s *Service) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	org, err := scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// UpdateOrganization changes name, domain or replaces settings
func (s *Service) UpdateOrganization(ctx context.Context, id string, req UpdateOrganizationRequest) (*Organization, error) {
	setClauses := []string{}
	args := []interface{}{}
	fields := []string{}
	argPos := 1

	if req.Name != nil {
		name := sanitize.Text(*req.Name, maxNameLength)
		if name == "" {
			return nil, &ValidationError{Field: "name", Message: "must not be empty"}
		}
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, name)
		fields = append(fields, "name")
		argPos++
	}
	if req.Domain != nil {
		var domain *string
		if d := normalizeDomain(*req.Domain); d != "" {
			domain = &d
		}
		setClauses = append(setClauses, fmt.Sprintf("domain = $%d", argPos))
		args = append(args, domain)
		fields = append(fields, "domain")
		argPos++
	}
	if req.Settings != nil {
		settingsJSON, err := json.Marshal(normalizeSettings(req.Settings))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal settings: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("settings = $%d", argPos))
		args = append(args, settingsJSON)
		fields = append(fields, "settings")
		argPos++
	}

	if len(setClauses) == 0 {
		return s.GetOrganization(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE organizations SET %s, updated_at = NOW() WHERE id = $%d RETURNING `+organizationColumns,
		strings.Join(setClauses, ", "), argPos)

	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	org, err := scanOrganization(s.db.QueryRowContext(qctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update organization: %w", err)
	}

	s.record(ctx, audit.ActionDataUpdate, "organization", id, map[string]interface{}{
		"updated_fields": fields,
	})
	return org, nil
}

// mergeSettings applies patch over current. The features map is merged
// key by key; other keys are replaced.
func mergeSettings(current, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		if k == FeaturesKey {
			features := map[string]any{}
			if existing, ok := merged[FeaturesKey].(map[string]any); ok {
				for fk, fv := range existing {
					features[fk] = fv
				}
			}
			if incoming, ok := v.(map[string]any); ok {
				for fk, fv := range incoming {
					features[fk] = fv
				}
			}
			merged[FeaturesKey] = features
			continue
		}
		merged[k] = v
	}
	return merged
}

// UpdateSettings merges patch into the organization's settings
func (s *Service) UpdateSettings(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(qctx, `SELECT settings FROM organizations WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	merged := normalizeSettings(mergeSettings(decodeSettings(raw), sanitize.Object(patch)))
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	if _, err := tx.ExecContext(qctx,
		`UPDATE organizations SET settings = $1, updated_at = NOW() WHERE id = $2`, mergedJSON, id); err != nil {
		return nil, fmt.Errorf("failed to update settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settings: %w", err)
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	s.record(ctx, audit.ActionDataUpdate, "organization_settings", id, map[string]interface{}{
		"updated_fields": keys,
	})
	return merged, nil
}

// DeleteOrganization deactivates an organization. Organizations with
// active children are refused.
func (s *Service) DeleteOrganization(ctx context.Context, id string) error {
	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var children int
	err := s.db.QueryRowContext(qctx,
		`SELECT COUNT(*) FROM organizations WHERE parent_id = $1 AND is_active = true`, id).Scan(&children)
	if err != nil {
		return fmt.Errorf("failed to count child organizations: %w", err)
	}
	if children > 0 {
		return ErrHasActiveChildren
	}

	result, err := s.db.ExecContext(qctx,
		`UPDATE organizations SET is_active = false, updated_at = NOW() WHERE id = $1 AND is_active = true`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.record(ctx, audit.ActionDataDelete, "organization", id, map[string]interface{}{"soft_delete": true})
	return nil
}

// MoveOrganization reparents an organization. Moving an organization
// under itself or under one of its descendants is refused.
func (s *Service) MoveOrganization(ctx context.Context, id string, newParentID *string) (*Organization, error) {
	if newParentID != nil && *newParentID == "" {
		newParentID = nil
	}
	if newParentID != nil {
		if *newParentID == id {
			return nil, ErrCycle
		}
		ancestors, err := s.ancestors(ctx, *newParentID)
		if err != nil {
			return nil, err
		}
		if len(ancestors) == 0 {
			return nil, ErrInvalidParent
		}
		for _, a := range ancestors {
			if a == id {
				return nil, ErrCycle
			}
		}
	}

	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	org, err := scanOrganization(s.db.QueryRowContext(qctx, `
		UPDATE organizations SET parent_id = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING `+organizationColumns, newParentID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to move organization: %w", err)
	}

	parent := ""
	if newParentID != nil {
		parent = *newParentID
	}
	s.record(ctx, audit.ActionDataUpdate, "organization", id, map[string]interface{}{
		"updated_fields": []string{"parent_id"},
		"parent_id":      parent,
	})
	return org, nil
}

// ancestors returns id followed by its ancestor chain, or nothing when id
// does not exist
func (s *Service) ancestors(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_id, 1 AS depth FROM organizations WHERE id = $1
			UNION ALL
			SELECT o.id, o.parent_id, c.depth + 1
			FROM organizations o
			JOIN chain c ON o.id = c.parent_id
			WHERE c.depth < $2
		)
		SELECT id FROM chain ORDER BY depth
	`, id, maxTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk organization ancestors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetDescendants returns every organization below id, nearest first
func (s *Service) GetDescendants(ctx context.Context, id string) ([]Organization, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT `+organizationColumns+`, 1 AS depth FROM organizations WHERE parent_id = $1
			UNION ALL
			SELECT o.id, o.name, o.domain, o.settings, o.parent_id, o.organization_type, o.is_active,
			       o.created_by, o.created_at, o.updated_at, t.depth + 1
			FROM organizations o
			JOIN tree t ON o.parent_id = t.id
			WHERE t.depth < $2
		)
		SELECT `+organizationColumns+` FROM tree ORDER BY depth, name
	`, id, maxTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to list descendants: %w", err)
	}
	defer rows.Close()

	out := []Organization{}
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan descendant: %w", err)
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

// CreateLocation adds a location to an organization
func (s *Service) CreateLocation(ctx context.Context, orgID string, req CreateLocationRequest) (*Location, error) {
	loc := &Location{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           sanitize.Text(req.Name, maxNameLength),
		Address:        sanitize.Text(req.Address, 500),
		City:           sanitize.Text(req.City, 100),
		State:          sanitize.Text(req.State, 100),
		PostalCode:     sanitize.Text(req.PostalCode, 20),
		Country:        sanitize.Text(req.Country, 100),
		Phone:          sanitize.Phone(req.Phone, true),
		Email:          sanitize.Email(req.Email),
		IsActive:       true,
	}
	if loc.Name == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}

	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.QueryRowContext(qctx, `
		INSERT INTO locations (id, organization_id, name, address, city, state, postal_code, country, phone, email, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, loc.ID, loc.OrganizationID, loc.Name, loc.Address, loc.City, loc.State, loc.PostalCode,
		loc.Country, loc.Phone, loc.Email, loc.IsActive,
	).Scan(&loc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create location: %w", err)
	}

	s.record(ctx, audit.ActionDataCreate, "location", loc.ID, map[string]interface{}{"name": loc.Name})
	return loc, nil
}

// ListLocations returns the active locations of an organization
func (s *Service) ListLocations(ctx context.Context, orgID string) ([]Location, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, address, city, state, postal_code, country, phone, email, is_active, created_at
		FROM locations
		WHERE organization_id = $1 AND is_active = true
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	out := []Location{}
	for rows.Next() {
		var loc Location
		var address, city, state, postal, country, phone, email sql.NullString
		if err := rows.Scan(&loc.ID, &loc.OrganizationID, &loc.Name, &address, &city, &state,
			&postal, &country, &phone, &email, &loc.IsActive, &loc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		loc.Address, loc.City, loc.State = address.String, city.String, state.String
		loc.PostalCode, loc.Country = postal.String, country.String
		loc.Phone, loc.Email = phone.String, email.String
		out = append(out, loc)
	}
	return out, rows.Err()
}
