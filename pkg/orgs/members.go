package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

func (s *Service) invalidate(userID, orgID string) {
	if s.invalidator != nil {
		s.invalidator.InvalidateUser(userID, orgID)
	}
}

// ListMembers returns the memberships of an organization, active first
func (s *Service) ListMembers(ctx context.Context, orgID string) ([]Membership, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT uo.user_id, uo.organization_id, uo.role_id, r.slug, uo.is_active, uo.created_at
		FROM user_organizations uo
		JOIN roles r ON r.id = uo.role_id
		WHERE uo.organization_id = $1
		ORDER BY uo.is_active DESC, uo.created_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		var m Membership
		var slug string
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.RoleID, &slug, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role, _ = auth.ParseRole(slug)
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember grants a user a role in an organization. A deactivated
// membership is reactivated with the new role.
func (s *Service) AddMember(ctx context.Context, orgID, userID string, role auth.Role) (*Membership, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if _, ok := auth.ParseRole(string(role)); !ok {
		return nil, &ValidationError{Field: "role", Message: "unknown role"}
	}

	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := &Membership{UserID: userID, OrganizationID: orgID, RoleID: rbac.RoleID(role), Role: role, IsActive: true}
	err := s.db.QueryRowContext(qctx, `
		INSERT INTO user_organizations (user_id, organization_id, role_id, is_active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (user_id, organization_id) DO UPDATE
			SET role_id = EXCLUDED.role_id, is_active = true, updated_at = NOW()
			WHERE user_organizations.is_active = false
		RETURNING created_at
	`, userID, orgID, m.RoleID).Scan(&m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberExists
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	s.invalidate(userID, orgID)
	s.record(ctx, audit.ActionPermissionGrant, "membership", userID, map[string]interface{}{
		"role": string(role),
	})
	return m, nil
}

// UpdateMemberRole changes the role of an active member
func (s *Service) UpdateMemberRole(ctx context.Context, orgID, userID string, role auth.Role) error {
	if _, ok := auth.ParseRole(string(role)); !ok {
		return &ValidationError{Field: "role", Message: "unknown role"}
	}

	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	var previous string
	err := s.db.QueryRowContext(qctx, `
		UPDATE user_organizations uo SET role_id = $1, updated_at = NOW()
		FROM user_organizations old
		JOIN roles r ON r.id = old.role_id
		WHERE uo.user_id = old.user_id AND uo.organization_id = old.organization_id
		  AND uo.organization_id = $2 AND uo.user_id = $3 AND uo.is_active = true
		RETURNING r.slug
	`, rbac.RoleID(role), orgID, userID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMemberNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}

	s.invalidate(userID, orgID)
	s.record(ctx, audit.ActionUserRoleChange, "membership", userID, map[string]interface{}{
		"old_role": previous,
		"new_role": string(role),
	})
	return nil
}

// RemoveMember deactivates a membership, revoking all access to the
// organization
func (s *Service) RemoveMember(ctx context.Context, orgID, userID string) error {
	qctx, cancel := storage.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.db.ExecContext(qctx, `
		UPDATE user_organizations SET is_active = false, updated_at = NOW()
		WHERE organization_id = $1 AND user_id = $2 AND is_active = true
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberNotFound
	}

	s.invalidate(userID, orgID)
	s.record(ctx, audit.ActionPermissionRevoke, "membership", userID, nil)
	return nil
}
