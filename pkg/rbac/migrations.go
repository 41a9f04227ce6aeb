package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/storage/postgres"
)

// RoleID returns the seeded primary key of a built-in role
func RoleID(role auth.Role) string {
	return "role_" + string(role)
}

var roleNames = map[auth.Role]string{
	auth.RoleOwner:   "Owner",
	auth.RoleAdmin:   "Administrator",
	auth.RoleCoach:   "Coach",
	auth.RoleTrainer: "Trainer",
	auth.RoleMember:  "Member",
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS roles (
	id TEXT PRIMARY KEY,
	slug VARCHAR(32) NOT NULL UNIQUE,
	name VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS role_permissions (
	role_id TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	resource VARCHAR(64) NOT NULL,
	action VARCHAR(32) NOT NULL,
	granted BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (role_id, resource, action)
);

CREATE TABLE IF NOT EXISTS user_organizations (
	user_id TEXT NOT NULL,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	role_id TEXT NOT NULL REFERENCES roles(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, organization_id)
);

CREATE INDEX IF NOT EXISTS idx_user_organizations_org ON user_organizations(organization_id) WHERE is_active;

CREATE OR REPLACE VIEW user_effective_permissions AS
SELECT uo.user_id, uo.organization_id, rp.resource, rp.action, rp.granted
FROM user_organizations uo
JOIN role_permissions rp ON rp.role_id = uo.role_id
WHERE uo.is_active = TRUE;

CREATE OR REPLACE FUNCTION has_permission(p_user_id TEXT, p_organization_id TEXT, p_resource TEXT, p_action TEXT)
RETURNS BOOLEAN
LANGUAGE sql STABLE AS $$
	SELECT EXISTS (
		SELECT 1 FROM user_effective_permissions
		WHERE user_id = p_user_id
		  AND organization_id = p_organization_id
		  AND resource = p_resource
		  AND granted = TRUE
		  AND (action = p_action OR action = 'manage')
	);
$$;
`

// seedSQL renders the built-in roles and their permission matrix
func seedSQL() string {
	matrix := DefaultRolePermissions()
	roles := make([]auth.Role, 0, len(matrix))
	for role := range matrix {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var b strings.Builder
	for _, role := range roles {
		fmt.Fprintf(&b, "INSERT INTO roles (id, slug, name) VALUES ('%s', '%s', '%s') ON CONFLICT (id) DO NOTHING;\n",
			RoleID(role), role, roleNames[role])
	}
	for _, role := range roles {
		for _, p := range matrix[role] {
			fmt.Fprintf(&b, "INSERT INTO role_permissions (role_id, resource, action) VALUES ('%s', '%s', '%s') ON CONFLICT DO NOTHING;\n",
				RoleID(role), p.Resource, p.Action)
		}
	}
	return b.String()
}

// Migrations returns the authorization schema. It depends on the
// organizations table.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{Version: 200, Description: "create roles, memberships and has_permission", SQL: schemaSQL},
		{Version: 201, Description: "seed built-in roles", SQL: seedSQL()},
	}
}
