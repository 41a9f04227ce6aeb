package orgs

import "github.com/platinummonkey/gymdesk/pkg/storage/postgres"

// Migrations creates the organization tree and locations
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     100,
			Description: "Create organizations and locations tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id TEXT PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					domain VARCHAR(253),
					settings JSONB NOT NULL DEFAULT '{"features": {}}',
					parent_id TEXT REFERENCES organizations(id),
					organization_type VARCHAR(32) NOT NULL DEFAULT 'single',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_by TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT organizations_not_own_parent CHECK (parent_id IS NULL OR parent_id <> id)
				);

				CREATE INDEX IF NOT EXISTS idx_organizations_parent ON organizations(parent_id) WHERE is_active;

				CREATE TABLE IF NOT EXISTS locations (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					name VARCHAR(255) NOT NULL,
					address TEXT,
					city VARCHAR(100),
					state VARCHAR(100),
					postal_code VARCHAR(20),
					country VARCHAR(100),
					phone VARCHAR(32),
					email VARCHAR(255),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_locations_org ON locations(organization_id) WHERE is_active;
			`,
		},
	}
}
