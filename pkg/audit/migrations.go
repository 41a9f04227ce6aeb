package audit

import "github.com/platinummonkey/gymdesk/pkg/storage/postgres"

// Migrations creates the append-only audit_logs table
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     300,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					user_id TEXT,
					organization_id TEXT,
					action VARCHAR(64) NOT NULL,
					entity_type VARCHAR(64) NOT NULL,
					entity_id TEXT,
					ip_address VARCHAR(64),
					user_agent TEXT,
					request_id VARCHAR(128),
					metadata JSONB NOT NULL DEFAULT '{}',
					risk_level VARCHAR(16) NOT NULL,
					status VARCHAR(16) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_org_created ON audit_logs(organization_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user_action ON audit_logs(user_id, action);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_risk ON audit_logs(risk_level);
			`,
		},
	}
}
