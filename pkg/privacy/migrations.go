package privacy

import "github.com/platinummonkey/gymdesk/pkg/storage/postgres"

// Migrations creates the request and consent tables, then the CRM tables
// the default policy registers. The CRM tables are created only when
// missing so an existing schema is left alone.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     400,
			Description: "Create data_privacy_requests and user_consents tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS data_privacy_requests (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					request_type VARCHAR(32) NOT NULL
						CHECK (request_type IN ('access', 'portability', 'rectification', 'erasure', 'restriction', 'objection')),
					status VARCHAR(32) NOT NULL DEFAULT 'pending'
						CHECK (status IN ('pending', 'in_progress', 'completed', 'rejected', 'expired')),
					legal_basis VARCHAR(16) NOT NULL DEFAULT 'gdpr'
						CHECK (legal_basis IN ('gdpr', 'ccpa', 'other')),
					description TEXT,
					requester_email VARCHAR(320) NOT NULL,
					requester_verified BOOLEAN NOT NULL DEFAULT FALSE,
					verification_token_hash VARCHAR(64) NOT NULL,
					verification_expires_at TIMESTAMPTZ NOT NULL,
					fulfillment_deadline TIMESTAMPTZ NOT NULL,
					fulfilled_at TIMESTAMPTZ,
					fulfillment_data JSONB,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_privacy_requests_org_created ON data_privacy_requests(organization_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_privacy_requests_pending ON data_privacy_requests(verification_expires_at) WHERE status = 'pending';
				CREATE INDEX IF NOT EXISTS idx_privacy_requests_open ON data_privacy_requests(fulfillment_deadline) WHERE status = 'in_progress';

				CREATE TABLE IF NOT EXISTS user_consents (
					user_id TEXT NOT NULL,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					consent_type VARCHAR(64) NOT NULL,
					granted BOOLEAN NOT NULL,
					granted_at TIMESTAMPTZ,
					withdrawn_at TIMESTAMPTZ,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, organization_id, consent_type)
				);
			`,
		},
		{
			Version:     401,
			Description: "Create CRM personal data tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS clients (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					first_name VARCHAR(255),
					last_name VARCHAR(255),
					email VARCHAR(320),
					phone VARCHAR(32),
					date_of_birth DATE,
					emergency_contact TEXT,
					notes TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_clients_org_user ON clients(organization_id, user_id);

				CREATE TABLE IF NOT EXISTS bookings (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					location_id TEXT,
					starts_at TIMESTAMPTZ NOT NULL,
					status VARCHAR(32) NOT NULL DEFAULT 'confirmed',
					notes TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_bookings_org_subject ON bookings(organization_id, client_id);

				CREATE TABLE IF NOT EXISTS class_bookings (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					class_id TEXT NOT NULL,
					status VARCHAR(32) NOT NULL DEFAULT 'booked',
					notes TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_class_bookings_org_subject ON class_bookings(organization_id, client_id);

				CREATE TABLE IF NOT EXISTS memberships (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					plan VARCHAR(128) NOT NULL,
					starts_on DATE,
					ends_on DATE,
					status VARCHAR(32) NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_memberships_org_subject ON memberships(organization_id, client_id);

				CREATE TABLE IF NOT EXISTS payments (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					amount_cents BIGINT NOT NULL,
					currency CHAR(3) NOT NULL DEFAULT 'USD',
					paid_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_payments_org_subject ON payments(organization_id, client_id);

				CREATE TABLE IF NOT EXISTS check_ins (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					location_id TEXT,
					checked_in_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_check_ins_org_subject ON check_ins(organization_id, client_id);

				CREATE TABLE IF NOT EXISTS communications (
					id TEXT PRIMARY KEY,
					organization_id TEXT NOT NULL REFERENCES organizations(id),
					user_id TEXT,
					client_id TEXT,
					channel VARCHAR(16) NOT NULL,
					subject VARCHAR(255),
					body TEXT,
					sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_communications_org_subject ON communications(organization_id, client_id);
			`,
		},
	}
}
