// Package config loads and validates configuration from GYMDESK_
// environment variables.
//
// Server settings:
//
//	GYMDESK_HOST="0.0.0.0"
//	GYMDESK_PORT="8080"
//	GYMDESK_HEALTH_PORT="9090"
//
// Database and Redis:
//
//	GYMDESK_DATABASE_URL="postgres://localhost/gymdesk?sslmode=disable"
//	GYMDESK_DATABASE_QUERY_TIMEOUT="5s"
//	GYMDESK_REDIS_URL="redis://localhost:6379"  # optional
//
// Authentication:
//
//	GYMDESK_JWT_SECRET="..."  # at least 32 characters
//	GYMDESK_JWT_AUDIENCE="authenticated"
//
// Privacy requests:
//
//	GYMDESK_PRIVACY_POLICY_FILE="/etc/gymdesk/privacy.yaml"
//	GYMDESK_PRIVACY_SWEEP_SCHEDULE="*/15 * * * *"
//	GYMDESK_PRIVACY_VERIFICATION_TTL="24h"
//	GYMDESK_PRIVACY_FULFILLMENT_WINDOW="720h"
//	GYMDESK_PRIVACY_NOTIFY_WEBHOOK_URL="https://mailer.internal/hooks/privacy-verification"
//	GYMDESK_PRIVACY_NOTIFY_WEBHOOK_SECRET="..."  # HMAC key for X-Gymdesk-Signature
//	GYMDESK_ARCHIVE_TYPE="s3"  # none, filesystem, s3
//	GYMDESK_S3_BUCKET="gymdesk-privacy-exports"
//
// Audit and rate limiting:
//
//	GYMDESK_AUDIT_QUEUE_SIZE="1000"
//	GYMDESK_RATE_LIMIT_INTAKE_PER_MINUTE="10"
//	GYMDESK_RATE_LIMIT_DISTRIBUTED="true"
//
// Observability:
//
//	GYMDESK_LOG_LEVEL="info"
//	GYMDESK_ENVIRONMENT="production"  # requires the notify webhook
//	GYMDESK_OTEL_ENABLED="true"
//	GYMDESK_OTEL_ENDPOINT="otel-collector:4317"
package config
