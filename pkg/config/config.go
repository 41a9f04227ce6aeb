package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Auth          AuthConfig
	Privacy       PrivacyConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	Cache         CacheConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server on its own port for kubelet checks
	HealthPort string
}

// AuthConfig configures access token verification
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// PrivacyConfig configures the data privacy request pipeline
type PrivacyConfig struct {
	PolicyFile        string
	WatchPolicy       bool
	SweepSchedule     string
	VerificationTTL   time.Duration
	FulfillmentWindow time.Duration
	ExportConcurrency int

	// NotifyWebhookURL receives verification tokens for delivery to
	// requesters. Without it tokens are only logged, masked.
	NotifyWebhookURL    string
	NotifyWebhookSecret string
	NotifyTimeout       time.Duration
	NotifyMaxAttempts   int
}

// AuditConfig configures the asynchronous audit writer
type AuditConfig struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
}

// RateLimitConfig configures the public intake limiter
type RateLimitConfig struct {
	IntakePerMinute int
	Burst           int
	// Distributed uses Redis counters shared by every instance
	Distributed bool
}

// CacheConfig sizes the in-process permission decision cache
type CacheConfig struct {
	PermissionCacheSize int
	PermissionCacheTTL  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelEnvironment    string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts the flat settings into the tracing bootstrap config for
// one binary
func (o ObservabilityConfig) OTel(component string) observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Environment:    o.OTelEnvironment,
		Component:      component,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Auth:          loadAuthConfig(),
		Privacy:       loadPrivacyConfig(),
		Audit:         loadAuditConfig(),
		RateLimit:     loadRateLimitConfig(),
		Cache:         loadCacheConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GYMDESK_HOST", "0.0.0.0"),
		Port:            getEnv("GYMDESK_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GYMDESK_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GYMDESK_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("GYMDESK_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GYMDESK_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("GYMDESK_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("GYMDESK_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("GYMDESK_DATABASE_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("GYMDESK_DATABASE_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("GYMDESK_DATABASE_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("GYMDESK_DATABASE_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration("GYMDESK_DATABASE_CONNECT_TIMEOUT", cfg.PostgresTimeout)
	cfg.QueryTimeout = getEnvDuration("GYMDESK_DATABASE_QUERY_TIMEOUT", cfg.QueryTimeout)

	cfg.RedisURL = getEnv("GYMDESK_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("GYMDESK_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("GYMDESK_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("GYMDESK_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.ArchiveType = strings.ToLower(getEnv("GYMDESK_ARCHIVE_TYPE", cfg.ArchiveType))
	cfg.ArchiveRoot = getEnv("GYMDESK_ARCHIVE_ROOT", cfg.ArchiveRoot)
	cfg.S3Endpoint = getEnv("GYMDESK_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("GYMDESK_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("GYMDESK_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("GYMDESK_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("GYMDESK_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("GYMDESK_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	cfg.S3Prefix = getEnv("GYMDESK_S3_PREFIX", cfg.S3Prefix)

	return cfg
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnv("GYMDESK_JWT_SECRET", ""),
		Issuer:    getEnv("GYMDESK_JWT_ISSUER", ""),
		Audience:  getEnv("GYMDESK_JWT_AUDIENCE", "authenticated"),
	}
}

func loadPrivacyConfig() PrivacyConfig {
	return PrivacyConfig{
		PolicyFile:        getEnv("GYMDESK_PRIVACY_POLICY_FILE", ""),
		WatchPolicy:       getEnvBool("GYMDESK_PRIVACY_WATCH_POLICY", true),
		SweepSchedule:     getEnv("GYMDESK_PRIVACY_SWEEP_SCHEDULE", "*/15 * * * *"),
		VerificationTTL:   getEnvDuration("GYMDESK_PRIVACY_VERIFICATION_TTL", 24*time.Hour),
		FulfillmentWindow: getEnvDuration("GYMDESK_PRIVACY_FULFILLMENT_WINDOW", 30*24*time.Hour),
		ExportConcurrency: getEnvInt("GYMDESK_PRIVACY_EXPORT_CONCURRENCY", 4),

		NotifyWebhookURL:    getEnv("GYMDESK_PRIVACY_NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookSecret: getEnv("GYMDESK_PRIVACY_NOTIFY_WEBHOOK_SECRET", ""),
		NotifyTimeout:       getEnvDuration("GYMDESK_PRIVACY_NOTIFY_TIMEOUT", 5*time.Second),
		NotifyMaxAttempts:   getEnvInt("GYMDESK_PRIVACY_NOTIFY_MAX_ATTEMPTS", 3),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		QueueSize:    getEnvInt("GYMDESK_AUDIT_QUEUE_SIZE", 1000),
		Workers:      getEnvInt("GYMDESK_AUDIT_WORKERS", 4),
		WriteTimeout: getEnvDuration("GYMDESK_AUDIT_WRITE_TIMEOUT", 5*time.Second),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IntakePerMinute: getEnvInt("GYMDESK_RATE_LIMIT_INTAKE_PER_MINUTE", 10),
		Burst:           getEnvInt("GYMDESK_RATE_LIMIT_BURST", 5),
		Distributed:     getEnvBool("GYMDESK_RATE_LIMIT_DISTRIBUTED", false),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		PermissionCacheSize: getEnvInt("GYMDESK_PERMISSION_CACHE_SIZE", 10000),
		PermissionCacheTTL:  getEnvDuration("GYMDESK_PERMISSION_CACHE_TTL", 30*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("GYMDESK_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GYMDESK_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GYMDESK_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GYMDESK_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GYMDESK_OTEL_SERVICE_NAME", "gymdesk"),
		OTelServiceVersion: getEnv("GYMDESK_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelEnvironment:    getEnv("GYMDESK_ENVIRONMENT", "development"),
		OTelInsecure:       getEnvBool("GYMDESK_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GYMDESK_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Storage.QueryTimeout <= 0 {
		return fmt.Errorf("database query timeout must be positive")
	}

	switch c.Storage.ArchiveType {
	case storage.ArchiveNone, "":
	case storage.ArchiveFilesystem:
		if c.Storage.ArchiveRoot == "" {
			return fmt.Errorf("archive root is required for filesystem archives")
		}
	case storage.ArchiveS3:
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 archives")
		}
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, filesystem, or s3)", c.Storage.ArchiveType)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}

	if _, err := cron.ParseStandard(c.Privacy.SweepSchedule); err != nil {
		return fmt.Errorf("invalid privacy sweep schedule %q: %w", c.Privacy.SweepSchedule, err)
	}
	if c.Privacy.VerificationTTL <= 0 || c.Privacy.FulfillmentWindow <= 0 {
		return fmt.Errorf("privacy verification TTL and fulfillment window must be positive")
	}
	if err := c.validateNotifier(); err != nil {
		return err
	}

	if c.Audit.QueueSize <= 0 || c.Audit.Workers <= 0 {
		return fmt.Errorf("audit queue size and workers must be positive")
	}

	if c.RateLimit.IntakePerMinute <= 0 {
		return fmt.Errorf("intake rate limit must be positive")
	}
	if c.RateLimit.Distributed && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required for distributed rate limiting")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) validateNotifier() error {
	p := c.Privacy
	if p.NotifyWebhookURL == "" {
		if c.Observability.OTelEnvironment == "production" {
			return fmt.Errorf("privacy notify webhook URL is required in production")
		}
		return nil
	}
	u, err := url.Parse(p.NotifyWebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid privacy notify webhook URL %q", p.NotifyWebhookURL)
	}
	if p.NotifyWebhookSecret == "" {
		return fmt.Errorf("privacy notify webhook secret is required with a webhook URL")
	}
	if p.NotifyTimeout <= 0 || p.NotifyMaxAttempts <= 0 {
		return fmt.Errorf("privacy notify timeout and max attempts must be positive")
	}
	return nil
}
