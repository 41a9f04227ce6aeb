package storage

import (
	"context"
	"time"
)

// Archive store types
const (
	ArchiveNone       = "none"
	ArchiveFilesystem = "filesystem"
	ArchiveS3         = "s3"
)

// Config for the data store, optional Redis and export archive backends
type Config struct {
	// PostgreSQL
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	// QueryTimeout bounds every individual data-store call
	QueryTimeout time.Duration

	// Redis (distributed rate limiting)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Export archives
	ArchiveType    string
	ArchiveRoot    string
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns: 20,
		PostgresMinConns: 5,
		PostgresTimeout:  10 * time.Second,
		QueryTimeout:     5 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		ArchiveType:      ArchiveNone,
		S3Region:         "us-east-1",
		S3Prefix:         "privacy-exports/",
	}
}

// WithTimeout derives a context bounded by d. A non-positive d leaves the
// parent deadline in place.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
