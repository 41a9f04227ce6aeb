package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// ConnectionManager owns the primary pool used for writes and optional
// read replicas used for listing and export reads
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	logger   logrus.FieldLogger
}

// Open connects to the primary and any replicas listed in the config.
// Replicas that cannot be reached are skipped.
func Open(ctx context.Context, cfg storage.Config, logger logrus.FieldLogger) (*ConnectionManager, error) {
	primary, err := openPool(ctx, cfg.PostgresURL, cfg.PostgresMaxConns, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}

	cm := &ConnectionManager{primary: primary, logger: logger}

	for i, url := range ParseReplicaURLs(cfg.PostgresReplicaURLs) {
		maxConns := cfg.PostgresMaxConns / 2
		if maxConns < 2 {
			maxConns = 2
		}
		replica, err := openPool(ctx, url, maxConns, cfg)
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("Database connection manager initialized")
	return cm, nil
}

// NewConnectionManager wraps existing pools, used by tests
func NewConnectionManager(primary *sql.DB, logger logrus.FieldLogger, replicas ...*sql.DB) *ConnectionManager {
	return &ConnectionManager{primary: primary, replicas: replicas, logger: logger}
}

func openPool(ctx context.Context, url string, maxConns int, cfg storage.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := storage.WithTimeout(ctx, cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

// Primary returns the primary pool (writes and read-your-writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Reader returns a replica chosen round-robin, or the primary when no
// replicas are configured
func (cm *ConnectionManager) Reader() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	idx := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(idx%uint32(len(cm.replicas)))]
}

// RemoveUnhealthyReplicas drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := cm.replicas[:0]
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// Close closes all pools
func (cm *ConnectionManager) Close() error {
	var errs []string
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, "primary: "+err.Error())
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("replica-%d: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLs string) []string {
	if replicaURLs == "" {
		return nil
	}

	var result []string
	for _, url := range strings.Split(replicaURLs, ",") {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
