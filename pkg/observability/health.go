package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// queueDegradedRatio is the fill level at which a queue check reports degraded
const queueDegradedRatio = 0.9

// DependencyCheck tests one dependency. A failing critical check makes the whole
// service unhealthy; any other failure only degrades it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) DependencyStatus
}

// DatabaseCheck pings Postgres, runs a trivial query and reports pool
// exhaustion as degraded. It is critical.
func DatabaseCheck(db *sql.DB, metrics *Metrics) DependencyCheck {
	return DependencyCheck{
		Name:     "postgres",
		Critical: true,
		Check: func(ctx context.Context) DependencyStatus {
			start := time.Now()
			if err := db.PingContext(ctx); err != nil {
				return failed(start, err.Error())
			}
			var one int
			if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
				return failed(start, "query failed: "+err.Error())
			}

			st := healthy(start)
			stats := db.Stats()
			metrics.RecordDBStats(stats)
			if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
				st.Status = StatusDegraded
				st.Message = "connection pool exhausted"
			}
			return st
		},
	}
}

// RedisCheck pings the Redis backing distributed rate limits
func RedisCheck(client *redis.Client) DependencyCheck {
	return DependencyCheck{
		Name: "redis",
		Check: func(ctx context.Context) DependencyStatus {
			start := time.Now()
			if err := client.Ping(ctx).Err(); err != nil {
				return failed(start, err.Error())
			}
			return healthy(start)
		},
	}
}

// QueueCheck reports a bounded in-process queue as degraded once it is
// nearly full. Entries beyond capacity are dropped, so a full audit queue
// means lost audit records.
func QueueCheck(name string, depth func() int, capacity int) DependencyCheck {
	return DependencyCheck{
		Name: name,
		Check: func(ctx context.Context) DependencyStatus {
			st := healthy(time.Now())
			d := depth()
			if capacity > 0 && float64(d) >= queueDegradedRatio*float64(capacity) {
				st.Status = StatusDegraded
				st.Message = fmt.Sprintf("queue at %d/%d", d, capacity)
			}
			return st
		},
	}
}

func healthy(start time.Time) DependencyStatus {
	return DependencyStatus{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds(), Timestamp: time.Now()}
}

func failed(start time.Time, msg string) DependencyStatus {
	return DependencyStatus{Status: StatusUnhealthy, Message: msg, LatencyMS: time.Since(start).Milliseconds(), Timestamp: time.Now()}
}

// HealthChecker serves the liveness and readiness endpoints of the ops port
type HealthChecker struct {
	version string
	checks  []DependencyCheck
}

// NewHealthChecker creates a checker over checks
func NewHealthChecker(version string, checks ...DependencyCheck) *HealthChecker {
	return &HealthChecker{version: version, checks: checks}
}

// HealthStatus is the readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is one check's result
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Check runs every check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	report := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.checks)),
	}

	for _, c := range h.checks {
		st := c.Check(ctx)
		report.Dependencies[c.Name] = st
		switch {
		case st.Status == StatusHealthy:
		case st.Status == StatusUnhealthy && c.Critical:
			report.Status = StatusUnhealthy
		case report.Status != StatusUnhealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := h.Check(ctx)
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, report)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterHealthRoutes registers health check endpoints on the ops mux
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
