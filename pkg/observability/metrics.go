package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All recording methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionChecksTotal *prometheus.CounterVec
	PermissionCacheHits   prometheus.Counter
	GateDenialsTotal      *prometheus.CounterVec
	RateLimitedTotal      *prometheus.CounterVec

	// Audit metrics
	AuditWritesTotal  *prometheus.CounterVec
	AuditDroppedTotal prometheus.Counter

	// Privacy pipeline metrics
	PrivacyRequestsTotal     *prometheus.CounterVec
	PrivacyTableOutcomes     *prometheus.CounterVec
	PrivacyFulfillmentTime   *prometheus.HistogramVec
	PrivacySweepExpiredTotal prometheus.Counter
	PrivacyOverdueRequests   prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gymdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_permission_checks_total",
				Help: "Permission checks by result (allowed, denied, error)",
			},
			[]string{"result"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gymdesk_permission_cache_hits_total",
				Help: "Permission checks answered from cache",
			},
		),
		GateDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_gate_denials_total",
				Help: "Requests rejected by authorization gates",
			},
			[]string{"gate", "status"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_rate_limited_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"scope"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_audit_writes_total",
				Help: "Audit log writes by result",
			},
			[]string{"result"},
		),
		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gymdesk_audit_dropped_total",
				Help: "Audit entries dropped because the queue was full",
			},
		),
		PrivacyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_privacy_requests_total",
				Help: "Data privacy request transitions by type and resulting status",
			},
			[]string{"request_type", "status"},
		),
		PrivacyTableOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gymdesk_privacy_table_outcomes_total",
				Help: "Per-table fulfillment outcomes",
			},
			[]string{"operation", "table", "outcome"},
		),
		PrivacyFulfillmentTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gymdesk_privacy_fulfillment_duration_seconds",
				Help:    "Fulfillment duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"operation"},
		),
		PrivacySweepExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gymdesk_privacy_sweep_expired_total",
				Help: "Requests marked expired by the sweep",
			},
		),
		PrivacyOverdueRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gymdesk_privacy_overdue_requests",
				Help: "In-progress requests past their fulfillment deadline at the last sweep",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gymdesk_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gymdesk_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gymdesk_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCacheHits,
		m.GateDenialsTotal,
		m.RateLimitedTotal,
		m.AuditWritesTotal,
		m.AuditDroppedTotal,
		m.PrivacyRequestsTotal,
		m.PrivacyTableOutcomes,
		m.PrivacyFulfillmentTime,
		m.PrivacySweepExpiredTotal,
		m.PrivacyOverdueRequests,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// PermissionCheck records a resolver decision: allowed, denied or error
func (m *Metrics) PermissionCheck(result string, cached bool) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(result).Inc()
	if cached {
		m.PermissionCacheHits.Inc()
	}
}

// GateDenied records a request rejected by a gate
func (m *Metrics) GateDenied(gate string, status int) {
	if m == nil {
		return
	}
	m.GateDenialsTotal.WithLabelValues(gate, strconv.Itoa(status)).Inc()
}

// RateLimited records a rejected request
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(scope).Inc()
}

// AuditWrite records an audit write result: ok or error
func (m *Metrics) AuditWrite(result string) {
	if m == nil {
		return
	}
	m.AuditWritesTotal.WithLabelValues(result).Inc()
}

// AuditDropped records an entry dropped at enqueue
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.AuditDroppedTotal.Inc()
}

// PrivacyRequest records a request reaching a status
func (m *Metrics) PrivacyRequest(requestType, status string) {
	if m == nil {
		return
	}
	m.PrivacyRequestsTotal.WithLabelValues(requestType, status).Inc()
}

// PrivacyTableOutcome records one per-table fulfillment outcome
func (m *Metrics) PrivacyTableOutcome(operation, table, outcome string) {
	if m == nil {
		return
	}
	m.PrivacyTableOutcomes.WithLabelValues(operation, table, outcome).Inc()
}

// PrivacyFulfillment records how long a fulfillment took
func (m *Metrics) PrivacyFulfillment(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.PrivacyFulfillmentTime.WithLabelValues(operation).Observe(d.Seconds())
}

// PrivacySweep records the result of an expiry sweep
func (m *Metrics) PrivacySweep(expired, overdue int) {
	if m == nil {
		return
	}
	m.PrivacySweepExpiredTotal.Add(float64(expired))
	m.PrivacyOverdueRequests.Set(float64(overdue))
}

// RecordDBStats copies connection pool stats into gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. The route label is the
// mux path template so ids do not blow up cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cr := mux.CurrentRoute(r); cr != nil {
				if tpl, err := cr.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in Prometheus text format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
