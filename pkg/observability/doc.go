// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
//	logger.WithFields(logrus.Fields{"organization_id": orgID}).Info("request created")
//
// Request-scoped logging picks up the request id, user id and trace ids:
//
//	observability.FromContext(r.Context()).WithError(err).Error("fulfillment failed")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.PermissionCheck("denied", false)
//	metrics.PrivacyTableOutcome("erasure", "bookings", "deleted")
//
// Every recording method is a no-op on a nil *Metrics, so services take
// metrics as an optional dependency.
//
// # Health Checks
//
// Readiness runs one DependencyCheck per dependency. Only critical checks
// (Postgres) turn a failure into 503; Redis and the audit queue degrade.
//
//	checker := observability.NewHealthChecker(version,
//		observability.DatabaseCheck(db, metrics),
//		observability.RedisCheck(redisClient),
//		observability.QueueCheck("audit_queue", auditWriter.QueueDepth, queueSize),
//	)
//	observability.RegisterHealthRoutes(opsMux, checker)
//
// # OpenTelemetry
//
// Each binary names its component so API and sweeper spans can be told
// apart under one service name:
//
//	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel("api"), logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
