package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/config"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/middleware"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/orgs"
	"github.com/platinummonkey/gymdesk/pkg/privacy"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
	"github.com/platinummonkey/gymdesk/pkg/storage"
	"github.com/platinummonkey/gymdesk/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Fatal("gymdesk exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel("api"), logger)
	if err != nil {
		return err
	}

	conns, err := postgres.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	db := conns.Primary()

	if err := postgres.RunMigrations(ctx, db, logger, migrations()...); err != nil {
		conns.Close()
		return err
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return conns.Close()
	}

	redisClient, err := postgres.NewRedisClient(ctx, cfg.Storage)
	if err != nil {
		// Rate limiting falls back to in-process buckets
		logger.WithError(err).Warn("Redis unavailable")
		redisClient = nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	auditWriter := audit.NewAsyncWriter(ctx, audit.NewDBWriter(db, cfg.Audit.WriteTimeout, metrics), audit.AsyncOptions{
		Workers:      cfg.Audit.Workers,
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})

	verifier, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}

	timeout := cfg.Storage.QueryTimeout
	resolver := rbac.NewResolver(conns.Reader(), rbac.ResolverOptions{
		CacheSize:    cfg.Cache.PermissionCacheSize,
		CacheTTL:     cfg.Cache.PermissionCacheTTL,
		QueryTimeout: timeout,
		Logger:       logger,
		Metrics:      metrics,
	})
	loader := orgs.NewLoader(conns.Reader(), timeout, auditWriter, logger)
	gates := rbac.NewGates(resolver, loader, auditWriter, metrics)

	policy, err := privacyPolicy(ctx, cfg.Privacy, logger)
	if err != nil {
		return err
	}
	archive, err := storage.NewArchiveStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	privacyService := privacy.NewService(
		privacy.NewStore(db, timeout),
		privacy.NewSQLDataStore(db, timeout),
		policy,
		privacy.ServiceOptions{
			VerificationTTL:   cfg.Privacy.VerificationTTL,
			FulfillmentWindow: cfg.Privacy.FulfillmentWindow,
			ExportConcurrency: cfg.Privacy.ExportConcurrency,
			Archive:           archive,
			Notifier:          verificationNotifier(cfg.Privacy, logger),
			Audit:             auditWriter,
			Metrics:           metrics,
			Logger:            logger,
		},
	)

	router := mux.NewRouter()
	router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		observability.HTTPMetricsMiddleware(metrics),
		// Privileged routes reject anonymous callers in the organization
		// loader; intake routes accept them
		middleware.NewAuthMiddleware(verifier, auditWriter, true).Handler,
	)

	orgs.NewHandlers(orgs.NewService(db, timeout, auditWriter, resolver, logger), loader, gates, resolver).RegisterRoutes(router)
	privacy.NewHandlers(privacyService, privacy.NewConsentService(db, timeout, auditWriter), loader, gates).
		RegisterRoutes(router, intakeLimiter(cfg.RateLimit, redisClient, auditWriter, metrics))
	audit.NewHandlers(audit.NewStore(conns.Reader(), timeout), auditWriter).RegisterRoutes(router,
		httputil.Chain(loader.LoadOrganizationContext, gates.RequirePermission(rbac.ResourceAuditLogs, rbac.ActionRead)),
		httputil.Chain(loader.LoadOrganizationContext, gates.RequirePermission(rbac.ResourceAuditLogs, rbac.ActionExport)),
	)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "gymdesk"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checks := []observability.DependencyCheck{
		observability.DatabaseCheck(db, metrics),
		observability.QueueCheck("audit_queue", auditWriter.QueueDepth, cfg.Audit.QueueSize),
	}
	if redisClient != nil {
		checks = append(checks, observability.RedisCheck(redisClient))
	}
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(version, checks...))
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go recordDBStats(ctx, db, metrics)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server, healthServer)
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error {
		return auditWriter.Close(cfg.Audit.WriteTimeout)
	})
	shutdown.RegisterShutdownFunc("database", func(context.Context) error {
		return conns.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serve(server, logger.WithField("server", "api"))
	serve(healthServer, logger.WithField("server", "health"))
	logger.WithFields(logrus.Fields{
		"addr":        server.Addr,
		"health_addr": healthServer.Addr,
		"version":     version,
	}).Info("gymdesk started")

	return shutdown.WaitForShutdown()
}

func migrations() []postgres.Migration {
	var all []postgres.Migration
	all = append(all, orgs.Migrations()...)
	all = append(all, rbac.Migrations()...)
	all = append(all, audit.Migrations()...)
	all = append(all, privacy.Migrations()...)
	return all
}

// privacyPolicy loads the personal-data registry, watching the file for
// changes when configured
func privacyPolicy(ctx context.Context, cfg config.PrivacyConfig, logger logrus.FieldLogger) (privacy.PolicySource, error) {
	if cfg.PolicyFile == "" {
		return privacy.StaticPolicy{P: privacy.DefaultPolicy()}, nil
	}
	if !cfg.WatchPolicy {
		p, err := privacy.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		return privacy.StaticPolicy{P: p}, nil
	}
	watcher, err := privacy.NewPolicyWatcher(cfg.PolicyFile, logger)
	if err != nil {
		return nil, err
	}
	go func() {
		defer observability.RecoverPanic(logger, "privacy policy watcher")
		watcher.Run(ctx)
	}()
	return watcher, nil
}

// verificationNotifier posts tokens to the configured mail relay. Without
// one, tokens are only logged masked and never reach requesters.
func verificationNotifier(cfg config.PrivacyConfig, logger logrus.FieldLogger) privacy.Notifier {
	if cfg.NotifyWebhookURL == "" {
		logger.Warn("GYMDESK_PRIVACY_NOTIFY_WEBHOOK_URL is not set; verification tokens will not be delivered")
		return privacy.NewLogNotifier(logger)
	}
	return privacy.NewWebhookNotifier(privacy.WebhookConfig{
		URL:         cfg.NotifyWebhookURL,
		Secret:      cfg.NotifyWebhookSecret,
		Timeout:     cfg.NotifyTimeout,
		MaxAttempts: cfg.NotifyMaxAttempts,
	}, logger)
}

func intakeLimiter(cfg config.RateLimitConfig, client *redis.Client, auditWriter audit.Writer, metrics *observability.Metrics) func(http.Handler) http.Handler {
	limits := middleware.RateLimitConfig{RequestsPerMinute: cfg.IntakePerMinute, Burst: cfg.Burst}
	var limiter middleware.Limiter = middleware.NewRateLimiter(limits)
	if cfg.Distributed && client != nil {
		limiter = middleware.NewDistributedRateLimiter(client, limits)
	}
	return middleware.RateLimitMiddleware(limiter, "privacy_intake", auditWriter, metrics, middleware.KeyByIP)
}

func serve(server *http.Server, logger logrus.FieldLogger) {
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()
}

func recordDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	if metrics == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(db.Stats())
		}
	}
}
