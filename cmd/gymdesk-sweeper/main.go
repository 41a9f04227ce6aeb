package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/config"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/privacy"
	"github.com/platinummonkey/gymdesk/pkg/storage/postgres"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the privacy request sweep (default: GYMDESK_PRIVACY_SWEEP_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run the sweep once and exit")
	asOf     = flag.String("as-of", "", "Sweep as of this RFC3339 time instead of now. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	log := logger.WithField("component", "privacy-sweeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel("sweeper"), logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize OpenTelemetry")
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer done()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	conns, err := postgres.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer conns.Close()
	db := conns.Primary()

	// Sweep audit entries are written inline; the sweeper has no request
	// path to keep fast
	auditWriter := audit.NewMultiWriter(
		audit.NewDBWriter(db, cfg.Audit.WriteTimeout, nil),
		audit.NewLogWriter(logger),
	)

	timeout := cfg.Storage.QueryTimeout
	service := privacy.NewService(
		privacy.NewStore(db, timeout),
		privacy.NewSQLDataStore(db, timeout),
		nil,
		privacy.ServiceOptions{
			VerificationTTL:   cfg.Privacy.VerificationTTL,
			FulfillmentWindow: cfg.Privacy.FulfillmentWindow,
			Audit:             auditWriter,
			Logger:            logger,
		},
	)

	if *runOnce {
		now := time.Now().UTC()
		if *asOf != "" {
			now, err = time.Parse(time.RFC3339, *asOf)
			if err != nil {
				log.WithError(err).Fatal("Invalid --as-of time")
			}
		}
		if err := sweep(ctx, service, now, log); err != nil {
			log.WithError(err).Fatal("Sweep failed")
		}
		return
	}

	spec := *schedule
	if spec == "" {
		spec = cfg.Privacy.SweepSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err = c.AddFunc(spec, func() {
		defer observability.RecoverPanic(log, "privacy sweep")
		if err := sweep(ctx, service, time.Now().UTC(), log); err != nil {
			log.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to schedule sweep")
	}

	c.Start()
	log.WithField("schedule", spec).Info("Privacy request sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully")

	stopped := c.Stop()
	cancel()
	<-stopped.Done()
	log.Info("Sweeper stopped")
}

func sweep(ctx context.Context, service *privacy.Service, now time.Time, log logrus.FieldLogger) error {
	result, err := service.ExpireOverdue(ctx, now)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"as_of":   now.Format(time.RFC3339),
		"expired": len(result.Expired),
		"overdue": len(result.Overdue),
	}).Info("Sweep completed")
	return nil
}
