package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/async"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// ErrQueueFull is returned by AsyncWriter when an entry is dropped
var ErrQueueFull = errors.New("audit queue full")

// Writer persists enriched audit entries
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// CreateAuditLog enriches entry and hands it to w. It never fails: write
// errors are logged and counted.
func CreateAuditLog(ctx context.Context, w Writer, entry Entry) {
	if w == nil {
		return
	}
	entry = Enrich(entry, time.Now())
	if err := w.Write(ctx, entry); err != nil {
		observability.FromContext(ctx).WithError(err).WithFields(logrus.Fields{
			"action":      entry.Action,
			"entity_type": entry.EntityType,
		}).Error("Failed to write audit log")
	}
}

// DBWriter inserts entries into audit_logs
type DBWriter struct {
	db      *sql.DB
	timeout time.Duration
	metrics *observability.Metrics
}

// NewDBWriter creates a writer bounded by timeout per insert
func NewDBWriter(db *sql.DB, timeout time.Duration, metrics *observability.Metrics) *DBWriter {
	return &DBWriter{db: db, timeout: timeout, metrics: metrics}
}

// Write inserts one row
func (w *DBWriter) Write(ctx context.Context, entry Entry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		w.metrics.AuditWrite("error")
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	risk := metaString(entry.Metadata, MetaRiskLevel)
	if risk == "" {
		risk = string(ClassifyRisk(entry.Action, entry.Metadata))
	}
	status := metaString(entry.Metadata, MetaStatus)
	if status == "" {
		status = string(StatusSuccess)
	}

	ctx, cancel := storage.WithTimeout(ctx, w.timeout)
	defer cancel()

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, user_id, organization_id, action, entity_type, entity_id,
			ip_address, user_agent, request_id, metadata, risk_level, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.NewString(),
		nullString(entry.UserID), nullString(entry.OrganizationID),
		string(entry.Action), entry.EntityType, nullString(entry.EntityID),
		nullString(entry.IPAddress), nullString(entry.UserAgent), nullString(entry.RequestID),
		string(metadata), risk, status, time.Now().UTC(),
	)
	if err != nil {
		w.metrics.AuditWrite("error")
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	w.metrics.AuditWrite("ok")
	return nil
}

// AsyncWriter queues entries for a background worker pool so callers never
// wait on the audit sink. Entries are dropped when the queue is full.
type AsyncWriter struct {
	next    Writer
	pool    *async.WorkerPool
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// AsyncOptions configures an AsyncWriter
type AsyncOptions struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
	Logger       logrus.FieldLogger
	Metrics      *observability.Metrics
}

// NewAsyncWriter starts the worker pool draining into next
func NewAsyncWriter(ctx context.Context, next Writer, opts AsyncOptions) *AsyncWriter {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pool := async.NewWorkerPool(ctx, async.PoolOptions{
		Name:      "audit",
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		Timeout:   opts.WriteTimeout,
		Logger:    logger,
		OnError: func(err error) {
			logger.WithError(err).Error("Audit write failed")
		},
	})
	return &AsyncWriter{next: next, pool: pool, logger: logger, metrics: opts.Metrics}
}

// Write enqueues the entry. The request context is not carried into the
// background write.
func (w *AsyncWriter) Write(_ context.Context, entry Entry) error {
	ok := w.pool.TrySubmit(func(ctx context.Context) error {
		return w.next.Write(ctx, entry)
	})
	if !ok {
		w.metrics.AuditDropped()
		return ErrQueueFull
	}
	return nil
}

// QueueDepth reports entries waiting to be written
func (w *AsyncWriter) QueueDepth() int {
	return w.pool.QueueDepth()
}

// Close drains the queue, waiting at most timeout
func (w *AsyncWriter) Close(timeout time.Duration) error {
	return w.pool.Shutdown(timeout)
}

// LogWriter emits entries as structured log lines. Used as a secondary
// sink and when no database is configured.
type LogWriter struct {
	logger logrus.FieldLogger
}

// NewLogWriter creates a log-backed writer
func NewLogWriter(logger logrus.FieldLogger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(_ context.Context, entry Entry) error {
	w.logger.WithFields(logrus.Fields{
		"audit":           true,
		"action":          entry.Action,
		"entity_type":     entry.EntityType,
		"entity_id":       entry.EntityID,
		"user_id":         entry.UserID,
		"organization_id": entry.OrganizationID,
		"request_id":      entry.RequestID,
		"risk_level":      metaString(entry.Metadata, MetaRiskLevel),
		"status":          metaString(entry.Metadata, MetaStatus),
	}).Info("Audit event")
	return nil
}

// MultiWriter fans an entry out to several writers, returning every error
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a writer that writes to all of writers
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopWriter discards entries
type NopWriter struct{}

func (NopWriter) Write(context.Context, Entry) error { return nil }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
