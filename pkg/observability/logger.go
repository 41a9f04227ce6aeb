package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
)

// NewLogger creates a JSON logrus logger at the given level.
// Unknown levels fall back to info.
func NewLogger(level string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	return logger
}

// WithLogger stores a logger in the context
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return contextkeys.WithLogger(ctx, logger)
}

// FromContext returns the request logger enriched with request id, user
// id and trace ids. Falls back to the standard logger.
func FromContext(ctx context.Context) logrus.FieldLogger {
	logger, ok := ctx.Value(contextkeys.LoggerKey).(logrus.FieldLogger)
	if !ok || logger == nil {
		logger = logrus.StandardLogger()
	}

	fields := logrus.Fields{}
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	if userID := contextkeys.GetUserID(ctx); userID != "" {
		fields["user_id"] = userID
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		fields["trace_id"] = spanCtx.TraceID().String()
		fields["span_id"] = spanCtx.SpanID().String()
	}

	if len(fields) == 0 {
		return logger
	}
	return logger.WithFields(fields)
}
