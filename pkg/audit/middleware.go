package audit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
)

// Options customizes Middleware
type Options struct {
	// EntityID extracts the audited entity id, e.g. a path variable
	EntityID func(r *http.Request) string
	// Details adds fields to the entry metadata
	Details func(r *http.Request) map[string]interface{}
	// ShouldAudit decides whether the entry is written. Defaults to always.
	ShouldAudit func(r *http.Request, status int) bool
}

// Recorder lets a handler attach details or an error to the entry the
// surrounding Middleware will write
type Recorder struct {
	mu       sync.Mutex
	entityID string
	details  map[string]interface{}
	err      error
}

func (rec *Recorder) set(key string, value interface{}) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.details == nil {
		rec.details = map[string]interface{}{}
	}
	rec.details[key] = value
}

func recorderFrom(ctx context.Context) *Recorder {
	rec, _ := ctx.Value(contextkeys.AuditRecorderKey).(*Recorder)
	return rec
}

// Annotate adds a metadata field to the current request's audit entry
func Annotate(ctx context.Context, key string, value interface{}) {
	if rec := recorderFrom(ctx); rec != nil {
		rec.set(key, value)
	}
}

// SetEntityID overrides the entity id of the current request's entry
func SetEntityID(ctx context.Context, id string) {
	if rec := recorderFrom(ctx); rec != nil {
		rec.mu.Lock()
		rec.entityID = id
		rec.mu.Unlock()
	}
}

// RecordError marks the current request's entry as failed with err
func RecordError(ctx context.Context, err error) {
	if rec := recorderFrom(ctx); rec != nil && err != nil {
		rec.mu.Lock()
		rec.err = err
		rec.mu.Unlock()
	}
}

// Middleware wraps a handler and writes one audit entry per request with
// response_time_ms and the outcome. Non-2xx responses and panics are
// recorded as failures; a panic is re-raised after the entry is written.
func Middleware(w Writer, action Action, entityType string, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &Recorder{}
			ctx := contextkeys.WithAuditRecorder(r.Context(), rec)
			ctx = contextkeys.WithRequestStartTime(ctx, start)
			r = r.WithContext(ctx)

			sr := httputil.NewStatusRecorder(rw)
			var panicked interface{}
			func() {
				defer func() { panicked = recover() }()
				next.ServeHTTP(sr, r)
			}()

			status := sr.Status
			if panicked != nil {
				status = http.StatusInternalServerError
			}

			if opts.ShouldAudit == nil || opts.ShouldAudit(r, status) {
				entry := FromRequest(r, action, entityType)
				if opts.EntityID != nil {
					entry.EntityID = opts.EntityID(r)
				}
				if opts.Details != nil {
					for k, v := range opts.Details(r) {
						entry.Metadata[k] = v
					}
				}

				rec.mu.Lock()
				for k, v := range rec.details {
					entry.Metadata[k] = v
				}
				if rec.entityID != "" {
					entry.EntityID = rec.entityID
				}
				recErr := rec.err
				rec.mu.Unlock()

				entry.Metadata[MetaResponseTimeMS] = time.Since(start).Milliseconds()
				entry.Metadata[MetaStatusCode] = status
				switch {
				case panicked != nil:
					entry.Metadata[MetaStatus] = string(StatusFailure)
					entry.Metadata[MetaErrorMessage] = fmt.Sprint(panicked)
				case recErr != nil:
					entry.Metadata[MetaStatus] = string(StatusFailure)
					entry.Metadata[MetaErrorMessage] = recErr.Error()
				case status < 200 || status >= 300:
					entry.Metadata[MetaStatus] = string(StatusFailure)
					entry.Metadata[MetaErrorMessage] = http.StatusText(status)
				}

				CreateAuditLog(r.Context(), w, entry)
			}

			if panicked != nil {
				panic(panicked)
			}
		})
	}
}
