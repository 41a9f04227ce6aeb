// Package audit records security and data events for an organization's
// audit trail.
//
// Every entry is enriched with a timestamp, a derived risk level and an
// outcome status before it reaches a Writer. CreateAuditLog never returns
// an error, so a failing audit sink cannot abort the operation being
// audited. In production the DBWriter sits behind an AsyncWriter whose
// bounded queue is drained by a worker pool:
//
//	writer := audit.NewAsyncWriter(ctx, audit.NewDBWriter(db, 5*time.Second, metrics), audit.AsyncOptions{
//		Workers:   4,
//		QueueSize: 1000,
//	})
//	defer writer.Close(10 * time.Second)
//
// # Risk levels
//
//	data.delete                               critical
//	user.role_change, permission.*            high
//	auth.failed_login                         medium, high at attempt_count >= 5
//	security.suspicious_activity              high
//	other security.*, data.export             medium
//	data.read and everything else             low
//
// # Middleware
//
// Middleware writes one entry per wrapped request with response_time_ms and
// the status code. Handlers add fields with Annotate and mark failures with
// RecordError:
//
//	router.Handle("/requests/{id}/verify",
//		audit.Middleware(writer, audit.ActionDataUpdate, "data_privacy_request", audit.Options{
//			EntityID: func(r *http.Request) string { return mux.Vars(r)["id"] },
//		})(verifyHandler))
//
// Routes whose service layer already audits successful writes pass
// ShouldAudit: OnFailure so only rejected attempts add an entry.
//
// The Auth group is for the identity service that fronts this API; gymdesk
// itself only verifies tokens and never logs users in.
package audit
