// Package httputil holds the JSON response helpers, request parsing and the
// outer middleware chain shared by every HTTP surface.
//
// Error bodies are always {"error": "..."} with an optional "code". Handlers
// that call the authorization layer route its errors through
// WriteAuthzError so the 401/403/500 mapping stays uniform:
//
//	if err := gates.Check(...); err != nil {
//		httputil.WriteAuthzError(w, r, err)
//		return
//	}
//
// The outer chain assigns request ids, installs the request logger and
// recovers panics:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware,
//	)(router)
package httputil
