// Package middleware provides HTTP middleware for authentication and rate
// limiting.
//
// # Authentication
//
// AuthMiddleware reads a Bearer token, verifies it and attaches an
// *auth.AuthContext. The x-organization-id header is copied onto the
// context as the caller's organization hint; membership is checked later by
// the organization loader.
//
//	authn := middleware.NewAuthMiddleware(verifier, auditWriter, false)
//	router.Use(authn.Handler)
//
// Invalid tokens are audited as failed logins with a per-address attempt
// count that resets on the next successful request.
//
// # Rate Limiting
//
// RateLimiter keeps token buckets in process. DistributedRateLimiter keeps
// a fixed one minute window in Redis and is used when more than one replica
// serves traffic. Both satisfy Limiter:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.PrivacyIntakeRateLimit)
//	router.Use(middleware.RateLimitMiddleware(limiter, "privacy_intake", auditWriter, metrics, middleware.KeyByIP))
//
// Rejected requests get 429 with Retry-After and are audited as
// security.rate_limit_exceeded. A limiter error fails open.
package middleware
