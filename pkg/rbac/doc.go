// Package rbac answers "may this user do X in this organization" and turns
// the answers into route middleware.
//
// # Resolver
//
// Permission evaluation lives in the database. The has_permission SQL
// function walks the user's active membership, its role and the role's
// grants; the Resolver only marshals the call and fails closed:
//
//	resolver := rbac.NewResolver(db, rbac.ResolverOptions{
//		CacheSize:    cfg.Cache.PermissionCacheSize,
//		CacheTTL:     cfg.Cache.PermissionCacheTTL,
//		QueryTimeout: cfg.Storage.QueryTimeout,
//		Logger:       logger,
//	})
//	if resolver.CheckPermission(ctx, userID, orgID, rbac.ResourceMembers, rbac.ActionRead) {
//		...
//	}
//
// A lookup error, a missing membership and an inactive membership all read
// as "denied". Decisions are cached for a short TTL; call InvalidateUser
// after changing a membership.
//
// # Gates
//
//	gates := rbac.NewGates(resolver, orgLoader, auditWriter, metrics)
//	router.Handle("/api/v1/privacy/requests",
//		gates.RequirePermission(rbac.ResourceDataPrivacy, rbac.ActionRead)(listHandler))
//
// Gates report failures through the typed auth errors: *auth.AuthError
// becomes 401 and *auth.PermissionError becomes 403. Every 403 is written
// to the audit log as security.permission_denied.
//
// RequireOrganization and LoadUserPermissions need no loaded organization
// context. GET /api/v1/me/permissions chains them to list the caller's
// grants in the organization named by the x-organization-id header.
// RequireFeature guards location creation behind multi_location.
//
// The organization id a gate checks against comes from the loaded
// organization context when the loader ran, otherwise from the
// x-organization-id hint on the auth context.
package rbac
