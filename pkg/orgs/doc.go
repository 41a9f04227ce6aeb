// Package orgs manages gym organizations and resolves the organization a
// request acts in.
//
// # Organization context
//
// Loader.LoadOrganizationContext reads the organization id from the
// organization_id path variable, the organization_id query parameter or
// the x-organization-id header, in that order. It then requires an
// active membership, the organization record and the membership's role
// before attaching a *Context to the request:
//
//	router.Handle("/api/v1/organizations/{organization_id}/locations",
//		httputil.Chain(loader.LoadOrganizationContext,
//			gates.RequirePermission(rbac.ResourceLocations, rbac.ActionRead))(handler))
//
// Handlers read it back with orgs.FromContext. A failing stage produces an
// *auth.AuthError (no identity) or an *auth.PermissionError.
//
// # Cross-organization reads
//
// ValidateCrossOrgAccess is exported for report routes that read across a
// franchise. No gymdesk route mounts it yet: it admits any caller with
// more than one active membership when no target is named, which is too
// broad for the current endpoints.
//
// # Organization tree
//
// Organizations may have a parent, forming franchise and location-group
// hierarchies. Deleting is a soft deactivation and is refused while
// active children exist. MoveOrganization walks the ancestor chain of the
// new parent and refuses any move that would create a cycle.
//
// # Feature flags
//
// settings.features holds boolean flags. Only a literal true enables a
// flag; anything else, including an unknown key, is disabled.
package orgs
