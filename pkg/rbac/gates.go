package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/observability"
)

// Authorizer is the resolver surface the gates depend on
type Authorizer interface {
	CheckPermission(ctx context.Context, userID, orgID string, resource Resource, action Action) bool
	GetUserPermissions(ctx context.Context, userID, orgID string) []Grant
	HasRole(ctx context.Context, userID, orgID string, roles ...auth.Role) bool
}

// OrganizationScope is the loaded organization context placed in the
// request by the organization loader
type OrganizationScope interface {
	OrganizationID() string
	FeatureEnabled(key string) bool
}

// FeatureLookup resolves feature flags when no organization context has
// been loaded for the request
type FeatureLookup interface {
	IsFeatureEnabled(ctx context.Context, orgID, key string) bool
}

// Gates builds route middleware that admits or rejects requests by
// authentication, role, permission, feature flag and organization context
type Gates struct {
	authz    Authorizer
	features FeatureLookup
	audit    audit.Writer
	metrics  *observability.Metrics
}

// NewGates creates the gate factory. features may be nil.
func NewGates(authz Authorizer, features FeatureLookup, auditWriter audit.Writer, metrics *observability.Metrics) *Gates {
	return &Gates{authz: authz, features: features, audit: auditWriter, metrics: metrics}
}

// OrganizationFromContext returns the loaded organization context, if any
func OrganizationFromContext(ctx context.Context) (OrganizationScope, bool) {
	scope, ok := ctx.Value(contextkeys.OrgKey).(OrganizationScope)
	return scope, ok && scope != nil
}

// PermissionsFromContext returns the grants attached by LoadUserPermissions
func PermissionsFromContext(ctx context.Context) ([]Grant, bool) {
	grants, ok := ctx.Value(contextkeys.PermissionsKey).([]Grant)
	return grants, ok
}

// requestOrganization prefers the loaded organization context over the
// client supplied hint
func requestOrganization(ctx context.Context, ac *auth.AuthContext) string {
	if scope, ok := OrganizationFromContext(ctx); ok && scope.OrganizationID() != "" {
		return scope.OrganizationID()
	}
	if ac != nil {
		return ac.OrganizationID
	}
	return ""
}

func identity(r *http.Request) (*auth.AuthContext, string, error) {
	ac := auth.FromContext(r.Context())
	if !ac.IsAuthenticated() {
		return nil, "", auth.ErrAuthenticationRequired()
	}
	orgID := requestOrganization(r.Context(), ac)
	if orgID == "" {
		return nil, "", auth.ErrOrganizationRequired()
	}
	return ac, orgID, nil
}

// AuthorizePermission checks that the caller holds resource.action in the
// request organization
func (g *Gates) AuthorizePermission(r *http.Request, resource Resource, action Action) error {
	ac, orgID, err := identity(r)
	if err != nil {
		return err
	}
	if !g.authz.CheckPermission(r.Context(), ac.UserID(), orgID, resource, action) {
		return auth.NewPermissionError("Permission denied: requires " + Permission{Resource: resource, Action: action}.String())
	}
	return nil
}

// AuthorizeRole checks that the caller's role in the request organization
// is one of roles
func (g *Gates) AuthorizeRole(r *http.Request, roles ...auth.Role) error {
	ac, orgID, err := identity(r)
	if err != nil {
		return err
	}
	if !g.authz.HasRole(r.Context(), ac.UserID(), orgID, roles...) {
		return auth.NewPermissionError("Requires one of these roles: " + joinRoles(roles))
	}
	return nil
}

// AuthorizeFeature checks that the request organization has the feature
// flag enabled
func (g *Gates) AuthorizeFeature(r *http.Request, key string) error {
	ctx := r.Context()
	var enabled bool
	if scope, ok := OrganizationFromContext(ctx); ok {
		enabled = scope.FeatureEnabled(key)
	} else {
		orgID := requestOrganization(ctx, auth.FromContext(ctx))
		if orgID == "" || g.features == nil {
			return auth.ErrOrganizationRequired()
		}
		enabled = g.features.IsFeatureEnabled(ctx, orgID, key)
	}
	if !enabled {
		return auth.NewPermissionError("Feature '" + key + "' is not enabled for this organization")
	}
	return nil
}

// AuthorizeOrganization checks that the caller is authenticated and an
// organization has been resolved for the request
func (g *Gates) AuthorizeOrganization(r *http.Request) error {
	_, _, err := identity(r)
	return err
}

func joinRoles(roles []auth.Role) string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return strings.Join(names, ", ")
}

// gate wraps an authorize function as middleware. Permission denials are
// audited; every rejection is counted.
func (g *Gates) gate(name, entityType string, details map[string]interface{}, authorize func(*http.Request) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := authorize(r)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			status := http.StatusInternalServerError
			switch {
			case auth.IsAuthError(err):
				status = http.StatusUnauthorized
			case auth.IsPermissionError(err):
				status = http.StatusForbidden
				meta := map[string]interface{}{"gate": name, "reason": err.Error()}
				for k, v := range details {
					meta[k] = v
				}
				audit.Security.PermissionDenied(g.audit, r, entityType, meta)
			}
			g.metrics.GateDenied(name, status)
			observability.FromContext(r.Context()).WithField("gate", name).WithError(err).Debug("Request rejected by gate")
			httputil.WriteAuthzError(w, r, err)
		})
	}
}

// RequirePermission admits callers holding resource.action
func (g *Gates) RequirePermission(resource Resource, action Action) func(http.Handler) http.Handler {
	details := map[string]interface{}{"required_permission": Permission{Resource: resource, Action: action}.String()}
	return g.gate("permission", string(resource), details, func(r *http.Request) error {
		return g.AuthorizePermission(r, resource, action)
	})
}

// RequireRole admits callers whose role is one of roles
func (g *Gates) RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	details := map[string]interface{}{"required_roles": joinRoles(roles)}
	return g.gate("role", "role", details, func(r *http.Request) error {
		return g.AuthorizeRole(r, roles...)
	})
}

// RequireFeature admits requests whose organization has key enabled
func (g *Gates) RequireFeature(key string) func(http.Handler) http.Handler {
	details := map[string]interface{}{"feature": key}
	return g.gate("feature", "feature", details, func(r *http.Request) error {
		return g.AuthorizeFeature(r, key)
	})
}

// RequireOrganization admits authenticated requests with a resolved
// organization
func (g *Gates) RequireOrganization() func(http.Handler) http.Handler {
	return g.gate("organization", "organization", nil, g.AuthorizeOrganization)
}

// LoadUserPermissions attaches the caller's grants to the request context.
// It never rejects: without an identity or organization, or when the
// lookup yields nothing, the request continues unchanged.
func (g *Gates) LoadUserPermissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		orgID := requestOrganization(r.Context(), ac)
		if !ac.IsAuthenticated() || orgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		grants := g.authz.GetUserPermissions(r.Context(), ac.UserID(), orgID)
		ctx := contextkeys.WithPermissions(r.Context(), grants)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
