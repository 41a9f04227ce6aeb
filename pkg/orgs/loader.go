package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

const (
	// OrganizationParam is the path variable and query parameter naming
	// the organization of a request
	OrganizationParam = "organization_id"
	// OrganizationHeader carries the client's organization hint
	OrganizationHeader = "x-organization-id"

	TargetOrganizationHeader = "x-target-organization-id"
	TargetOrganizationParam  = "target_organization_id"
)

// Loader validates organization membership and attaches the organization
// to the request
type Loader struct {
	db      *sql.DB
	timeout time.Duration
	audit   audit.Writer
	logger  logrus.FieldLogger
}

// NewLoader creates a loader. auditWriter may be nil.
func NewLoader(db *sql.DB, timeout time.Duration, auditWriter audit.Writer, logger logrus.FieldLogger) *Loader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{db: db, timeout: timeout, audit: auditWriter, logger: logger}
}

// FromContext returns the organization loaded for the request, or nil
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(contextkeys.OrgKey).(*Context)
	return c
}

// ResolveOrganizationID picks the organization id of a request: path
// variable, then query parameter, then header
func ResolveOrganizationID(r *http.Request) string {
	if id := mux.Vars(r)[OrganizationParam]; id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get(OrganizationParam)); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(OrganizationHeader))
}

// Load runs the resolution chain for an already resolved organization id
func (l *Loader) Load(ctx context.Context, userID, orgID string) (*Context, error) {
	if userID == "" {
		return nil, auth.ErrAuthenticationRequired()
	}
	if orgID == "" {
		return nil, auth.ErrOrganizationRequired()
	}

	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	var roleID string
	var active bool
	err := l.db.QueryRowContext(ctx, `
		SELECT role_id, is_active FROM user_organizations
		WHERE user_id = $1 AND organization_id = $2
	`, userID, orgID).Scan(&roleID, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.NewPermissionError("Not a member of this organization")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if !active {
		return nil, auth.NewPermissionError("Organization membership is inactive")
	}

	oc, err := l.loadOrganization(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.NewPermissionError("Organization not found")
	}
	if err != nil {
		return nil, err
	}

	var slug string
	err = l.db.QueryRowContext(ctx, `SELECT slug FROM roles WHERE id = $1`, roleID).Scan(&slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.NewPermissionError("User role not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load role: %w", err)
	}
	role, ok := auth.ParseRole(slug)
	if !ok {
		return nil, auth.NewPermissionError("User role not found")
	}
	oc.UserRole = role
	return oc, nil
}

func (l *Loader) loadOrganization(ctx context.Context, orgID string) (*Context, error) {
	var (
		oc       Context
		domain   sql.NullString
		settings []byte
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, name, domain, settings, is_active FROM organizations WHERE id = $1
	`, orgID).Scan(&oc.ID, &oc.Name, &domain, &settings, &oc.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}
	oc.Domain = domain.String
	oc.Settings = decodeSettings(settings)
	return &oc, nil
}

// decodeSettings returns nil unless the stored value is a JSON object
func decodeSettings(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil
	}
	return settings
}

// LoadOrganizationContext is middleware that rejects callers without an
// active membership in the request organization and attaches the
// organization otherwise
func (l *Loader) LoadOrganizationContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := auth.FromContext(r.Context())
		oc, err := l.Load(r.Context(), ac.UserID(), ResolveOrganizationID(r))
		if err != nil {
			if auth.IsPermissionError(err) {
				audit.Security.PermissionDenied(l.audit, r, "organization", map[string]interface{}{
					"reason": err.Error(),
				})
			}
			httputil.WriteAuthzError(w, r, err)
			return
		}
		ctx := contextkeys.WithOrg(r.Context(), oc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VerifyOrganizationAccess reports whether the user has an active
// membership in the organization. Errors read as false.
func (l *Loader) VerifyOrganizationAccess(ctx context.Context, userID, orgID string) bool {
	if userID == "" || orgID == "" {
		return false
	}
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	var active bool
	err := l.db.QueryRowContext(ctx, `
		SELECT is_active FROM user_organizations
		WHERE user_id = $1 AND organization_id = $2
	`, userID, orgID).Scan(&active)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"user_id":         userID,
				"organization_id": orgID,
			}).Error("Failed to verify organization access")
		}
		return false
	}
	return active
}

// GetUserOrganizations returns one context per active membership of the
// user. Any failed lookup yields an empty list.
func (l *Loader) GetUserOrganizations(ctx context.Context, userID string) []Context {
	result := []Context{}
	if userID == "" {
		return result
	}
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()
	log := l.logger.WithField("user_id", userID)

	memberships, err := l.activeMemberships(ctx, userID)
	if err != nil {
		log.WithError(err).Error("Failed to load memberships")
		return result
	}
	if len(memberships) == 0 {
		return result
	}

	orgIDs := make([]string, 0, len(memberships))
	roleSet := map[string]struct{}{}
	for _, m := range memberships {
		orgIDs = append(orgIDs, m.OrganizationID)
		roleSet[m.RoleID] = struct{}{}
	}
	roleIDs := make([]string, 0, len(roleSet))
	for id := range roleSet {
		roleIDs = append(roleIDs, id)
	}

	orgsByID, err := l.organizationsByID(ctx, orgIDs)
	if err != nil {
		log.WithError(err).Error("Failed to load organizations")
		return result
	}
	rolesByID, err := l.rolesByID(ctx, roleIDs)
	if err != nil {
		log.WithError(err).Error("Failed to load roles")
		return result
	}

	for _, m := range memberships {
		oc, ok := orgsByID[m.OrganizationID]
		if !ok {
			continue
		}
		role, ok := rolesByID[m.RoleID]
		if !ok {
			continue
		}
		oc.UserRole = role
		result = append(result, oc)
	}
	return result
}

func (l *Loader) activeMemberships(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT organization_id, role_id FROM user_organizations
		WHERE user_id = $1 AND is_active = true
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m := Membership{UserID: userID, IsActive: true}
		if err := rows.Scan(&m.OrganizationID, &m.RoleID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *Loader) organizationsByID(ctx context.Context, ids []string) (map[string]Context, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, name, domain, settings, is_active FROM organizations WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Context, len(ids))
	for rows.Next() {
		var oc Context
		var domain sql.NullString
		var settings []byte
		if err := rows.Scan(&oc.ID, &oc.Name, &domain, &settings, &oc.IsActive); err != nil {
			return nil, err
		}
		oc.Domain = domain.String
		oc.Settings = decodeSettings(settings)
		out[oc.ID] = oc
	}
	return out, rows.Err()
}

func (l *Loader) rolesByID(ctx context.Context, ids []string) (map[string]auth.Role, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, slug FROM roles WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]auth.Role, len(ids))
	for rows.Next() {
		var id, slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return nil, err
		}
		if role, ok := auth.ParseRole(slug); ok {
			out[id] = role
		}
	}
	return out, rows.Err()
}

// GetOrganizationSettings returns the settings object of an organization.
// ok is false when the organization is missing, the lookup fails or the
// stored value is not an object.
func (l *Loader) GetOrganizationSettings(ctx context.Context, orgID string) (map[string]any, bool) {
	if orgID == "" {
		return nil, false
	}
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	var raw []byte
	err := l.db.QueryRowContext(ctx, `SELECT settings FROM organizations WHERE id = $1`, orgID).Scan(&raw)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			l.logger.WithError(err).WithField("organization_id", orgID).Error("Failed to load organization settings")
		}
		return nil, false
	}
	settings := decodeSettings(raw)
	return settings, settings != nil
}

// IsFeatureEnabled reports whether settings.features[key] is true
func (l *Loader) IsFeatureEnabled(ctx context.Context, orgID, key string) bool {
	settings, ok := l.GetOrganizationSettings(ctx, orgID)
	if !ok {
		return false
	}
	return featureEnabled(settings, key)
}

// countActiveMemberships returns the number of organizations the user can
// currently act in
func (l *Loader) countActiveMemberships(ctx context.Context, userID string) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, l.timeout)
	defer cancel()

	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_organizations WHERE user_id = $1 AND is_active = true
	`, userID).Scan(&n)
	return n, err
}

// ValidateCrossOrgAccess gates routes that read across organizations. When
// the request names a target organization the caller needs an active
// membership in it. Without a target, callers belonging to more than one
// organization are admitted.
//
// TODO: replace the multi-membership fallback with an explicit cross-org grant table.
func (l *Loader) ValidateCrossOrgAccess(resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := auth.FromContext(r.Context())
			if !ac.IsAuthenticated() {
				httputil.WriteAuthzError(w, r, auth.ErrAuthenticationRequired())
				return
			}

			denied := auth.NewPermissionError("Cross-organization access denied for " + resourceType)
			target := strings.TrimSpace(r.Header.Get(TargetOrganizationHeader))
			if target == "" {
				target = strings.TrimSpace(r.URL.Query().Get(TargetOrganizationParam))
			}

			allowed := false
			if target != "" {
				allowed = l.VerifyOrganizationAccess(r.Context(), ac.UserID(), target)
			} else {
				n, err := l.countActiveMemberships(r.Context(), ac.UserID())
				if err != nil {
					l.logger.WithError(err).WithField("user_id", ac.UserID()).Error("Failed to count memberships")
				}
				allowed = err == nil && n > 1
			}

			if !allowed {
				audit.Security.PermissionDenied(l.audit, r, resourceType, map[string]interface{}{
					"reason":                 denied.Message,
					"target_organization_id": target,
				})
				httputil.WriteAuthzError(w, r, denied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
