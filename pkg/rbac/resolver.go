package rbac

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/observability"
	"github.com/platinummonkey/gymdesk/pkg/storage"
)

// ResolverOptions configures a Resolver
type ResolverOptions struct {
	// CacheSize bounds the decision cache. Zero disables caching.
	CacheSize int
	CacheTTL  time.Duration
	// QueryTimeout bounds each data-store call
	QueryTimeout time.Duration
	Logger       logrus.FieldLogger
	Metrics      *observability.Metrics
}

// Resolver answers permission and role questions for a (user, organization)
// pair. Every answer fails closed: a data-store error reads as "no".
type Resolver struct {
	db      *sql.DB
	cache   *expirable.LRU[string, bool]
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics *observability.Metrics
}

// NewResolver creates a resolver over the given pool
func NewResolver(db *sql.DB, opts ResolverOptions) *Resolver {
	r := &Resolver{
		db:      db,
		timeout: opts.QueryTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if opts.CacheSize > 0 && opts.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, bool](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

func cacheKey(userID, orgID string, resource Resource, action Action) string {
	return userID + "|" + orgID + "|" + string(resource) + "|" + string(action)
}

// CheckPermission reports whether the user's active membership in the
// organization grants resource.action. Missing identifiers, a missing
// membership and any data-store failure all return false.
func (r *Resolver) CheckPermission(ctx context.Context, userID, orgID string, resource Resource, action Action) bool {
	if userID == "" || orgID == "" {
		return false
	}

	key := cacheKey(userID, orgID, resource, action)
	if r.cache != nil {
		if allowed, ok := r.cache.Get(key); ok {
			r.metrics.PermissionCheck(decision(allowed), true)
			return allowed
		}
	}

	ctx, cancel := storage.WithTimeout(ctx, r.timeout)
	defer cancel()

	var allowed sql.NullBool
	err := r.db.QueryRowContext(ctx,
		`SELECT has_permission($1, $2, $3, $4)`,
		userID, orgID, string(resource), string(action),
	).Scan(&allowed)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"user_id":         userID,
			"organization_id": orgID,
			"permission":      Permission{Resource: resource, Action: action}.String(),
		}).WithError(err).Error("Permission check failed")
		r.metrics.PermissionCheck("error", false)
		return false
	}

	result := allowed.Valid && allowed.Bool
	if r.cache != nil {
		r.cache.Add(key, result)
	}
	r.metrics.PermissionCheck(decision(result), false)
	return result
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// GetUserPermissions lists the granted permissions of the user in the
// organization. Errors are logged and produce an empty list.
func (r *Resolver) GetUserPermissions(ctx context.Context, userID, orgID string) []Grant {
	if userID == "" || orgID == "" {
		return []Grant{}
	}

	ctx, cancel := storage.WithTimeout(ctx, r.timeout)
	defer cancel()

	log := r.logger.WithFields(logrus.Fields{"user_id": userID, "organization_id": orgID})

	rows, err := r.db.QueryContext(ctx, `
		SELECT resource, action, granted
		FROM user_effective_permissions
		WHERE user_id = $1 AND organization_id = $2 AND granted = true
		ORDER BY resource, action
	`, userID, orgID)
	if err != nil {
		log.WithError(err).Error("Failed to load user permissions")
		return []Grant{}
	}
	defer rows.Close()

	grants := []Grant{}
	for rows.Next() {
		var res, act string
		var granted bool
		if err := rows.Scan(&res, &act, &granted); err != nil {
			log.WithError(err).Error("Failed to scan user permission")
			return []Grant{}
		}
		resource, ok := ParseResource(res)
		if !ok {
			log.WithField("resource", res).Warn("Skipping unknown resource in permission grant")
			continue
		}
		action, ok := ParseAction(act)
		if !ok {
			log.WithField("action", act).Warn("Skipping unknown action in permission grant")
			continue
		}
		grants = append(grants, Grant{Resource: resource, Action: action, Granted: granted})
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("Failed to iterate user permissions")
		return []Grant{}
	}
	return grants
}

// GetUserRole returns the role of the user's active membership in the
// organization. ok is false when there is no active membership, the role
// cannot be resolved, or the lookup fails.
func (r *Resolver) GetUserRole(ctx context.Context, userID, orgID string) (auth.Role, bool) {
	if userID == "" || orgID == "" {
		return "", false
	}

	ctx, cancel := storage.WithTimeout(ctx, r.timeout)
	defer cancel()

	var slug string
	err := r.db.QueryRowContext(ctx, `
		SELECT r.slug
		FROM user_organizations uo
		JOIN roles r ON r.id = uo.role_id
		WHERE uo.user_id = $1 AND uo.organization_id = $2 AND uo.is_active = true
	`, userID, orgID).Scan(&slug)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			r.logger.WithFields(logrus.Fields{
				"user_id":         userID,
				"organization_id": orgID,
			}).WithError(err).Error("Failed to load user role")
		}
		return "", false
	}

	role, ok := auth.ParseRole(slug)
	if !ok {
		r.logger.WithField("role", slug).Warn("Membership references unknown role")
	}
	return role, ok
}

// HasRole reports whether the user's role in the organization is one of roles
func (r *Resolver) HasRole(ctx context.Context, userID, orgID string, roles ...auth.Role) bool {
	role, ok := r.GetUserRole(ctx, userID, orgID)
	if !ok {
		return false
	}
	for _, want := range roles {
		if role == want {
			return true
		}
	}
	return false
}

// InvalidateUser drops cached decisions for the user, optionally limited
// to one organization. Call after membership or role changes.
func (r *Resolver) InvalidateUser(userID, orgID string) {
	if r.cache == nil {
		return
	}
	prefix := userID + "|"
	if orgID != "" {
		prefix += orgID + "|"
	}
	for _, key := range r.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Remove(key)
		}
	}
}
