package orgs

import (
	"errors"
	"time"

	"github.com/platinummonkey/gymdesk/pkg/auth"
)

// OrganizationType describes where an organization sits in a franchise tree
type OrganizationType string

const (
	TypeSingle        OrganizationType = "single"
	TypeFranchise     OrganizationType = "franchise"
	TypeLocationGroup OrganizationType = "location_group"
)

// Valid reports whether t is a known organization type
func (t OrganizationType) Valid() bool {
	switch t {
	case TypeSingle, TypeFranchise, TypeLocationGroup:
		return true
	}
	return false
}

// FeaturesKey is the settings entry holding boolean feature flags
const FeaturesKey = "features"

var (
	ErrNotFound          = errors.New("organization not found")
	ErrHasActiveChildren = errors.New("organization has active child organizations")
	ErrCycle             = errors.New("move would create a cycle in the organization tree")
	ErrInvalidParent     = errors.New("parent organization not found or inactive")
	ErrMemberNotFound    = errors.New("member not found")
	ErrMemberExists      = errors.New("member already exists")
)

// ValidationError reports a rejected input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Organization is a tenant. Organizations form a tree through ParentID.
type Organization struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Domain           *string          `json:"domain,omitempty"`
	Settings         map[string]any   `json:"settings"`
	ParentID         *string          `json:"parent_id,omitempty"`
	OrganizationType OrganizationType `json:"organization_type"`
	IsActive         bool             `json:"is_active"`
	CreatedBy        *string          `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Membership links a user to an organization with a role
type Membership struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	RoleID         string    `json:"role_id"`
	Role           auth.Role `json:"role,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Location is a physical site of an organization
type Location struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Address        string    `json:"address,omitempty"`
	City           string    `json:"city,omitempty"`
	State          string    `json:"state,omitempty"`
	PostalCode     string    `json:"postal_code,omitempty"`
	Country        string    `json:"country,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Context is the validated organization attached to a request after the
// caller's membership has been checked
type Context struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Domain   string         `json:"domain,omitempty"`
	Settings map[string]any `json:"settings"`
	UserRole auth.Role      `json:"user_role"`
	IsActive bool           `json:"is_active"`
}

// OrganizationID returns the organization id
func (c *Context) OrganizationID() string {
	if c == nil {
		return ""
	}
	return c.ID
}

// FeatureEnabled reports whether settings.features[key] is true
func (c *Context) FeatureEnabled(key string) bool {
	if c == nil {
		return false
	}
	return featureEnabled(c.Settings, key)
}

// featureEnabled only accepts a literal true. Missing settings, a
// non-object features entry and non-boolean values are all disabled.
func featureEnabled(settings map[string]any, key string) bool {
	features, ok := settings[FeaturesKey].(map[string]any)
	if !ok {
		return false
	}
	enabled, ok := features[key].(bool)
	return ok && enabled
}

// CreateOrganizationRequest is the body of POST /api/v1/organizations
type CreateOrganizationRequest struct {
	Name             string           `json:"name"`
	Domain           string           `json:"domain,omitempty"`
	ParentID         string           `json:"parent_id,omitempty"`
	OrganizationType OrganizationType `json:"organization_type,omitempty"`
	Settings         map[string]any   `json:"settings,omitempty"`
}

// UpdateOrganizationRequest changes name, domain or replaces settings
type UpdateOrganizationRequest struct {
	Name     *string        `json:"name,omitempty"`
	Domain   *string        `json:"domain,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// MoveOrganizationRequest reparents an organization. A nil ParentID makes
// it a root.
type MoveOrganizationRequest struct {
	ParentID *string `json:"parent_id"`
}

// CreateLocationRequest is the body of POST .../locations
type CreateLocationRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// AddMemberRequest adds a user to an organization
type AddMemberRequest struct {
	UserID string    `json:"user_id"`
	Role   auth.Role `json:"role"`
}

// UpdateMemberRoleRequest changes a member's role
type UpdateMemberRoleRequest struct {
	Role auth.Role `json:"role"`
}
