package auth

import "strings"

// User is the identity asserted by the external identity provider.
// Profile fields are only populated when the token carries them.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// Role is the closed set of membership roles. A membership's role_id
// resolves to exactly one of these slugs.
type Role string

const (
	RoleOwner   Role = "owner"   // Full control including billing and deletion
	RoleAdmin   Role = "admin"   // Manages staff, settings and privacy requests
	RoleCoach   Role = "coach"   // Runs classes, reads member data
	RoleTrainer Role = "trainer" // Personal training, reads assigned clients
	RoleMember  Role = "member"  // Gym member, self-service only
)

var knownRoles = map[Role]struct{}{
	RoleOwner:   {},
	RoleAdmin:   {},
	RoleCoach:   {},
	RoleTrainer: {},
	RoleMember:  {},
}

// ParseRole validates a slug coming from the data store or a route
// definition. Unknown slugs are rejected.
func ParseRole(slug string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(slug)))
	if _, ok := knownRoles[r]; !ok {
		return "", false
	}
	return r, true
}

// String implements fmt.Stringer
func (r Role) String() string {
	return string(r)
}

// AuthContext holds the authenticated identity for a request
type AuthContext struct {
	User *User
	// OrganizationID is the organization hint supplied by the client
	// (x-organization-id). It is not validated until the organization
	// loader or a gate checks membership.
	OrganizationID string
	// Token is the raw bearer token, kept for downstream calls that
	// must act as the user.
	Token string
}

// UserID returns the authenticated user id or "" when unauthenticated
func (ac *AuthContext) UserID() string {
	if ac == nil || ac.User == nil {
		return ""
	}
	return ac.User.ID
}

// IsAuthenticated reports whether an identity is present
func (ac *AuthContext) IsAuthenticated() bool {
	return ac.UserID() != ""
}
