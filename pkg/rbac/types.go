package rbac

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/gymdesk/pkg/auth"
)

// Resource represents a type of resource that can be protected
type Resource string

const (
	ResourceMembers       Resource = "members"
	ResourceEmployees     Resource = "employees"
	ResourceClasses       Resource = "classes"
	ResourceSchedules     Resource = "schedules"
	ResourceLocations     Resource = "locations"
	ResourceOrganizations Resource = "organizations"
	ResourceSettings      Resource = "settings"
	ResourceBilling       Resource = "billing"
	ResourceReports       Resource = "reports"
	ResourceAuditLogs     Resource = "audit_logs"
	ResourceDataPrivacy   Resource = "data_privacy"
	ResourceConsents      Resource = "consents"
	ResourceRoles         Resource = "roles"
)

// Action represents an operation that can be performed on a resource
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionManage grants every other action on the resource
	ActionManage Action = "manage"
	ActionExport Action = "export"
)

var allResources = []Resource{
	ResourceMembers, ResourceEmployees, ResourceClasses, ResourceSchedules,
	ResourceLocations, ResourceOrganizations, ResourceSettings, ResourceBilling,
	ResourceReports, ResourceAuditLogs, ResourceDataPrivacy, ResourceConsents,
	ResourceRoles,
}

var allActions = []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage, ActionExport}

// AllResources returns every known resource
func AllResources() []Resource {
	out := make([]Resource, len(allResources))
	copy(out, allResources)
	return out
}

// ParseResource validates a resource name
func ParseResource(s string) (Resource, bool) {
	for _, r := range allResources {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// ParseAction validates an action name
func ParseAction(s string) (Action, bool) {
	for _, a := range allActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Permission is a resource/action pair
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String renders the permission as "resource.action"
func (p Permission) String() string {
	return string(p.Resource) + "." + string(p.Action)
}

// Implies reports whether holding p satisfies a check for want
func (p Permission) Implies(want Permission) bool {
	if p.Resource != want.Resource {
		return false
	}
	return p.Action == want.Action || p.Action == ActionManage
}

// ParsePermission parses "resource.action"
func ParsePermission(s string) (Permission, error) {
	res, act, ok := strings.Cut(s, ".")
	if !ok {
		return Permission{}, fmt.Errorf("invalid permission %q: expected resource.action", s)
	}
	r, ok := ParseResource(res)
	if !ok {
		return Permission{}, fmt.Errorf("unknown resource %q", res)
	}
	a, ok := ParseAction(act)
	if !ok {
		return Permission{}, fmt.Errorf("unknown action %q", act)
	}
	return Permission{Resource: r, Action: a}, nil
}

// Grant is one row of a user's effective permissions in an organization
type Grant struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
	Granted  bool     `json:"granted"`
}

// Permission returns the resource/action pair of the grant
func (g Grant) Permission() Permission {
	return Permission{Resource: g.Resource, Action: g.Action}
}

// HasPermission reports whether any granted entry implies want
func HasPermission(grants []Grant, want Permission) bool {
	for _, g := range grants {
		if g.Granted && g.Permission().Implies(want) {
			return true
		}
	}
	return false
}

func manage(resources ...Resource) []Permission {
	out := make([]Permission, 0, len(resources))
	for _, r := range resources {
		out = append(out, Permission{Resource: r, Action: ActionManage})
	}
	return out
}

func perms(resource Resource, actions ...Action) []Permission {
	out := make([]Permission, 0, len(actions))
	for _, a := range actions {
		out = append(out, Permission{Resource: resource, Action: a})
	}
	return out
}

// DefaultRolePermissions returns the permission matrix seeded for the
// built-in roles
func DefaultRolePermissions() map[auth.Role][]Permission {
	admin := manage(
		ResourceMembers, ResourceEmployees, ResourceClasses, ResourceSchedules,
		ResourceLocations, ResourceSettings, ResourceReports, ResourceDataPrivacy,
		ResourceConsents,
	)
	admin = append(admin, perms(ResourceOrganizations, ActionRead, ActionUpdate)...)
	admin = append(admin, perms(ResourceAuditLogs, ActionRead, ActionExport)...)
	admin = append(admin, perms(ResourceBilling, ActionRead)...)
	admin = append(admin, perms(ResourceRoles, ActionRead)...)

	coach := perms(ResourceMembers, ActionRead, ActionUpdate)
	coach = append(coach, manage(ResourceClasses, ResourceSchedules)...)
	coach = append(coach, perms(ResourceLocations, ActionRead)...)
	coach = append(coach, perms(ResourceReports, ActionRead)...)

	trainer := perms(ResourceMembers, ActionRead)
	trainer = append(trainer, perms(ResourceClasses, ActionRead)...)
	trainer = append(trainer, perms(ResourceSchedules, ActionRead, ActionCreate, ActionUpdate)...)
	trainer = append(trainer, perms(ResourceLocations, ActionRead)...)

	member := perms(ResourceClasses, ActionRead)
	member = append(member, perms(ResourceSchedules, ActionRead)...)
	member = append(member, perms(ResourceLocations, ActionRead)...)
	member = append(member, perms(ResourceConsents, ActionRead, ActionUpdate)...)

	return map[auth.Role][]Permission{
		auth.RoleOwner:   manage(allResources...),
		auth.RoleAdmin:   admin,
		auth.RoleCoach:   coach,
		auth.RoleTrainer: trainer,
		auth.RoleMember:  member,
	}
}
