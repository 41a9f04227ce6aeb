package orgs

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
)

// Handlers serves /api/v1/organizations
type Handlers struct {
	service *Service
	loader  *Loader
	gates   *rbac.Gates
	authz   rbac.Authorizer
}

// NewHandlers creates organization handlers
func NewHandlers(service *Service, loader *Loader, gates *rbac.Gates, authz rbac.Authorizer) *Handlers {
	return &Handlers{service: service, loader: loader, gates: gates, authz: authz}
}

// FeatureMultiLocation must be enabled before an organization can add
// locations
const FeatureMultiLocation = "multi_location"

// RegisterRoutes mounts the organization routes. Routes under an
// organization id load the organization context before their gate runs.
// Reads are audited per request; writes are audited by the service and
// only failed attempts add a request entry.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	aw := h.service.audit
	failed := func(action audit.Action, entityType string) func(http.Handler) http.Handler {
		return audit.Middleware(aw, action, entityType, audit.Options{EntityID: orgIDVar, ShouldAudit: audit.OnFailure})
	}
	read := func(entityType string) func(http.Handler) http.Handler {
		return audit.CRUD(aw, entityType).Read(audit.Options{EntityID: orgIDVar})
	}

	router.Handle("/api/v1/organizations", failed(audit.ActionDataCreate, "organization")(http.HandlerFunc(h.createOrganization))).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/organizations", h.listOrganizations).Methods(http.MethodGet)
	router.Handle("/api/v1/me/permissions",
		httputil.Chain(h.gates.RequireOrganization(), h.gates.LoadUserPermissions)(http.HandlerFunc(h.myPermissions))).Methods(http.MethodGet)

	scoped := func(gate func(http.Handler) http.Handler, audited func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		return httputil.Chain(h.loader.LoadOrganizationContext, gate, audited)(fn)
	}
	perm := h.gates.RequirePermission
	base := "/api/v1/organizations/{organization_id}"

	router.Handle(base, scoped(perm(rbac.ResourceOrganizations, rbac.ActionRead), read("organization"), h.getOrganization)).Methods(http.MethodGet)
	router.Handle(base, scoped(perm(rbac.ResourceOrganizations, rbac.ActionUpdate), failed(audit.ActionDataUpdate, "organization"), h.updateOrganization)).Methods(http.MethodPatch)
	router.Handle(base, scoped(h.gates.RequireRole(auth.RoleOwner), failed(audit.ActionDataDelete, "organization"), h.deleteOrganization)).Methods(http.MethodDelete)
	router.Handle(base+"/settings", scoped(perm(rbac.ResourceSettings, rbac.ActionUpdate), failed(audit.ActionDataUpdate, "organization_settings"), h.updateSettings)).Methods(http.MethodPut)
	router.Handle(base+"/move", scoped(perm(rbac.ResourceOrganizations, rbac.ActionManage), failed(audit.ActionDataUpdate, "organization"), h.moveOrganization)).Methods(http.MethodPost)
	router.Handle(base+"/descendants", scoped(perm(rbac.ResourceOrganizations, rbac.ActionRead), read("organization"), h.getDescendants)).Methods(http.MethodGet)
	router.Handle(base+"/locations", scoped(perm(rbac.ResourceLocations, rbac.ActionRead), read("location"), h.listLocations)).Methods(http.MethodGet)
	router.Handle(base+"/locations", scoped(
		httputil.Chain(perm(rbac.ResourceLocations, rbac.ActionCreate), h.gates.RequireFeature(FeatureMultiLocation)),
		failed(audit.ActionDataCreate, "location"), h.createLocation)).Methods(http.MethodPost)
	router.Handle(base+"/members", scoped(perm(rbac.ResourceEmployees, rbac.ActionRead), read("membership"), h.listMembers)).Methods(http.MethodGet)
	router.Handle(base+"/members", scoped(perm(rbac.ResourceRoles, rbac.ActionManage), failed(audit.ActionPermissionGrant, "membership"), h.addMember)).Methods(http.MethodPost)
	router.Handle(base+"/members/{user_id}", scoped(perm(rbac.ResourceRoles, rbac.ActionManage), failed(audit.ActionUserRoleChange, "membership"), h.updateMemberRole)).Methods(http.MethodPut)
	router.Handle(base+"/members/{user_id}", scoped(perm(rbac.ResourceRoles, rbac.ActionManage), failed(audit.ActionPermissionRevoke, "membership"), h.removeMember)).Methods(http.MethodDelete)
}

func orgIDVar(r *http.Request) string {
	return mux.Vars(r)["organization_id"]
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteBadRequest(w, verr.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMemberNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrHasActiveChildren), errors.Is(err, ErrMemberExists):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrCycle), errors.Is(err, ErrInvalidParent):
		httputil.WriteBadRequest(w, err.Error())
	default:
		audit.RecordError(r.Context(), err)
		httputil.WriteInternalError(w, r, err)
	}
}

func (h *Handlers) createOrganization(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if !ac.IsAuthenticated() {
		httputil.WriteAuthzError(w, r, auth.ErrAuthenticationRequired())
		return
	}

	var req CreateOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// child organizations need create rights in the parent
	if req.ParentID != "" && !h.authz.CheckPermission(r.Context(), ac.UserID(), req.ParentID, rbac.ResourceOrganizations, rbac.ActionCreate) {
		httputil.WriteAuthzError(w, r, auth.NewPermissionError("Permission denied: requires organizations.create"))
		return
	}

	org, err := h.service.CreateOrganization(r.Context(), ac.UserID(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, org)
}

func (h *Handlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	if !ac.IsAuthenticated() {
		httputil.WriteAuthzError(w, r, auth.ErrAuthenticationRequired())
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organizations": h.loader.GetUserOrganizations(r.Context(), ac.UserID()),
	})
}

func (h *Handlers) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.service.GetOrganization(r.Context(), FromContext(r.Context()).ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (h *Handlers) updateOrganization(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	org, err := h.service.UpdateOrganization(r.Context(), FromContext(r.Context()).ID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (h *Handlers) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOrganization(r.Context(), FromContext(r.Context()).ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if !httputil.ParseJSONOrError(w, r, &patch) {
		return
	}
	settings, err := h.service.UpdateSettings(r.Context(), FromContext(r.Context()).ID, patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"settings": settings})
}

func (h *Handlers) moveOrganization(w http.ResponseWriter, r *http.Request) {
	var req MoveOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// the new parent must also be manageable by the caller
	if req.ParentID != nil && *req.ParentID != "" {
		userID := auth.FromContext(r.Context()).UserID()
		if !h.authz.CheckPermission(r.Context(), userID, *req.ParentID, rbac.ResourceOrganizations, rbac.ActionManage) {
			httputil.WriteAuthzError(w, r, auth.NewPermissionError("Permission denied: requires organizations.manage"))
			return
		}
	}

	org, err := h.service.MoveOrganization(r.Context(), FromContext(r.Context()).ID, req.ParentID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (h *Handlers) getDescendants(w http.ResponseWriter, r *http.Request) {
	descendants, err := h.service.GetDescendants(r.Context(), FromContext(r.Context()).ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	audit.Annotate(r.Context(), "result_count", len(descendants))
	httputil.WriteSuccess(w, map[string]interface{}{"organizations": descendants})
}

func (h *Handlers) listLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.service.ListLocations(r.Context(), FromContext(r.Context()).ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	audit.Annotate(r.Context(), "result_count", len(locations))
	httputil.WriteSuccess(w, map[string]interface{}{"locations": locations})
}

func (h *Handlers) createLocation(w http.ResponseWriter, r *http.Request) {
	var req CreateLocationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	loc, err := h.service.CreateLocation(r.Context(), FromContext(r.Context()).ID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, loc)
}

func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context(), FromContext(r.Context()).ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	audit.Annotate(r.Context(), "result_count", len(members))
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

func (h *Handlers) addMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	audit.SetEntityID(r.Context(), req.UserID)
	m, err := h.service.AddMember(r.Context(), FromContext(r.Context()).ID, req.UserID, req.Role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

func (h *Handlers) updateMemberRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	var req UpdateMemberRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	audit.SetEntityID(r.Context(), userID)
	if err := h.service.UpdateMemberRole(r.Context(), FromContext(r.Context()).ID, userID, req.Role); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	audit.SetEntityID(r.Context(), userID)
	if err := h.service.RemoveMember(r.Context(), FromContext(r.Context()).ID, userID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// myPermissions lists the caller's grants in the organization named by the
// x-organization-id header
func (h *Handlers) myPermissions(w http.ResponseWriter, r *http.Request) {
	grants, _ := rbac.PermissionsFromContext(r.Context())
	if grants == nil {
		grants = []rbac.Grant{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organization_id": auth.FromContext(r.Context()).OrganizationID,
		"permissions":     grants,
	})
}
