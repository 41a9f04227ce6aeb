package privacy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gymdesk/pkg/audit"
	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
	"github.com/platinummonkey/gymdesk/pkg/orgs"
	"github.com/platinummonkey/gymdesk/pkg/rbac"
	"github.com/platinummonkey/gymdesk/pkg/sanitize"
)

// Handlers serves /api/v1/privacy
type Handlers struct {
	service  *Service
	consents *ConsentService
	loader   *orgs.Loader
	gates    *rbac.Gates
}

// NewHandlers creates privacy handlers
func NewHandlers(service *Service, consents *ConsentService, loader *orgs.Loader, gates *rbac.Gates) *Handlers {
	return &Handlers{service: service, consents: consents, loader: loader, gates: gates}
}

// RegisterRoutes mounts the privacy API. intake wraps the two requester
// facing endpoints, normally with a rate limiter; it may be nil.
//
// Reads get a data.read entry per request. The service audits successful
// writes itself, so write routes only add an entry when they fail.
func (h *Handlers) RegisterRoutes(router *mux.Router, intake func(http.Handler) http.Handler) {
	if intake == nil {
		intake = func(next http.Handler) http.Handler { return next }
	}
	aw := h.service.opts.Audit
	byID := audit.Options{EntityID: pathVar("id")}
	failedWrite := func(action audit.Action) func(http.Handler) http.Handler {
		return audit.Middleware(aw, action, EntityType, audit.Options{EntityID: pathVar("id"), ShouldAudit: audit.OnFailure})
	}
	privileged := func(resource rbac.Resource, action rbac.Action, audited func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		return httputil.Chain(h.loader.LoadOrganizationContext, h.gates.RequirePermission(resource, action), audited)(fn)
	}
	requests := audit.CRUD(aw, EntityType)
	consents := audit.CRUD(aw, consentEntityType)
	base := "/api/v1/privacy"

	router.Handle(base+"/requests", httputil.Chain(intake, failedWrite(audit.ActionDataCreate))(http.HandlerFunc(h.createRequest))).Methods(http.MethodPost)
	router.Handle(base+"/requests/{id}/verify", httputil.Chain(intake, failedWrite(audit.ActionDataUpdate))(http.HandlerFunc(h.verifyRequest))).Methods(http.MethodPost)

	router.Handle(base+"/requests", privileged(rbac.ResourceDataPrivacy, rbac.ActionRead, requests.Read(audit.Options{}), h.listRequests)).Methods(http.MethodGet)
	router.Handle(base+"/requests/{id}", privileged(rbac.ResourceDataPrivacy, rbac.ActionRead, requests.Read(byID), h.getRequest)).Methods(http.MethodGet)
	router.Handle(base+"/requests/{id}/resend-verification", privileged(rbac.ResourceDataPrivacy, rbac.ActionUpdate, failedWrite(audit.ActionDataUpdate), h.resendVerification)).Methods(http.MethodPost)
	router.Handle(base+"/requests/{id}/reject", privileged(rbac.ResourceDataPrivacy, rbac.ActionUpdate, failedWrite(audit.ActionDataUpdate), h.rejectRequest)).Methods(http.MethodPost)
	router.Handle(base+"/requests/{id}/fulfill/access", privileged(rbac.ResourceDataPrivacy, rbac.ActionExport, failedWrite(audit.ActionDataExport), h.fulfillAccess)).Methods(http.MethodPost)
	router.Handle(base+"/requests/{id}/fulfill/erasure", privileged(rbac.ResourceDataPrivacy, rbac.ActionDelete, failedWrite(audit.ActionDataDelete), h.fulfillErasure)).Methods(http.MethodPost)
	router.Handle(base+"/requests/{id}/fulfill/rectification", privileged(rbac.ResourceDataPrivacy, rbac.ActionUpdate, failedWrite(audit.ActionDataUpdate), h.fulfillRectification)).Methods(http.MethodPost)

	router.Handle(base+"/consent/{user_id}", privileged(rbac.ResourceConsents, rbac.ActionRead, consents.Read(audit.Options{}), h.getConsent)).Methods(http.MethodGet)
	router.Handle(base+"/consent/{user_id}", privileged(rbac.ResourceConsents, rbac.ActionUpdate,
		consents.Update(audit.Options{EntityID: pathVar("user_id"), ShouldAudit: audit.OnFailure}), h.updateConsent)).Methods(http.MethodPost)
}

func pathVar(name string) func(r *http.Request) string {
	return func(r *http.Request) string { return mux.Vars(r)[name] }
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsValidation(err):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrAlreadyFulfilled), errors.Is(err, ErrRequestClosed):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrDeliveryFailed):
		audit.RecordError(r.Context(), err)
		httputil.WriteErrorMessage(w, http.StatusBadGateway, ErrDeliveryFailed.Error())
	default:
		audit.RecordError(r.Context(), err)
		httputil.WriteInternalError(w, r, err)
	}
}

// intakeOrganization is the organization named by an unprivileged caller
func intakeOrganization(r *http.Request) string {
	if ac := auth.FromContext(r.Context()); ac != nil && ac.OrganizationID != "" {
		return ac.OrganizationID
	}
	return strings.TrimSpace(r.Header.Get(orgs.OrganizationHeader))
}

func scopedOrganization(r *http.Request) string {
	if org := orgs.FromContext(r.Context()); org != nil {
		return org.ID
	}
	return ""
}

func (h *Handlers) createRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	created, err := h.service.Create(r.Context(), intakeOrganization(r), auth.FromContext(r.Context()).UserID(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, CreateResponse{
		ID:                   created.ID,
		Status:               created.Status,
		VerificationRequired: true,
		FulfillmentDeadline:  created.FulfillmentDeadline,
		Message:              "Privacy request created. A verification token was sent to the requester email.",
	})
}

func (h *Handlers) verifyRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		VerificationToken string `json:"verification_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.VerificationToken) == "" {
		httputil.WriteBadRequest(w, "verification_token is required")
		return
	}
	verified, err := h.service.Verify(r.Context(), id, intakeOrganization(r), body.VerificationToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"message": "Request verified",
		"status":  verified.Status,
	})
}

func (h *Handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter := ListFilter{
		Status:      Status(httputil.ParseQueryString(r, "status", "")),
		RequestType: RequestType(httputil.ParseQueryString(r, "request_type", "")),
		Page:        page,
		Limit:       limit,
	}

	requests, total, applied, err := h.service.List(r.Context(), scopedOrganization(r), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Annotate(r.Context(), "result_count", len(requests))
	if filter.Status != "" {
		audit.Annotate(r.Context(), "filter_status", string(filter.Status))
	}
	if filter.RequestType != "" {
		audit.Annotate(r.Context(), "filter_request_type", string(filter.RequestType))
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"requests": requests,
		"total":    total,
		"page":     applied.Page,
		"limit":    applied.Limit,
	})
}

func (h *Handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), id, scopedOrganization(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Annotate(r.Context(), "request_type", string(req.RequestType))
	audit.Annotate(r.Context(), "request_status", string(req.Status))
	httputil.WriteSuccess(w, req)
}

func (h *Handlers) resendVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	req, err := h.service.ResendVerification(r.Context(), id, scopedOrganization(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"message":                 "Verification token sent",
		"status":                  req.Status,
		"verification_expires_at": req.VerificationExpiresAt,
	})
}

func (h *Handlers) rejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	rejected, err := h.service.Reject(r.Context(), id, scopedOrganization(r), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rejected)
}

func (h *Handlers) fulfillAccess(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Format ExportFormat `json:"format"`
	}
	// An empty body selects the JSON export
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &body) {
			return
		}
	}
	result, err := h.service.FulfillAccess(r.Context(), id, scopedOrganization(r), ExportFormat(strings.ToLower(string(body.Format))))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteAttachment(w, result.ContentType, result.FileName, result.Body)
}

func (h *Handlers) fulfillErasure(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		ConfirmDeletion bool `json:"confirm_deletion"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	result, err := h.service.FulfillErasure(r.Context(), id, scopedOrganization(r), body.ConfirmDeletion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (h *Handlers) fulfillRectification(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Corrections map[string]map[string]interface{} `json:"corrections"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	result, err := h.service.FulfillRectification(r.Context(), id, scopedOrganization(r), body.Corrections)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

func (h *Handlers) getConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	subject := sanitize.Text(userID, maxSubjectIDLength)
	audit.SetEntityID(r.Context(), subject)
	view, err := h.consents.Get(r.Context(), subject, scopedOrganization(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

func (h *Handlers) updateConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "user_id")
	if !ok {
		return
	}
	var body struct {
		Consents map[string]bool `json:"consents"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	consents, updatedAt, err := h.consents.Update(r.Context(), sanitize.Text(userID, maxSubjectIDLength), scopedOrganization(r), body.Consents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"message":    "Consent preferences updated",
		"consents":   consents,
		"updated_at": updatedAt,
	})
}
