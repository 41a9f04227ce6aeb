package audit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
)

// Handlers serves an organization's audit trail
type Handlers struct {
	store  *Store
	writer Writer
}

// NewHandlers creates audit handlers. Exports are themselves audited
// through writer.
func NewHandlers(store *Store, writer Writer) *Handlers {
	return &Handlers{store: store, writer: writer}
}

// RegisterRoutes mounts the audit routes. read and export gate the list
// and export endpoints.
func (h *Handlers) RegisterRoutes(router *mux.Router, read, export func(http.Handler) http.Handler) {
	router.Handle("/api/v1/audit-logs", read(http.HandlerFunc(h.list))).Methods(http.MethodGet)
	router.Handle("/api/v1/audit-logs/export", export(http.HandlerFunc(h.export))).Methods(http.MethodGet)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	orgID := FromContext(r.Context(), "", "").OrganizationID
	if orgID == "" {
		httputil.WriteAuthzError(w, r, auth.ErrOrganizationRequired())
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, total, err := h.store.ListForOrganization(r.Context(), orgID, filter)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	if records == nil {
		records = []Record{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"audit_logs": records,
		"total":      total,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	orgID := FromContext(r.Context(), "", "").OrganizationID
	if orgID == "" {
		httputil.WriteAuthzError(w, r, auth.ErrOrganizationRequired())
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	filter.Limit, filter.Offset = 0, 0

	format := ExportFormat(strings.ToLower(httputil.ParseQueryString(r, "format", string(ExportFormatJSON))))
	if format != ExportFormatJSON && format != ExportFormatCSV {
		httputil.WriteBadRequest(w, "format must be json or csv")
		return
	}

	data, err := h.store.Export(r.Context(), orgID, filter, format)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}

	Data.Export(h.writer, r, "audit_logs", "", map[string]interface{}{"format": string(format)})

	filename := fmt.Sprintf("audit-logs-%s.%s", time.Now().UTC().Format("2006-01-02"), format)
	contentType := "application/json"
	if format == ExportFormatCSV {
		contentType = "text/csv"
	}
	httputil.WriteAttachment(w, contentType, filename, data)
}

func parseFilter(r *http.Request) (ListFilter, error) {
	page, err := httputil.ParsePagination(r, 50, 500)
	if err != nil {
		return ListFilter{}, err
	}

	filter := ListFilter{
		UserID:     httputil.ParseQueryString(r, "user_id", ""),
		EntityType: httputil.ParseQueryString(r, "entity_type", ""),
		EntityID:   httputil.ParseQueryString(r, "entity_id", ""),
		RiskLevel:  RiskLevel(httputil.ParseQueryString(r, "risk_level", "")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	}

	if actions := httputil.ParseQueryString(r, "action", ""); actions != "" {
		for _, a := range strings.Split(actions, ",") {
			action := Action(strings.TrimSpace(a))
			if !action.IsValid() {
				return ListFilter{}, fmt.Errorf("unknown action: %s", a)
			}
			filter.Actions = append(filter.Actions, action)
		}
	}

	switch filter.RiskLevel {
	case "", RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return ListFilter{}, fmt.Errorf("unknown risk_level: %s", filter.RiskLevel)
	}

	for key, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := r.URL.Query().Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return ListFilter{}, fmt.Errorf("invalid %s: expected RFC3339 timestamp", key)
			}
			*dst = &t
		}
	}
	return filter, nil
}
