package audit

import (
	"context"
	"net/http"

	"github.com/platinummonkey/gymdesk/pkg/auth"
	"github.com/platinummonkey/gymdesk/pkg/contextkeys"
	"github.com/platinummonkey/gymdesk/pkg/httputil"
)

// OrganizationHeader is the client supplied organization hint
const OrganizationHeader = "x-organization-id"

type organizationScoped interface {
	OrganizationID() string
}

// FromRequest builds an entry carrying the caller identity, organization,
// client address, user agent and request id of r
func FromRequest(r *http.Request, action Action, entityType string) Entry {
	entry := FromContext(r.Context(), action, entityType)
	entry.IPAddress = httputil.ClientIP(r)
	entry.UserAgent = r.UserAgent()
	if entry.OrganizationID == "" {
		entry.OrganizationID = r.Header.Get(OrganizationHeader)
	}
	return entry
}

// FromContext builds an entry from what the request pipeline stored in
// ctx. Used where no *http.Request is at hand.
func FromContext(ctx context.Context, action Action, entityType string) Entry {
	entry := Entry{
		Action:     action,
		EntityType: entityType,
		RequestID:  contextkeys.GetRequestID(ctx),
		Metadata:   map[string]interface{}{},
	}
	if ac := auth.FromContext(ctx); ac != nil {
		entry.UserID = ac.UserID()
		entry.OrganizationID = ac.OrganizationID
	}
	if org, ok := ctx.Value(contextkeys.OrgKey).(organizationScoped); ok && org.OrganizationID() != "" {
		entry.OrganizationID = org.OrganizationID()
	}
	return entry
}
