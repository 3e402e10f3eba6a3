package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/verify"
)

// handleInbox implements GET /v1/inbox?vendorId=&status=&tenantId=: the
// cross-run worklist of verification runs awaiting a buyer decision.
// Scoped to a single tenant when tenantId is given, otherwise walks every
// tenant this instance knows about — the same "no second index, just read
// through every run" approach internal/exportpkg's packet builders and
// internal/retention's GC sweep take.
//
// Auth: API key only. spec.md §6 also allows a buyer-session cookie, but
// no buyer-session auth middleware exists anywhere in this tree (the
// buyerSession fields on POST /r/:token/decision are likewise never
// populated by any middleware) — API-key-only is the honest current
// scope, not a silent narrowing.
func (d *Deps) handleInbox(c *gin.Context) {
	vendorID := c.Query("vendorId")
	status := c.Query("status")

	tenantIDs := []string{c.Query("tenantId")}
	if tenantIDs[0] == "" {
		ids, err := d.Tenants.ListTenantIDs()
		if err != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
		tenantIDs = ids
	}

	var entries []verify.Run
	for _, tenantID := range tenantIDs {
		runs, err := d.Pipeline.ListRuns(tenantID)
		if err != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
		for _, r := range runs {
			if vendorID != "" && r.VendorID != vendorID {
				continue
			}
			if status != "" && string(r.Status) != status {
				continue
			}
			if _, err := d.Decide.GetReport(r.Token); err == nil {
				continue // already decided, not an inbox item
			}
			entries = append(entries, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
