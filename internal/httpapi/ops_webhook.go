package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
)

// opsWebhookPayload is the generic inbound Settld ops event envelope
// (spec.md §4.6's "middleware mode" contract names only the signature
// scheme, not a fixed payload shape, so this mirrors the existing
// AuditEntry {kind, detail} shape internal/tenant already persists).
type opsWebhookPayload struct {
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail"`
}

// handleOpsWebhook records a signature-verified inbound ops event into the
// target tenant's audit log. settldWebhookMiddleware has already validated
// the HMAC and restored the raw body before this handler runs.
func (d *Deps) handleOpsWebhook(c *gin.Context) {
	tenantID := c.Param("id")
	if _, err := d.Tenants.GetTenant(tenantID); err != nil {
		apierr.Respond(c, apierr.New(http.StatusNotFound, "TENANT_NOT_FOUND", "tenant not found"))
		return
	}

	var payload opsWebhookPayload
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	if payload.Event == "" {
		apierr.Respond(c, apierr.ErrInvalidJSON.WithDetail("event is required"))
		return
	}

	if err := d.Tenants.RecordExternalEvent(tenantID, "OPS_WEBHOOK_"+payload.Event, payload.Detail); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
