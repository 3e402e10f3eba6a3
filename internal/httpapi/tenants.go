package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/entitlements"
	"github.com/settld/magiclink/internal/tenant"
)

func (d *Deps) registerTenantRoutes(rg *gin.RouterGroup) {
	rg.POST("/tenants", d.apiKeyMiddleware(), d.handleCreateTenant)

	scoped := rg.Group("/tenants/:id", d.apiKeyMiddleware())
	scoped.GET("/settings", d.handleGetSettings)
	scoped.PUT("/settings", d.handlePutSettings)
	scoped.GET("/entitlements", d.handleGetEntitlements)
	scoped.GET("/usage", d.handleGetUsage)
	scoped.POST("/plan", d.handleSetPlan)
	scoped.POST("/upload", d.handleUploadForTenant)
}

type createTenantRequest struct {
	ContactEmail string `json:"contactEmail"`
	BillingEmail string `json:"billingEmail"`
	Plan         string `json:"plan"`
}

// handleCreateTenant implements POST /v1/tenants: mints a tenant id, an
// ingest key (sealed at rest, returned once in cleartext here), and
// persists the pending tenant record.
func (d *Deps) handleCreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && err != io.EOF {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}

	plan := tenant.PlanFree
	if req.Plan != "" {
		plan = tenant.Plan(req.Plan)
	}

	tenantID := "tn_" + uuid.NewString()
	ingestKey, err := generateIngestKey()
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	sealed, err := d.Sealer.Seal([]byte(ingestKey))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}

	t := tenant.Tenant{
		TenantID:        tenantID,
		Plan:            plan,
		ContactEmail:    req.ContactEmail,
		BillingEmail:    req.BillingEmail,
		Status:          tenant.StatusPending,
		CreatedAt:       d.now().UTC(),
		IngestKeySealed: sealed,
	}
	if err := d.Tenants.PutTenant(t); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenantId":             tenantID,
		"ingestKey":            ingestKey,
		"onboardingUrl":        fmt.Sprintf("/v1/tenants/%s/onboarding/runtime-bootstrap", tenantID),
		"runtimeBootstrapUrl":  fmt.Sprintf("/v1/tenants/%s/onboarding/runtime-bootstrap", tenantID),
		"integrationsUrl":      fmt.Sprintf("/v1/tenants/%s/settings", tenantID),
	})
}

func generateIngestKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "igk_" + hex.EncodeToString(raw), nil
}

func (d *Deps) handleGetSettings(c *gin.Context) {
	settings, err := d.Tenants.GetSettings(c.Param("id"))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, settings.Redacted())
}

func (d *Deps) handlePutSettings(c *gin.Context) {
	patch, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	settings, err := d.Tenants.PutSettings(c.Param("id"), patch)
	if err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON.WithDetail(err.Error()))
		return
	}
	c.JSON(http.StatusOK, settings.Redacted())
}

func (d *Deps) handleGetEntitlements(c *gin.Context) {
	t, err := d.Tenants.GetTenant(c.Param("id"))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, entitlements.ForPlan(t.Plan))
}

func (d *Deps) handleGetUsage(c *gin.Context) {
	month := c.Query("month")
	if month == "" {
		month = d.now().UTC().Format("2006-01")
	}
	usage, err := d.Tenants.GetUsage(c.Param("id"), month)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, usage)
}

type setPlanRequest struct {
	Plan string `json:"plan"`
}

func (d *Deps) handleSetPlan(c *gin.Context) {
	var req setPlanRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	tenantID := c.Param("id")
	t, err := d.Tenants.GetTenant(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	t.Plan = tenant.Plan(req.Plan)
	if err := d.Tenants.PutTenant(t); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": tenantID, "plan": t.Plan})
}
