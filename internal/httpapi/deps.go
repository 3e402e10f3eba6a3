// Package httpapi is the HTTP boundary & auth layer (spec component C11):
// request routing, API-key / ingest-key authentication, rate limiting, and
// the handlers fronting the tenant, verify, decision, and outbox engines.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/settld/magiclink/internal/autopay"
	"github.com/settld/magiclink/internal/billing"
	"github.com/settld/magiclink/internal/decision"
	"github.com/settld/magiclink/internal/harness"
	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/ratelimit"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

// Deps bundles every engine the HTTP layer fronts. Handlers are methods on
// *Deps so they share one set of collaborators, mirroring the teacher's
// proxy.Handler grouping.
type Deps struct {
	Tenants      *tenant.Store
	Pipeline     *verify.Pipeline
	Vault        *vault.Vault
	Sealer       *vault.Sealer
	Decide       *decision.Engine
	WebhookRetry *outbox.Engine
	PaymentRetry *outbox.Engine
	Limiter      *ratelimit.Limiter

	Billing *billing.Client
	Autopay *autopay.Client
	FS      *store.FileStore

	// OpsBaseURL/OpsToken/OpsProtocol configure a fresh opsclient.Client
	// per onboarding request (internal/opsclient.Client bakes one tenant
	// id into itself at construction, so it cannot be shared across
	// tenants the way Tenants/Pipeline/Vault are).
	OpsBaseURL  string
	OpsToken    string
	OpsProtocol string
	HarnessPoll harness.PollConfig

	APIKey              string
	SettldWebhookSecret string
	Log                 *zap.Logger
	Now                 func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewRouter builds the gin.Engine, mirroring the teacher's cmd/billing's
// `r := gin.New(); r.Use(gin.Recovery())` + `/healthz` shape.
func NewRouter(d *Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	v1 := r.Group("/v1")
	d.registerTenantRoutes(v1)
	d.registerUploadRoutes(v1)
	d.registerOutboxAdminRoutes(v1)
	d.registerBillingRoutes(v1)
	d.registerExportRoutes(v1)
	d.registerOnboardingRoutes(v1)
	v1.GET("/inbox", d.apiKeyMiddleware(), d.handleInbox)
	v1.POST("/tenants/:id/ops/webhook", settldWebhookMiddleware(d.SettldWebhookSecret), d.handleOpsWebhook)
	r.GET("/v1/public/receipts/:token", d.handlePublicReceipt)
	r.GET("/v1/public/receipts/:token/badge.svg", d.handlePublicBadge)
	r.POST("/v1/revoke", d.apiKeyMiddleware(), d.handleRevoke)

	rGroup := r.Group("/r")
	d.registerReceiptRoutes(rGroup)

	return r
}

func denialUpgradeHint(plans []tenant.Plan) map[string]any {
	return map[string]any{"suggestedPlans": plans}
}
