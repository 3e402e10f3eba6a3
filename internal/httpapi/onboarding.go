package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/autopay"
	"github.com/settld/magiclink/internal/harness"
	"github.com/settld/magiclink/internal/opsclient"
	"github.com/settld/magiclink/internal/store"
)

// registerOnboardingRoutes wires spec component C8's runtime-coupling
// family: bootstrapping a tenant's ops-API credentials and running the
// first-paid-call demo harness against them (spec.md §4.8).
func (d *Deps) registerOnboardingRoutes(rg *gin.RouterGroup) {
	scoped := rg.Group("/tenants/:id/onboarding", d.apiKeyMiddleware())
	scoped.POST("/runtime-bootstrap", d.handleRuntimeBootstrap)
	scoped.POST("/wallet-bootstrap", d.handleWalletBootstrap)
	scoped.POST("/runtime-bootstrap/smoke-test", d.handleRuntimeBootstrapSmokeTest)
	scoped.POST("/first-paid-call", d.handleFirstPaidCall)
	scoped.POST("/conformance-matrix", d.handleConformanceMatrix)
	scoped.GET("/first-paid-call/history", d.handleFirstPaidCallHistory)
}

// opsClientFor builds a fresh opsclient.Client scoped to tenantID.
// internal/opsclient.Client bakes one tenant id/api key into itself at
// construction, so a request-scoped instance is built rather than shared
// across tenants the way Tenants/Pipeline/Vault are.
func (d *Deps) opsClientFor(tenantID, apiKey string) *opsclient.Client {
	return opsclient.NewClient(d.OpsBaseURL, tenantID, apiKey, d.OpsProtocol)
}

func (d *Deps) handleRuntimeBootstrap(c *gin.Context) {
	tenantID := c.Param("id")
	ops := d.opsClientFor(tenantID, d.OpsToken)
	boot, err := ops.Bootstrap(c.Request.Context())
	if err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadGateway, "OPS_BOOTSTRAP_FAILED", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mcpEnv": boot.MCPEnv(),
		"mcpConfig": gin.H{
			"mcpServers": gin.H{
				"settld": gin.H{"env": boot.MCPEnv()},
			},
		},
	})
}

// handleWalletBootstrap registers a payer and payee wallet pair against
// the ops API ahead of the full first-paid-call harness run, for clients
// that want to provision wallets without immediately running a demo
// settlement.
func (d *Deps) handleWalletBootstrap(c *gin.Context) {
	tenantID := c.Param("id")
	ops := d.opsClientFor(tenantID, d.OpsToken)
	ctx := c.Request.Context()

	var payer, payee struct {
		ID string `json:"id"`
	}
	if err := ops.Call(ctx, http.MethodPost, "/v1/demo/payers", gin.H{"attemptId": tenantID}, &payer); err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadGateway, "OPS_BOOTSTRAP_FAILED", err.Error()))
		return
	}
	if err := ops.Call(ctx, http.MethodPost, "/v1/demo/payees", gin.H{"attemptId": tenantID}, &payee); err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadGateway, "OPS_BOOTSTRAP_FAILED", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"payerId": payer.ID, "payeeId": payee.ID})
}

// handleRuntimeBootstrapSmokeTest exercises the x402 autopay round trip
// against the ops API's paid-tools probe endpoint, confirming a freshly
// bootstrapped tenant's credentials actually clear a payment challenge.
func (d *Deps) handleRuntimeBootstrapSmokeTest(c *gin.Context) {
	if d.Autopay == nil {
		apierr.Respond(c, apierr.New(http.StatusServiceUnavailable, "AUTOPAY_NOT_CONFIGURED", "autopay client is not configured"))
		return
	}
	tenantID := c.Param("id")
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, strings.TrimRight(d.OpsBaseURL, "/")+"/v1/paid-tools/probe", nil)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	req.Header.Set("x-proxy-tenant-id", tenantID)
	req.Header.Set("x-proxy-api-key", d.OpsToken)
	req.Header.Set("x-settld-protocol", d.OpsProtocol)

	resp, err := d.Autopay.Do(c.Request.Context(), req, autopay.Options{})
	if err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadGateway, "SMOKE_TEST_FAILED", err.Error()))
		return
	}
	defer resp.Body.Close()
	c.JSON(http.StatusOK, gin.H{"ok": resp.StatusCode < 300, "statusCode": resp.StatusCode})
}

type firstPaidCallRequest struct {
	AttemptID       string `json:"attemptId"`
	ReplayAttemptID string `json:"replayAttemptId"`
}

func (d *Deps) handleFirstPaidCall(c *gin.Context) {
	var req firstPaidCallRequest
	if err := jsonDecode(c, &req); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	attemptID := req.ReplayAttemptID
	if attemptID == "" {
		attemptID = req.AttemptID
	}
	if attemptID == "" {
		apierr.Respond(c, apierr.ErrInvalidJSON.WithDetail("attemptId is required"))
		return
	}

	tenantID := c.Param("id")
	ops := d.opsClientFor(tenantID, d.OpsToken)
	h := harness.New(ops, d.FS, d.HarnessPoll)
	result, err := h.Run(c.Request.Context(), attemptID)
	if err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadGateway, "FIRST_PAID_CALL_FAILED", err.Error()))
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleConformanceMatrix reports which first-paid-call preconditions
// this tenant's ops-API credentials currently satisfy, built from a fresh
// chain-hash read rather than a canned checklist.
func (d *Deps) handleConformanceMatrix(c *gin.Context) {
	tenantID := c.Param("id")
	ops := d.opsClientFor(tenantID, d.OpsToken)

	checks := []gin.H{}
	_, err := ops.GetChainHash(c.Request.Context(), "first-paid-call/"+tenantID)
	checks = append(checks, gin.H{
		"check": "ops_api_reachable",
		"pass":  err == nil,
	})
	_, bootErr := ops.Bootstrap(c.Request.Context())
	checks = append(checks, gin.H{
		"check": "credentials_bootstrap",
		"pass":  bootErr == nil,
	})
	c.JSON(http.StatusOK, gin.H{"tenantId": tenantID, "checks": checks})
}

func (d *Deps) handleFirstPaidCallHistory(c *gin.Context) {
	files, err := d.FS.List("first-paid-call")
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	sort.Strings(files)

	results := make([]harness.Result, 0, len(files))
	for _, f := range files {
		raw, err := d.FS.Get(f)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
		var res harness.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			continue
		}
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"attempts": results})
}
