package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/entitlements"
	"github.com/settld/magiclink/internal/verify"
)

func (d *Deps) registerUploadRoutes(rg *gin.RouterGroup) {
	rg.POST("/upload", d.apiKeyMiddleware(), func(c *gin.Context) {
		d.handleUpload(c, c.Query("tenantId"))
	})
	rg.POST("/ingest/:tenantId", d.ingestKeyMiddleware(), func(c *gin.Context) {
		d.handleUpload(c, c.Param("tenantId"))
	})
}

func (d *Deps) handleUploadForTenant(c *gin.Context) {
	d.handleUpload(c, c.Param("id"))
}

// handleUpload implements POST /v1/upload (and its tenant-scoped and
// ingest-key-scoped variants): quota/rate-limit checks, then
// verify.Pipeline.Submit (spec.md §4.4 step 1).
func (d *Deps) handleUpload(c *gin.Context, tenantID string) {
	if tenantID == "" {
		apierr.Respond(c, apierr.ErrTenantRequired)
		return
	}

	zipBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierr.Respond(c, apierr.New(http.StatusBadRequest, "INVALID_UPLOAD_BODY", err.Error()))
		return
	}

	t, err := d.Tenants.GetTenant(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	settings, err := d.Tenants.GetSettings(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}

	if !d.rateLimit(c, tenantID, "upload", settings.RateLimits.UploadsPerHour) {
		return
	}

	month := d.now().UTC().Format("2006-01")
	usage, err := d.Tenants.GetUsage(tenantID, month)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	// Dedupe uploads are allowed even over quota (spec.md §4.4 step 1):
	// when Deps.FS is set, an upload whose (tenantId, zipSha256) dedupe
	// index entry already exists skips the quota gate, and usage is only
	// bumped below for outcomes the pipeline did not dedupe.
	zipSum := sha256.Sum256(zipBytes)
	isDedupe := d.FS != nil && d.FS.Exists("index/"+tenantID+"/"+hex.EncodeToString(zipSum[:])+".json")
	if denial := entitlements.CheckVerificationsPerMonth(t.Plan, usage.VerificationRuns); denial != nil && !isDedupe {
		apierr.Respond(c, apierr.ErrEntitlementLimitExceeded.
			WithDetail(map[string]any{"feature": denial.Feature, "limit": denial.Limit, "used": denial.Used}).
			WithUpgradeHint(denialUpgradeHint(denial.SuggestedPlans)))
		return
	}

	var templateConfig []byte
	if raw := c.Query("templateConfig"); raw != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			apierr.Respond(c, apierr.New(http.StatusBadRequest, "INVALID_TEMPLATE_CONFIG", err.Error()))
			return
		}
		templateConfig = decoded
	}

	mode := verify.Mode(c.Query("mode"))

	outcome, err := d.Pipeline.Submit(context.Background(), verify.SubmitInput{
		TenantID:       tenantID,
		ZipBytes:       zipBytes,
		Mode:           mode,
		VendorID:       c.Query("vendorId"),
		VendorName:     c.Query("vendorName"),
		ContractID:     c.Query("contractId"),
		RunID:          c.Query("runId"),
		TemplateID:     c.Query("templateId"),
		TemplateConfig: templateConfig,
	})
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}

	if !outcome.Deduped {
		if _, _, err := d.Tenants.BumpUsage(tenantID, month, int64(len(zipBytes)), settings.MaxVerificationsPerMonth, d.now().UTC()); err != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"token":              outcome.Run.Token,
		"status":             outcome.Run.Status,
		"modeResolved":       outcome.Run.ModeResolved,
		"deduped":            outcome.Deduped,
		"rerun":              outcome.Rerun,
		"buyerNotifySkipped": outcome.BuyerNotifySkipped,
		"receiptUrl":         "/r/" + outcome.Run.Token + "/receipt.json",
	})
}
