package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/decision"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

func (d *Deps) registerReceiptRoutes(rg *gin.RouterGroup) {
	rg.GET("/:token/verify.json", d.handleArtifact(vault.ArtifactVerify, "application/json"))
	rg.GET("/:token/receipt.json", d.handleArtifact(vault.ArtifactReceipt, "application/json"))
	rg.GET("/:token/summary.pdf", d.handleArtifact(vault.ArtifactPDF, "application/pdf"))
	rg.GET("/:token/audit-packet.zip", d.handleArtifact(vault.ArtifactAudit, "application/zip"))
	rg.GET("/:token/closepack.zip", d.handleArtifact(vault.ArtifactClosepack, "application/zip"))
	rg.GET("/:token/bundle.zip", d.handleArtifact(vault.ArtifactBundle, "application/zip"))
	rg.GET("/:token/settlement_decision_report.json", d.handleDecisionReport)
	rg.POST("/:token/otp/request", d.handleOTPRequest)
	rg.POST("/:token/decision", d.handleDecision)
}

// handleArtifact serves a raw vault artifact by token, translating
// vault.ErrTokenRevoked / store.ErrNotFound into the spec's error codes.
func (d *Deps) handleArtifact(key vault.ArtifactKey, contentType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := d.Vault.Get(c.Param("token"), key)
		if err == store.ErrNotFound {
			apierr.Respond(c, apierr.ErrTokenNotFound)
			return
		}
		if err == vault.ErrTokenRevoked {
			apierr.Respond(c, apierr.ErrRevoked)
			return
		}
		if err != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
			return
		}
		c.Data(http.StatusOK, contentType, raw)
	}
}

func (d *Deps) handleDecisionReport(c *gin.Context) {
	report, err := d.Decide.GetReport(c.Param("token"))
	if err == store.ErrNotFound {
		apierr.Respond(c, apierr.ErrTokenNotFound)
		return
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, report)
}

type otpRequestBody struct {
	Email string `json:"email"`
}

func (d *Deps) handleOTPRequest(c *gin.Context) {
	var body otpRequestBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	token := c.Param("token")
	if _, err := d.Pipeline.GetRun(token); err != nil {
		apierr.Respond(c, apierr.ErrTokenNotFound)
		return
	}
	// The OTP code itself is never returned over this endpoint — it is
	// written to the decision-otp-outbox for the configured delivery
	// channel to pick up (spec.md §6's persisted layout).
	if _, err := d.Decide.RequestOTP(token, body.Email); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type decisionRequestBody struct {
	Decision          string `json:"decision"`
	Note              string `json:"note"`
	Email             string `json:"email"`
	OTPCode           string `json:"otpCode"`
	BuyerSessionOK    bool   `json:"-"`
	BuyerSessionEmail string `json:"-"`
}

func (d *Deps) handleDecision(c *gin.Context) {
	var body decisionRequestBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	token := c.Param("token")
	run, err := d.Pipeline.GetRun(token)
	if err != nil {
		apierr.Respond(c, apierr.ErrTokenNotFound)
		return
	}
	settings, err := d.Tenants.GetSettings(run.TenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	if !d.rateLimit(c, run.TenantID, "decision", settings.RateLimits.DecisionsPerHour) {
		return
	}

	signer := settings.SettlementDecisionSigner
	if signer.EncryptedPrivatePEM == "" {
		apierr.Respond(c, apierr.New(500, "NO_DECISION_SIGNER_CONFIGURED", "tenant has no settlementDecisionSigner configured"))
		return
	}
	rawKey, err := d.Sealer.Open(signer.EncryptedPrivatePEM)
	if err != nil || len(rawKey) != ed25519.PrivateKeySize {
		apierr.Respond(c, apierr.New(500, "INTERNAL", "decision signer key unreadable"))
		return
	}

	policy := settings.VendorPolicies[run.VendorID]
	ctx := decision.WithTenantID(context.Background(), run.TenantID)
	report, err := d.Decide.Decide(ctx, decision.Request{
		Token:             token,
		Decision:          decision.Verdict(body.Decision),
		Note:              body.Note,
		Email:             body.Email,
		OTPCode:           body.OTPCode,
		BuyerSessionOK:    body.BuyerSessionOK,
		BuyerSessionEmail: body.BuyerSessionEmail,
	}, string(run.Status), decision.VendorPolicy{AllowAmberApprovals: policy.AllowAmberApprovals},
		decision.AuthContext{DecisionAuthEmailDomains: settings.DecisionAuthEmailDomains},
		signer.KeyID, ed25519.PrivateKey(rawKey))

	switch err {
	case nil:
		c.JSON(http.StatusOK, report)
	case decision.ErrAlreadyRecorded:
		apierr.Respond(c, apierr.ErrDecisionAlreadyRecorded)
	case decision.ErrOTPRequired:
		apierr.Respond(c, apierr.ErrOTPRequired)
	case decision.ErrOTPInvalid:
		apierr.Respond(c, apierr.New(http.StatusBadRequest, "OTP_INVALID", "otp code is invalid or expired"))
	case decision.ErrApproveForbidden:
		apierr.Respond(c, apierr.ErrApproveForbidden)
	default:
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
	}
}

type revokeRequestBody struct {
	Token string `json:"token"`
}

func (d *Deps) handleRevoke(c *gin.Context) {
	var body revokeRequestBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	if err := d.Vault.Revoke(body.Token); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (d *Deps) handlePublicReceipt(c *gin.Context) {
	token := c.Param("token")
	raw, err := d.Vault.Get(token, vault.ArtifactPublic)
	if err == store.ErrNotFound {
		// No explicit public-projection artifact stored yet: fall back to
		// redacting the full receipt on the fly.
		receiptRaw, rerr := d.Vault.Get(token, vault.ArtifactReceipt)
		if rerr == store.ErrNotFound {
			apierr.Respond(c, apierr.ErrTokenNotFound)
			return
		}
		if rerr != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", rerr.Error()))
			return
		}
		var report verify.Report
		if jerr := json.Unmarshal(receiptRaw, &report); jerr != nil {
			apierr.Respond(c, apierr.New(500, "INTERNAL", jerr.Error()))
			return
		}
		raw, err = json.Marshal(gin.H{
			"token": report.Token, "status": report.Status, "vendorName": report.VendorName,
		})
	}
	if err == vault.ErrTokenRevoked {
		apierr.Respond(c, apierr.ErrRevoked)
		return
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	summary, err := d.Vault.GetPublicSummary(token, raw, c.Query("receiptHash"))
	if err == vault.ErrReceiptHashMismatch {
		apierr.Respond(c, apierr.ErrReceiptHashMismatch)
		return
	}
	if err == vault.ErrTokenRevoked {
		apierr.Respond(c, apierr.ErrRevoked)
		return
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (d *Deps) handlePublicBadge(c *gin.Context) {
	token := c.Param("token")
	receiptRaw, err := d.Vault.Get(token, vault.ArtifactReceipt)
	if err == store.ErrNotFound {
		apierr.Respond(c, apierr.ErrTokenNotFound)
		return
	}
	if err == vault.ErrTokenRevoked {
		apierr.Respond(c, apierr.ErrRevoked)
		return
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	var report verify.Report
	if err := json.Unmarshal(receiptRaw, &report); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	color := "#e05d44"
	switch report.Status {
	case verify.StatusGreen:
		color = "#4c1"
	case verify.StatusAmber:
		color = "#dfb317"
	}
	svg := `<svg xmlns="http://www.w3.org/2000/svg" width="120" height="20"><rect width="120" height="20" fill="` + color + `"/><text x="60" y="14" fill="#fff" font-family="sans-serif" font-size="11" text-anchor="middle">` + string(report.Status) + `</text></svg>`
	c.Data(http.StatusOK, "image/svg+xml", []byte(svg))
}
