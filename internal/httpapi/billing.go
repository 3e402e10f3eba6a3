package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jung-kurt/gofpdf"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/entitlements"
	"github.com/settld/magiclink/internal/tenant"
)

// jsonDecode decodes c's request body into v, treating an empty body as
// the zero value rather than a decode error (some of this file's request
// bodies are optional, e.g. a checkout/portal call with no overrides).
func jsonDecode(c *gin.Context, v any) error {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *Deps) registerBillingRoutes(rg *gin.RouterGroup) {
	scoped := rg.Group("/tenants/:id", d.apiKeyMiddleware())
	scoped.GET("/billing/usage", d.handleBillingUsage)
	scoped.GET("/billing/state", d.handleBillingState)
	scoped.POST("/billing/checkout", d.handleBillingCheckout)
	scoped.POST("/billing/portal", d.handleBillingPortal)
	scoped.GET("/billing-invoice", d.handleBillingInvoice)
	scoped.GET("/billing/invoice-draft", d.handleBillingInvoiceDraft)

	rg.POST("/billing/stripe/webhook", settldStripeWebhookMiddleware(), d.handleStripeWebhook)
}

// Invoice is the computed (not separately persisted) billing summary for
// one tenant-month: subscription base cost plus metered overage past the
// plan's included verification count (spec.md §4.7's pricing table).
type Invoice struct {
	SchemaVersion     string `json:"schemaVersion"`
	TenantID          string `json:"tenantId"`
	Month             string `json:"month"`
	Plan              string `json:"plan"`
	SubscriptionCents int    `json:"subscriptionCents"`
	VerificationRuns  int    `json:"verificationRuns"`
	IncludedRuns      int    `json:"includedRuns"`
	OverageRuns       int    `json:"overageRuns"`
	OverageCents      int    `json:"overageCents"`
	TotalCents        int    `json:"totalCents"`
	Draft             bool   `json:"draft"`
}

func computeInvoice(t tenant.Tenant, usage tenant.UsageCounter, month string, draft bool) Invoice {
	limits := entitlements.ForPlan(t.Plan)
	overageRuns := 0
	if limits.MaxVerificationsPerMonth > 0 && usage.VerificationRuns > limits.MaxVerificationsPerMonth {
		overageRuns = usage.VerificationRuns - limits.MaxVerificationsPerMonth
	}
	overageCents := int(float64(overageRuns) * limits.PriceCentsPerVerification)
	return Invoice{
		SchemaVersion:     "MagicLinkInvoice.v1",
		TenantID:          t.TenantID,
		Month:             month,
		Plan:              string(t.Plan),
		SubscriptionCents: limits.SubscriptionCents,
		VerificationRuns:  usage.VerificationRuns,
		IncludedRuns:      limits.MaxVerificationsPerMonth,
		OverageRuns:       overageRuns,
		OverageCents:      overageCents,
		TotalCents:        limits.SubscriptionCents + overageCents,
		Draft:             draft,
	}
}

func (d *Deps) handleBillingUsage(c *gin.Context) {
	tenantID := c.Param("id")
	month := c.Query("month")
	if month == "" {
		month = d.now().UTC().Format("2006-01")
	}
	usage, err := d.Tenants.GetUsage(tenantID, month)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	t, err := d.Tenants.GetTenant(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"usage":  usage,
		"limits": entitlements.ForPlan(t.Plan),
	})
}

func (d *Deps) handleBillingState(c *gin.Context) {
	tenantID := c.Param("id")
	t, err := d.Tenants.GetTenant(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	month := d.now().UTC().Format("2006-01")
	usage, err := d.Tenants.GetUsage(tenantID, month)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":     t.Plan,
		"status":   t.Status,
		"limits":   entitlements.ForPlan(t.Plan),
		"invoice":  computeInvoice(t, usage, month, true),
	})
}

type checkoutRequest struct {
	Plan       string `json:"plan"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func (d *Deps) handleBillingCheckout(c *gin.Context) {
	if d.Billing == nil {
		apierr.Respond(c, apierr.New(http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "billing is not configured"))
		return
	}
	var req checkoutRequest
	if err := jsonDecode(c, &req); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	if req.Plan == "" {
		apierr.Respond(c, apierr.ErrInvalidJSON.WithDetail("plan is required"))
		return
	}
	sess, err := d.Billing.CreateCheckoutSession(c.Param("id"), tenant.Plan(req.Plan), req.SuccessURL, req.CancelURL)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sess.SessionID, "checkoutUrl": sess.URL, "plan": sess.Plan})
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

func (d *Deps) handleBillingPortal(c *gin.Context) {
	if d.Billing == nil {
		apierr.Respond(c, apierr.New(http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "billing is not configured"))
		return
	}
	var req portalRequest
	if err := jsonDecode(c, &req); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	t, err := d.Tenants.GetTenant(c.Param("id"))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	portal, err := d.Billing.CreatePortalSession(t.StripeCustomerID, req.ReturnURL)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"portalUrl": portal.URL})
}

func (d *Deps) loadInvoice(c *gin.Context, draft bool) (Invoice, bool) {
	tenantID := c.Param("id")
	month := c.Query("month")
	if month == "" {
		month = d.now().UTC().Format("2006-01")
	}
	t, err := d.Tenants.GetTenant(tenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return Invoice{}, false
	}
	usage, err := d.Tenants.GetUsage(tenantID, month)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return Invoice{}, false
	}
	return computeInvoice(t, usage, month, draft), true
}

func (d *Deps) handleBillingInvoiceDraft(c *gin.Context) {
	invoice, ok := d.loadInvoice(c, true)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, invoice)
}

// handleBillingInvoice implements GET /billing-invoice?month&format=json|pdf:
// the finalized (non-draft) invoice for a past or current month, rendered
// either as JSON or as a one-page PDF.
func (d *Deps) handleBillingInvoice(c *gin.Context) {
	invoice, ok := d.loadInvoice(c, false)
	if !ok {
		return
	}
	if c.Query("format") != "pdf" {
		c.JSON(http.StatusOK, invoice)
		return
	}

	pdfBytes, err := renderInvoicePDF(invoice)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.Data(http.StatusOK, "application/pdf", pdfBytes)
}

// renderInvoicePDF lays out invoice as a single-page PDF document.
func renderInvoicePDF(inv Invoice) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, fmt.Sprintf("Invoice - %s", inv.Month), "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 12)
	pdf.Ln(4)
	rows := [][2]string{
		{"Tenant", inv.TenantID},
		{"Plan", inv.Plan},
		{"Verification runs", fmt.Sprintf("%d", inv.VerificationRuns)},
		{"Included runs", fmt.Sprintf("%d", inv.IncludedRuns)},
		{"Overage runs", fmt.Sprintf("%d", inv.OverageRuns)},
		{"Subscription", fmt.Sprintf("$%.2f", float64(inv.SubscriptionCents)/100)},
		{"Overage charge", fmt.Sprintf("$%.2f", float64(inv.OverageCents)/100)},
		{"Total", fmt.Sprintf("$%.2f", float64(inv.TotalCents)/100)},
	}
	for _, row := range rows {
		pdf.CellFormat(60, 8, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 8, row[1], "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("billing: render invoice pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// settldStripeWebhookMiddleware reads the raw body once (Stripe's own
// verifier needs the exact bytes, not a re-marshaled copy) and restores
// it for the handler, mirroring settldWebhookMiddleware's raw-body
// handling for the distinct Settld signature scheme.
func settldStripeWebhookMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierr.Respond(c, apierr.ErrWebhookRawBodyRequired)
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Set("stripeRawBody", raw)
		c.Next()
	}
}

func (d *Deps) handleStripeWebhook(c *gin.Context) {
	if d.Billing == nil {
		apierr.Respond(c, apierr.New(http.StatusServiceUnavailable, "BILLING_NOT_CONFIGURED", "billing is not configured"))
		return
	}
	raw, _ := c.Get("stripeRawBody")
	body, _ := raw.([]byte)

	evt, err := d.Billing.VerifyWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		apierr.Respond(c, apierr.ErrWebhookSignatureNoMatch)
		return
	}
	if evt.TenantID == "" {
		c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
		return
	}

	t, err := d.Tenants.GetTenant(evt.TenantID)
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	if evt.CustomerID != "" {
		t.StripeCustomerID = evt.CustomerID
	}
	if evt.Plan != "" {
		t.Plan = evt.Plan
	}
	if evt.Status != "" {
		t.Status = evt.Status
	}
	if err := d.Tenants.PutTenant(t); err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
