// Package billing wires the tenant plan lifecycle to Stripe (spec
// component C7): checkout/portal session creation and inbound webhook
// verification, so a plan transition is always driven by a Stripe event
// rather than trusted client input.
package billing

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v72"
	bpsession "github.com/stripe/stripe-go/v72/billingportal/session"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/settld/magiclink/internal/tenant"
)

// PriceIDs maps a plan to its Stripe recurring price id. A plan absent
// from this map (typically free) never reaches CreateCheckoutSession.
type PriceIDs map[tenant.Plan]string

// Client wraps the Stripe SDK the way internal/opsclient.Client wraps the
// ops API: a thin, narrowly-scoped adapter, not a full SDK passthrough.
type Client struct {
	secretKey     string
	webhookSecret string
	prices        PriceIDs
}

func NewClient(secretKey, webhookSecret string, prices PriceIDs) *Client {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	return &Client{secretKey: secretKey, webhookSecret: webhookSecret, prices: prices}
}

// recordMode reports whether no real Stripe secret key is configured —
// the same "no sink configured" fallback internal/outbox.Engine's
// ModeRecord and internal/exportpkg.ArchiveExporter use for sandbox
// deployments and deterministic tests that never reach a real Stripe
// account.
func (c *Client) recordMode() bool { return c.secretKey == "" }

type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"checkoutUrl"`
	Plan      string `json:"plan"`
}

// CreateCheckoutSession starts a subscription checkout for tenantID
// against plan's configured Stripe price. The tenant id travels in
// ClientReferenceID so VerifyWebhook can recover it without a side
// lookup table.
func (c *Client) CreateCheckoutSession(tenantID string, plan tenant.Plan, successURL, cancelURL string) (CheckoutSession, error) {
	if c.recordMode() {
		return CheckoutSession{
			SessionID: "cs_record_" + tenantID,
			URL:       successURL,
			Plan:      string(plan),
		}, nil
	}
	priceID, ok := c.prices[plan]
	if !ok {
		return CheckoutSession{}, fmt.Errorf("billing: no stripe price configured for plan %q", plan)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(tenantID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
	}
	params.AddMetadata("tenantId", tenantID)
	params.AddMetadata("plan", string(plan))

	s, err := session.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("billing: create checkout session: %w", err)
	}
	return CheckoutSession{SessionID: s.ID, URL: s.URL, Plan: string(plan)}, nil
}

type PortalSession struct {
	URL string `json:"portalUrl"`
}

// CreatePortalSession opens a Stripe billing-portal session for a
// tenant's known Stripe customer id (spec.md §6 `/billing/portal`).
func (c *Client) CreatePortalSession(customerID, returnURL string) (PortalSession, error) {
	if c.recordMode() {
		return PortalSession{URL: returnURL}, nil
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	s, err := bpsession.New(params)
	if err != nil {
		return PortalSession{}, fmt.Errorf("billing: create portal session: %w", err)
	}
	return PortalSession{URL: s.URL}, nil
}

// Event is the normalized subset of a Stripe webhook event the plan
// lifecycle acts on.
type Event struct {
	Type       string
	TenantID   string
	Plan       tenant.Plan
	Status     tenant.Status
	CustomerID string
}

type eventObject struct {
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Metadata          struct {
		TenantID string `json:"tenantId"`
		Plan     string `json:"plan"`
	} `json:"metadata"`
}

// VerifyWebhook checks payload against Stripe's own `Stripe-Signature:
// t=<ts>,v1=<hex>` HMAC scheme (spec.md §6's `POST /v1/billing/stripe/
// webhook` contract) — distinct from the x-settld-timestamp/
// x-settld-signature pair internal/outbox/sign.go verifies for inbound
// Settld webhooks — and decodes the plan/status transition it carries.
func (c *Client) VerifyWebhook(payload []byte, sigHeader string) (Event, error) {
	evt, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return Event{}, err
	}
	var obj eventObject
	if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("billing: decode event object: %w", err)
	}
	tenantID := obj.ClientReferenceID
	if tenantID == "" {
		tenantID = obj.Metadata.TenantID
	}
	out := Event{Type: string(evt.Type), TenantID: tenantID, CustomerID: obj.Customer}
	if obj.Metadata.Plan != "" {
		out.Plan = tenant.Plan(obj.Metadata.Plan)
	}
	switch evt.Type {
	case "checkout.session.completed", "customer.subscription.updated", "invoice.paid":
		out.Status = tenant.StatusActive
	case "customer.subscription.deleted", "invoice.payment_failed":
		out.Status = tenant.StatusSuspended
	}
	return out, nil
}
