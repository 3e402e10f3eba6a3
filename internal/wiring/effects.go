// Package wiring adapts internal/outbox, internal/decision, and
// internal/exportpkg into the SideEffects interfaces internal/verify and
// internal/decision declare, the way the teacher's cmd/billing/main.go
// wires billing.EventHandler and settler.Run together behind narrow
// interfaces instead of the packages importing each other directly.
package wiring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld/magiclink/internal/canonical"
	"github.com/settld/magiclink/internal/decision"
	"github.com/settld/magiclink/internal/exportpkg"
	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

// Effects implements verify.SideEffects and decision.SideEffects over the
// shared outbox queue, tenant settings store, and vault. It is the only
// package allowed to import both verify and decision alongside outbox.
type Effects struct {
	Tenants *tenant.Store
	Outbox  *outbox.Engine
	Vault   *vault.Vault
	Sealer  *vault.Sealer
	Decide  *decision.Engine
	Now     func() time.Time
}

func New(tenants *tenant.Store, ob *outbox.Engine, v *vault.Vault, sealer *vault.Sealer, de *decision.Engine) *Effects {
	return &Effects{Tenants: tenants, Outbox: ob, Vault: v, Sealer: sealer, Decide: de, Now: time.Now}
}

func (e *Effects) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Effects) enqueue(ctx context.Context, tenantID string, provider outbox.Provider, event, url, encryptedSecret string, body any) error {
	if url == "" {
		return nil
	}
	bodyCanonical, err := canonical.Marshal(body)
	if err != nil {
		return err
	}
	plaintextSecret := ""
	if encryptedSecret != "" && e.Sealer != nil {
		raw, err := e.Sealer.Open(encryptedSecret)
		if err != nil {
			return fmt.Errorf("wiring: open webhook secret: %w", err)
		}
		plaintextSecret = string(raw)
	}
	entry := outbox.Entry{
		EntryID:         uuid.NewString(),
		TenantID:        tenantID,
		Provider:        provider,
		Event:           event,
		URL:             url,
		EncryptedSecret: encryptedSecret,
		Secret:          plaintextSecret,
		BodyCanonical:   bodyCanonical,
		IdempotencyKey:  uuid.NewString(),
		DeliveryMode:    outbox.ModeWebhook,
	}
	_, err = e.Outbox.Enqueue(entry, e.now())
	return err
}

// EnqueueVerificationWebhook implements verify.SideEffects.
func (e *Effects) EnqueueVerificationWebhook(ctx context.Context, tenantID string, run verify.Run, report verify.Report) error {
	settings, err := e.Tenants.GetSettings(tenantID)
	if err != nil {
		return err
	}
	event := "verification.completed"
	if run.Status == verify.StatusRed {
		event = "verification.failed"
	}
	for _, wh := range settings.Webhooks {
		if !wh.Enabled || !containsEvent(wh.Events, event) {
			continue
		}
		if err := e.enqueue(ctx, tenantID, outbox.ProviderWebhook, event, wh.URL, wh.EncryptedSecret, report); err != nil {
			return err
		}
	}
	return nil
}

func containsEvent(events []string, event string) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}

// EnqueueBuyerNotification implements verify.SideEffects.
func (e *Effects) EnqueueBuyerNotification(ctx context.Context, tenantID string, run verify.Run) error {
	settings, err := e.Tenants.GetSettings(tenantID)
	if err != nil {
		return err
	}
	cfg := settings.BuyerNotifications
	if !cfg.Enabled {
		return nil
	}
	body := map[string]any{"token": run.Token, "status": run.Status, "vendorId": run.VendorID}
	if cfg.DeliveryMode != "webhook" || cfg.WebhookURL == "" {
		return e.recordOnly(ctx, tenantID, outbox.ProviderBuyerNotification, "verification.completed", body)
	}
	return e.enqueue(ctx, tenantID, outbox.ProviderBuyerNotification, "verification.completed", cfg.WebhookURL, cfg.EncryptedSecret, body)
}

// recordOnly enqueues an entry with DeliveryMode=record, for
// buyer-notification/payment-trigger configs that aren't webhook-backed —
// the entry still lands in the mirrored outbox directory (spec.md §6's
// persisted layout) even with no network delivery.
func (e *Effects) recordOnly(ctx context.Context, tenantID string, provider outbox.Provider, event string, body any) error {
	bodyCanonical, err := canonical.Marshal(body)
	if err != nil {
		return err
	}
	entry := outbox.Entry{
		EntryID:        uuid.NewString(),
		TenantID:       tenantID,
		Provider:       provider,
		Event:          event,
		BodyCanonical:  bodyCanonical,
		IdempotencyKey: uuid.NewString(),
		DeliveryMode:   outbox.ModeRecord,
	}
	_, err = e.Outbox.Enqueue(entry, e.now())
	return err
}

// EvaluateAutoDecision implements verify.SideEffects.
func (e *Effects) EvaluateAutoDecision(ctx context.Context, tenantID string, run verify.Run) error {
	settings, err := e.Tenants.GetSettings(tenantID)
	if err != nil {
		return err
	}
	ad := settings.AutoDecision
	if !ad.Enabled {
		return nil
	}
	var wantApprove bool
	switch run.Status {
	case verify.StatusGreen:
		wantApprove = ad.ApproveOnGreen
	case verify.StatusAmber:
		wantApprove = ad.ApproveOnAmber
	case verify.StatusRed:
		if ad.HoldOnRed {
			wantApprove = false
		} else {
			return nil
		}
	default:
		return nil
	}
	decisionVerdict := decision.VerdictHold
	if wantApprove {
		decisionVerdict = decision.VerdictApprove
	}

	signerKeyID, priv, err := e.resolveSigner(settings)
	if err != nil || priv == nil {
		return err
	}
	policy := settings.VendorPolicies[run.VendorID]
	ctx = decision.WithTenantID(ctx, tenantID)
	_, err = e.Decide.Decide(ctx, decision.Request{
		Token:    run.Token,
		Decision: decisionVerdict,
		Email:    ad.Actor,
	}, string(run.Status), decision.VendorPolicy{AllowAmberApprovals: policy.AllowAmberApprovals}, decision.AuthContext{}, signerKeyID, priv)
	if err == decision.ErrAlreadyRecorded || err == decision.ErrApproveForbidden {
		return nil
	}
	return err
}

func (e *Effects) resolveSigner(settings tenant.Settings) (string, ed25519.PrivateKey, error) {
	signer := settings.SettlementDecisionSigner
	if signer.EncryptedPrivatePEM == "" || e.Sealer == nil {
		return "", nil, nil
	}
	raw, err := e.Sealer.Open(signer.EncryptedPrivatePEM)
	if err != nil {
		return "", nil, fmt.Errorf("wiring: open decision signer key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", nil, fmt.Errorf("wiring: decision signer key has unexpected size %d", len(raw))
	}
	return signer.KeyID, ed25519.PrivateKey(raw), nil
}

// EnqueueDecisionWebhook implements decision.SideEffects.
func (e *Effects) EnqueueDecisionWebhook(ctx context.Context, tenantID string, report decision.Report) error {
	settings, err := e.Tenants.GetSettings(tenantID)
	if err != nil {
		return err
	}
	event := "decision.held"
	if report.Decision == decision.VerdictApprove {
		event = "decision.approved"
	}
	for _, wh := range settings.Webhooks {
		if !wh.Enabled || !containsEvent(wh.Events, event) {
			continue
		}
		if err := e.enqueue(ctx, tenantID, outbox.ProviderWebhook, event, wh.URL, wh.EncryptedSecret, report); err != nil {
			return err
		}
	}
	return nil
}

// EnqueuePaymentTrigger implements decision.SideEffects.
func (e *Effects) EnqueuePaymentTrigger(ctx context.Context, tenantID, token string) error {
	settings, err := e.Tenants.GetSettings(tenantID)
	if err != nil {
		return err
	}
	cfg := settings.PaymentTriggers
	if !cfg.Enabled {
		return nil
	}
	body := map[string]any{"token": token}
	if cfg.DeliveryMode != "webhook" || cfg.WebhookURL == "" {
		return e.recordOnly(ctx, tenantID, outbox.ProviderPaymentTrigger, "decision.approved", body)
	}
	return e.enqueue(ctx, tenantID, outbox.ProviderPaymentTrigger, "decision.approved", cfg.WebhookURL, cfg.EncryptedSecret, body)
}

// BuildClosepackIfNeeded implements decision.SideEffects. It builds the
// per-token closepack (decision report + receipt) and stores it under the
// vault's closepack artifact slot so GET /r/:token/closepack.zip can serve
// it directly.
func (e *Effects) BuildClosepackIfNeeded(ctx context.Context, tenantID, token string) error {
	reportRaw, err := e.Vault.Get(token, vault.ArtifactReceipt)
	if err != nil {
		return err
	}
	var report verify.Report
	if err := json.Unmarshal(reportRaw, &report); err != nil {
		return fmt.Errorf("wiring: decode receipt for closepack: %w", err)
	}
	decisionReport, err := e.Decide.GetReport(token)
	if err != nil {
		return err
	}
	closepackBytes, err := exportpkg.BuildClosepack(token, report, decisionReport)
	if err != nil {
		return err
	}
	return e.Vault.Put(token, vault.ArtifactClosepack, closepackBytes)
}
