package tenant

import (
	"encoding/json"
	"fmt"
)

// validModes/validDeliveryModes/validRoles constrain enumerated settings
// fields on Merge.
var (
	validModes          = map[string]bool{"strict": true, "compat": true}
	validDeliveryModes  = map[string]bool{"record": true, "email": true, "webhook": true}
	validRoles          = map[string]bool{"viewer": true, "approver": true, "admin": true}
)

// Merge applies a partial JSON patch onto a copy of s, validates the
// result, and returns the merged settings. Only fields present in patch
// are overwritten — unmarshal onto a copy of s so zero-value JSON fields
// in the patch don't clobber unrelated settings.
func (s Settings) Merge(patch []byte) (Settings, error) {
	merged := s
	if err := json.Unmarshal(patch, &merged); err != nil {
		return Settings{}, fmt.Errorf("INVALID_JSON: %w", err)
	}
	if err := merged.validate(); err != nil {
		return Settings{}, err
	}
	return merged, nil
}

func (s Settings) validate() error {
	if s.DefaultMode != "" && !validModes[s.DefaultMode] {
		return fmt.Errorf("INVALID_JSON: defaultMode must be strict or compat, got %q", s.DefaultMode)
	}
	if s.BuyerNotifications.DeliveryMode != "" && !validDeliveryModes[s.BuyerNotifications.DeliveryMode] {
		return fmt.Errorf("INVALID_JSON: buyerNotifications.deliveryMode invalid: %q", s.BuyerNotifications.DeliveryMode)
	}
	if s.PaymentTriggers.DeliveryMode != "" && !validDeliveryModes[s.PaymentTriggers.DeliveryMode] {
		return fmt.Errorf("INVALID_JSON: paymentTriggers.deliveryMode invalid: %q", s.PaymentTriggers.DeliveryMode)
	}
	for email, role := range s.BuyerUserRoles {
		if !validRoles[role] {
			return fmt.Errorf("INVALID_JSON: buyerUserRoles[%s] has invalid role %q", email, role)
		}
	}
	for vendorID, vp := range s.VendorPolicies {
		if vp.RequiredMode != "" && !validModes[vp.RequiredMode] {
			return fmt.Errorf("INVALID_JSON: vendorPolicies[%s].requiredMode invalid: %q", vendorID, vp.RequiredMode)
		}
	}
	return nil
}

// Redacted returns a copy of s with every secret field nulled out, safe to
// serialize in an API response. Invariant: secret fields round-trip
// through this pass before any outbound JSON is built.
func (s Settings) Redacted() Settings {
	out := s
	out.SettlementDecisionSigner.EncryptedPrivatePEM = ""
	out.BuyerNotifications.EncryptedSecret = ""
	out.PaymentTriggers.EncryptedSecret = ""
	out.Webhooks = make([]WebhookConfig, len(s.Webhooks))
	for i, w := range s.Webhooks {
		w.EncryptedSecret = ""
		out.Webhooks[i] = w
	}
	return out
}
