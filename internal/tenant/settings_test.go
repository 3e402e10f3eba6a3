package tenant

import "testing"

func TestMerge_OverwritesOnlyProvidedFields(t *testing.T) {
	base := DefaultSettings()
	base.RetentionDays = 30

	merged, err := base.Merge([]byte(`{"defaultMode":"compat"}`))
	if err != nil {
		t.Fatal(err)
	}
	if merged.DefaultMode != "compat" {
		t.Fatalf("expected compat, got %q", merged.DefaultMode)
	}
	if merged.RetentionDays != 30 {
		t.Fatalf("expected unrelated field preserved, got %d", merged.RetentionDays)
	}
}

func TestMerge_RejectsInvalidRole(t *testing.T) {
	base := DefaultSettings()
	_, err := base.Merge([]byte(`{"buyerUserRoles":{"a@example.com":"superuser"}}`))
	if err == nil {
		t.Fatalf("expected validation error for invalid role")
	}
}

func TestMerge_RejectsInvalidDeliveryMode(t *testing.T) {
	base := DefaultSettings()
	_, err := base.Merge([]byte(`{"buyerNotifications":{"deliveryMode":"carrier-pigeon"}}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRedacted_StripsSecrets(t *testing.T) {
	s := DefaultSettings()
	s.SettlementDecisionSigner.EncryptedPrivatePEM = "enc:v1:abc:def"
	s.BuyerNotifications.EncryptedSecret = "enc:v1:xx:yy"
	s.Webhooks = []WebhookConfig{{URL: "https://example.com/hook", EncryptedSecret: "enc:v1:zz:ww"}}

	r := s.Redacted()
	if r.SettlementDecisionSigner.EncryptedPrivatePEM != "" {
		t.Fatalf("expected signer PEM redacted")
	}
	if r.BuyerNotifications.EncryptedSecret != "" {
		t.Fatalf("expected buyer notification secret redacted")
	}
	if r.Webhooks[0].EncryptedSecret != "" {
		t.Fatalf("expected webhook secret redacted")
	}
	if r.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("expected non-secret fields preserved")
	}
}
