// Package tenant implements the tenant store (spec component C2): tenant
// identity, per-tenant settings with encrypted-at-rest secrets, usage
// counters, and the append-only audit log.
package tenant

import "time"

// Plan is the subscription tier driving entitlements (internal/entitlements).
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBuilder    Plan = "builder"
	PlanGrowth     Plan = "growth"
	PlanScale      Plan = "scale"
	PlanEnterprise Plan = "enterprise"
)

// Status is the tenant lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is the top-level identity record.
type Tenant struct {
	TenantID       string    `json:"tenantId"`
	Plan           Plan      `json:"plan"`
	ContactEmail   string    `json:"contactEmail"`
	BillingEmail   string    `json:"billingEmail"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	IngestKeySealed string   `json:"ingestKeySealed,omitempty"` // enc:v1:… wrapping "igk_<hex>"
	StripeCustomerID string `json:"stripeCustomerId,omitempty"`
}

// WebhookConfig describes one tenant-configured webhook sink.
type WebhookConfig struct {
	URL              string   `json:"url"`
	Events           []string `json:"events"`
	EncryptedSecret  string   `json:"encryptedSecret,omitempty"`
	Enabled          bool     `json:"enabled"`
}

// DeliveryModeConfig is the shared shape for buyerNotifications and
// paymentTriggers: a delivery mode plus the webhook sink it may use.
type DeliveryModeConfig struct {
	Enabled         bool     `json:"enabled"`
	Emails          []string `json:"emails,omitempty"`
	DeliveryMode    string   `json:"deliveryMode"` // record|email|webhook
	WebhookURL      string   `json:"webhookUrl,omitempty"`
	EncryptedSecret string   `json:"encryptedSecret,omitempty"`
}

// SettlementDecisionSigner holds the tenant's Ed25519 decision-signing key.
type SettlementDecisionSigner struct {
	KeyID              string `json:"keyId"`
	EncryptedPrivatePEM string `json:"encryptedPrivatePem,omitempty"`
}

// AutoDecisionConfig controls unattended approve/hold behavior.
type AutoDecisionConfig struct {
	Enabled        bool     `json:"enabled"`
	ApproveOnGreen bool     `json:"approveOnGreen"`
	ApproveOnAmber bool     `json:"approveOnAmber"`
	HoldOnRed      bool     `json:"holdOnRed"`
	TemplateIDs    []string `json:"templateIds,omitempty"`
	Actor          string   `json:"actor,omitempty"`
}

// VendorPolicy constrains which modes/signers a vendor's uploads must use.
type VendorPolicy struct {
	RequiredMode                   string   `json:"requiredMode,omitempty"`
	AllowAmberApprovals            bool     `json:"allowAmberApprovals"`
	FailOnWarnings                 bool     `json:"failOnWarnings"`
	RequiredPricingMatrixSignerIDs []string `json:"requiredPricingMatrixSignerKeyIds,omitempty"`
}

// RateLimits holds the per-verb hourly caps (see internal/ratelimit).
type RateLimits struct {
	UploadsPerHour           int `json:"uploadsPerHour"`
	VerificationViewsPerHour int `json:"verificationViewsPerHour"`
	DecisionsPerHour         int `json:"decisionsPerHour"`
	ConformanceRunsPerHour   int `json:"conformanceRunsPerHour"`
}

// Settings is the one-per-tenant configuration record (TenantSettings in
// spec.md §3).
type Settings struct {
	DefaultMode              string                  `json:"defaultMode"` // strict|compat
	GovernanceTrustRootsJSON string                  `json:"governanceTrustRootsJson,omitempty"`
	PricingSignerKeysJSON    string                  `json:"pricingSignerKeysJson,omitempty"`
	Webhooks                 []WebhookConfig         `json:"webhooks,omitempty"`
	BuyerNotifications       DeliveryModeConfig      `json:"buyerNotifications"`
	PaymentTriggers          DeliveryModeConfig      `json:"paymentTriggers"`
	SettlementDecisionSigner SettlementDecisionSigner `json:"settlementDecisionSigner"`
	DecisionAuthEmailDomains []string                `json:"decisionAuthEmailDomains,omitempty"`
	BuyerAuthEmailDomains    []string                `json:"buyerAuthEmailDomains,omitempty"`
	BuyerUserRoles           map[string]string       `json:"buyerUserRoles,omitempty"` // email -> viewer|approver|admin
	AutoDecision             AutoDecisionConfig      `json:"autoDecision"`
	VendorPolicies           map[string]VendorPolicy `json:"vendorPolicies,omitempty"`
	RetentionDays            int                     `json:"retentionDays"`
	RateLimits               RateLimits              `json:"rateLimits"`
	MaxVerificationsPerMonth int                     `json:"maxVerificationsPerMonth"`
	MaxStoredBundles         int                     `json:"maxStoredBundles"`
	ArchiveExportSink        string                  `json:"archiveExportSink,omitempty"`
}

// DefaultSettings returns the zero-value settings for a newly created
// tenant (plan=free per spec.md §3's getSettings contract).
func DefaultSettings() Settings {
	return Settings{
		DefaultMode: "strict",
		BuyerNotifications: DeliveryModeConfig{
			DeliveryMode: "record",
		},
		PaymentTriggers: DeliveryModeConfig{
			DeliveryMode: "record",
		},
		RetentionDays: 90,
		RateLimits: RateLimits{
			UploadsPerHour:           60,
			VerificationViewsPerHour: 600,
			DecisionsPerHour:         60,
			ConformanceRunsPerHour:   30,
		},
		MaxVerificationsPerMonth: 50,
		MaxStoredBundles:         50,
	}
}

// UsageCounter is the (tenantId, yyyy-mm)-keyed counter from spec.md §3.
type UsageCounter struct {
	TenantID         string          `json:"tenantId"`
	Month            string          `json:"month"` // yyyy-mm
	VerificationRuns int             `json:"verificationRuns"`
	UploadedBytes    int64           `json:"uploadedBytes"`
	Thresholds       map[string]*time.Time `json:"thresholds"` // "80"/"100" -> emittedAt
}
