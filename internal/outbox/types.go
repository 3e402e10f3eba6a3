// Package outbox implements the unified delivery queue (spec component
// C6) shared by webhook deliveries, buyer notifications, and payment
// triggers: HMAC signing, exponential backoff, dead-letter handling, and
// operator replay.
package outbox

import "time"

type Provider string

const (
	ProviderWebhook            Provider = "webhook"
	ProviderSlack              Provider = "slack"
	ProviderZapier             Provider = "zapier"
	ProviderBuyerNotification  Provider = "buyer_notification"
	ProviderPaymentTrigger     Provider = "payment_trigger"
)

type State string

const (
	StatePending    State = "pending"
	StateInFlight   State = "in_flight"
	StateDelivered  State = "delivered"
	StateDeadLetter State = "dead_letter"
)

// DeliveryMode selects how an entry is actually delivered; "record" mode
// writes a JSON row instead of performing network I/O, for deterministic
// tests (spec.md §4.6).
type DeliveryMode string

const (
	ModeRecord  DeliveryMode = "record"
	ModeWebhook DeliveryMode = "webhook"
	ModeEmail   DeliveryMode = "email"
)

// Entry is the OutboxEntry record (spec.md §3).
type Entry struct {
	EntryID             string            `json:"entryId"`
	TenantID            string            `json:"tenantId"`
	Token               string            `json:"token,omitempty"`
	Provider            Provider          `json:"provider"`
	Event               string            `json:"event"`
	URL                 string            `json:"url"`
	EncryptedSecret     string            `json:"encryptedSecret,omitempty"`
	BodyCanonical       []byte            `json:"bodyCanonical"`
	Headers             map[string]string `json:"headers,omitempty"`
	IdempotencyKey      string            `json:"idempotencyKey"`
	AttemptCount        int               `json:"attemptCount"`
	NextAttemptAt       time.Time         `json:"nextAttemptAt"`
	State               State             `json:"state"`
	LastError           string            `json:"lastError,omitempty"`
	DeadLetterEmittedAt *time.Time        `json:"deadLetterEmittedAt,omitempty"`
	DeliveryMode        DeliveryMode      `json:"deliveryMode"`
	Secret              string            `json:"-"` // plaintext secret, held in memory only for signing
}

// BackoffConfig controls the retry schedule (spec.md §4.6 step 3).
type BackoffConfig struct {
	BaseDelay  time.Duration
	Cap        int
	MaxAttempts int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{BaseDelay: 30 * time.Second, Cap: 6, MaxAttempts: 8}
}
