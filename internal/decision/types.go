// Package decision implements the settlement decision engine (spec
// component C5): buyer approve/hold decisions, OTP/session authentication
// precedence, Ed25519-signed decision reports, and the auto-decision path.
package decision

import "time"

type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictHold    Verdict = "hold"
)

// AuthMethod records how the decision's actor was authenticated.
type AuthMethod string

const (
	AuthUnauthenticated  AuthMethod = "unauthenticated"
	AuthEmailOTP         AuthMethod = "email_otp"
	AuthBuyerSession     AuthMethod = "buyer_session"
	AuthSystemAutoDecide AuthMethod = "system_auto_decision"
)

// Actor is who made the decision.
type Actor struct {
	Name   string     `json:"name,omitempty"`
	Email  string     `json:"email"`
	Method AuthMethod `json:"method"`
}

// PolicyCheckResult records the vendor-policy evaluation outcome.
type PolicyCheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Report is the canonical SettlementDecisionReport.v1. The pre-image
// signed is this struct with Signature absent (canonical.HashAndStamp's
// "set field then re-serialize" rule, reused here for a signature instead
// of a hash).
type Report struct {
	SchemaVersion string            `json:"schemaVersion"`
	Token         string            `json:"token"`
	Decision      Verdict           `json:"decision"`
	Actor         Actor             `json:"actor"`
	Note          string            `json:"note,omitempty"`
	SignerKeyID   string            `json:"signerKeyId"`
	Signature     string            `json:"signature,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	PolicyCheck   PolicyCheckResult `json:"policyCheck"`
}

// Request is the inbound decision submission (POST /r/:token/decision).
type Request struct {
	Token           string
	Decision        Verdict
	Note            string
	Email           string
	OTPCode         string
	BuyerSessionOK  bool // caller has already validated the session cookie
	BuyerSessionEmail string
}
