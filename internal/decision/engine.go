package decision

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/store"
)

var (
	ErrAlreadyRecorded = errors.New("DECISION_ALREADY_RECORDED")
	ErrOTPRequired     = errors.New("OTP_REQUIRED")
	ErrApproveForbidden = errors.New("APPROVE_FORBIDDEN")
	ErrOTPInvalid      = errors.New("OTP_INVALID")
)

const otpTTL = 10 * time.Minute

// decisionClaimTTL bounds the "at most one decision per token" claim.
// DECIDED is a terminal sink (spec.md §5) so this is effectively
// permanent; it is still a TTL rather than forever so a claim left behind
// by a crash between Claim and the fs.Exists check on next boot doesn't
// wedge the token shut.
const decisionClaimTTL = 365 * 24 * time.Hour

func decisionClaimKey(token string) string { return "decision:" + token }

// VendorPolicy is the subset of tenant.VendorPolicy the engine needs,
// passed by the caller to avoid importing internal/tenant (kept decoupled
// the way internal/verify's Verifier/SideEffects split avoids a direct
// dependency on internal/outbox or internal/decision).
type VendorPolicy struct {
	AllowAmberApprovals bool
}

// SideEffects is invoked once a decision is recorded (spec.md §4.5
// "Closing side effects"), mirroring internal/verify.SideEffects.
type SideEffects interface {
	EnqueueDecisionWebhook(ctx context.Context, tenantID string, report Report) error
	EnqueuePaymentTrigger(ctx context.Context, tenantID, token string) error
	BuildClosepackIfNeeded(ctx context.Context, tenantID, token string) error
}

// Engine is spec component C5.
type Engine struct {
	fs      *store.FileStore
	coord   coord.Coordinator
	effects SideEffects
}

func NewEngine(fs *store.FileStore, c coord.Coordinator, effects SideEffects) *Engine {
	return &Engine{fs: fs, coord: c, effects: effects}
}

func reportKey(token string) string { return "decisions/" + token + ".json" }

// RequestOTP mints a 6-digit OTP for (token, email) and writes it to the
// decision OTP outbox (spec.md §6's decision-otp-outbox/<token>_<email>_*
// layout). Returns the code so the caller's delivery adapter (email/
// webhook/record) can send it — the engine itself does not deliver.
func (e *Engine) RequestOTP(token, email string) (string, error) {
	code, err := randomSixDigit()
	if err != nil {
		return "", err
	}
	entry := otpEntry{Code: code, ExpiresAt: time.Now().Add(otpTTL)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	if err := e.fs.Put(otpKey(token, email), raw); err != nil {
		return "", err
	}
	return code, nil
}

type otpEntry struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func otpKey(token, email string) string {
	return "decision-otp-outbox/" + token + "_" + email + ".json"
}

func randomSixDigit() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// AuthContext carries the tenant's auth configuration needed to resolve
// precedence (spec.md §4.5).
type AuthContext struct {
	DecisionAuthEmailDomains []string
}

func emailDomainAllowed(email string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	parts := strings.SplitN(email, "@", 2)
	if len(parts) != 2 {
		return false
	}
	domain := strings.ToLower(parts[1])
	for _, d := range domains {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// resolveAuth implements spec.md §4.5's precedence:
//  1. buyerSession cookie valid + domain allowed -> buyer_session
//  2. body email in allowlist + valid OTP -> email_otp
//  3. otherwise OTP_REQUIRED (when an allowlist is configured)
// When no allowlist is configured, unauthenticated bodies are accepted.
// Open Question pinned: when both a valid session and a valid OTP are
// present, buyer_session wins (checked first, short-circuits).
func (e *Engine) resolveAuth(token string, req Request, authCtx AuthContext) (Actor, error) {
	if len(authCtx.DecisionAuthEmailDomains) == 0 {
		email := req.Email
		if req.BuyerSessionOK {
			email = req.BuyerSessionEmail
		}
		return Actor{Email: email, Method: AuthUnauthenticated}, nil
	}

	if req.BuyerSessionOK && emailDomainAllowed(req.BuyerSessionEmail, authCtx.DecisionAuthEmailDomains) {
		return Actor{Email: req.BuyerSessionEmail, Method: AuthBuyerSession}, nil
	}

	if req.Email != "" && emailDomainAllowed(req.Email, authCtx.DecisionAuthEmailDomains) && req.OTPCode != "" {
		ok, err := e.consumeOTP(token, req.Email, req.OTPCode)
		if err != nil {
			return Actor{}, err
		}
		if !ok {
			return Actor{}, ErrOTPInvalid
		}
		return Actor{Email: req.Email, Method: AuthEmailOTP}, nil
	}

	return Actor{}, ErrOTPRequired
}

// consumeOTP validates code against the stored entry and, on success,
// atomically marks it single-use via Coordinator.Claim so a replayed
// request with the same code cannot be accepted twice.
func (e *Engine) consumeOTP(token, email, code string) (bool, error) {
	raw, err := e.fs.Get(otpKey(token, email))
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var entry otpEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, err
	}
	if time.Now().After(entry.ExpiresAt) || entry.Code != code {
		return false, nil
	}
	claimed, err := e.coord.Claim(context.Background(), "otp-used:"+token+":"+email+":"+code, otpTTL)
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Decide executes the decision state machine for one token. status is the
// run's derived status ("green"|"amber"|"red"); policy is the vendor
// policy for this run's vendor (zero value = no restrictions).
func (e *Engine) Decide(ctx context.Context, req Request, status string, policy VendorPolicy, authCtx AuthContext, signerKeyID string, privateKey ed25519.PrivateKey) (Report, error) {
	if e.fs.Exists(reportKey(req.Token)) {
		return Report{}, ErrAlreadyRecorded
	}

	// Claim the token before doing any auth/policy/signing work so two
	// concurrent POST /r/:token/decision calls can't both pass the Exists
	// check above, both sign, and have the second silently overwrite the
	// first via fs.Put's rename-based write. Only the request that wins
	// the claim proceeds; the loser reports the same ErrAlreadyRecorded a
	// retry against an already-persisted report would get.
	claimed, err := e.coord.Claim(ctx, decisionClaimKey(req.Token), decisionClaimTTL)
	if err != nil {
		return Report{}, err
	}
	if !claimed {
		return Report{}, ErrAlreadyRecorded
	}
	// Any early return below means no decision was actually recorded, so
	// release the claim rather than wedging the token shut for a retry.
	releaseClaim := func() {
		_ = e.coord.Release(context.Background(), decisionClaimKey(req.Token))
	}

	actor, err := e.resolveAuth(req.Token, req, authCtx)
	if err != nil {
		releaseClaim()
		return Report{}, err
	}

	policyResult := checkPolicy(req.Decision, status, policy)
	if !policyResult.Allowed {
		releaseClaim()
		return Report{}, ErrApproveForbidden
	}

	report := Report{
		SchemaVersion: "SettlementDecisionReport.v1",
		Token:         req.Token,
		Decision:      req.Decision,
		Actor:         actor,
		Note:          req.Note,
		SignerKeyID:   signerKeyID,
		CreatedAt:     time.Now().UTC(),
		PolicyCheck:   policyResult,
	}
	sig, err := Sign(report, privateKey)
	if err != nil {
		releaseClaim()
		return Report{}, err
	}
	report.Signature = sig

	raw, err := json.Marshal(report)
	if err != nil {
		releaseClaim()
		return Report{}, err
	}
	if err := e.fs.Put(reportKey(req.Token), raw); err != nil {
		releaseClaim()
		return Report{}, err
	}

	// The report is durably persisted at this point: the decision is
	// recorded even if a closing side effect below fails, so the claim
	// stays held from here on.
	return e.applyClosingSideEffects(ctx, req, report)
}

// checkPolicy implements spec.md §4.5's policy checks: approve on amber
// requires allowAmberApprovals (default true unless explicitly disabled);
// approve on red is always forbidden.
func checkPolicy(decision Verdict, status string, policy VendorPolicy) PolicyCheckResult {
	if decision != VerdictApprove {
		return PolicyCheckResult{Allowed: true}
	}
	if status == "red" {
		return PolicyCheckResult{Allowed: false, Reason: "approve forbidden on red status"}
	}
	if status == "amber" && !policy.AllowAmberApprovals {
		return PolicyCheckResult{Allowed: false, Reason: "amber approvals not allowed by vendor policy"}
	}
	return PolicyCheckResult{Allowed: true}
}

func (e *Engine) applyClosingSideEffects(ctx context.Context, req Request, report Report) (Report, error) {
	if e.effects == nil {
		return report, nil
	}
	tenantID := tenantIDFromContext(ctx)
	if err := e.effects.BuildClosepackIfNeeded(ctx, tenantID, req.Token); err != nil {
		return Report{}, err
	}
	if err := e.effects.EnqueueDecisionWebhook(ctx, tenantID, report); err != nil {
		return Report{}, err
	}
	if report.Decision == VerdictApprove {
		if err := e.effects.EnqueuePaymentTrigger(ctx, tenantID, req.Token); err != nil {
			return Report{}, err
		}
	}
	return report, nil
}

type tenantIDKey struct{}

// WithTenantID attaches the owning tenant id to ctx so closing side
// effects can be dispatched without threading an extra parameter through
// every call in the state machine.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

func tenantIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey{}).(string)
	return v
}

// GetReport returns the recorded decision report for token, or
// store.ErrNotFound.
func (e *Engine) GetReport(token string) (Report, error) {
	raw, err := e.fs.Get(reportKey(token))
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("decision: decode report: %w", err)
	}
	return r, nil
}
