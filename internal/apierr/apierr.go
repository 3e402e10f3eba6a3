// Package apierr is the typed error envelope for the HTTP API (spec §7):
// every user-visible failure renders as {ok:false, code, message, detail?,
// upgradeHint?}.
package apierr

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Error is a typed API error carrying the HTTP status and machine-
// readable code spec §7's table assigns it.
type Error struct {
	Status      int
	Code        string
	Message     string
	Detail      any `json:"-"`
	UpgradeHint any `json:"-"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

func (e *Error) WithUpgradeHint(hint any) *Error {
	e.UpgradeHint = hint
	return e
}

// Known errors, grouped by spec §7's HTTP-surface table.
var (
	ErrInvalidJSON               = New(http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
	ErrUnsupportedWalletProvider = New(http.StatusBadRequest, "UNSUPPORTED_WALLET_PROVIDER", "unsupported wallet provider")
	ErrOTPRequired               = New(http.StatusBadRequest, "OTP_REQUIRED", "a valid buyer session or email OTP is required")
	ErrApproveForbidden          = New(http.StatusBadRequest, "APPROVE_FORBIDDEN", "approve is not permitted for this run's status")
	ErrWebhookSignatureHeaderInvalid = New(http.StatusBadRequest, "SETTLD_WEBHOOK_SIGNATURE_HEADER_INVALID", "webhook signature header is malformed")
	ErrWebhookRawBodyRequired    = New(http.StatusBadRequest, "SETTLD_WEBHOOK_RAW_BODY_REQUIRED", "raw request body is required for webhook signature verification")
	ErrInvalidAmount             = New(http.StatusBadRequest, "INVALID_AMOUNT", "amount is invalid")
	ErrTenantRequired            = New(http.StatusBadRequest, "TENANT_REQUIRED", "tenant id is required")

	ErrUnauthorized                    = New(http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
	ErrWebhookTimestampOutsideTolerance = New(http.StatusUnauthorized, "SETTLD_WEBHOOK_TIMESTAMP_OUTSIDE_TOLERANCE", "webhook timestamp is outside the allowed tolerance")
	ErrWebhookSignatureNoMatch         = New(http.StatusUnauthorized, "SETTLD_WEBHOOK_SIGNATURE_NO_MATCH", "webhook signature does not match")

	ErrEntitlementLimitExceeded = New(http.StatusForbidden, "ENTITLEMENT_LIMIT_EXCEEDED", "plan entitlement limit exceeded")
	ErrForbidden                = New(http.StatusForbidden, "FORBIDDEN", "forbidden")

	ErrRunNotFound   = New(http.StatusNotFound, "RUN_NOT_FOUND", "run not found")
	ErrTokenNotFound = New(http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found")

	ErrRevoked = New(http.StatusGone, "REVOKED", "token has been revoked")

	ErrDecisionAlreadyRecorded = New(http.StatusConflict, "DECISION_ALREADY_RECORDED", "a decision has already been recorded for this token")
	ErrPrevChainHashMismatch   = New(http.StatusConflict, "PREV_CHAIN_HASH_MISMATCH", "expected previous chain hash does not match")
	ErrProviderMismatch        = New(http.StatusConflict, "PROVIDER_MISMATCH", "replay provider does not match the queued entry's provider")
	ErrPolicyVersionConflict   = New(http.StatusConflict, "POLICY_VERSION_CONFLICT", "policy version conflict")
	ErrReceiptHashMismatch     = New(http.StatusConflict, "RECEIPT_HASH_MISMATCH", "receipt hash does not match")

	ErrQuotaExceeded = New(http.StatusTooManyRequests, "QUOTA_EXCEEDED", "plan quota exceeded")
	ErrRateLimited   = New(http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")

	ErrBootstrapDown = New(http.StatusBadGateway, "BOOTSTRAP_DOWN", "runtime bootstrap upstream is unavailable")
)

// Respond writes err's envelope to the response, following the AbortWith-
// StatusJSON idiom used throughout the teacher's auth middleware. When
// code is RATE_LIMITED and retryAfterSeconds is supplied, both a
// retryAfterSeconds body field and the Retry-After header are set (spec §7).
func Respond(c *gin.Context, err *Error, retryAfterSeconds ...int) {
	body := gin.H{"ok": false, "code": err.Code, "message": err.Message}
	if err.Detail != nil {
		body["detail"] = err.Detail
	}
	if err.UpgradeHint != nil {
		body["upgradeHint"] = err.UpgradeHint
	}
	if err.Code == "RATE_LIMITED" && len(retryAfterSeconds) > 0 {
		body["retryAfterSeconds"] = retryAfterSeconds[0]
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds[0]))
	}
	c.AbortWithStatusJSON(err.Status, body)
}
