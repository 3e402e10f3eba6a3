package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// SignHeaders computes the x-settld-timestamp/x-settld-signature header
// pair for body signed with secret, per spec.md §4.6 step 1:
// v1=<hex(hmac(secret, ts + "." + body))>.
func SignHeaders(secret string, body []byte, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	return map[string]string{
		"x-settld-timestamp": ts,
		"x-settld-signature": "v1=" + sig,
	}
}

// VerifySignature recomputes the HMAC for body at the given timestamp and
// compares against the provided "v1=<hex>" signature header value using a
// constant-time comparison.
func VerifySignature(secret string, body []byte, timestamp, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	want := "v1=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// WithinTolerance reports whether timestamp (unix seconds, as a string)
// is within tolerance of now — used by the inbound webhook verification
// middleware (spec.md §4.6).
func WithinTolerance(timestamp string, now time.Time, tolerance time.Duration) (bool, error) {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false, fmt.Errorf("outbox: parse timestamp: %w", err)
	}
	ts := time.Unix(sec, 0)
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance, nil
}
