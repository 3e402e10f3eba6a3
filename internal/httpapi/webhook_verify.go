package httpapi

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/outbox"
)

const settldWebhookTolerance = 5 * time.Minute

// settldWebhookMiddleware verifies an inbound Settld-signed webhook
// (spec.md §4.6's "webhook signature verification, middleware mode"):
// raw body bytes plus x-settld-timestamp/x-settld-signature headers,
// HMAC'd with secret. A missing/malformed header, an out-of-tolerance
// timestamp, and a mismatched signature are distinguished so the caller
// gets a diagnosable error rather than one generic 401.
func settldWebhookMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil {
			apierr.Respond(c, apierr.ErrWebhookRawBodyRequired)
			c.Abort()
			return
		}
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierr.Respond(c, apierr.ErrWebhookRawBodyRequired)
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		ts := c.GetHeader("x-settld-timestamp")
		sig := c.GetHeader("x-settld-signature")
		if ts == "" || sig == "" {
			apierr.Respond(c, apierr.ErrWebhookSignatureHeaderInvalid)
			c.Abort()
			return
		}

		within, err := outbox.WithinTolerance(ts, time.Now(), settldWebhookTolerance)
		if err != nil {
			apierr.Respond(c, apierr.ErrWebhookSignatureHeaderInvalid)
			c.Abort()
			return
		}
		if !within {
			apierr.Respond(c, apierr.ErrWebhookTimestampOutsideTolerance)
			c.Abort()
			return
		}

		if !outbox.VerifySignature(secret, raw, ts, sig) {
			apierr.Respond(c, apierr.ErrWebhookSignatureNoMatch)
			c.Abort()
			return
		}
		c.Next()
	}
}
