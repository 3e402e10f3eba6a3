package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
)

// apiKeyMiddleware validates the operator API key, the same
// `Authorization: Bearer <token>` convention the teacher's auth.Middleware
// uses for the wallet-signature header, generalized to a static shared
// secret (spec.md §6's single MAGIC_LINK_API_KEY).
func (d *Deps) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !bearerMatches(c.GetHeader("Authorization"), d.APIKey) {
			apierr.Respond(c, apierr.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// ingestKeyMiddleware validates the per-tenant ingest key sealed on the
// tenant record, for POST /v1/ingest/:tenantId.
func (d *Deps) ingestKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		t, err := d.Tenants.GetTenant(tenantID)
		if err != nil {
			apierr.Respond(c, apierr.ErrUnauthorized)
			return
		}
		if t.IngestKeySealed == "" {
			apierr.Respond(c, apierr.ErrUnauthorized)
			return
		}
		raw, err := d.Sealer.Open(t.IngestKeySealed)
		if err != nil {
			apierr.Respond(c, apierr.ErrUnauthorized)
			return
		}
		if !bearerMatches(c.GetHeader("Authorization"), string(raw)) {
			apierr.Respond(c, apierr.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerMatches(header, want string) bool {
	if want == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimPrefix(header, prefix) == want
}

// rateLimit enforces one of the tenant's per-verb hourly caps, writing the
// 429 RATE_LIMITED envelope (with Retry-After) itself and returning false
// when the caller should stop handling the request.
func (d *Deps) rateLimit(c *gin.Context, tenantID, verb string, limit int) bool {
	if limit <= 0 {
		return true
	}
	res, err := d.Limiter.Allow(tenantID, verb, limit, d.now())
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return false
	}
	if !res.Allowed {
		apierr.Respond(c, apierr.ErrRateLimited, res.RetryAfterSeconds)
		return false
	}
	return true
}
