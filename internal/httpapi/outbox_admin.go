package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/settld/magiclink/internal/apierr"
	"github.com/settld/magiclink/internal/outbox"
)

func (d *Deps) registerOutboxAdminRoutes(rg *gin.RouterGroup) {
	scoped := rg.Group("/tenants/:id", d.apiKeyMiddleware())
	d.registerRetryRoutes(scoped, "webhook-retries", d.WebhookRetry)
	d.registerRetryRoutes(scoped, "payment-trigger-retries", d.PaymentRetry)
}

func (d *Deps) registerRetryRoutes(rg *gin.RouterGroup, prefix string, engine *outbox.Engine) {
	rg.GET("/"+prefix, func(c *gin.Context) { d.handleListRetries(c, engine) })
	rg.POST("/"+prefix+"/run-once", func(c *gin.Context) { d.handleRunOnce(c, engine) })
	rg.POST("/"+prefix+"/:token/replay", func(c *gin.Context) { d.handleReplay(c, engine, c.Param("token")) })
	rg.POST("/"+prefix+"/replay-latest", func(c *gin.Context) { d.handleReplayLatest(c, engine) })
}

func (d *Deps) handleListRetries(c *gin.Context, engine *outbox.Engine) {
	tenantID := c.Param("id")
	state := c.Query("state")
	var (
		entries []outbox.Entry
		err     error
	)
	if state == "dead-letter" {
		entries, err = engine.ListDeadLetter(tenantID, outbox.Provider(c.Query("provider")))
	} else {
		entries, err = engine.ListPending(tenantID, outbox.Provider(c.Query("provider")))
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (d *Deps) handleRunOnce(c *gin.Context, engine *outbox.Engine) {
	delivered, deadLettered, err := engine.RunOnce(c.Request.Context(), d.now())
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered, "deadLettered": deadLettered})
}

type replayRequestBody struct {
	IdempotencyKey     string `json:"idempotencyKey"`
	Provider           string `json:"provider"`
	ResetAttempts      bool   `json:"resetAttempts"`
	UseCurrentSettings bool   `json:"useCurrentSettings"`
	CurrentURL         string `json:"currentUrl"`
	CurrentSecret      string `json:"currentSecret"`
}

func (d *Deps) handleReplay(c *gin.Context, engine *outbox.Engine, token string) {
	var body replayRequestBody
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		apierr.Respond(c, apierr.ErrInvalidJSON)
		return
	}
	entry, err := engine.Replay(c.Param("id"), token, body.IdempotencyKey, outbox.ReplayOptions{
		Provider:           outbox.Provider(body.Provider),
		ResetAttempts:      body.ResetAttempts,
		UseCurrentSettings: body.UseCurrentSettings,
		CurrentURL:         body.CurrentURL,
		CurrentSecret:      body.CurrentSecret,
	}, d.now())
	if err == outbox.ErrProviderMismatch {
		apierr.Respond(c, apierr.ErrProviderMismatch)
		return
	}
	if err == outbox.ErrNotFound {
		apierr.Respond(c, apierr.New(http.StatusNotFound, "OUTBOX_ENTRY_NOT_FOUND", "no matching outbox entry"))
		return
	}
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleReplayLatest replays the most recently dead-lettered entry for the
// given provider — an operator convenience over handleReplay that doesn't
// require knowing the failing token up front.
func (d *Deps) handleReplayLatest(c *gin.Context, engine *outbox.Engine) {
	provider := c.Query("provider")
	entries, err := engine.ListDeadLetter(c.Param("id"), outbox.Provider(provider))
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	if len(entries) == 0 {
		apierr.Respond(c, apierr.New(http.StatusNotFound, "OUTBOX_ENTRY_NOT_FOUND", "no dead-lettered entries for this provider"))
		return
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.DeadLetterEmittedAt != nil && (latest.DeadLetterEmittedAt == nil || e.DeadLetterEmittedAt.After(*latest.DeadLetterEmittedAt)) {
			latest = e
		}
	}
	entry, err := engine.Replay(c.Param("id"), latest.Token, latest.IdempotencyKey, outbox.ReplayOptions{Provider: latest.Provider}, d.now())
	if err != nil {
		apierr.Respond(c, apierr.New(500, "INTERNAL", err.Error()))
		return
	}
	c.JSON(http.StatusOK, entry)
}
