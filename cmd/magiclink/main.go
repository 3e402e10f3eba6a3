package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/settld/magiclink/internal/autopay"
	"github.com/settld/magiclink/internal/billing"
	"github.com/settld/magiclink/internal/config"
	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/decision"
	"github.com/settld/magiclink/internal/exportpkg"
	"github.com/settld/magiclink/internal/harness"
	"github.com/settld/magiclink/internal/httpapi"
	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/ratelimit"
	"github.com/settld/magiclink/internal/retention"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
	"github.com/settld/magiclink/internal/wiring"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Coordinator ───────────────────────────────────────────────────────────
	// Redis-backed when MAGIC_LINK_REDIS_ADDR is set, an in-process
	// coordinator otherwise (single-instance deployments don't need Redis
	// for idempotency claims/counters).
	var c coord.Coordinator
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		c = coord.NewRedis(rdb)
	} else {
		c = coord.Local()
		log.Warn("MAGIC_LINK_REDIS_ADDR not set, running with in-process coordinator")
	}

	// ── Persistence substrate ─────────────────────────────────────────────────
	fs, err := store.NewFileStore(cfg.Server.DataDir)
	if err != nil {
		log.Fatal("file store init failed", zap.Error(err))
	}

	sealKey, err := parseSealKey(cfg.Vault.SettingsKeyHex)
	if err != nil {
		log.Fatal("invalid MAGIC_LINK_SETTINGS_KEY_HEX", zap.Error(err))
	}
	sealer := vault.NewSealer(sealKey)
	v := vault.New(fs, sealKey[:], publicBaseURL(cfg))

	tenants := tenant.New(fs, c)

	// ── Outbox engines ────────────────────────────────────────────────────────
	// Webhook deliveries and payment-trigger deliveries are kept on separate
	// queues (separate dead-letter alert channels, separate replay surfaces)
	// even though both share the same Deliverer/BackoffConfig shape.
	backoff := outbox.BackoffConfig{
		BaseDelay:   time.Duration(cfg.Webhook.RetryBackoffMS) * time.Millisecond,
		Cap:         8,
		MaxAttempts: 10,
	}
	deliverer := outbox.NewHTTPDeliverer(time.Duration(cfg.Webhook.TimeoutMS) * time.Millisecond)
	webhookEngine := outbox.NewEngine(fs, c, deliverer, backoff, cfg.Webhook.DeadLetterAlertURL, cfg.Webhook.DeadLetterAlertSecret)
	paymentEngine := outbox.NewEngine(fs, c, deliverer, backoff, cfg.Webhook.DeadLetterAlertURL, cfg.Webhook.DeadLetterAlertSecret)

	decisionEngine := decision.NewEngine(fs, c, nil)
	effects := wiring.New(tenants, webhookEngine, v, sealer, decisionEngine)
	decisionEngineWithEffects := decision.NewEngine(fs, c, effects)

	verifier := verify.NewCLIVerifier("settld-verify", time.Duration(cfg.Upload.VerifyTimeoutMS)*time.Millisecond)
	pipeline := verify.NewPipeline(fs, v, tenants, verifier, effects)

	limiter := ratelimit.New(fs)

	prices, err := parseStripePriceIDs(cfg.Billing.StripePriceIDsJSON)
	if err != nil {
		log.Fatal("invalid MAGIC_LINK_BILLING_STRIPE_PRICE_IDS_JSON", zap.Error(err))
	}
	billingClient := billing.NewClient(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret, prices)
	autopayClient := autopay.New(nil)

	deps := &httpapi.Deps{
		Tenants:      tenants,
		Pipeline:     pipeline,
		Vault:        v,
		Sealer:       sealer,
		Decide:       decisionEngineWithEffects,
		WebhookRetry: webhookEngine,
		PaymentRetry: paymentEngine,
		Limiter:      limiter,
		Billing:      billingClient,
		Autopay:      autopayClient,
		FS:           fs,
		OpsBaseURL:   cfg.Ops.BaseURL,
		OpsToken:     cfg.Ops.Token,
		OpsProtocol:  cfg.Ops.Protocol,
		HarnessPoll:  harness.DefaultPollConfig(),
		// The ops API and this service's own inbound webhook verifier share
		// no separate secret config knob; the ops token already authenticates
		// every outbound call this service makes to that API, so it doubles
		// as the HMAC secret the ops API signs its callbacks with.
		SettldWebhookSecret: cfg.Ops.Token,
		APIKey:              cfg.Server.APIKey,
		Log:                 log,
	}

	// ── Outbox retry loops ────────────────────────────────────────────────────
	retryInterval := time.Duration(cfg.Webhook.RetryIntervalMS) * time.Millisecond
	go runRetryLoop(ctx, "webhook", webhookEngine, retryInterval, log)
	go runRetryLoop(ctx, "payment-trigger", paymentEngine, retryInterval, log)

	// ── Retention GC ──────────────────────────────────────────────────────────
	gc := retention.New(tenants, pipeline, []*outbox.Engine{webhookEngine, paymentEngine}, log)
	go gc.Run(ctx, time.Duration(cfg.Retention.SweepIntervalMS)*time.Millisecond)

	// ── Archive exporter ──────────────────────────────────────────────────────
	archiver := exportpkg.NewArchiveExporter(tenants, pipeline, deliverer, fs, log)
	go archiver.Run(ctx, time.Duration(cfg.Archive.ExportIntervalMS)*time.Millisecond)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := httpapi.NewRouter(deps)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// parseStripePriceIDs decodes MAGIC_LINK_BILLING_STRIPE_PRICE_IDS_JSON, a
// plan -> Stripe price id map, the same shape
// SETTLD_TRUSTED_GOVERNANCE_ROOT_KEYS_JSON uses for its own JSON-env-var map.
func parseStripePriceIDs(raw string) (billing.PriceIDs, error) {
	prices := billing.PriceIDs{}
	if raw == "" {
		return prices, nil
	}
	var decoded map[tenant.Plan]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	for plan, id := range decoded {
		prices[plan] = id
	}
	return prices, nil
}

func parseSealKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func publicBaseURL(cfg *config.Config) string {
	if cfg.Server.Host == "0.0.0.0" || cfg.Server.Host == "" {
		return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	return fmt.Sprintf("https://%s", cfg.Server.Host)
}

// runRetryLoop ticks engine.RunOnce on interval until ctx is cancelled,
// mirroring the teacher's billing.RunGenerator's ticker-driven shape.
func runRetryLoop(ctx context.Context, name string, engine *outbox.Engine, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			delivered, deadLettered, err := engine.RunOnce(ctx, time.Now())
			if err != nil {
				log.Error("outbox retry loop error", zap.String("queue", name), zap.Error(err))
				continue
			}
			if delivered > 0 || deadLettered > 0 {
				log.Info("outbox retry loop tick",
					zap.String("queue", name),
					zap.Int("delivered", delivered),
					zap.Int("deadLettered", deadLettered))
			}
		}
	}
}
