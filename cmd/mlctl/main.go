// cmd/mlctl is the operator CLI: thin wrappers over the same internal
// packages the HTTP handlers call, for operators who prefer a terminal to
// curling /v1 (spec.md's cmd/mlctl, analogous to the teacher's
// cmd/checkbal / cmd/setup single-purpose tools generalized into one
// subcommand dispatcher).
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/settld/magiclink/internal/config"
	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/entitlements"
	"github.com/settld/magiclink/internal/exportpkg"
	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("config load: %v", err)
	}
	fs, err := store.NewFileStore(cfg.Server.DataDir)
	if err != nil {
		fatalf("file store init: %v", err)
	}
	c := coord.Local()
	tenants := tenant.New(fs, c)

	switch os.Args[1] {
	case "tenant":
		runTenant(os.Args[2:], tenants, cfg)
	case "outbox":
		runOutbox(os.Args[2:], fs, c, cfg)
	case "usage":
		runUsage(os.Args[2:], tenants)
	case "audit-packet":
		runAuditPacket(os.Args[2:], fs, c, cfg)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `mlctl: magiclink operator CLI

Usage:
  mlctl tenant create --contact-email <email> [--plan free|builder|growth|scale|enterprise]
  mlctl outbox replay --tenant <tenantId> --queue webhook|payment-trigger --token <token>
  mlctl usage show --tenant <tenantId> [--month yyyy-mm]
  mlctl audit-packet build --tenant <tenantId> --month yyyy-mm --out <path>`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "mlctl: "+format+"\n", args...)
	os.Exit(1)
}

func runTenant(args []string, tenants *tenant.Store, cfg *config.Config) {
	if len(args) == 0 || args[0] != "create" {
		fatalf("usage: mlctl tenant create --contact-email <email> [--plan <plan>]")
	}
	fs := flag.NewFlagSet("tenant create", flag.ExitOnError)
	contactEmail := fs.String("contact-email", "", "tenant contact email")
	billingEmail := fs.String("billing-email", "", "tenant billing email")
	plan := fs.String("plan", string(tenant.PlanFree), "subscription plan")
	fs.Parse(args[1:])

	sealKey, err := parseSealKey(cfg.Vault.SettingsKeyHex)
	if err != nil {
		fatalf("invalid MAGIC_LINK_SETTINGS_KEY_HEX: %v", err)
	}
	sealer := vault.NewSealer(sealKey)

	ingestKey, err := generateIngestKey()
	if err != nil {
		fatalf("generate ingest key: %v", err)
	}
	sealed, err := sealer.Seal([]byte(ingestKey))
	if err != nil {
		fatalf("seal ingest key: %v", err)
	}

	tenantID, err := randomHex(16)
	if err != nil {
		fatalf("mint tenant id: %v", err)
	}
	t := tenant.Tenant{
		TenantID:        "tn_" + tenantID,
		Plan:            tenant.Plan(*plan),
		ContactEmail:    *contactEmail,
		BillingEmail:    *billingEmail,
		Status:          tenant.StatusActive,
		CreatedAt:       time.Now().UTC(),
		IngestKeySealed: sealed,
	}
	if err := tenants.PutTenant(t); err != nil {
		fatalf("create tenant: %v", err)
	}
	fmt.Printf("tenantId:  %s\n", t.TenantID)
	fmt.Printf("ingestKey: %s (store this now, it is not recoverable)\n", ingestKey)
}

func runOutbox(args []string, fs *store.FileStore, c coord.Coordinator, cfg *config.Config) {
	if len(args) == 0 || args[0] != "replay" {
		fatalf("usage: mlctl outbox replay --tenant <id> --queue webhook|payment-trigger --token <token>")
	}
	fset := flag.NewFlagSet("outbox replay", flag.ExitOnError)
	tenantID := fset.String("tenant", "", "tenant id")
	queue := fset.String("queue", "webhook", "webhook|payment-trigger")
	token := fset.String("token", "", "verification token of the entry to replay")
	resetAttempts := fset.Bool("reset-attempts", true, "reset the attempt counter on replay")
	fset.Parse(args[1:])

	if *tenantID == "" || *token == "" {
		fatalf("both --tenant and --token are required")
	}
	var provider outbox.Provider
	switch *queue {
	case "webhook":
		provider = outbox.ProviderWebhook
	case "payment-trigger":
		provider = outbox.ProviderPaymentTrigger
	default:
		fatalf("unknown --queue %q (want webhook or payment-trigger)", *queue)
	}

	deliverer := outbox.NewHTTPDeliverer(time.Duration(cfg.Webhook.TimeoutMS) * time.Millisecond)
	engine := outbox.NewEngine(fs, c, deliverer, outbox.DefaultBackoffConfig(), cfg.Webhook.DeadLetterAlertURL, cfg.Webhook.DeadLetterAlertSecret)

	entries, err := engine.ListDeadLetter(*tenantID, provider)
	if err != nil {
		fatalf("list dead letter: %v", err)
	}
	var match *outbox.Entry
	for i := range entries {
		if entries[i].Token == *token {
			match = &entries[i]
			break
		}
	}
	if match == nil {
		fatalf("no dead-lettered %s entry for token %s", *queue, *token)
	}

	entry, err := engine.Replay(*tenantID, *token, match.IdempotencyKey, outbox.ReplayOptions{
		Provider:      provider,
		ResetAttempts: *resetAttempts,
	}, time.Now())
	if err != nil {
		fatalf("replay: %v", err)
	}
	fmt.Printf("replayed entryId=%s state=%s attempts=%d\n", entry.EntryID, entry.State, entry.AttemptCount)
}

func runUsage(args []string, tenants *tenant.Store) {
	if len(args) == 0 || args[0] != "show" {
		fatalf("usage: mlctl usage show --tenant <id> [--month yyyy-mm]")
	}
	fs := flag.NewFlagSet("usage show", flag.ExitOnError)
	tenantID := fs.String("tenant", "", "tenant id")
	month := fs.String("month", time.Now().UTC().Format("2006-01"), "billing month, yyyy-mm")
	fs.Parse(args[1:])

	if *tenantID == "" {
		fatalf("--tenant is required")
	}
	t, err := tenants.GetTenant(*tenantID)
	if err != nil {
		fatalf("get tenant: %v", err)
	}
	usage, err := tenants.GetUsage(*tenantID, *month)
	if err != nil {
		fatalf("get usage: %v", err)
	}
	denial := entitlements.CheckVerificationsPerMonth(t.Plan, usage.VerificationRuns)

	fmt.Printf("tenant:             %s (plan=%s)\n", *tenantID, t.Plan)
	fmt.Printf("month:              %s\n", *month)
	fmt.Printf("verificationRuns:   %d\n", usage.VerificationRuns)
	fmt.Printf("uploadedBytes:      %d\n", usage.UploadedBytes)
	if denial != nil {
		fmt.Printf("status:             OVER QUOTA (limit=%d, suggested plans: %v)\n", denial.Limit, denial.SuggestedPlans)
	} else {
		fmt.Printf("status:             within quota\n")
	}
}

func runAuditPacket(args []string, fs *store.FileStore, c coord.Coordinator, cfg *config.Config) {
	if len(args) == 0 || args[0] != "build" {
		fatalf("usage: mlctl audit-packet build --tenant <id> --month yyyy-mm --out <path>")
	}
	fset := flag.NewFlagSet("audit-packet build", flag.ExitOnError)
	tenantID := fset.String("tenant", "", "tenant id")
	month := fset.String("month", time.Now().UTC().Format("2006-01"), "billing month, yyyy-mm")
	out := fset.String("out", "audit-packet.zip", "output zip path")
	fset.Parse(args[1:])

	if *tenantID == "" {
		fatalf("--tenant is required")
	}

	sealKey, err := parseSealKey(cfg.Vault.SettingsKeyHex)
	if err != nil {
		fatalf("invalid MAGIC_LINK_SETTINGS_KEY_HEX: %v", err)
	}
	tenants := tenant.New(fs, c)
	v := vault.New(fs, sealKey[:], "")
	pipeline := verify.NewPipeline(fs, v, tenants, nil, nil)
	outboxEngine := outbox.NewEngine(fs, c, &outbox.FixtureDeliverer{}, outbox.DefaultBackoffConfig(), "", "")

	allRuns, err := pipeline.ListRuns(*tenantID)
	if err != nil {
		fatalf("list runs: %v", err)
	}
	var runs []verify.Run
	for _, r := range allRuns {
		if strings.HasPrefix(r.CreatedAt, *month) {
			runs = append(runs, r)
		}
	}

	webhookRecords := map[string][]byte{}
	pending, err := outboxEngine.ListPending(*tenantID, outbox.ProviderWebhook)
	if err == nil {
		for _, e := range pending {
			webhookRecords[e.EntryID] = e.BodyCanonical
		}
	}

	packet, err := exportpkg.BuildMonthlyAuditPacket(*tenantID, *month, runs, webhookRecords)
	if err != nil {
		fatalf("build audit packet: %v", err)
	}
	if err := os.WriteFile(*out, packet, 0o644); err != nil {
		fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("wrote %s (%d bytes, %d runs in %s)\n", *out, len(packet), len(runs), *month)
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

func generateIngestKey() (string, error) {
	raw, err := randomHex(24)
	if err != nil {
		return "", err
	}
	return "igk_" + raw, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
