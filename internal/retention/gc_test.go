package retention

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/outbox"
	"github.com/settld/magiclink/internal/store"
	"github.com/settld/magiclink/internal/tenant"
	"github.com/settld/magiclink/internal/vault"
	"github.com/settld/magiclink/internal/verify"
)

type fixtureRun struct {
	TenantID  string
	Token     string
	ZipSha256 string
	CreatedAt time.Time
}

// seedRun writes a run record, a dedupe index entry, and a zip artifact
// directly at the paths internal/verify.Pipeline itself would have
// written them at, so the GC sweep under test never needs a live
// verifier to produce fixtures.
func seedRun(t *testing.T, fs *store.FileStore, v *vault.Vault, r fixtureRun) verify.Run {
	t.Helper()
	run := verify.Run{
		Token:     r.Token,
		TenantID:  r.TenantID,
		ZipSha256: r.ZipSha256,
		Status:    verify.StatusGreen,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
	}
	raw, err := json.Marshal(run)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Put("runs/"+r.TenantID+"/"+r.Token+".json", raw); err != nil {
		t.Fatal(err)
	}
	if err := fs.Put("index/"+r.TenantID+"/"+r.ZipSha256+".json", []byte(`{"token":"`+r.Token+`"}`)); err != nil {
		t.Fatal(err)
	}
	if err := v.PutTenantID(r.Token, r.TenantID); err != nil {
		t.Fatal(err)
	}
	if err := v.Put(r.Token, vault.ArtifactZip, []byte("fake-zip-bytes")); err != nil {
		t.Fatal(err)
	}
	return run
}

func newTestGC(t *testing.T) (*GC, *store.FileStore, *tenant.Store, *vault.Vault, *verify.Pipeline, *outbox.Engine) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := coord.Local()
	tenants := tenant.New(fs, c)
	v := vault.New(fs, []byte("summary-key-0123456789"), "https://ml.example.com")
	pipeline := verify.NewPipeline(fs, v, tenants, nil, nil)
	webhookEngine := outbox.NewEngine(fs, c, &outbox.FixtureDeliverer{}, outbox.DefaultBackoffConfig(), "", "")

	gc := New(tenants, pipeline, []*outbox.Engine{webhookEngine}, zap.NewNop())
	return gc, fs, tenants, v, pipeline, webhookEngine
}

func TestRunOnce_PurgesArtifactsPastRetentionButKeepsRunRecord(t *testing.T) {
	gc, fs, tenants, v, pipeline, _ := newTestGC(t)

	if _, err := tenants.PutSettings("tenant_a", []byte(`{"retentionDays":30}`)); err != nil {
		t.Fatal(err)
	}
	run := seedRun(t, fs, v, fixtureRun{
		TenantID:  "tenant_a",
		Token:     "ml_old",
		ZipSha256: "deadbeef",
		CreatedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	})
	_ = run

	result, err := gc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.RunsExpired != 1 {
		t.Fatalf("expected 1 run expired, got %+v", result)
	}

	if _, err := v.Get("ml_old", vault.ArtifactZip); err == nil {
		t.Fatal("expected artifact to be purged")
	}
	if fs.Exists("index/tenant_a/deadbeef.json") {
		t.Fatal("expected dedupe index to be purged")
	}

	runs, err := pipeline.ListRuns("tenant_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected run record preserved, got %d runs", len(runs))
	}
}

func TestRunOnce_LeavesRunsWithinRetentionUntouched(t *testing.T) {
	gc, fs, tenants, v, _, _ := newTestGC(t)

	if _, err := tenants.PutSettings("tenant_a", []byte(`{"retentionDays":90}`)); err != nil {
		t.Fatal(err)
	}
	seedRun(t, fs, v, fixtureRun{
		TenantID:  "tenant_a",
		Token:     "ml_fresh",
		ZipSha256: "cafef00d",
		CreatedAt: time.Now().UTC().Add(-1 * time.Hour),
	})

	result, err := gc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.RunsExpired != 0 {
		t.Fatalf("expected 0 runs expired, got %+v", result)
	}
	if _, err := v.Get("ml_fresh", vault.ArtifactZip); err != nil {
		t.Fatalf("expected artifact to survive, got %v", err)
	}
}

func TestRunOnce_SkipsTenantsWithRetentionDisabled(t *testing.T) {
	gc, fs, tenants, v, _, _ := newTestGC(t)

	if _, err := tenants.PutSettings("tenant_a", []byte(`{"retentionDays":0}`)); err != nil {
		t.Fatal(err)
	}
	seedRun(t, fs, v, fixtureRun{
		TenantID:  "tenant_a",
		Token:     "ml_ancient",
		ZipSha256: "0ld0ld0ld",
		CreatedAt: time.Now().UTC().Add(-365 * 24 * time.Hour),
	})

	result, err := gc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.RunsExpired != 0 {
		t.Fatalf("expected retentionDays=0 to disable sweeping, got %+v", result)
	}
}

func TestRunOnce_PurgesMatchingOutboxEntries(t *testing.T) {
	gc, fs, tenants, v, _, webhookEngine := newTestGC(t)

	if _, err := tenants.PutSettings("tenant_a", []byte(`{"retentionDays":30}`)); err != nil {
		t.Fatal(err)
	}
	seedRun(t, fs, v, fixtureRun{
		TenantID:  "tenant_a",
		Token:     "ml_old",
		ZipSha256: "deadbeef",
		CreatedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
	})
	if _, err := webhookEngine.Enqueue(outbox.Entry{
		TenantID:       "tenant_a",
		Token:          "ml_old",
		Provider:       outbox.ProviderWebhook,
		Event:          "verification.completed",
		URL:            "https://tenant.example.com/hook",
		BodyCanonical:  []byte(`{}`),
		IdempotencyKey: "idem-1",
		DeliveryMode:   outbox.ModeRecord,
	}, time.Now()); err != nil {
		t.Fatal(err)
	}

	result, err := gc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.OutboxEntriesPurged != 1 {
		t.Fatalf("expected 1 outbox entry purged, got %+v", result)
	}
	pending, err := webhookEngine.ListPending("tenant_a", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected pending entry purged, got %v", pending)
	}
}

func TestRun_TicksUntilContextCancelled(t *testing.T) {
	gc, _, _, _, _, _ := newTestGC(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gc.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
