package exportpkg

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
	"github.com/settld/magiclink/internal/verify"
)

type fixtureRunLister struct {
	runs map[string][]verify.Run
}

func (f *fixtureRunLister) ListRuns(tenantID string) ([]verify.Run, error) {
	return f.runs[tenantID], nil
}

func newTestExporter(t *testing.T, runs map[string][]verify.Run, d outbox.Deliverer) (*ArchiveExporter, *store.FileStore, *tenant.Store) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tenants := tenant.New(fs, coord.Local())
	exporter := NewArchiveExporter(tenants, &fixtureRunLister{runs: runs}, d, fs, zap.NewNop())
	return exporter, fs, tenants
}

func TestRunOnce_WritesRecordMarkerWhenNoSinkConfigured(t *testing.T) {
	now := time.Now().UTC()
	month := now.Format("2006-01")
	runs := map[string][]verify.Run{
		"tenant_a": {{Token: "ml_a", TenantID: "tenant_a", CreatedAt: now.Format(time.RFC3339)}},
	}
	exporter, fs, tenants := newTestExporter(t, runs, &outbox.FixtureDeliverer{})
	if err := tenants.PutTenant(tenant.Tenant{TenantID: "tenant_a"}); err != nil {
		t.Fatal(err)
	}

	result, err := exporter.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.PacketsBuilt != 1 {
		t.Fatalf("expected 1 packet built, got %+v", result)
	}

	raw, err := fs.Get("archive_markers/tenant_a_" + month + ".json")
	if err != nil {
		t.Fatalf("expected marker written, got %v", err)
	}
	var marker archiveMarker
	if err := json.Unmarshal(raw, &marker); err != nil {
		t.Fatal(err)
	}
	if marker.DeliveryMode != "record" {
		t.Fatalf("expected record delivery mode, got %q", marker.DeliveryMode)
	}
}

func TestRunOnce_PostsToSinkWhenConfigured(t *testing.T) {
	now := time.Now().UTC()
	runs := map[string][]verify.Run{
		"tenant_a": {{Token: "ml_a", TenantID: "tenant_a", CreatedAt: now.Format(time.RFC3339)}},
	}
	deliverer := &outbox.FixtureDeliverer{}
	exporter, _, tenants := newTestExporter(t, runs, deliverer)
	if err := tenants.PutTenant(tenant.Tenant{TenantID: "tenant_a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tenants.PutSettings("tenant_a", []byte(`{"archiveExportSink":"https://archive.example.com/sink"}`)); err != nil {
		t.Fatal(err)
	}

	result, err := exporter.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.DeliveryFailed != 0 {
		t.Fatalf("expected no delivery failures, got %+v", result)
	}
	if len(deliverer.Calls) != 1 {
		t.Fatalf("expected 1 delivery call, got %d", len(deliverer.Calls))
	}
	if deliverer.Calls[0].URL != "https://archive.example.com/sink" {
		t.Fatalf("expected sink url, got %q", deliverer.Calls[0].URL)
	}
}

func TestRunOnce_SkipsTenantsWithNoRunsThisMonth(t *testing.T) {
	exporter, _, tenants := newTestExporter(t, map[string][]verify.Run{}, &outbox.FixtureDeliverer{})
	if err := tenants.PutTenant(tenant.Tenant{TenantID: "tenant_a"}); err != nil {
		t.Fatal(err)
	}

	result, err := exporter.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.PacketsBuilt != 0 {
		t.Fatalf("expected 0 packets built, got %+v", result)
	}
}

func TestRun_TicksUntilContextCancelled(t *testing.T) {
	exporter, _, _ := newTestExporter(t, map[string][]verify.Run{}, &outbox.FixtureDeliverer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		exporter.Run(ctx, 5*time.Millisecond)
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
