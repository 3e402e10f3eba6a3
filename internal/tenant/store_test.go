package tenant

import (
	"testing"
	"time"

	"github.com/settld/magiclink/internal/coord"
	"github.com/settld/magiclink/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(fs, coord.Local())
}

func TestGetSettings_DefaultsWhenMissing(t *testing.T) {
	s := newTestStore(t)
	settings, err := s.GetSettings("tenant_a")
	if err != nil {
		t.Fatal(err)
	}
	if settings.DefaultMode != "strict" {
		t.Fatalf("expected default mode strict, got %q", settings.DefaultMode)
	}
}

func TestPutSettings_MergesAndPersists(t *testing.T) {
	s := newTestStore(t)
	merged, err := s.PutSettings("tenant_a", []byte(`{"defaultMode":"compat"}`))
	if err != nil {
		t.Fatal(err)
	}
	if merged.DefaultMode != "compat" {
		t.Fatalf("expected compat, got %q", merged.DefaultMode)
	}
	reloaded, err := s.GetSettings("tenant_a")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.DefaultMode != "compat" {
		t.Fatalf("expected persisted compat, got %q", reloaded.DefaultMode)
	}
}

func TestPutSettings_RejectsInvalidMode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutSettings("tenant_a", []byte(`{"defaultMode":"bogus"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBumpUsage_CrossesThresholdOnce(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	var gotAlerts []ThresholdAlert
	for i := 0; i < 10; i++ {
		_, alerts, err := s.BumpUsage("tenant_a", "2026-07", 100, 10, now)
		if err != nil {
			t.Fatal(err)
		}
		gotAlerts = append(gotAlerts, alerts...)
	}
	// maxPerMonth=10: 8th run crosses 80%, 10th crosses 100%.
	if len(gotAlerts) != 2 {
		t.Fatalf("expected exactly 2 threshold alerts, got %d: %+v", len(gotAlerts), gotAlerts)
	}
	if gotAlerts[0].ThresholdPC != 80 || gotAlerts[1].ThresholdPC != 100 {
		t.Fatalf("unexpected alert order: %+v", gotAlerts)
	}
}

func TestBumpUsage_DoesNotReemitOnRepeatedCrossing(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	// Drive usage well past 100% repeatedly and ensure each threshold
	// fires exactly once total.
	var total []ThresholdAlert
	for i := 0; i < 20; i++ {
		_, alerts, err := s.BumpUsage("tenant_a", "2026-07", 1, 10, now)
		if err != nil {
			t.Fatal(err)
		}
		total = append(total, alerts...)
	}
	count80, count100 := 0, 0
	for _, a := range total {
		if a.ThresholdPC == 80 {
			count80++
		}
		if a.ThresholdPC == 100 {
			count100++
		}
	}
	if count80 != 1 || count100 != 1 {
		t.Fatalf("expected each threshold exactly once, got 80%%=%d 100%%=%d", count80, count100)
	}
}

func TestGetTenant_DefaultsToPending(t *testing.T) {
	s := newTestStore(t)
	tn, err := s.GetTenant("tenant_new")
	if err != nil {
		t.Fatal(err)
	}
	if tn.Status != StatusPending || tn.Plan != PlanFree {
		t.Fatalf("unexpected defaults: %+v", tn)
	}
}

func TestListTenantIDs_ReturnsAllCreatedTenants(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutTenant(Tenant{TenantID: "tn_a", Plan: PlanFree, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutTenant(Tenant{TenantID: "tn_b", Plan: PlanFree, Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	ids, err := s.ListTenantIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tenant ids, got %v", ids)
	}
}

func TestListTenantIDs_EmptyWhenNoTenantsCreated(t *testing.T) {
	s := newTestStore(t)
	ids, err := s.ListTenantIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty, got %v", ids)
	}
}
