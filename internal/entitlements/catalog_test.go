package entitlements

import (
	"testing"

	"github.com/settld/magiclink/internal/tenant"
)

func TestCatalog_HardMinima(t *testing.T) {
	free := ForPlan(tenant.PlanFree)
	if free.MaxVerificationsPerMonth != 100 {
		t.Fatalf("free plan monthly verifications: got %d want 100", free.MaxVerificationsPerMonth)
	}
	if free.MaxIntegrations != 5 {
		t.Fatalf("free plan integrations: got %d want 5", free.MaxIntegrations)
	}
	if free.MaxPolicyVersions != 10 {
		t.Fatalf("free plan policy versions: got %d want 10", free.MaxPolicyVersions)
	}

	growth := ForPlan(tenant.PlanGrowth)
	if growth.MaxVerificationsPerMonth != 100000 {
		t.Fatalf("growth plan monthly verifications: got %d want 100000", growth.MaxVerificationsPerMonth)
	}
	if growth.SubscriptionCents != 59900 {
		t.Fatalf("growth subscription cents: got %d want 59900", growth.SubscriptionCents)
	}
	if growth.PriceCentsPerVerification != 0.7 {
		t.Fatalf("growth price per verification: got %v want 0.7", growth.PriceCentsPerVerification)
	}

	builder := ForPlan(tenant.PlanBuilder)
	if builder.SubscriptionCents != 9900 {
		t.Fatalf("builder subscription cents: got %d want 9900", builder.SubscriptionCents)
	}
}

func TestCheckVerificationsPerMonth_BlocksAtLimit(t *testing.T) {
	if d := CheckVerificationsPerMonth(tenant.PlanFree, 99); d != nil {
		t.Fatalf("expected no denial under limit, got %+v", d)
	}
	d := CheckVerificationsPerMonth(tenant.PlanFree, 100)
	if d == nil {
		t.Fatalf("expected denial at limit")
	}
	if d.Code != CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %s", d.Code)
	}
	if len(d.SuggestedPlans) == 0 {
		t.Fatalf("expected upgrade suggestions")
	}
}

func TestCheckVerificationsPerMonth_UnlimitedPlanNeverDenies(t *testing.T) {
	if d := CheckVerificationsPerMonth(tenant.PlanEnterprise, 10_000_000); d != nil {
		t.Fatalf("expected enterprise plan to be unlimited, got denial %+v", d)
	}
}

func TestCheckStoredBundles_UnlimitedWhenZero(t *testing.T) {
	if d := CheckStoredBundles(tenant.PlanFree, 1_000_000); d != nil {
		t.Fatalf("free plan has unlimited stored bundles per spec, got denial %+v", d)
	}
}

func TestUpgradePath_Ordering(t *testing.T) {
	d := CheckVerificationsPerMonth(tenant.PlanFree, 100)
	if d.SuggestedPlans[0] != tenant.PlanBuilder {
		t.Fatalf("expected builder to be first upgrade suggestion, got %+v", d.SuggestedPlans)
	}
}
