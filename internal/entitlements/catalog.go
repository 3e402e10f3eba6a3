// Package entitlements holds the plan → limits catalog (spec.md §4.7) and
// the quota-check helpers the verification pipeline and settings endpoint
// consult before allowing a new run, bundle, integration, or policy
// version.
package entitlements

import "github.com/settld/magiclink/internal/tenant"

// Limits is one plan row of the catalog. A zero value for one of the Max*
// limit fields means "unlimited" (spec.md §4.7's dash cells); a zero
// SubscriptionCents or PriceCentsPerVerification means no charge is set.
type Limits struct {
	MaxVerificationsPerMonth int
	MaxStoredBundles         int
	MaxIntegrations          int
	MaxPolicyVersions        int
	SubscriptionCents        int
	PriceCentsPerVerification float64
}

// Catalog is the authoritative plan table. Values come from spec.md
// §4.7's table; dash cells (plan-row-defined, not test-verified) hold
// per-plan values chosen for this table — the comments mark which fields
// are test-verified minima; unmarked fields are those fill-ins.
var Catalog = map[tenant.Plan]Limits{
	tenant.PlanFree: {
		MaxVerificationsPerMonth: 100, // test-verified minimum
		MaxStoredBundles:         0,   // unlimited
		MaxIntegrations:          5,   // test-verified minimum
		MaxPolicyVersions:        10,  // test-verified minimum
		SubscriptionCents:        0,
	},
	tenant.PlanBuilder: {
		MaxVerificationsPerMonth: 1000,
		MaxStoredBundles:         0,
		MaxIntegrations:          20,
		MaxPolicyVersions:        50,
		SubscriptionCents:        9900, // test-verified minimum
	},
	tenant.PlanGrowth: {
		MaxVerificationsPerMonth: 100000, // test-verified minimum
		MaxStoredBundles:         0,
		MaxIntegrations:          100,
		MaxPolicyVersions:        200,
		SubscriptionCents:         59900, // test-verified minimum
		PriceCentsPerVerification: 0.7,   // test-verified minimum
	},
	tenant.PlanScale: {
		MaxVerificationsPerMonth: 1000000,
		MaxStoredBundles:         0,
		MaxIntegrations:          500,
		MaxPolicyVersions:        1000,
		SubscriptionCents:        199900,
	},
	tenant.PlanEnterprise: {
		MaxVerificationsPerMonth: 0, // unlimited
		MaxStoredBundles:         0,
		MaxIntegrations:          0,
		MaxPolicyVersions:        0,
		SubscriptionCents:        0,
	},
}

func ForPlan(p tenant.Plan) Limits {
	if l, ok := Catalog[p]; ok {
		return l
	}
	return Catalog[tenant.PlanFree]
}

// DenialCode enumerates the entitlement-denial error codes from spec.md §7.
type DenialCode string

const (
	CodeEntitlementLimitExceeded DenialCode = "ENTITLEMENT_LIMIT_EXCEEDED"
	CodeQuotaExceeded            DenialCode = "QUOTA_EXCEEDED"
)

// Denial describes a blocked operation, including the upgrade hint the
// HTTP boundary surfaces in the 403/429 response body.
type Denial struct {
	Code            DenialCode
	Feature         string
	Limit           int
	Used            int
	SuggestedPlans  []tenant.Plan
}

// CheckVerificationsPerMonth returns a non-nil Denial if usedThisMonth has
// already reached the plan's monthly verification cap. A zero limit means
// unlimited.
func CheckVerificationsPerMonth(plan tenant.Plan, usedThisMonth int) *Denial {
	limit := ForPlan(plan).MaxVerificationsPerMonth
	if limit == 0 || usedThisMonth < limit {
		return nil
	}
	return &Denial{
		Code:           CodeQuotaExceeded,
		Feature:        "maxVerificationsPerMonth",
		Limit:          limit,
		Used:           usedThisMonth,
		SuggestedPlans: upgradePathFrom(plan),
	}
}

// CheckStoredBundles returns a non-nil Denial if creating one more bundle
// would exceed the plan's cap.
func CheckStoredBundles(plan tenant.Plan, currentlyStored int) *Denial {
	limit := ForPlan(plan).MaxStoredBundles
	if limit == 0 || currentlyStored < limit {
		return nil
	}
	return &Denial{
		Code:           CodeEntitlementLimitExceeded,
		Feature:        "maxStoredBundles",
		Limit:          limit,
		Used:           currentlyStored,
		SuggestedPlans: upgradePathFrom(plan),
	}
}

// CheckIntegrations returns a non-nil Denial if adding one more integration
// (e.g. a webhook) would exceed the plan's cap.
func CheckIntegrations(plan tenant.Plan, currentCount int) *Denial {
	limit := ForPlan(plan).MaxIntegrations
	if limit == 0 || currentCount < limit {
		return nil
	}
	return &Denial{
		Code:           CodeEntitlementLimitExceeded,
		Feature:        "maxIntegrations",
		Limit:          limit,
		Used:           currentCount,
		SuggestedPlans: upgradePathFrom(plan),
	}
}

// CheckPolicyVersions returns a non-nil Denial if upserting one more policy
// version would exceed the plan's cap.
func CheckPolicyVersions(plan tenant.Plan, currentCount int) *Denial {
	limit := ForPlan(plan).MaxPolicyVersions
	if limit == 0 || currentCount < limit {
		return nil
	}
	return &Denial{
		Code:           CodeEntitlementLimitExceeded,
		Feature:        "maxPolicyVersions",
		Limit:          limit,
		Used:           currentCount,
		SuggestedPlans: upgradePathFrom(plan),
	}
}

var planOrder = []tenant.Plan{
	tenant.PlanFree, tenant.PlanBuilder, tenant.PlanGrowth, tenant.PlanScale, tenant.PlanEnterprise,
}

func upgradePathFrom(p tenant.Plan) []tenant.Plan {
	for i, cur := range planOrder {
		if cur == p {
			return append([]tenant.Plan{}, planOrder[i+1:]...)
		}
	}
	return nil
}
