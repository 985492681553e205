package reconcile

import (
	"testing"
	"time"

	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return NewPolicy(config.DefaultEntitlementConfig())
}

func monthlyFacts(amount int64) *providerdomain.Facts {
	return &providerdomain.Facts{
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_1",
		PriceRef:        "price_monthly",
		Interval:        providerdomain.IntervalMonth,
		Amount:          amount,
		Currency:        "USD",
		PeriodStart:     now.Add(-24 * time.Hour),
		PeriodEnd:       now.Add(29 * 24 * time.Hour),
		Status:          providerdomain.StatusActive,
	}
}

func TestNoRecordYearlyPurchaseUnlocksBundle(t *testing.T) {
	facts := monthlyFacts(19900)
	facts.Interval = providerdomain.IntervalYear

	decision := Reconcile(Input{OwnerID: "usr_1", Facts: facts, Policy: testPolicy(), Now: now})

	require.Equal(t, Upsert, decision.Action)
	assert.Equal(t, domain.PlanBundle, decision.Record.PlanKind)
	assert.Equal(t, domain.IntervalYear, decision.Record.BillingInterval)
	assert.Equal(t, domain.StatusActive, decision.Record.Status)
	assert.Equal(t, domain.NormalizeCapabilities(config.DefaultEntitlementConfig().BundleCapabilities), decision.Record.UnlockedCapabilities)
	assert.True(t, decision.Record.HasAccess(now))
}

func TestMonthlyAboveThresholdUnlocksBundle(t *testing.T) {
	decision := Reconcile(Input{OwnerID: "usr_1", Facts: monthlyFacts(4900), Policy: testPolicy(), Now: now})

	require.Equal(t, Upsert, decision.Action)
	assert.Equal(t, domain.PlanBundle, decision.Record.PlanKind)
}

func TestMonthlyBelowThresholdUnlocksBase(t *testing.T) {
	decision := Reconcile(Input{OwnerID: "usr_1", Facts: monthlyFacts(900), Policy: testPolicy(), Now: now})

	require.Equal(t, Upsert, decision.Action)
	assert.Equal(t, domain.PlanSingle, decision.Record.PlanKind)
	assert.Equal(t, []string{"buddy"}, decision.Record.UnlockedCapabilities)
}

func TestSinglePurchaseAddsToExistingCapabilities(t *testing.T) {
	prev := &domain.Record{
		OwnerID:                 "usr_1",
		PlanKind:                domain.PlanSingle,
		BillingInterval:         domain.IntervalMonth,
		Status:                  domain.StatusActive,
		UnlockedCapabilities:    []string{"buddy"},
		ProviderSubscriptionRef: "sub_1",
		CreatedAt:               now.Add(-time.Hour),
	}
	purchase := domain.NewPurchaseContext(map[string]string{"purchase_type": "single", "soldier_id": "pitch-bot"})

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: monthlyFacts(900), Purchase: purchase, Policy: testPolicy(), Now: now})

	require.Equal(t, Upsert, decision.Action)
	assert.Equal(t, []string{"buddy", "pitch-bot"}, decision.Record.UnlockedCapabilities)
	assert.Equal(t, prev.CreatedAt, decision.Record.CreatedAt)
}

func TestPurchaseCapabilitiesUnionWithPrevious(t *testing.T) {
	prev := &domain.Record{
		Status:               domain.StatusActive,
		UnlockedCapabilities: []string{"buddy", "seo-scout"},
	}
	purchase := &domain.PurchaseContext{Kind: domain.PurchaseSingleItem, Capabilities: []string{"ad-sniper"}}

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: monthlyFacts(900), Purchase: purchase, Policy: testPolicy(), Now: now})

	assert.Equal(t, []string{"ad-sniper", "buddy", "seo-scout"}, decision.Record.UnlockedCapabilities)
}

func TestCancelledFactsClearCapabilities(t *testing.T) {
	prev := &domain.Record{
		PlanKind:                domain.PlanBundle,
		Status:                  domain.StatusActive,
		UnlockedCapabilities:    []string{"buddy", "pitch-bot"},
		ProviderSubscriptionRef: "sub_1",
	}
	facts := monthlyFacts(900)
	facts.Status = providerdomain.StatusCanceled

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: facts, Policy: testPolicy(), Now: now})

	require.Equal(t, Upsert, decision.Action)
	assert.Equal(t, domain.StatusCancelled, decision.Record.Status)
	assert.Empty(t, decision.Record.UnlockedCapabilities)
	assert.NotNil(t, decision.Record.UnlockedCapabilities)
	assert.Equal(t, domain.PlanBundle, decision.Record.PlanKind)
}

func TestCancelledRecordDoesNotCarryCapabilities(t *testing.T) {
	prev := &domain.Record{
		Status:               domain.StatusCancelled,
		UnlockedCapabilities: []string{"seo-scout"},
	}

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: monthlyFacts(900), Policy: testPolicy(), Now: now})

	assert.Equal(t, []string{"buddy"}, decision.Record.UnlockedCapabilities)
}

func TestNotFoundWithRealSubscriptionDeletes(t *testing.T) {
	prev := &domain.Record{ProviderSubscriptionRef: "sub_1", UnlockedCapabilities: []string{"buddy"}}

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Policy: testPolicy(), Now: now})

	assert.Equal(t, Delete, decision.Action)
	assert.Nil(t, decision.Record)
}

func TestNotFoundWithPlaceholderKeeps(t *testing.T) {
	prev := &domain.Record{
		ProviderCustomerRef:     domain.PlaceholderRef("cus", "usr_1"),
		ProviderSubscriptionRef: domain.PlaceholderRef("sub", "usr_1"),
		UnlockedCapabilities:    []string{"buddy"},
	}

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Policy: testPolicy(), Now: now})

	assert.Equal(t, Keep, decision.Action)
	assert.Equal(t, prev, decision.Record)
}

func TestNotFoundWithoutRecordKeeps(t *testing.T) {
	decision := Reconcile(Input{OwnerID: "usr_1", Policy: testPolicy(), Now: now})

	assert.Equal(t, Keep, decision.Action)
	assert.Nil(t, decision.Record)
}

func TestReconcileIsIdempotent(t *testing.T) {
	purchase := &domain.PurchaseContext{Kind: domain.PurchaseSingleItem, Capabilities: []string{"pitch-bot"}}
	first := Reconcile(Input{OwnerID: "usr_1", Facts: monthlyFacts(900), Purchase: purchase, Policy: testPolicy(), Now: now})
	second := Reconcile(Input{OwnerID: "usr_1", Previous: first.Record, Facts: monthlyFacts(900), Purchase: purchase, Policy: testPolicy(), Now: now})

	assert.Equal(t, first.Record, second.Record)
}

func TestCapabilitiesNeverShrinkWhileActive(t *testing.T) {
	steps := []*providerdomain.Facts{
		monthlyFacts(900),
		func() *providerdomain.Facts { f := monthlyFacts(19900); f.Interval = providerdomain.IntervalYear; return f }(),
		monthlyFacts(900),
		func() *providerdomain.Facts { f := monthlyFacts(900); f.Status = providerdomain.StatusPastDue; return f }(),
		monthlyFacts(500),
	}

	var prev *domain.Record
	for i, facts := range steps {
		decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: facts, Policy: testPolicy(), Now: now})
		require.Equal(t, Upsert, decision.Action)
		if prev != nil {
			assert.True(t, domain.IsSuperset(decision.Record.UnlockedCapabilities, prev.UnlockedCapabilities), "step %d shrank capabilities", i)
		}
		prev = decision.Record
	}
	assert.Equal(t, domain.PlanBundle, prev.PlanKind)
}

func TestPlanPurchaseUsesCatalog(t *testing.T) {
	purchase := domain.NewPurchaseContext(map[string]string{"purchase_type": "plan", "plan_type": "starter"})

	decision := Reconcile(Input{OwnerID: "usr_1", Facts: monthlyFacts(2900), Purchase: purchase, Policy: testPolicy(), Now: now})

	assert.Equal(t, domain.PlanStarter, decision.Record.PlanKind)
	assert.Equal(t, []string{"buddy", "pitch-bot"}, decision.Record.UnlockedCapabilities)
}

func TestUnknownSoldierFallsBackToDefaultMapping(t *testing.T) {
	purchase := &domain.PurchaseContext{Kind: domain.PurchaseSingleItem, Capabilities: []string{"does-not-exist"}}

	decision := Reconcile(Input{OwnerID: "usr_1", Facts: monthlyFacts(900), Purchase: purchase, Policy: testPolicy(), Now: now})

	assert.Equal(t, []string{"buddy"}, decision.Record.UnlockedCapabilities)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, domain.StatusActive, MapStatus(providerdomain.StatusActive))
	assert.Equal(t, domain.StatusTrialing, MapStatus(providerdomain.StatusTrialing))
	assert.Equal(t, domain.StatusPastDue, MapStatus(providerdomain.StatusUnpaid))
	assert.Equal(t, domain.StatusCancelled, MapStatus(providerdomain.StatusIncompleteExpired))
	assert.Equal(t, domain.StatusIncomplete, MapStatus(providerdomain.StatusPaused))
}

func TestDefaultCapabilitiesFor(t *testing.T) {
	policy := testPolicy()

	kind, caps := policy.DefaultCapabilitiesFor(domain.IntervalMonth, 4899)
	assert.Equal(t, domain.PlanSingle, kind)
	assert.Equal(t, []string{"buddy"}, caps)

	kind, _ = policy.DefaultCapabilitiesFor(domain.IntervalMonth, 4900)
	assert.Equal(t, domain.PlanBundle, kind)

	kind, _ = policy.DefaultCapabilitiesFor(domain.IntervalYear, 0)
	assert.Equal(t, domain.PlanBundle, kind)
}

func TestCancelledFactsKeepLiveManualGrant(t *testing.T) {
	prev := &domain.Record{
		PlanKind:                domain.PlanSingle,
		Status:                  domain.StatusActive,
		UnlockedCapabilities:    []string{"buddy"},
		PeriodEnd:               now.AddDate(0, 1, 0),
		ProviderCustomerRef:     "cus_1",
		ProviderSubscriptionRef: domain.PlaceholderRef("grant", "usr_1"),
	}
	facts := monthlyFacts(900)
	facts.Status = providerdomain.StatusCanceled

	decision := Reconcile(Input{OwnerID: "usr_1", Previous: prev, Facts: facts, Policy: testPolicy(), Now: now})

	require.Equal(t, Keep, decision.Action)
	assert.Equal(t, prev, decision.Record)
}
