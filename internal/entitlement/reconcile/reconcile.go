// Package reconcile merges provider facts into an entitlement record. It
// performs no I/O.
package reconcile

import (
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
)

type Action string

const (
	Keep   Action = "KEEP"
	Upsert Action = "UPSERT"
	Delete Action = "DELETE"
)

// Input is everything one reconciliation looks at. Facts is nil when the
// provider reported no subscription.
type Input struct {
	OwnerID  string
	Previous *domain.Record
	Facts    *providerdomain.Facts
	Purchase *domain.PurchaseContext
	Policy   Policy
	Now      time.Time
}

type Decision struct {
	Action Action
	Record *domain.Record
}

func Reconcile(in Input) Decision {
	prev := in.Previous
	if in.Facts == nil {
		if prev != nil && prev.HasRealSubscription() {
			return Decision{Action: Delete}
		}
		return Decision{Action: Keep, Record: prev.Clone()}
	}

	facts := in.Facts
	next := &domain.Record{
		OwnerID:                 in.OwnerID,
		BillingInterval:         MapInterval(facts.Interval),
		Status:                  MapStatus(facts.Status),
		PeriodStart:             facts.PeriodStart,
		PeriodEnd:               facts.PeriodEnd,
		ProviderCustomerRef:     facts.CustomerRef,
		ProviderSubscriptionRef: facts.SubscriptionRef,
		ProviderPriceRef:        facts.PriceRef,
		CreatedAt:               in.Now,
		UpdatedAt:               in.Now,
	}
	if prev != nil {
		next.CreatedAt = prev.CreatedAt
		if next.ProviderCustomerRef == "" {
			next.ProviderCustomerRef = prev.ProviderCustomerRef
		}
	}

	if next.Status == domain.StatusCancelled {
		// A cancelled subscription does not end a live manual grant.
		if prev.IsManual() && prev.Status != domain.StatusCancelled {
			return Decision{Action: Keep, Record: prev.Clone()}
		}
		next.PlanKind = planOrDefault(prev, domain.PlanSingle)
		next.UnlockedCapabilities = []string{}
		return Decision{Action: Upsert, Record: next}
	}

	kind, granted := in.Policy.DefaultCapabilitiesFor(next.BillingInterval, facts.Amount)
	if overrideKind, caps, ok := in.Policy.PurchaseCapabilities(in.Purchase); ok {
		kind, granted = overrideKind, caps
	}

	var carried []string
	if prev != nil && prev.Status != domain.StatusCancelled {
		carried = prev.UnlockedCapabilities
		kind = WiderPlan(prev.PlanKind, kind)
	}

	next.PlanKind = kind
	next.UnlockedCapabilities = domain.UnionCapabilities(carried, granted)
	return Decision{Action: Upsert, Record: next}
}

// MapStatus folds provider subscription statuses into record statuses.
func MapStatus(status providerdomain.SubscriptionStatus) domain.Status {
	switch providerdomain.SubscriptionStatus(strings.ToLower(string(status))) {
	case providerdomain.StatusActive:
		return domain.StatusActive
	case providerdomain.StatusTrialing:
		return domain.StatusTrialing
	case providerdomain.StatusPastDue, providerdomain.StatusUnpaid:
		return domain.StatusPastDue
	case providerdomain.StatusCanceled, providerdomain.StatusIncompleteExpired:
		return domain.StatusCancelled
	default:
		return domain.StatusIncomplete
	}
}

func MapInterval(interval providerdomain.Interval) domain.Interval {
	if providerdomain.Interval(strings.ToLower(string(interval))) == providerdomain.IntervalYear {
		return domain.IntervalYear
	}
	return domain.IntervalMonth
}

var planRank = map[domain.PlanKind]int{
	domain.PlanSingle:       1,
	domain.PlanStarter:      2,
	domain.PlanProfessional: 3,
	domain.PlanBundle:       4,
}

// WiderPlan keeps the larger plan label so capability growth and plan label
// never disagree.
func WiderPlan(a, b domain.PlanKind) domain.PlanKind {
	if planRank[a] > planRank[b] {
		return a
	}
	return b
}

func planOrDefault(prev *domain.Record, def domain.PlanKind) domain.PlanKind {
	if prev != nil && prev.PlanKind != "" {
		return prev.PlanKind
	}
	return def
}
