package reconcile

import (
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
)

// GrantInput is a resolved admin grant. Capabilities must already be
// validated against the catalog.
type GrantInput struct {
	OwnerID      string
	PlanKind     domain.PlanKind
	Interval     domain.Interval
	Capabilities []string
	Until        time.Time
	Now          time.Time
}

// ApplyGrant merges a manual grant into prev. A record backed by a live
// subscription keeps its provider refs. Otherwise, including a cancelled
// subscription, the refs become manual_ placeholders so provider sync never
// deletes the grant.
func ApplyGrant(prev *domain.Record, in GrantInput) *domain.Record {
	next := &domain.Record{
		OwnerID:                 in.OwnerID,
		PlanKind:                in.PlanKind,
		BillingInterval:         in.Interval,
		Status:                  domain.StatusActive,
		UnlockedCapabilities:    domain.NormalizeCapabilities(in.Capabilities),
		PeriodStart:             in.Now,
		PeriodEnd:               in.Until,
		ProviderCustomerRef:     domain.PlaceholderRef("customer", in.OwnerID),
		ProviderSubscriptionRef: domain.PlaceholderRef("grant", in.OwnerID),
		ProviderPriceRef:        domain.PlaceholderRef("price", in.OwnerID),
		CreatedAt:               in.Now,
		UpdatedAt:               in.Now,
	}
	if prev == nil {
		return next
	}

	next.CreatedAt = prev.CreatedAt
	if prev.Status != domain.StatusCancelled {
		next.UnlockedCapabilities = domain.UnionCapabilities(prev.UnlockedCapabilities, next.UnlockedCapabilities)
		next.PlanKind = WiderPlan(prev.PlanKind, next.PlanKind)
	}
	if prev.HasRealSubscription() && prev.Status != domain.StatusCancelled {
		next.BillingInterval = prev.BillingInterval
		next.PeriodStart = prev.PeriodStart
		next.ProviderCustomerRef = prev.ProviderCustomerRef
		next.ProviderSubscriptionRef = prev.ProviderSubscriptionRef
		next.ProviderPriceRef = prev.ProviderPriceRef
		if prev.PeriodEnd.After(next.PeriodEnd) {
			next.PeriodEnd = prev.PeriodEnd
		}
	} else if !domain.IsPlaceholderRef(prev.ProviderCustomerRef) {
		next.ProviderCustomerRef = prev.ProviderCustomerRef
	}
	return next
}

// ApplyRevoke removes capabilities from prev and leaves everything else as is.
func ApplyRevoke(prev *domain.Record, remove []string, now time.Time) *domain.Record {
	next := prev.Clone()
	next.UnlockedCapabilities = domain.SubtractCapabilities(prev.UnlockedCapabilities, remove)
	next.UpdatedAt = now
	return next
}

// ApplyPending merges a claimed pending grant into prev.
func ApplyPending(prev *domain.Record, ownerID string, grant domain.PendingGrant, now time.Time) *domain.Record {
	next := &domain.Record{
		OwnerID:                 ownerID,
		PlanKind:                grant.PlanKind,
		BillingInterval:         grant.BillingInterval,
		Status:                  grant.Status,
		UnlockedCapabilities:    domain.NormalizeCapabilities(grant.Capabilities),
		PeriodStart:             grant.PeriodStart,
		PeriodEnd:               grant.PeriodEnd,
		ProviderCustomerRef:     grant.ProviderCustomerRef,
		ProviderSubscriptionRef: grant.ProviderSubscriptionRef,
		ProviderPriceRef:        grant.ProviderPriceRef,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if next.Status == domain.StatusCancelled {
		next.UnlockedCapabilities = []string{}
	}
	if prev == nil {
		return next
	}

	next.CreatedAt = prev.CreatedAt
	if prev.Status != domain.StatusCancelled && next.Status != domain.StatusCancelled {
		next.UnlockedCapabilities = domain.UnionCapabilities(prev.UnlockedCapabilities, next.UnlockedCapabilities)
		next.PlanKind = WiderPlan(prev.PlanKind, next.PlanKind)
	}
	if prev.PeriodEnd.After(next.PeriodEnd) && prev.Status == domain.StatusActive {
		next.PeriodEnd = prev.PeriodEnd
	}
	return next
}

// SameState reports whether two records would persist identically,
// ignoring UpdatedAt.
func SameState(a, b *domain.Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.OwnerID != b.OwnerID ||
		a.PlanKind != b.PlanKind ||
		a.BillingInterval != b.BillingInterval ||
		a.Status != b.Status ||
		!a.PeriodStart.Equal(b.PeriodStart) ||
		!a.PeriodEnd.Equal(b.PeriodEnd) ||
		a.ProviderCustomerRef != b.ProviderCustomerRef ||
		a.ProviderSubscriptionRef != b.ProviderSubscriptionRef ||
		a.ProviderPriceRef != b.ProviderPriceRef {
		return false
	}
	left := domain.NormalizeCapabilities(a.UnlockedCapabilities)
	right := domain.NormalizeCapabilities(b.UnlockedCapabilities)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}

// PreserveSubscription keeps the subscription refs and billing window of
// prev when next came from a one-time payment, so a later provider sync
// still finds the real subscription.
func PreserveSubscription(prev, next *domain.Record) *domain.Record {
	if prev == nil || next == nil || !prev.HasRealSubscription() || prev.Status == domain.StatusCancelled {
		return next
	}
	out := next.Clone()
	out.BillingInterval = prev.BillingInterval
	out.PeriodStart = prev.PeriodStart
	out.ProviderSubscriptionRef = prev.ProviderSubscriptionRef
	out.ProviderPriceRef = prev.ProviderPriceRef
	if out.ProviderCustomerRef == "" {
		out.ProviderCustomerRef = prev.ProviderCustomerRef
	}
	if prev.PeriodEnd.After(out.PeriodEnd) {
		out.PeriodEnd = prev.PeriodEnd
	}
	return out
}
