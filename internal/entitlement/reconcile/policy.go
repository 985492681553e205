package reconcile

import (
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
)

// Policy is the single mapping from what was paid to what is unlocked.
type Policy struct {
	BaseCapability     string
	BundleCapabilities []string
	BundleThreshold    int64
	PlanCapabilities   map[string][]string
}

func NewPolicy(cfg config.EntitlementConfig) Policy {
	plans := make(map[string][]string, len(cfg.PlanCapabilities))
	for plan, caps := range cfg.PlanCapabilities {
		plans[plan] = domain.NormalizeCapabilities(caps)
	}
	return Policy{
		BaseCapability:     cfg.BaseCapability,
		BundleCapabilities: domain.NormalizeCapabilities(cfg.BundleCapabilities),
		BundleThreshold:    cfg.BundleThreshold,
		PlanCapabilities:   plans,
	}
}

// DefaultCapabilitiesFor maps a price to a plan: yearly billing or an amount
// at or above the bundle threshold buys the bundle, anything else the base
// capability.
func (p Policy) DefaultCapabilitiesFor(interval domain.Interval, amount int64) (domain.PlanKind, []string) {
	if interval == domain.IntervalYear || (p.BundleThreshold > 0 && amount >= p.BundleThreshold) {
		return domain.PlanBundle, domain.NormalizeCapabilities(p.BundleCapabilities)
	}
	if p.BaseCapability == "" {
		return domain.PlanSingle, []string{}
	}
	return domain.PlanSingle, []string{p.BaseCapability}
}

// PurchaseCapabilities resolves what a purchase context unlocks. ok is false
// when the context cannot override the default mapping.
func (p Policy) PurchaseCapabilities(purchase *domain.PurchaseContext) (domain.PlanKind, []string, bool) {
	if purchase == nil {
		return "", nil, false
	}
	switch purchase.Kind {
	case domain.PurchaseBundle:
		return domain.PlanBundle, domain.NormalizeCapabilities(p.BundleCapabilities), true
	case domain.PurchasePlan:
		caps, found := p.PlanCapabilities[purchase.PlanType]
		kind := purchase.PlanKind()
		if !found || kind == "" {
			return "", nil, false
		}
		return kind, domain.NormalizeCapabilities(caps), true
	case domain.PurchaseSingleItem:
		caps := p.KnownOnly(purchase.Capabilities)
		if len(caps) == 0 {
			return "", nil, false
		}
		return domain.PlanSingle, caps, true
	default:
		return "", nil, false
	}
}

// IsKnown reports whether capability is in the catalog.
func (p Policy) IsKnown(capability string) bool {
	if capability == "" {
		return false
	}
	if capability == p.BaseCapability {
		return true
	}
	if domain.ContainsCapability(p.BundleCapabilities, capability) {
		return true
	}
	for _, caps := range p.PlanCapabilities {
		if domain.ContainsCapability(caps, capability) {
			return true
		}
	}
	return false
}

func (p Policy) KnownOnly(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range domain.NormalizeCapabilities(items) {
		if p.IsKnown(item) {
			out = append(out, item)
		}
	}
	return out
}
