package domain

import "strings"

type PurchaseKind string

const (
	PurchaseSingleItem PurchaseKind = "SINGLE_ITEM"
	PurchaseBundle     PurchaseKind = "BUNDLE"
	PurchasePlan       PurchaseKind = "PLAN"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetaPurchaseType = "purchase_type"
	MetaPlanID       = "plan_id"
	MetaPlanType     = "plan_type"
	MetaSoldiers     = "soldiers"
	MetaSoldierID    = "soldier_id"
	MetaOwnerID      = "owner_id"
)

// PurchaseContext says what a checkout bought, independent of the price.
type PurchaseContext struct {
	Kind         PurchaseKind
	PlanID       string
	PlanType     string
	Capabilities []string
}

// PlanKind is the record plan kind this purchase implies.
func (p *PurchaseContext) PlanKind() PlanKind {
	if p == nil {
		return ""
	}
	switch p.Kind {
	case PurchaseBundle:
		return PlanBundle
	case PurchasePlan:
		switch p.PlanType {
		case "starter":
			return PlanStarter
		case "professional":
			return PlanProfessional
		}
		return ""
	default:
		return PlanSingle
	}
}

// NewPurchaseContext is the only way provider metadata becomes a purchase
// context. It returns nil when the metadata describes no purchase.
func NewPurchaseContext(metadata map[string]string) *PurchaseContext {
	if len(metadata) == 0 {
		return nil
	}

	purchaseType := normalizeToken(metadata[MetaPurchaseType])
	planID := strings.TrimSpace(metadata[MetaPlanID])
	planType := normalizePlanType(metadata[MetaPlanType])
	items := NormalizeCapabilities(append(splitList(metadata[MetaSoldiers]), metadata[MetaSoldierID]))

	switch purchaseType {
	case "bundle", "all", "all_soldiers":
		return &PurchaseContext{Kind: PurchaseBundle, PlanID: planID, Capabilities: items}
	case "plan", "subscription":
		if planType == "" {
			planType = normalizePlanType(planID)
		}
		return &PurchaseContext{Kind: PurchasePlan, PlanID: planID, PlanType: planType}
	case "single", "single_item", "soldier", "individual", "item":
		if len(items) == 0 {
			return nil
		}
		return &PurchaseContext{Kind: PurchaseSingleItem, Capabilities: items}
	case "":
		switch {
		case planType != "":
			return &PurchaseContext{Kind: PurchasePlan, PlanID: planID, PlanType: planType}
		case len(items) > 0:
			return &PurchaseContext{Kind: PurchaseSingleItem, Capabilities: items}
		}
		return nil
	default:
		if len(items) > 0 {
			return &PurchaseContext{Kind: PurchaseSingleItem, Capabilities: items}
		}
		return nil
	}
}

func normalizeToken(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer("-", "_", " ", "_").Replace(value)
}

func normalizePlanType(value string) string {
	switch normalizeToken(value) {
	case "starter", "plan_starter":
		return "starter"
	case "professional", "pro", "plan_professional":
		return "professional"
	default:
		return ""
	}
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
}
