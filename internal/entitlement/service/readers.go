package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
)

func (s *Service) Get(ctx context.Context, ownerID string) (*domain.Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	record, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// GetUnlockedCapabilities is empty for owners without a record or without
// current access.
func (s *Service) GetUnlockedCapabilities(ctx context.Context, ownerID string) ([]string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	record, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return nil, err
	}
	return record.EffectiveCapabilities(s.clock.Now()), nil
}

func (s *Service) HasActiveEntitlement(ctx context.Context, ownerID string) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return false, domain.ErrInvalidOwner
	}
	record, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return false, err
	}
	return record.HasAccess(s.clock.Now()), nil
}

func (s *Service) ListAudit(ctx context.Context, ownerID string, limit int) ([]domain.AuditLog, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	return s.repo.ListAudit(ctx, s.db.WithContext(ctx), ownerID, limit)
}

// CreateCheckout opens a provider checkout for ownerID. The purchase is
// stamped into the session metadata so the webhook can rebuild it.
func (s *Service) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (string, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return "", domain.ErrInvalidOwner
	}
	priceRef := strings.TrimSpace(req.PriceRef)
	if priceRef == "" {
		return "", domain.ErrInvalidPrice
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	switch mode {
	case "":
		mode = providerdomain.SessionModeSubscription
	case providerdomain.SessionModeSubscription, providerdomain.SessionModePayment:
	default:
		return "", domain.ErrInvalidPrice
	}

	policy := s.policy()
	soldiers := domain.NormalizeCapabilities(req.Soldiers)
	for _, soldier := range soldiers {
		if !policy.IsKnown(soldier) {
			return "", domain.ErrInvalidCapability
		}
	}

	metadata := map[string]string{domain.MetaOwnerID: ownerID}
	if v := strings.TrimSpace(req.PurchaseType); v != "" {
		metadata[domain.MetaPurchaseType] = v
	}
	if v := strings.TrimSpace(req.PlanType); v != "" {
		metadata[domain.MetaPlanType] = v
	}
	if len(soldiers) > 0 {
		metadata[domain.MetaSoldiers] = strings.Join(soldiers, ",")
	}

	var customerRef string
	record, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return "", err
	}
	if record != nil && !domain.IsPlaceholderRef(record.ProviderCustomerRef) {
		customerRef = record.ProviderCustomerRef
	}

	email := normalizeEmail(req.Email)
	if email == "" && customerRef == "" {
		email, err = s.owners.EmailFor(ctx, ownerID)
		if err != nil {
			return "", err
		}
	}

	return s.provider.CreateCheckoutSession(ctx, providerdomain.CheckoutRequest{
		OwnerID:     ownerID,
		Email:       email,
		CustomerRef: customerRef,
		PriceRef:    priceRef,
		Mode:        mode,
		Quantity:    1,
		Metadata:    metadata,
		SuccessURL:  s.stripe.CheckoutOK,
		CancelURL:   s.stripe.CheckoutAbort,
	})
}

// CreatePortal needs a real provider customer; manual grants have none.
func (s *Service) CreatePortal(ctx context.Context, ownerID string) (string, error) {
	record, err := s.Get(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if domain.IsPlaceholderRef(record.ProviderCustomerRef) {
		return "", domain.ErrNoCustomer
	}
	return s.provider.CreatePortalSession(ctx, record.ProviderCustomerRef, s.stripe.PortalReturn)
}
