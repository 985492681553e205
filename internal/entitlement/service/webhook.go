package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/reconcile"
	"github.com/smallbiznis/soldiers/internal/observability/logger"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	webhookRejected = "rejected"
	webhookFailed   = "failed"
)

// HandleWebhook verifies and applies one provider notification. Deliveries
// already processed are acknowledged as DUPLICATE without side effects.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (res *domain.Result, err error) {
	ctx, done := s.begin(ctx, domain.EntryWebhook, "webhook", "")
	defer func() { done(res, err) }()

	event, err := s.provider.ParseWebhook(payload, signature)
	if err != nil {
		s.telemetry.RecordWebhookEvent(ctx, "unknown", webhookRejected)
		return nil, err
	}

	stored, duplicate, err := s.recordEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	if duplicate {
		s.telemetry.RecordWebhookEvent(ctx, event.Type, strings.ToLower(string(domain.ActionDuplicate)))
		return &domain.Result{
			Action:       domain.ActionDuplicate,
			Capabilities: []string{},
			EventID:      event.ID,
			EventType:    event.Type,
			EvaluatedAt:  s.clock.Now(),
		}, nil
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	switch {
	case event.IsCheckoutCompleted():
		res, err = s.handleCheckoutCompleted(ctx, event)
	case event.IsSubscriptionLifecycle():
		res, err = s.handleSubscriptionEvent(ctx, event)
	default:
		res = s.ignored("")
	}
	if err != nil {
		log.Warn("webhook processing failed", zap.Error(err))
		s.telemetry.RecordWebhookEvent(ctx, event.Type, webhookFailed)
		return nil, err
	}

	if err := s.repo.MarkEventProcessed(ctx, s.db.WithContext(ctx), stored.ID, s.clock.Now()); err != nil {
		return nil, err
	}

	res.EventID = event.ID
	res.EventType = event.Type
	s.telemetry.RecordWebhookEvent(ctx, event.Type, strings.ToLower(string(res.Action)))
	log.Info("webhook processed", zap.String("action", string(res.Action)))
	return res, nil
}

// recordEvent stores the delivery once. A stored event that never finished
// processing is handed back for another attempt.
func (s *Service) recordEvent(ctx context.Context, event *providerdomain.WebhookEvent) (*domain.ProviderEvent, bool, error) {
	conn := s.db.WithContext(ctx)
	provider := s.provider.Name()

	existing, err := s.repo.FindEvent(ctx, conn, provider, event.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, existing.ProcessedAt != nil, nil
	}

	payload := event.RawPayload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	stored := &domain.ProviderEvent{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, conn, stored)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return stored, false, nil
	}

	// Lost the race against a concurrent delivery of the same event.
	existing, err = s.repo.FindEvent(ctx, conn, provider, event.ID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("provider event vanished after conflict")
	}
	return existing, existing.ProcessedAt != nil, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *providerdomain.WebhookEvent) (*domain.Result, error) {
	session, err := s.provider.GetCheckoutSession(ctx, event.ObjectID)
	if errors.Is(err, providerdomain.ErrNotFound) {
		return s.ignored(""), nil
	}
	if err != nil {
		return nil, err
	}
	if !session.PaymentCompleted() {
		return s.ignored(""), nil
	}

	ownerID := sessionOwner(session)
	if ownerID == "" && session.Email() != "" {
		ownerID, err = s.owners.OwnerIDForEmail(ctx, session.Email())
		if err != nil {
			return nil, err
		}
	}
	if ownerID == "" {
		return s.parkPendingGrant(ctx, session)
	}
	return s.applySession(ctx, domain.EntryWebhook, ownerID, session)
}

// parkPendingGrant keeps a payment from an unknown payer until an owner
// with that email signs in.
func (s *Service) parkPendingGrant(ctx context.Context, session *providerdomain.CheckoutSession) (*domain.Result, error) {
	email := session.Email()
	if email == "" {
		logger.WithContext(ctx, s.log).Warn("paid checkout without owner or email",
			zap.String("session_id", session.ID),
		)
		return s.ignored(""), nil
	}

	now := s.clock.Now()
	facts := sessionFacts(session, now)
	decision := reconcile.Reconcile(reconcile.Input{
		Facts:    facts,
		Purchase: domain.NewPurchaseContext(sessionMetadata(session)),
		Policy:   s.policy(),
		Now:      now,
	})
	if decision.Record == nil {
		return s.ignored(""), nil
	}

	record := decision.Record
	grant := &domain.PendingGrant{
		ID:                      s.genID.Generate(),
		Email:                   email,
		PlanKind:                record.PlanKind,
		BillingInterval:         record.BillingInterval,
		Status:                  record.Status,
		Capabilities:            record.UnlockedCapabilities,
		Amount:                  session.AmountTotal,
		ProviderCustomerRef:     record.ProviderCustomerRef,
		ProviderSubscriptionRef: record.ProviderSubscriptionRef,
		ProviderPriceRef:        record.ProviderPriceRef,
		PeriodStart:             record.PeriodStart,
		PeriodEnd:               record.PeriodEnd,
		CreatedAt:               now,
	}
	if err := s.repo.InsertPendingGrant(ctx, s.db.WithContext(ctx), grant); err != nil {
		return nil, err
	}
	s.telemetry.RecordPendingGrant(ctx, "parked")

	logger.WithContext(ctx, s.log).Info("pending grant parked",
		zap.String("session_id", session.ID),
		zap.String("grant_id", grant.ID.String()),
	)
	return &domain.Result{
		Action:       domain.ActionPending,
		Capabilities: []string{},
		Email:        email,
		EvaluatedAt:  now,
	}, nil
}

// handleSubscriptionEvent re-reads the subscription instead of trusting the
// event body, so out-of-order deliveries converge on the provider's state.
func (s *Service) handleSubscriptionEvent(ctx context.Context, event *providerdomain.WebhookEvent) (*domain.Result, error) {
	subscriptionRef := event.ObjectID
	facts, err := s.provider.GetSubscription(ctx, subscriptionRef)
	switch {
	case errors.Is(err, providerdomain.ErrNotFound):
		facts = nil
	case err != nil:
		return nil, err
	}

	conn := s.db.WithContext(ctx)
	owned, err := s.repo.FindBySubscriptionRef(ctx, conn, subscriptionRef)
	if err != nil {
		return nil, err
	}

	var ownerID string
	if owned != nil {
		ownerID = owned.OwnerID
	} else {
		if facts == nil || facts.IsCancelled() {
			return s.ignored(""), nil
		}
		ownerID = strings.TrimSpace(facts.Metadata[domain.MetaOwnerID])
		if ownerID == "" && facts.CustomerEmail != "" {
			ownerID, err = s.owners.OwnerIDForEmail(ctx, facts.CustomerEmail)
			if err != nil {
				return nil, err
			}
		}
		if ownerID == "" {
			return s.ignored(""), nil
		}
	}

	if owned != nil && facts == nil {
		return s.mutate(ctx, domain.EntryWebhook, ownerID, actorFrom(ctx, ""), s.deleteIfSubscription(subscriptionRef))
	}

	var purchase *domain.PurchaseContext
	if facts != nil {
		purchase = domain.NewPurchaseContext(facts.Metadata)
	}
	return s.mutate(ctx, domain.EntryWebhook, ownerID, actorFrom(ctx, ""), s.reconcileWith(ownerID, facts, purchase))
}

// deleteIfSubscription removes the record only while it still points at the
// vanished subscription.
func (s *Service) deleteIfSubscription(subscriptionRef string) mutation {
	return func(_ *gorm.DB, prev *domain.Record, _ time.Time) (reconcile.Decision, error) {
		if prev == nil || prev.ProviderSubscriptionRef != subscriptionRef {
			return reconcile.Decision{Action: reconcile.Keep, Record: prev.Clone()}, nil
		}
		return reconcile.Decision{Action: reconcile.Delete}, nil
	}
}

func (s *Service) ignored(ownerID string) *domain.Result {
	return &domain.Result{
		OwnerID:      ownerID,
		Action:       domain.ActionIgnored,
		Capabilities: []string{},
		EvaluatedAt:  s.clock.Now(),
	}
}
