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
	"gorm.io/gorm"
)

// Reconcile pulls the owner's current subscription from the provider and
// merges it. It is the email-based sync used by the manual sync endpoint
// without a session, the sweep and the admin reconcile command.
func (s *Service) Reconcile(ctx context.Context, req domain.ReconcileRequest) (res *domain.Result, err error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	entry := req.EntryPoint
	if entry == "" {
		entry = domain.EntrySync
	}

	ctx, done := s.begin(ctx, entry, "reconcile", ownerID)
	defer func() { done(res, err) }()

	return s.reconcileOwner(ctx, entry, ownerID, req.Email)
}

func (s *Service) reconcileOwner(ctx context.Context, entry domain.EntryPoint, ownerID, email string) (*domain.Result, error) {
	identity, err := s.identityFor(ctx, ownerID, email)
	if err != nil {
		return nil, err
	}

	facts, err := s.lookupFacts(ctx, identity)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("provider lookup failed; record left untouched", zap.Error(err))
		return nil, err
	}

	var purchase *domain.PurchaseContext
	if facts != nil {
		purchase = domain.NewPurchaseContext(facts.Metadata)
	}
	return s.mutate(ctx, entry, ownerID, actorFrom(ctx, ""), s.reconcileWith(ownerID, facts, purchase))
}

// identityFor prefers the provider customer already on the record and falls
// back to the owner's email.
func (s *Service) identityFor(ctx context.Context, ownerID, email string) (string, error) {
	prev, err := s.repo.Get(ctx, s.db, ownerID)
	if err != nil {
		return "", err
	}
	if prev != nil && !domain.IsPlaceholderRef(prev.ProviderCustomerRef) {
		return prev.ProviderCustomerRef, nil
	}

	email = normalizeEmail(email)
	if email == "" {
		email, err = s.owners.EmailFor(ctx, ownerID)
		if err != nil {
			return "", err
		}
		email = normalizeEmail(email)
	}
	if email == "" {
		return "", domain.ErrInvalidEmail
	}
	return email, nil
}

// SyncSession reconciles from a checkout session when one is given, and
// from the owner's subscription otherwise.
func (s *Service) SyncSession(ctx context.Context, ownerID, sessionRef string) (res *domain.Result, err error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}

	ctx, done := s.begin(ctx, domain.EntrySync, "sync", ownerID)
	defer func() { done(res, err) }()

	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return s.reconcileOwner(ctx, domain.EntrySync, ownerID, "")
	}

	session, err := s.ownedSession(ctx, ownerID, sessionRef)
	if err != nil {
		return nil, err
	}
	if !session.PaymentCompleted() {
		return s.reconcileOwner(ctx, domain.EntrySync, ownerID, session.Email())
	}
	return s.applySession(ctx, domain.EntrySync, ownerID, session)
}

// VerifySession is the post-checkout confirmation. Nothing is written until
// the provider reports the payment as completed.
func (s *Service) VerifySession(ctx context.Context, ownerID, sessionRef string) (res *domain.Result, err error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return nil, domain.ErrInvalidSession
	}

	ctx, done := s.begin(ctx, domain.EntryVerify, "verify_session", ownerID)
	defer func() { done(res, err) }()

	session, err := s.ownedSession(ctx, ownerID, sessionRef)
	if err != nil {
		return nil, err
	}
	if !session.PaymentCompleted() {
		return nil, domain.ErrPaymentNotCompleted
	}
	return s.applySession(ctx, domain.EntryVerify, ownerID, session)
}

// ownedSession loads the session and checks it belongs to ownerID, either by
// the owner id stamped at checkout or by the payer email.
func (s *Service) ownedSession(ctx context.Context, ownerID, sessionRef string) (*providerdomain.CheckoutSession, error) {
	session, err := s.provider.GetCheckoutSession(ctx, sessionRef)
	if errors.Is(err, providerdomain.ErrNotFound) {
		return nil, domain.ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}

	if stamped := sessionOwner(session); stamped != "" {
		if stamped != ownerID {
			return nil, domain.ErrSessionOwnerMismatch
		}
		return session, nil
	}

	email, err := s.owners.EmailFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if email == "" || normalizeEmail(email) != session.Email() {
		return nil, domain.ErrSessionOwnerMismatch
	}
	return session, nil
}

func (s *Service) applySession(ctx context.Context, entry domain.EntryPoint, ownerID string, session *providerdomain.CheckoutSession) (*domain.Result, error) {
	purchase := domain.NewPurchaseContext(sessionMetadata(session))
	facts := sessionFacts(session, s.clock.Now())
	oneTime := session.Subscription == nil
	policy := s.policy()

	return s.mutate(ctx, entry, ownerID, actorFrom(ctx, ""), func(_ *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error) {
		decision := reconcile.Reconcile(reconcile.Input{
			OwnerID:  ownerID,
			Previous: prev,
			Facts:    facts,
			Purchase: purchase,
			Policy:   policy,
			Now:      now,
		})
		if oneTime {
			decision.Record = reconcile.PreserveSubscription(prev, decision.Record)
		}
		return decision, nil
	})
}

// sessionFacts turns a paid checkout into provider facts. One-time payments
// carry no subscription; they become a year of access under a manual_
// placeholder ref so a later sync never deletes them.
func sessionFacts(session *providerdomain.CheckoutSession, now time.Time) *providerdomain.Facts {
	if session.Subscription != nil {
		facts := *session.Subscription
		if facts.CustomerRef == "" {
			facts.CustomerRef = session.CustomerRef
		}
		if facts.CustomerEmail == "" {
			facts.CustomerEmail = session.Email()
		}
		return &facts
	}
	return &providerdomain.Facts{
		CustomerRef:     session.CustomerRef,
		CustomerEmail:   session.Email(),
		SubscriptionRef: domain.PlaceholderRef("payment", session.ID),
		Interval:        providerdomain.IntervalMonth,
		Amount:          session.AmountTotal,
		Currency:        session.Currency,
		PeriodStart:     now,
		PeriodEnd:       now.AddDate(1, 0, 0),
		Status:          providerdomain.StatusActive,
		Metadata:        session.Metadata,
		CreatedAt:       now,
	}
}

// sessionMetadata merges subscription metadata under the session's own.
func sessionMetadata(session *providerdomain.CheckoutSession) map[string]string {
	out := map[string]string{}
	if session.Subscription != nil {
		for k, v := range session.Subscription.Metadata {
			out[k] = v
		}
	}
	for k, v := range session.Metadata {
		out[k] = v
	}
	return out
}

func sessionOwner(session *providerdomain.CheckoutSession) string {
	if owner := strings.TrimSpace(sessionMetadata(session)[domain.MetaOwnerID]); owner != "" {
		return owner
	}
	return strings.TrimSpace(session.ClientReferenceID)
}
