package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/reconcile"
	"github.com/smallbiznis/soldiers/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Grant gives an owner capabilities outside the provider. The grant is
// recorded under manual_ placeholder refs unless a real subscription backs
// the record, in which case the subscription refs are kept.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (res *domain.Result, err error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}

	ctx, done := s.begin(ctx, domain.EntryAdmin, "grant", ownerID)
	defer func() { done(res, err) }()

	now := s.clock.Now()
	in, err := s.resolveGrant(ownerID, req, now)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, domain.EntryAdmin, ownerID, actorFrom(ctx, req.Actor), func(_ *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error) {
		in.Now = now
		return reconcile.Decision{Action: reconcile.Upsert, Record: reconcile.ApplyGrant(prev, in)}, nil
	})
}

func (s *Service) resolveGrant(ownerID string, req domain.GrantRequest, now time.Time) (reconcile.GrantInput, error) {
	policy := s.policy()

	caps := domain.NormalizeCapabilities(req.Capabilities)
	for _, capability := range caps {
		if !policy.IsKnown(capability) {
			return reconcile.GrantInput{}, domain.ErrInvalidCapability
		}
	}

	kind := domain.PlanKind(strings.ToUpper(strings.TrimSpace(string(req.PlanKind))))
	switch kind {
	case "":
		kind = domain.PlanSingle
		if len(caps) == 0 || domain.IsSuperset(caps, policy.BundleCapabilities) {
			kind = domain.PlanBundle
		}
	case domain.PlanSingle, domain.PlanBundle:
	case domain.PlanStarter, domain.PlanProfessional:
		if len(caps) == 0 {
			caps = policy.PlanCapabilities[strings.ToLower(string(kind))]
		}
	default:
		return reconcile.GrantInput{}, domain.ErrInvalidPlan
	}
	if len(caps) == 0 {
		switch kind {
		case domain.PlanBundle:
			caps = policy.BundleCapabilities
		case domain.PlanSingle:
			if policy.BaseCapability != "" {
				caps = []string{policy.BaseCapability}
			}
		}
	}
	if len(caps) == 0 {
		return reconcile.GrantInput{}, domain.ErrInvalidCapability
	}

	interval := domain.Interval(strings.ToUpper(strings.TrimSpace(string(req.Interval))))
	switch interval {
	case "":
		interval = domain.IntervalYear
	case domain.IntervalMonth, domain.IntervalYear:
	default:
		return reconcile.GrantInput{}, domain.ErrInvalidPlan
	}

	var until time.Time
	switch {
	case req.Until != nil:
		until = req.Until.UTC()
		if !until.After(now) {
			return reconcile.GrantInput{}, domain.ErrInvalidPlan
		}
	case interval == domain.IntervalMonth:
		until = now.AddDate(0, 1, 0)
	default:
		until = now.AddDate(1, 0, 0)
	}

	return reconcile.GrantInput{
		OwnerID:      ownerID,
		PlanKind:     kind,
		Interval:     interval,
		Capabilities: caps,
		Until:        until,
		Now:          now,
	}, nil
}

// Revoke removes capabilities, or the whole record when All is set.
func (s *Service) Revoke(ctx context.Context, req domain.RevokeRequest) (res *domain.Result, err error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	remove := domain.NormalizeCapabilities(req.Capabilities)
	if !req.All && len(remove) == 0 {
		return nil, domain.ErrInvalidCapability
	}

	ctx, done := s.begin(ctx, domain.EntryAdmin, "revoke", ownerID)
	defer func() { done(res, err) }()

	return s.mutate(ctx, domain.EntryAdmin, ownerID, actorFrom(ctx, req.Actor), func(_ *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error) {
		if prev == nil {
			return reconcile.Decision{}, domain.ErrConflict
		}
		if req.All {
			return reconcile.Decision{Action: reconcile.Delete}, nil
		}
		return reconcile.Decision{Action: reconcile.Upsert, Record: reconcile.ApplyRevoke(prev, remove, now)}, nil
	})
}

// CancelOwner cancels the owner's provider subscription, if any, and
// deletes the record. The provider call happens first: a failure there
// leaves the record untouched.
func (s *Service) CancelOwner(ctx context.Context, ownerID, actor string) (res *domain.Result, err error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}

	ctx, done := s.begin(ctx, domain.EntryAdmin, "cancel", ownerID)
	defer func() { done(res, err) }()

	prev, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, domain.ErrNotFound
	}

	if prev.HasRealSubscription() && prev.Status != domain.StatusCancelled {
		if err := s.provider.CancelSubscription(ctx, prev.ProviderSubscriptionRef); err != nil {
			logger.WithContext(ctx, s.log).Warn("provider cancel failed", zap.Error(err))
			return nil, err
		}
	}

	return s.mutate(ctx, domain.EntryAdmin, ownerID, actorFrom(ctx, actor), func(_ *gorm.DB, _ *domain.Record, _ time.Time) (reconcile.Decision, error) {
		return reconcile.Decision{Action: reconcile.Delete}, nil
	})
}
