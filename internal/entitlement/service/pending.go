package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/reconcile"
	"gorm.io/gorm"
)

// ClaimPendingGrants applies every unclaimed grant parked for email to
// ownerID. Each grant is claimed in its own transaction and only once.
func (s *Service) ClaimPendingGrants(ctx context.Context, ownerID, email string) (res *domain.Result, err error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	email = normalizeEmail(email)
	if email == "" {
		return nil, domain.ErrInvalidEmail
	}

	ctx, done := s.begin(ctx, domain.EntryClaim, "claim", ownerID)
	defer func() { done(res, err) }()

	grants, err := s.repo.ListUnclaimedGrants(ctx, s.db.WithContext(ctx), email)
	if err != nil {
		return nil, err
	}

	actor := actorFrom(ctx, "")
	for _, grant := range grants {
		claimed, err := s.mutate(ctx, domain.EntryClaim, ownerID, actor, func(tx *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error) {
			ok, err := s.repo.MarkGrantClaimed(ctx, tx, grant.ID, ownerID, now)
			if err != nil {
				return reconcile.Decision{}, err
			}
			if !ok {
				return reconcile.Decision{Action: reconcile.Keep, Record: prev.Clone()}, nil
			}
			return reconcile.Decision{Action: reconcile.Upsert, Record: reconcile.ApplyPending(prev, ownerID, grant, now)}, nil
		})
		if err != nil {
			return nil, err
		}
		if claimed.Action != domain.ActionKeep {
			s.telemetry.RecordPendingGrant(ctx, "claimed")
		}
		res = claimed
	}
	if res != nil {
		return res, nil
	}

	record, err := s.repo.Get(ctx, s.db.WithContext(ctx), ownerID)
	if err != nil {
		return nil, err
	}
	return s.result(ownerID, domain.ActionKeep, record, s.clock.Now()), nil
}
