package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/reconcile"
	obscontext "github.com/smallbiznis/soldiers/internal/observability/context"
	"github.com/smallbiznis/soldiers/internal/observability/logger"
	"github.com/smallbiznis/soldiers/internal/observability/metrics"
	"github.com/smallbiznis/soldiers/internal/observability/tracing"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	owners   domain.OwnerDirectory
	provider providerdomain.Provider
	catalog  *config.EntitlementConfigHolder
	stripe   config.StripeConfig

	metrics   *metrics.EntitlementMetrics
	telemetry *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Owners   domain.OwnerDirectory
	Provider providerdomain.Provider
	Catalog  *config.EntitlementConfigHolder
	Config   config.Config

	Metrics   *metrics.EntitlementMetrics `optional:"true"`
	Telemetry *metrics.Metrics            `optional:"true"`
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("entitlement.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		owners:   p.Owners,
		provider: p.Provider,
		catalog:  p.Catalog,
		stripe:   p.Config.Stripe,

		metrics:   p.Metrics,
		telemetry: p.Telemetry,
	}
}

// mutation decides what to persist given the locked previous record. It runs
// inside the write transaction and must only touch tx.
type mutation func(tx *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error)

// mutate is the only write path: one transaction that reads the previous
// record for update, applies fn and writes the result with its audit row.
func (s *Service) mutate(ctx context.Context, entry domain.EntryPoint, ownerID, actor string, fn mutation) (*domain.Result, error) {
	ctx = obscontext.WithOwnerID(ctx, ownerID)
	now := s.clock.Now()

	var (
		action domain.Action
		record *domain.Record
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := s.repo.GetForUpdate(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		decision, err := fn(tx, prev, now)
		if err != nil {
			return err
		}
		action, record, err = s.persist(ctx, tx, entry, actor, prev, decision, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("entitlement reconciled", zap.String("action", string(action)))
	return s.result(ownerID, action, record, now), nil
}

func (s *Service) persist(ctx context.Context, tx *gorm.DB, entry domain.EntryPoint, actor string, prev *domain.Record, decision reconcile.Decision, now time.Time) (domain.Action, *domain.Record, error) {
	switch decision.Action {
	case reconcile.Delete:
		if prev == nil {
			return domain.ActionKeep, nil, nil
		}
		if _, err := s.repo.Delete(ctx, tx, prev.OwnerID); err != nil {
			return "", nil, err
		}
		if err := s.audit(ctx, tx, entry, actor, domain.ActionDelete, prev, nil, now); err != nil {
			return "", nil, err
		}
		return domain.ActionDelete, nil, nil

	case reconcile.Upsert:
		next := decision.Record
		if next == nil {
			return "", nil, errors.New("upsert decision without record")
		}
		if reconcile.SameState(prev, next) {
			return domain.ActionKeep, prev, nil
		}
		next.UnlockedCapabilities = domain.NormalizeCapabilities(next.UnlockedCapabilities)
		next.UpdatedAt = now
		if err := s.repo.Upsert(ctx, tx, next); err != nil {
			return "", nil, err
		}
		if err := s.audit(ctx, tx, entry, actor, domain.ActionUpsert, prev, next, now); err != nil {
			return "", nil, err
		}
		return domain.ActionUpsert, next, nil

	default:
		return domain.ActionKeep, prev, nil
	}
}

func (s *Service) audit(ctx context.Context, tx *gorm.DB, entry domain.EntryPoint, actor string, action domain.Action, before, after *domain.Record, now time.Time) error {
	beforeState, err := snapshot(before)
	if err != nil {
		return err
	}
	afterState, err := snapshot(after)
	if err != nil {
		return err
	}

	ownerID := ""
	switch {
	case after != nil:
		ownerID = after.OwnerID
	case before != nil:
		ownerID = before.OwnerID
	}

	return s.repo.InsertAudit(ctx, tx, &domain.AuditLog{
		ID:          s.genID.Generate(),
		OwnerID:     ownerID,
		EntryPoint:  string(entry),
		Action:      string(action),
		Actor:       actor,
		BeforeState: beforeState,
		AfterState:  afterState,
		CreatedAt:   now,
	})
}

func snapshot(record *domain.Record) (datatypes.JSON, error) {
	if record == nil {
		return nil, nil
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func (s *Service) result(ownerID string, action domain.Action, record *domain.Record, now time.Time) *domain.Result {
	return &domain.Result{
		OwnerID:      ownerID,
		Action:       action,
		Record:       record,
		Capabilities: record.EffectiveCapabilities(now),
		HasAccess:    record.HasAccess(now),
		EvaluatedAt:  now,
	}
}

func (s *Service) policy() reconcile.Policy {
	return reconcile.NewPolicy(s.catalog.Get())
}

// reconcileWith is the provider-facts mutation shared by every entry point.
func (s *Service) reconcileWith(ownerID string, facts *providerdomain.Facts, purchase *domain.PurchaseContext) mutation {
	policy := s.policy()
	return func(_ *gorm.DB, prev *domain.Record, now time.Time) (reconcile.Decision, error) {
		return reconcile.Reconcile(reconcile.Input{
			OwnerID:  ownerID,
			Previous: prev,
			Facts:    facts,
			Purchase: purchase,
			Policy:   policy,
			Now:      now,
		}), nil
	}
}

// lookupFacts folds provider "not found" into nil facts. Any other failure
// is returned untouched so callers never mistake an outage for a missing
// subscription.
func (s *Service) lookupFacts(ctx context.Context, identity string) (*providerdomain.Facts, error) {
	facts, err := s.provider.FindActiveSubscription(ctx, identity)
	if errors.Is(err, providerdomain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return facts, nil
}

// begin tags ctx for logging and tracing and returns the function that
// closes the span and records metrics.
func (s *Service) begin(ctx context.Context, entry domain.EntryPoint, op, ownerID string) (context.Context, func(*domain.Result, error)) {
	start := time.Now()
	if ownerID != "" {
		ctx = obscontext.WithOwnerID(ctx, ownerID)
	}
	ctx = obscontext.WithEntryPoint(ctx, string(entry))
	ctx, span := tracing.Start(ctx, "entitlement."+op,
		attribute.String("entry_point", string(entry)),
		attribute.String("owner_id", ownerID),
	)

	return ctx, func(res *domain.Result, err error) {
		s.metrics.ObserveReconcile(string(entry), time.Since(start))
		finishSpan(span, res, err)
		if err != nil {
			s.metrics.IncReconcileError(string(entry), err)
			return
		}
		if res != nil {
			s.metrics.IncReconcile(string(entry), string(res.Action))
		}
	}
}

func finishSpan(span trace.Span, res *domain.Result, err error) {
	if err != nil {
		safe := tracing.SafeError(err)
		span.RecordError(safe)
		span.SetStatus(codes.Error, safe.Error())
	} else if res != nil {
		span.SetAttributes(attribute.String("action", string(res.Action)))
	}
	span.End()
}

func actorFrom(ctx context.Context, explicit string) string {
	if actor := strings.TrimSpace(explicit); actor != "" {
		return actor
	}
	actorType, actorID := obscontext.ActorFromContext(ctx)
	switch {
	case actorType != "" && actorID != "":
		return actorType + ":" + actorID
	case actorType != "":
		return actorType
	default:
		return obscontext.ActorSystem
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
