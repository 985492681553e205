// Package sweep periodically reconciles owners whose entitlement is not
// confirmed active, catching webhooks that never arrived.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/soldiers/internal/observability/context"
	obslogger "github.com/smallbiznis/soldiers/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/soldiers/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/smallbiznis/soldiers/internal/ratelimit"
	"github.com/smallbiznis/soldiers/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const lockKey = "soldiers:sweep:lock"

const (
	resultChanged   = "changed"
	resultUnchanged = "unchanged"
	resultSkipped   = "skipped"
	resultFailed    = "failed"
)

var ErrInvalidConfig = errors.New("invalid_sweep_config")

type reconciler interface {
	Reconcile(ctx context.Context, req domain.ReconcileRequest) (*domain.Result, error)
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Repo         domain.Repository
	Entitlements domain.Service
	Config       Config
	Locker       *ratelimit.Locker              `optional:"true"`
	Metrics      *obsmetrics.EntitlementMetrics `optional:"true"`
}

type Sweeper struct {
	db      *gorm.DB
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	repo    domain.Repository
	svc     reconciler
	locker  *ratelimit.Locker
	metrics *obsmetrics.EntitlementMetrics
}

// Summary counts what one sweep did.
type Summary struct {
	Scanned   int  `json:"scanned"`
	Changed   int  `json:"changed"`
	Unchanged int  `json:"unchanged"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	LockHeld  bool `json:"lock_held"`
}

func New(p Params) (*Sweeper, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Repo == nil || p.Entitlements == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		db:      p.DB,
		log:     p.Log.Named("sweep").With(zap.String("component", "sweep")),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		repo:    p.Repo,
		svc:     p.Entitlements,
		locker:  p.Locker,
		metrics: p.Metrics,
	}, nil
}

// RunOnce sweeps every candidate once. When another replica holds the sweep
// lock it returns immediately with LockHeld set.
func (s *Sweeper) RunOnce(parent context.Context) (Summary, error) {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()
	ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "sweep")
	ctx = obscontext.WithEntryPoint(ctx, string(domain.EntrySweep))
	log := obslogger.WithContext(ctx, s.log)

	release, acquired, err := s.acquire(ctx)
	if err != nil {
		s.metrics.IncSweepRun(obsmetrics.SweepOutcomeFailed)
		return Summary{}, fmt.Errorf("sweep lock: %w", err)
	}
	if !acquired {
		s.metrics.IncSweepRun(obsmetrics.SweepOutcomeSkipped)
		log.Debug("sweep lock held elsewhere")
		return Summary{LockHeld: true}, nil
	}
	defer release()

	summary, err := s.sweep(ctx, start)
	s.metrics.ObserveSweep(time.Since(start))
	s.metrics.AddSweepOwners(resultChanged, summary.Changed)
	s.metrics.AddSweepOwners(resultUnchanged, summary.Unchanged)
	s.metrics.AddSweepOwners(resultSkipped, summary.Skipped)
	s.metrics.AddSweepOwners(resultFailed, summary.Failed)

	fields := []zap.Field{
		zap.Int("scanned", summary.Scanned),
		zap.Int("changed", summary.Changed),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.metrics.IncSweepRun(obsmetrics.SweepOutcomeFailed)
		log.Warn("sweep finished with errors", append(fields, zap.Error(err))...)
		return summary, err
	}
	s.metrics.IncSweepRun(obsmetrics.SweepOutcomeCompleted)
	log.Info("sweep finished", fields...)
	return summary, nil
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
		errs    error
	)
	count := func(result string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case resultChanged:
			summary.Changed++
		case resultUnchanged:
			summary.Unchanged++
		case resultSkipped:
			summary.Skipped++
		case resultFailed:
			summary.Failed++
			errs = errors.Join(errs, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	it := s.Candidates(now, "")
	for it.Next(gctx) {
		candidate := it.Item()
		summary.Scanned++
		g.Go(func() error {
			count(s.reconcileOne(gctx, candidate))
			return nil
		})
	}
	_ = g.Wait()

	if err := it.Err(); err != nil && !errors.Is(err, context.Canceled) {
		errs = errors.Join(errs, err)
	}
	return summary, errs
}

// reconcileOne never fails the group; provider outages count as skipped.
func (s *Sweeper) reconcileOne(ctx context.Context, candidate domain.SweepCandidate) (string, error) {
	res, err := s.svc.Reconcile(ctx, domain.ReconcileRequest{
		OwnerID:    candidate.OwnerID,
		Email:      candidate.Email,
		EntryPoint: domain.EntrySweep,
	})
	switch {
	case err == nil:
	case providerdomain.IsProviderError(err):
		obslogger.WithContext(ctx, s.log).Warn("provider unavailable, owner skipped",
			zap.String("owner_id", candidate.OwnerID),
			zap.Error(err),
		)
		return resultSkipped, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resultSkipped, nil
	default:
		return resultFailed, fmt.Errorf("owner %s: %w", candidate.OwnerID, err)
	}

	if res == nil || res.Action == domain.ActionKeep {
		return resultUnchanged, nil
	}
	return resultChanged, nil
}

// Candidates lazily lists owners lacking a confirmed active entitlement.
func (s *Sweeper) Candidates(now time.Time, startToken string) *pagination.Iterator[domain.SweepCandidate] {
	fetch := func(ctx context.Context, pageToken string, pageSize int) ([]domain.SweepCandidate, string, error) {
		after, err := pagination.DecodeCursor(pageToken)
		if err != nil {
			return nil, "", err
		}
		items, err := s.repo.ListSweepCandidates(ctx, s.db.WithContext(ctx), now, after, pageSize+1)
		if err != nil {
			return nil, "", err
		}
		page, info, err := pagination.BuildCursorPageInfo(items, pageSize, func(c domain.SweepCandidate) pagination.Cursor {
			return pagination.Cursor{ID: c.OwnerID, CreatedAt: c.CreatedAt}
		})
		if err != nil {
			return nil, "", err
		}
		return page, info.NextPageToken, nil
	}
	return pagination.NewIterator[domain.SweepCandidate](fetch, s.cfg.BatchSize, startToken)
}

// acquire takes the cross-replica lock and keeps it alive until release.
// Without Redis the sweep runs unguarded.
func (s *Sweeper) acquire(ctx context.Context) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}

	token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil || !ok {
		return nil, false, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.locker.Extend(ctx, lockKey, token, s.cfg.LockTTL); err != nil {
					s.log.Warn("sweep lock extend failed", zap.Error(err))
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, lockKey, token); err != nil {
			s.log.Warn("sweep lock release failed", zap.Error(err))
		}
	}, true, nil
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.Interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
