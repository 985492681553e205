package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonProviderError        = "provider_error"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonValidation           = "validation"
	ReasonPaymentIncomplete    = "payment_incomplete"
	ReasonForbidden            = "forbidden"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonDB                   = "db"
	ReasonUnknown              = "unknown"
)

const (
	SweepOutcomeCompleted = "completed"
	SweepOutcomeFailed    = "failed"
	SweepOutcomeSkipped   = "skipped"
)

// NewRegistry returns the registry served on /metrics with runtime collectors
// attached.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// EntitlementMetrics captures reconciliation health for every entry point
// and the sweep loop.
type EntitlementMetrics struct {
	reconcileTotal    *prometheus.CounterVec
	reconcileErrors   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	sweepRuns         *prometheus.CounterVec
	sweepDuration     prometheus.Observer
	sweepOwners       *prometheus.CounterVec
	sweepLag          prometheus.Observer
}

func NewEntitlementMetrics(registerer prometheus.Registerer, cfg Config) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "soldiers"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	reconcileTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "soldiers_reconcile_total",
		Help:        "Reconciliations by entry point and resulting action.",
		ConstLabels: constLabels,
	}, []string{"entry_point", "action"})
	reconcileErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "soldiers_reconcile_errors_total",
		Help:        "Reconciliation failures by entry point and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"entry_point", "reason"})
	reconcileDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "soldiers_reconcile_duration_seconds",
		Help:        "Reconciliation latency including provider round trips.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"entry_point"})
	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "soldiers_sweep_runs_total",
		Help:        "Sweep runs by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "soldiers_sweep_duration_seconds",
		Help:        "Wall time of one full sweep pass.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	})
	sweepOwners := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "soldiers_sweep_owners_total",
		Help:        "Owners visited by the sweep by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	sweepLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "soldiers_sweep_runloop_lag_seconds",
		Help:        "Sweep loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		reconcileTotal,
		reconcileErrors,
		reconcileDuration,
		sweepRuns,
		sweepDuration,
		sweepOwners,
		sweepLag,
	)

	return &EntitlementMetrics{
		reconcileTotal:    reconcileTotal,
		reconcileErrors:   reconcileErrors,
		reconcileDuration: reconcileDuration,
		sweepRuns:         sweepRuns,
		sweepDuration:     sweepDuration,
		sweepOwners:       sweepOwners,
		sweepLag:          sweepLag,
	}
}

func (m *EntitlementMetrics) IncReconcile(entryPoint, action string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(entryPoint, action).Inc()
}

func (m *EntitlementMetrics) IncReconcileError(entryPoint string, err error) {
	if m == nil || err == nil {
		return
	}
	m.reconcileErrors.WithLabelValues(entryPoint, ClassifyReason(err)).Inc()
}

func (m *EntitlementMetrics) ObserveReconcile(entryPoint string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(entryPoint).Observe(elapsed.Seconds())
}

func (m *EntitlementMetrics) IncSweepRun(outcome string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(outcome).Inc()
}

func (m *EntitlementMetrics) ObserveSweep(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}

func (m *EntitlementMetrics) AddSweepOwners(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweepOwners.WithLabelValues(result).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and the run start.
func (m *EntitlementMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.sweepLag.Observe(lag.Seconds())
}

// ClassifyReason maps reconciliation errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case errors.Is(err, providerdomain.ErrInvalidSignature), errors.Is(err, providerdomain.ErrInvalidPayload):
		return ReasonInvalidSignature
	case providerdomain.IsProviderError(err):
		return ReasonProviderError
	case entdomain.IsValidationError(err):
		return ReasonValidation
	case errors.Is(err, entdomain.ErrPaymentNotCompleted):
		return ReasonPaymentIncomplete
	case errors.Is(err, entdomain.ErrSessionOwnerMismatch):
		return ReasonForbidden
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"), hasPGCode(err, "40P01"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	case isDBError(err):
		return ReasonDB
	default:
		return ReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrInvalidValue) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
