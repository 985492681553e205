package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/repository"
	"github.com/smallbiznis/soldiers/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"gorm.io/gorm"
)

// lostClaimRepo reports every claim as already taken by another owner.
type lostClaimRepo struct {
	domain.Repository
}

func (lostClaimRepo) MarkGrantClaimed(context.Context, *gorm.DB, snowflake.ID, string, time.Time) (bool, error) {
	return false, nil
}

func withTelemetry(t *testing.T, reader *sdkmetric.ManualReader) func(*ServiceParam) {
	t.Helper()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	telemetry, err := metrics.New(metrics.Config{ServiceName: "soldiers-test"}, provider)
	require.NoError(t, err)
	return func(p *ServiceParam) { p.Telemetry = telemetry }
}

func pendingCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "soldiers_pending_grants_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, point := range sum.DataPoints {
				if v, ok := point.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
					total += point.Value
				}
			}
		}
	}
	return total
}

func parkYearlyGrant(t *testing.T, f *fixture) {
	t.Helper()
	f.provider.sessions["cs_9"] = &providerdomain.CheckoutSession{
		ID:            "cs_9",
		Mode:          providerdomain.SessionModeSubscription,
		Status:        providerdomain.SessionStatusComplete,
		PaymentStatus: providerdomain.PaymentStatusPaid,
		CustomerEmail: "new@example.com",
		Subscription:  yearlyFacts(),
	}
	f.provider.events["evt_9"] = &providerdomain.WebhookEvent{
		ID:       "evt_9",
		Type:     providerdomain.EventCheckoutSessionCompleted,
		ObjectID: "cs_9",
	}

	res, err := f.svc.HandleWebhook(context.Background(), []byte("evt_9"), "valid")
	require.NoError(t, err)
	require.Equal(t, domain.ActionPending, res.Action)
}

func TestClaimPendingGrantCountsClaim(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	f := newFixture(t, withTelemetry(t, reader))
	parkYearlyGrant(t, f)

	res, err := f.svc.ClaimPendingGrants(context.Background(), "usr_9", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, int64(1), pendingCount(t, reader, "claimed"))
}

func TestClaimPendingGrantLostRaceIsNotCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	f := newFixture(t, withTelemetry(t, reader), func(p *ServiceParam) {
		p.Repo = lostClaimRepo{Repository: repository.Provide()}
	})
	parkYearlyGrant(t, f)

	res, err := f.svc.ClaimPendingGrants(context.Background(), "usr_9", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)
	assert.Nil(t, res.Record)
	assert.Equal(t, int64(0), pendingCount(t, reader, "claimed"))
	assert.Empty(t, f.audit(t, "usr_9"))
}
