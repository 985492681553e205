package stripe

import (
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/observability/metrics"
	"github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/smallbiznis/soldiers/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("provider.stripe",
	fx.Provide(Provide),
)

func Provide(cfg config.Config, limiter ratelimit.Limiter, m *metrics.Metrics, log *zap.Logger) domain.Provider {
	adapter := New(Params{
		Config:  cfg.Stripe,
		Limiter: limiter,
		Metrics: m,
		Log:     log,
	})
	if !adapter.Configured() {
		log.Warn("stripe secret key is not set; provider calls will fail")
	}
	return adapter
}
