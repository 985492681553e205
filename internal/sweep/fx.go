package sweep

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the Sweeper without scheduling it. Binaries that own the
// loop add Scheduled.
var Module = fx.Module("sweep",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

var Scheduled = fx.Invoke(RegisterLoop)

func RegisterLoop(lc fx.Lifecycle, cfg Config, sweeper *Sweeper, log *zap.Logger) {
	if !cfg.Enabled {
		log.Info("entitlement sweep disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				sweeper.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				log.Warn("entitlement sweep did not stop in time")
				return ctx.Err()
			}
		},
	})
}
