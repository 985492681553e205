package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement"
	"github.com/smallbiznis/soldiers/internal/identity"
	"github.com/smallbiznis/soldiers/internal/observability"
	"github.com/smallbiznis/soldiers/internal/provider/stripe"
	"github.com/smallbiznis/soldiers/internal/ratelimit"
	"github.com/smallbiznis/soldiers/internal/sweep"
	"github.com/smallbiznis/soldiers/pkg/db"
	"go.uber.org/fx"
)

// The sweeper runs the reconciliation loop without serving HTTP, for
// deployments that keep the API replicas free of background work.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Services the sweep reconciles through
		identity.Module,
		ratelimit.Module,
		stripe.Module,
		entitlement.Module,

		// No server module!
		sweep.Module,
		sweep.Scheduled,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Snowflake)
}
