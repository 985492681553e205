package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement"
	entdomain "github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/identity"
	"github.com/smallbiznis/soldiers/internal/observability"
	"github.com/smallbiznis/soldiers/internal/provider/stripe"
	"github.com/smallbiznis/soldiers/internal/ratelimit"
	"github.com/smallbiznis/soldiers/internal/sweep"
	"github.com/smallbiznis/soldiers/pkg/db"
	"github.com/smallbiznis/soldiers/pkg/db/pagination"
	"go.uber.org/fx"
)

const stopTimeout = 15 * time.Second

type sweepRunner interface {
	RunOnce(ctx context.Context) (sweep.Summary, error)
}

type ownerLister interface {
	Iterate(pageSize int, startToken string) *pagination.Iterator[identity.Owner]
}

type deps struct {
	Entitlements entdomain.Service
	Sweeper      sweepRunner
	Owners       ownerLister
}

// connect is swapped in tests.
var connect = func(ctx context.Context) (*deps, func(), error) {
	var (
		entitlements entdomain.Service
		sweeper      *sweep.Sweeper
		directory    *identity.Directory
	)

	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		identity.Module,
		ratelimit.Module,
		stripe.Module,
		entitlement.Module,
		sweep.Module,
		fx.Populate(&entitlements, &sweeper, &directory),
	)
	if err := app.Start(ctx); err != nil {
		return nil, nil, err
	}

	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}
	d := &deps{Entitlements: entitlements}
	if sweeper != nil {
		d.Sweeper = sweeper
	}
	if directory != nil {
		d.Owners = directory
	}
	return d, stop, nil
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Snowflake)
}
