package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/migration"
	"github.com/smallbiznis/soldiers/internal/observability"
	"github.com/smallbiznis/soldiers/internal/server"
	"github.com/smallbiznis/soldiers/internal/sweep"
	"github.com/smallbiznis/soldiers/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP entry points plus the in-process sweep loop
		server.Module,
		sweep.Scheduled,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.Snowflake)
}
