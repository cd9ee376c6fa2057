package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/attribution"
	"github.com/smallbiznis/attribution/internal/attributionjob"
	"github.com/smallbiznis/attribution/internal/audit"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/locker"
	"github.com/smallbiznis/attribution/internal/migration"
	"github.com/smallbiznis/attribution/internal/observability"
	"github.com/smallbiznis/attribution/internal/observer"
	"github.com/smallbiznis/attribution/internal/ratelimit"
	"github.com/smallbiznis/attribution/internal/reconciliation"
	"github.com/smallbiznis/attribution/internal/scheduler"
	"github.com/smallbiznis/attribution/internal/server"
	"github.com/smallbiznis/attribution/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		locker.Module,
		observer.Module,

		// Functional Domains
		audit.Module,
		attribution.Module,
		attributionjob.Module,
		reconciliation.Module,
		scheduler.Module,

		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
