package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/attribution/internal/attribution"
	"github.com/smallbiznis/attribution/internal/attributionjob"
	"github.com/smallbiznis/attribution/internal/audit"
	"github.com/smallbiznis/attribution/internal/clock"
	"github.com/smallbiznis/attribution/internal/config"
	"github.com/smallbiznis/attribution/internal/locker"
	"github.com/smallbiznis/attribution/internal/observability"
	"github.com/smallbiznis/attribution/internal/observer"
	"github.com/smallbiznis/attribution/internal/reconciliation"
	"github.com/smallbiznis/attribution/internal/scheduler"
	"github.com/smallbiznis/attribution/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,
		observer.Module,

		// Domain services required by scheduler
		audit.Module,
		attribution.Module,
		attributionjob.Module,
		reconciliation.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	// SNOWFLAKE_NODE must differ from the API process node
	return snowflake.NewNode(cfg.SnowflakeNode)
}
