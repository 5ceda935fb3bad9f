package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantcore/internal/cache"
	"github.com/smallbiznis/tenantcore/internal/clock"
	"github.com/smallbiznis/tenantcore/internal/config"
	"github.com/smallbiznis/tenantcore/internal/engine"
	"github.com/smallbiznis/tenantcore/internal/events"
	"github.com/smallbiznis/tenantcore/internal/lock"
	"github.com/smallbiznis/tenantcore/internal/migration"
	"github.com/smallbiznis/tenantcore/internal/observability"
	"github.com/smallbiznis/tenantcore/internal/queue"
	"github.com/smallbiznis/tenantcore/internal/router"
	"github.com/smallbiznis/tenantcore/internal/server"
	"github.com/smallbiznis/tenantcore/internal/tenant"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		events.Module,
		router.Module,
		migration.Module,
		cache.Module,
		lock.Module,

		// Serving components
		tenant.Module,
		queue.Module,
		engine.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
