package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/audit"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/fleetmetrics"
	"github.com/smallbiznis/licensehub/internal/observability"
	"github.com/smallbiznis/licensehub/internal/presence"
	"github.com/smallbiznis/licensehub/internal/reporting"
	"github.com/smallbiznis/licensehub/internal/scheduler"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		audit.Module,
		events.Module,
		presence.Module,
		reporting.Module,
		fleetmetrics.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

// RegisterSnowflake uses a node id distinct from the API so audit ids from
// both processes never collide.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
