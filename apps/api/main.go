package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensehub/internal/audit"
	"github.com/smallbiznis/licensehub/internal/auth"
	"github.com/smallbiznis/licensehub/internal/authorization"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"github.com/smallbiznis/licensehub/internal/events"
	"github.com/smallbiznis/licensehub/internal/license"
	"github.com/smallbiznis/licensehub/internal/observability"
	"github.com/smallbiznis/licensehub/internal/presence"
	"github.com/smallbiznis/licensehub/internal/ratelimit"
	"github.com/smallbiznis/licensehub/internal/reporting"
	"github.com/smallbiznis/licensehub/internal/server"
	"github.com/smallbiznis/licensehub/internal/user"
	"github.com/smallbiznis/licensehub/internal/validation"
	"github.com/smallbiznis/licensehub/pkg/db"
	"go.uber.org/fx"
)

// The API binary serves HTTP only. Migrations and the stale sweep run in the
// all-in-one binary or the sweeper.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Core dependencies for API
		audit.Module,
		authorization.Module,
		auth.Module,
		events.Module,
		presence.Module,
		license.Module,
		user.Module,
		validation.Module,
		reporting.Module,
		ratelimit.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
