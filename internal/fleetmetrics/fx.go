package fleetmetrics

import "go.uber.org/fx"

var Module = fx.Module("fleet.metrics",
	fx.Provide(NewPusher),
	fx.Provide(NewCollector),
)
