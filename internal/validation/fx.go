package validation

import "go.uber.org/fx"

var Module = fx.Module("validation.engine",
	fx.Provide(New),
)
