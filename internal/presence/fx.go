package presence

import (
	"github.com/smallbiznis/licensehub/internal/presence/repository"
	"github.com/smallbiznis/licensehub/internal/presence/service"
	"go.uber.org/fx"
)

var Module = fx.Module("presence.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
