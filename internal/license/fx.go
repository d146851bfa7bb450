package license

import (
	"github.com/smallbiznis/licensehub/internal/license/keygen"
	"github.com/smallbiznis/licensehub/internal/license/repository"
	"github.com/smallbiznis/licensehub/internal/license/service"
	"go.uber.org/fx"
)

var Module = fx.Module("license.service",
	fx.Provide(repository.Provide),
	fx.Provide(keygen.New),
	fx.Provide(service.New),
)
