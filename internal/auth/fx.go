package auth

import (
	"errors"

	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth",
	fx.Provide(provideIssuer),
)

func provideIssuer(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Issuer, error) {
	secret := []byte(cfg.AuthJWTSecret)
	if len(secret) == 0 {
		if cfg.IsProduction() {
			return nil, errors.New("AUTH_JWT_SECRET is required in production")
		}
		generated, err := randomSecret()
		if err != nil {
			return nil, err
		}
		log.Named("auth").Warn("AUTH_JWT_SECRET not set; using an ephemeral signing secret")
		secret = generated
	}
	return NewIssuer(secret, cfg.AuthJWTIssuer, cfg.AuthTokenTTL, clk)
}
