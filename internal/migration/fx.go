package migration

import (
	"context"
	"strings"

	"github.com/smallbiznis/licensehub/internal/config"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, cfg config.Config, users userdomain.Service, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if cfg.MigrateOnStart {
					if err := Run(conn, cfg.DBType); err != nil {
						return err
					}
				}
				return SeedAdmin(ctx, users, cfg, log)
			},
		})
	}),
)

// SeedAdmin makes sure the configured bootstrap administrator exists. An
// empty username skips seeding.
func SeedAdmin(ctx context.Context, users userdomain.Service, cfg config.Config, log *zap.Logger) error {
	username := strings.TrimSpace(cfg.BootstrapAdminUsername)
	if username == "" {
		return nil
	}
	admin, created, err := users.EnsureAdmin(ctx, username, cfg.BootstrapAdminEmail)
	if err != nil {
		return err
	}
	if created {
		log.Info("bootstrap admin created; mint a token with `licensehub token`",
			zap.String("username", admin.Username),
			zap.String("user_id", admin.ID.String()),
		)
	}
	return nil
}
