package migration

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	"github.com/smallbiznis/licensehub/internal/clock"
	"github.com/smallbiznis/licensehub/internal/config"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	userrepo "github.com/smallbiznis/licensehub/internal/user/repository"
	usersvc "github.com/smallbiznis/licensehub/internal/user/service"
	"github.com/smallbiznis/licensehub/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditStub struct{}

func (auditStub) AuditLog(context.Context, string, string, *string, map[string]any) error {
	return nil
}

func (auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return conn
}

func TestRunAutoMigratesSQLite(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, Run(conn, db.TypeSQLite))

	for _, table := range []string{"users", "licenses", "server_status", "audit_logs"} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
	require.NoError(t, Run(conn, db.TypeSQLite), "rerun is a no-op")
}

func TestRunRejectsUnknownDialect(t *testing.T) {
	conn := openTestDB(t)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	assert.Error(t, RunMigrations(sqlDB, "oracle"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	for _, dialect := range []string{db.TypePostgres, db.TypeMySQL} {
		entries, err := fs.ReadDir(embeddedMigrations, "sql/"+dialect)
		require.NoError(t, err)

		ups := map[string]bool{}
		downs := map[string]bool{}
		for _, e := range entries {
			name := e.Name()
			switch {
			case strings.HasSuffix(name, ".up.sql"):
				ups[strings.TrimSuffix(name, ".up.sql")] = true
			case strings.HasSuffix(name, ".down.sql"):
				downs[strings.TrimSuffix(name, ".down.sql")] = true
			}
		}
		assert.Len(t, ups, 4, dialect)
		assert.Equal(t, ups, downs, dialect)
	}
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	require.NoError(t, AutoMigrate(conn))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	users := usersvc.New(usersvc.Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		Repo:     userrepo.Provide(),
		AuditSvc: auditStub{},
	})
	cfg := config.Config{BootstrapAdminUsername: "admin", BootstrapAdminEmail: "admin@example.com"}

	require.NoError(t, SeedAdmin(context.Background(), users, cfg, zap.NewNop()))
	require.NoError(t, SeedAdmin(context.Background(), users, cfg, zap.NewNop()))

	var admins []userdomain.User
	require.NoError(t, conn.Where("role = ?", "admin").Find(&admins).Error)
	require.Len(t, admins, 1)
	assert.Equal(t, "admin", admins[0].Username)

	cfg.BootstrapAdminUsername = ""
	assert.NoError(t, SeedAdmin(context.Background(), users, cfg, zap.NewNop()))
}
