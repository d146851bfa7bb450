package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/licensehub/internal/audit/domain"
	licensedomain "github.com/smallbiznis/licensehub/internal/license/domain"
	presencedomain "github.com/smallbiznis/licensehub/internal/presence/domain"
	userdomain "github.com/smallbiznis/licensehub/internal/user/domain"
	"github.com/smallbiznis/licensehub/pkg/db"
	"gorm.io/gorm"
)

//go:embed sql
var embeddedMigrations embed.FS

// Run brings the schema up to date. Postgres and MySQL use versioned SQL
// migrations; SQLite, used for local runs and tests, is auto-migrated from
// the models.
func Run(conn *gorm.DB, dbType string) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	if dbType == db.TypeSQLite {
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB, dbType)
}

func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&userdomain.User{},
		&licensedomain.License{},
		&presencedomain.ServerStatus{},
		&auditdomain.AuditLog{},
	)
}

func RunMigrations(sqlDB *sql.DB, dbType string) error {
	if sqlDB == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, "sql/"+dbType)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var driver database.Driver
	switch dbType {
	case db.TypePostgres:
		driver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	case db.TypeMySQL:
		driver, err = migratemysql.WithInstance(sqlDB, &migratemysql.Config{})
	default:
		return fmt.Errorf("unsupported migration database %q", dbType)
	}
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, dbType, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
