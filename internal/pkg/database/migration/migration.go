package migration

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	driverName      = "postgres"
	migrationsTable = "espeasy_schema_migrations"
)

// Migrate brings the schema up to the newest migration in folder. A schema
// that is already current is not an error.
func Migrate(dsn, folder string) error {
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer conn.Close()

	driver, err := postgres.WithInstance(conn, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+folder, driverName, driver)
	if err != nil {
		return fmt.Errorf("load migrations from %s: %w", folder, err)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		zap.L().Debug("schema is current")
		return nil
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	zap.L().Info("migrated schema", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
