package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationFS embed.FS

// ErrNoChange is returned when the schema is already at the target version.
var ErrNoChange = migrate.ErrNoChange

// MigrationFS returns the embedded migrations for a dialect.
func MigrationFS(dialect Dialect) (fs.FS, error) {
	return fs.Sub(migrationFS, "migrations/"+string(dialect))
}

// Migrate applies the embedded migrations in the given direction ("up" or
// "down"). PostgreSQL migrations run over their own connection built from
// dsn; SQLite migrations run over db so in-memory databases are migrated in
// place. Reaching the target version already is not an error.
func Migrate(db *sql.DB, dialect Dialect, dsn string, direction string) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	migrations, err := MigrationFS(dialect)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	src, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectPostgres:
		if dsn == "" {
			return errors.New("database URL is not set")
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, dsn)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer func() { _, _ = m.Close() }()
	case DialectSQLite:
		if db == nil {
			return errors.New("sqlite3 migrations need an open database")
		}
		driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, string(DialectSQLite), driver)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		// m.Close would close db, which belongs to the caller.
		defer src.Close()
	default:
		return fmt.Errorf("unsupported database driver: %s", dialect)
	}

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
