// Package migrations applies the arena's Postgres schema using
// golang-migrate/migrate/v4 against SQL files embedded with embed.FS, the
// way internal/platform/migrations does in the teacher, adapted to drive
// the migrations through the library's iofs source and postgres database
// driver instead of execing each file's text directly.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var files embed.FS

// Apply runs every pending migration against db in lexical order. It is
// safe to call on every process start: golang-migrate tracks applied
// versions in a schema_migrations table and is a no-op once the schema is
// current.
func Apply(db *sql.DB) error {
	source, err := iofs.New(files, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
