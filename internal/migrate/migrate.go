// Package migrate runs the embedded schema migrations via goose: `serve`
// applies them (Up) to bring a database up to the current schema before
// any component touches it, and `validate` only reports their status.
package migrate

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Up applies every pending migration.
func Up(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Status reports the current migration version without applying anything;
// used by `syncbridged validate`.
func Status(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Status(db, "migrations")
}
