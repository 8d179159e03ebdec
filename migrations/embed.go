// Package migrations embeds the goose SQL migrations for the Postgres schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Dir is the directory name goose reads from inside FS.
const Dir = "."

const dialectPostgres = "postgres"

//go:embed *.sql
var FS embed.FS

// Run executes a goose command (up, down, status, version, redo, up-to, down-to) against db.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect(dialectPostgres); err != nil {
		return fmt.Errorf("migrations: dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, Dir, args...); err != nil {
		return fmt.Errorf("migrations: %s: %w", command, err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}
