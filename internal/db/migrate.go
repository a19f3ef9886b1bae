package db

import (
	"context"
	"database/sql"
	"embed"
	"io"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

func prepareGoose(out io.Writer) error {
	goose.SetBaseFS(migrations)
	if out != nil {
		goose.SetLogger(log.New(out, "", 0))
	}
	return goose.SetDialect("postgres")
}

// RunMigrations applies all pending migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if err := prepareGoose(nil); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// MigrationStatus writes the applied/pending state of every migration to out.
func MigrationStatus(ctx context.Context, db *sql.DB, out io.Writer) error {
	if err := prepareGoose(out); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, "migrations")
}

// SQLFromPool exposes a pool as *sql.DB for goose. Closing the returned
// handle does not close the pool.
func SQLFromPool(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}
