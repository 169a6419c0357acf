// Package migrate brings the connectord schema up to date on startup, using
// goose over the SQL files embedded in migrations/.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/aseleznov/connectord/migrations"
)

// Up applies every pending migration against the given DSN. It opens its own
// database/sql connection because goose does not speak pgxpool.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}
