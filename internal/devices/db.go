package devices

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	// InitDatabase owns the driver choice for the key store.
	_ "modernc.org/sqlite"

	"github.com/hyposync/hyposync/internal/devices/migrations"
	"github.com/hyposync/hyposync/internal/filex"
)

// RunMigrations applies the embedded goose migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens the SQLite key store at dsn, applies migrations and
// returns a ready Repository.
func InitDatabase(ctx context.Context, dsn string) (Repository, *sql.DB, error) {
	if err := filex.EnsureParentDir(dsn); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return NewSQLiteRepository(db), db, nil
}
