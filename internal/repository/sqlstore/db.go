package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// InitDB connects, pings and migrates the database.
func InitDB(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	slog.Info("Database connected and migrated", "driver", driver)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		sale_number TEXT NOT NULL UNIQUE,
		sale_date TIMESTAMP NOT NULL,
		customer TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Active',
		total_amount NUMERIC(18,4) NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sale_items (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		position INTEGER NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price NUMERIC(18,4) NOT NULL,
		discount NUMERIC(18,4) NOT NULL DEFAULT 0,
		total_amount NUMERIC(18,4) NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items (sale_id)`,
	`CREATE TABLE IF NOT EXISTS sale_events (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		stream_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		published_at TIMESTAMP NULL,
		UNIQUE (stream_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sale_events_unpublished ON sale_events (published_at, created_at)`,
}

// Migrate creates the tables used by the sale repository and the outbox.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
