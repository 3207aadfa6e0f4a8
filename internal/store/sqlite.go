package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout keeps text timestamps lexically ordered.
const sqliteTimeLayout = "2006-01-02 15:04:05"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pollen_readings_hourly (
		city_slug   TEXT NOT NULL,
		ts          TEXT NOT NULL,
		tz          TEXT,
		grass       INTEGER,
		tree        INTEGER,
		weed        INTEGER,
		total       INTEGER,
		risk_grass  TEXT,
		risk_tree   TEXT,
		risk_weed   TEXT,
		species     TEXT,
		plants      TEXT,
		source      TEXT NOT NULL DEFAULT 'ambee',
		is_forecast INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (city_slug, ts, source)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pollen_hourly_city_ts ON pollen_readings_hourly (city_slug, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_pollen_hourly_ts ON pollen_readings_hourly (ts)`,
	`CREATE TABLE IF NOT EXISTS ingest_logs (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		job     TEXT,
		status  TEXT,
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_logs_ts ON ingest_logs (ts DESC)`,
	`CREATE TABLE IF NOT EXISTS ambee_usage_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		job         TEXT,
		job_id      TEXT,
		ambee_calls INTEGER NOT NULL DEFAULT 0,
		notes       TEXT
	)`,
}

var sqliteDialect = dialect{
	name:     "sqlite",
	schema:   sqliteSchema,
	dateExpr: `substr(ts, 1, 10)`,
	timeArg:  func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// OpenSQLite opens (or creates) a database file with the modernc driver.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Pragmas are per connection; a single connection also serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}
