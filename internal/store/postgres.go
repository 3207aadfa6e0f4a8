package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS pollen_readings_hourly (
		city_slug   TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		tz          TEXT,
		grass       INTEGER,
		tree        INTEGER,
		weed        INTEGER,
		total       INTEGER,
		risk_grass  TEXT,
		risk_tree   TEXT,
		risk_weed   TEXT,
		species     JSONB,
		plants      JSONB,
		source      TEXT NOT NULL DEFAULT 'ambee',
		is_forecast BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (city_slug, ts, source)
	)`,
	// Tables created before forecasts were stored lack these columns.
	`ALTER TABLE pollen_readings_hourly ADD COLUMN IF NOT EXISTS plants JSONB`,
	`ALTER TABLE pollen_readings_hourly ADD COLUMN IF NOT EXISTS is_forecast BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_pollen_hourly_city_ts ON pollen_readings_hourly (city_slug, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_pollen_hourly_ts ON pollen_readings_hourly (ts)`,
	`CREATE TABLE IF NOT EXISTS ingest_logs (
		id      BIGSERIAL PRIMARY KEY,
		ts      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		job     TEXT,
		status  TEXT,
		details JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_logs_ts ON ingest_logs (ts DESC)`,
	`CREATE TABLE IF NOT EXISTS ambee_usage_logs (
		id          BIGSERIAL PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		job         TEXT,
		job_id      TEXT,
		ambee_calls INTEGER NOT NULL DEFAULT 0,
		notes       JSONB
	)`,
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema:   postgresSchema,
	dateExpr: `to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD')`,
	jsonCast: "::jsonb",
	timeArg:  func(t time.Time) any { return t.UTC() },
}

// PoolConfig sizes the Postgres connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var defaultPool = PoolConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}

// OpenPostgres connects to Postgres through lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, pool *PoolConfig) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := defaultPool
	if pool != nil {
		p = *pool
	}
	db.SetMaxOpenConns(p.MaxOpenConns)
	db.SetMaxIdleConns(p.MaxIdleConns)
	db.SetConnMaxLifetime(p.ConnMaxLifetime)

	return &SQLStore{db: db, dialect: postgresDialect}, nil
}
