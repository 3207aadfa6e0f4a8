// Package store persists pollen readings, ingest logs and provider usage.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// DSN is a connection string for postgres or a file path for sqlite.
	DSN string
	// MaxAge bounds reading retention in the memory store.
	MaxAge time.Duration
	Pool   *PoolConfig
	Clock  clockwork.Clock
}

// Open builds the configured store and applies the schema for SQL backends.
func Open(ctx context.Context, opts Options) (pollen.Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(opts.MaxAge, opts.Clock), nil
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}

	var (
		s   *SQLStore
		err error
	)
	if opts.Driver == DriverPostgres {
		s, err = OpenPostgres(ctx, opts.DSN, opts.Pool)
	} else {
		s, err = OpenSQLite(ctx, opts.DSN)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
