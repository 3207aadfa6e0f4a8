package pollen

import (
	"context"
	"time"
)

// HourlyProvider returns one Reading per hour in [from, to) for a coordinate.
// City is left empty; callers attach it.
type HourlyProvider interface {
	Name() string
	FetchHourly(ctx context.Context, lat, lon float64, from, to time.Time) ([]Reading, error)
}

// ForecastProvider returns up to five day-resolution forecast Readings.
type ForecastProvider interface {
	Name() string
	FetchForecast(ctx context.Context, lat, lon float64) ([]Reading, error)
}

// DateQuery filters DistinctDates. Empty fields match everything.
type DateQuery struct {
	City   string
	Source Source
	Limit  int
}

// Store is the persistence contract shared by the SQL and in-memory stores.
// Time ranges are half-open [from, to) and results are ordered by timestamp,
// then source.
type Store interface {
	UpsertReading(ctx context.Context, r Reading) error
	ReadingsByCityAndRange(ctx context.Context, city string, from, to time.Time) ([]Reading, error)
	ReadingsByDateRange(ctx context.Context, from, to time.Time) ([]Reading, error)
	DistinctDates(ctx context.Context, q DateQuery) ([]string, error)

	AppendIngestLog(ctx context.Context, entry IngestLogEntry) error
	RecentIngestLogs(ctx context.Context, limit int) ([]IngestLogEntry, error)
	AppendProviderUsage(ctx context.Context, usage ProviderUsage) error

	Close() error
}
