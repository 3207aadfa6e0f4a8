package pollen

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

const day = 24 * time.Hour

// Service answers the read-side queries by loading readings from the store
// and shaping them with the aggregation functions.
type Service struct {
	store   Store
	locator Locator
	clock   clockwork.Clock
}

// NewService creates a new Service.
func NewService(store Store, locator Locator, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:   store,
		locator: locator,
		clock:   clock,
	}
}

// DailyByDate returns one DailySummary per city for date.
func (s *Service) DailyByDate(ctx context.Context, date string) ([]DailySummary, error) {
	start, err := requireDate(date)
	if err != nil {
		return nil, err
	}
	readings, err := s.store.ReadingsByDateRange(ctx, start, start.Add(day))
	if err != nil {
		return nil, WrapStorage("daily by date", err)
	}
	return nonNil(DailyAverages(actuals(readings))), nil
}

// DailyByCity returns the city's daily summaries for the last days days,
// newest first.
func (s *Service) DailyByCity(ctx context.Context, city string, days int) ([]DailySummary, error) {
	if city == "" {
		return nil, NewValidationError("city", "is required")
	}
	from, to := s.trailingWindow(days, 1)
	readings, err := s.store.ReadingsByCityAndRange(ctx, city, from, to)
	if err != nil {
		return nil, WrapStorage("daily by city", err)
	}
	rows := DailyAverages(actuals(readings))
	for i := range rows {
		rows[i].City = ""
	}
	return nonNil(rows), nil
}

// HourlyByCityDate returns the hourly rows of one city/day with peak stats.
func (s *Service) HourlyByCityDate(ctx context.Context, city, date string) ([]HourlyReading, PeakStats, error) {
	if city == "" {
		return nil, PeakStats{}, NewValidationError("city", "is required")
	}
	start, err := requireDate(date)
	if err != nil {
		return nil, PeakStats{}, err
	}
	readings, err := s.store.ReadingsByCityAndRange(ctx, city, start, start.Add(day))
	if err != nil {
		return nil, PeakStats{}, WrapStorage("hourly by city", err)
	}
	readings = actuals(readings)

	rows := make([]HourlyReading, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, HourlyReading{
			Timestamp: r.Timestamp,
			Timezone:  r.Timezone,
			Source:    r.Source,
			Tree:      r.Tree,
			Grass:     r.Grass,
			Weed:      r.Weed,
			Total:     r.EffectiveTotal(),
			RiskTree:  r.RiskTree,
			RiskGrass: r.RiskGrass,
			RiskWeed:  r.RiskWeed,
			Species:   r.Species,
		})
	}
	return rows, ComputePeakStats(readings), nil
}

// MapData builds the GeoJSON snapshot for date.
func (s *Service) MapData(ctx context.Context, date string) (FeatureCollection, error) {
	start, err := requireDate(date)
	if err != nil {
		return FeatureCollection{}, err
	}
	readings, err := s.store.ReadingsByDateRange(ctx, start, start.Add(mapWindowDays*day))
	if err != nil {
		return FeatureCollection{}, WrapStorage("map data", err)
	}
	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: BuildMapFeatures(start, readings, s.locator),
	}, nil
}

// CityTypeMatrix returns matrix rows for the last days distinct dates that
// have actual readings for city, newest first.
func (s *Service) CityTypeMatrix(ctx context.Context, city string, days int) ([]CityTypeMatrixRow, error) {
	if city == "" {
		return nil, NewValidationError("city", "is required")
	}
	days = max(days, 1)
	dates, err := s.store.DistinctDates(ctx, DateQuery{City: city, Source: SourceAmbee, Limit: days})
	if err != nil {
		return nil, WrapStorage("matrix dates", err)
	}
	if len(dates) == 0 {
		return []CityTypeMatrixRow{}, nil
	}

	oldest, err := ParseDate(dates[len(dates)-1])
	if err != nil {
		return nil, WrapStorage("matrix dates", err)
	}
	newest, err := ParseDate(dates[0])
	if err != nil {
		return nil, WrapStorage("matrix dates", err)
	}
	readings, err := s.store.ReadingsByCityAndRange(ctx, city, oldest, newest.Add(mapWindowDays*day))
	if err != nil {
		return nil, WrapStorage("matrix readings", err)
	}
	return BuildMatrix(dates, actuals(readings)), nil
}

// CityPlants lists the forecast plants stored for city over the last days
// days plus the forecast horizon, newest date first.
func (s *Service) CityPlants(ctx context.Context, city string, days int) ([]PlantDay, error) {
	if city == "" {
		return nil, NewValidationError("city", "is required")
	}
	from, to := s.trailingWindow(days, 5)
	readings, err := s.store.ReadingsByCityAndRange(ctx, city, from, to)
	if err != nil {
		return nil, WrapStorage("city plants", err)
	}

	byDate := make(map[string][]Plant)
	for _, r := range readings {
		if r.Source != SourceGoogle || len(r.Plants) == 0 {
			continue
		}
		if _, seen := byDate[r.DateKey()]; !seen {
			byDate[r.DateKey()] = r.Plants
		}
	}
	out := make([]PlantDay, 0, len(byDate))
	for date, plants := range byDate {
		out = append(out, PlantDay{Date: date, Plants: plants})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// AvailableDates lists dates with any stored reading, newest first.
func (s *Service) AvailableDates(ctx context.Context, limit int) ([]string, error) {
	dates, err := s.store.DistinctDates(ctx, DateQuery{Limit: limit})
	if err != nil {
		return nil, WrapStorage("available dates", err)
	}
	return nonNil(dates), nil
}

// LatestDate returns the newest date with data, or nil for an empty store.
func (s *Service) LatestDate(ctx context.Context) (*string, error) {
	dates, err := s.store.DistinctDates(ctx, DateQuery{Limit: 1})
	if err != nil {
		return nil, WrapStorage("latest date", err)
	}
	if len(dates) == 0 {
		return nil, nil
	}
	return &dates[0], nil
}

// IngestLogs returns the newest ingest log entries.
func (s *Service) IngestLogs(ctx context.Context, limit int) ([]IngestLogEntry, error) {
	logs, err := s.store.RecentIngestLogs(ctx, limit)
	if err != nil {
		return nil, WrapStorage("ingest logs", err)
	}
	return nonNil(logs), nil
}

// trailingWindow covers the last days UTC days up to today, extended by ahead
// days into the future.
func (s *Service) trailingWindow(days, ahead int) (time.Time, time.Time) {
	if days <= 0 {
		days = 30
	}
	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -(days - 1)), today.AddDate(0, 0, ahead)
}

func requireDate(date string) (time.Time, error) {
	if date == "" {
		return time.Time{}, NewValidationError("date", "is required")
	}
	t, err := ParseDate(date)
	if err != nil {
		return time.Time{}, NewValidationError("date", "must be YYYY-MM-DD")
	}
	return t, nil
}

// actuals drops forecast readings.
func actuals(readings []Reading) []Reading {
	out := readings[:0:0]
	for _, r := range readings {
		if !r.IsForecast {
			out = append(out, r)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
