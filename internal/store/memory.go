package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// readingKey mirrors the (city_slug, ts, source) primary key of the SQL tables.
type readingKey struct {
	city   string
	ts     int64
	source pollen.Source
}

// MemoryStore is a concurrency-safe in-memory implementation of pollen.Store.
type MemoryStore struct {
	mu sync.RWMutex

	readings map[readingKey]pollen.Reading
	logs     []pollen.IngestLogEntry
	usage    []pollen.ProviderUsage
	nextID   int64

	// retention configuration
	maxAge time.Duration // optional max age for readings, measured from now
	clock  clockwork.Clock
}

// NewMemoryStore creates a MemoryStore. A maxAge <= 0 keeps readings forever.
func NewMemoryStore(maxAge time.Duration, clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		readings: make(map[readingKey]pollen.Reading),
		maxAge:   maxAge,
		clock:    clock,
	}
}

func keyOf(r pollen.Reading) readingKey {
	source := r.Source
	if source == "" {
		source = pollen.SourceAmbee
	}
	return readingKey{city: r.City, ts: r.Timestamp.UTC().Unix(), source: source}
}

// UpsertReading stores r, replacing any reading with the same key.
// A missing timezone keeps the stored one.
func (s *MemoryStore) UpsertReading(_ context.Context, r pollen.Reading) error {
	key := keyOf(r)
	r.Timestamp = time.Unix(key.ts, 0).UTC()
	r.Source = key.source
	r.Total = pollen.Int(r.StoredTotal())

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.readings[key]; ok && r.Timezone == nil {
		r.Timezone = prev.Timezone
	}
	s.readings[key] = r

	s.enforceRetentionLocked()
	return nil
}

func (s *MemoryStore) enforceRetentionLocked() {
	if s.maxAge <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.maxAge)
	for k, r := range s.readings {
		if r.Timestamp.Before(cutoff) {
			delete(s.readings, k)
		}
	}
}

func (s *MemoryStore) ReadingsByCityAndRange(_ context.Context, city string, from, to time.Time) ([]pollen.Reading, error) {
	return s.selectReadings(func(r pollen.Reading) bool {
		return r.City == city && inRange(r.Timestamp, from, to)
	}), nil
}

func (s *MemoryStore) ReadingsByDateRange(_ context.Context, from, to time.Time) ([]pollen.Reading, error) {
	return s.selectReadings(func(r pollen.Reading) bool {
		return inRange(r.Timestamp, from, to)
	}), nil
}

// inRange reports whether ts falls in the half-open range [from, to).
func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func (s *MemoryStore) selectReadings(match func(pollen.Reading) bool) []pollen.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []pollen.Reading
	for _, r := range s.readings {
		if match(r) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.City < b.City
	})
	return result
}

func (s *MemoryStore) DistinctDates(_ context.Context, q pollen.DateQuery) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, r := range s.readings {
		if q.City != "" && r.City != q.City {
			continue
		}
		if q.Source != "" && r.Source != q.Source {
			continue
		}
		seen[r.DateKey()] = struct{}{}
	}
	s.mu.RUnlock()

	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	slices.SortFunc(dates, func(a, b string) int { return strings.Compare(b, a) })
	if q.Limit > 0 && len(dates) > q.Limit {
		dates = dates[:q.Limit]
	}
	return dates, nil
}

func (s *MemoryStore) AppendIngestLog(_ context.Context, entry pollen.IngestLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID
	if entry.TS.IsZero() {
		entry.TS = s.clock.Now().UTC()
	}
	s.logs = append(s.logs, entry)
	return nil
}

// RecentIngestLogs returns up to limit entries, newest first.
func (s *MemoryStore) RecentIngestLogs(_ context.Context, limit int) ([]pollen.IngestLogEntry, error) {
	s.mu.RLock()
	out := slices.Clone(s.logs)
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b pollen.IngestLogEntry) int {
		if c := b.TS.Compare(a.TS); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendProviderUsage(_ context.Context, usage pollen.ProviderUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if usage.TS.IsZero() {
		usage.TS = s.clock.Now().UTC()
	}
	s.usage = append(s.usage, usage)
	return nil
}

// ProviderUsage returns a copy of every recorded usage row.
func (s *MemoryStore) ProviderUsage() []pollen.ProviderUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.usage)
}

// Len reports the number of stored readings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

func (s *MemoryStore) Close() error {
	return nil
}
