package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// backends runs fn against the SQLite and in-memory stores.
func backends(t *testing.T, fn func(t *testing.T, s pollen.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), Options{
			Driver: DriverSQLite,
			DSN:    filepath.Join(t.TempDir(), "data", "pollen.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(0, nil))
	})
}

func at(date string, h int) time.Time {
	d, err := pollen.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(h) * time.Hour)
}

func TestUpsertIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		r := pollen.Reading{
			City:      "chicago",
			Timestamp: at("2024-05-01", 10),
			Source:    pollen.SourceAmbee,
			Tree:      pollen.Int(30),
			Grass:     pollen.Int(12),
			RiskTree:  pollen.String("High"),
			Timezone:  pollen.String("America/Chicago"),
			Species:   json.RawMessage(`{"Tree":{"Oak":20}}`),
		}
		require.NoError(t, s.UpsertReading(ctx, r))
		require.NoError(t, s.UpsertReading(ctx, r))

		got, err := s.ReadingsByCityAndRange(ctx, "chicago", at("2024-05-01", 0), at("2024-05-02", 0))
		require.NoError(t, err)
		require.Len(t, got, 1)

		row := got[0]
		assert.Equal(t, r.Timestamp, row.Timestamp)
		assert.Equal(t, 30, *row.Tree)
		assert.Nil(t, row.Weed)
		// Missing categories count as zero in the stored total.
		assert.Equal(t, 42, *row.Total)
		assert.Equal(t, "High", *row.RiskTree)
		assert.False(t, row.IsForecast)
		assert.JSONEq(t, `{"Tree":{"Oak":20}}`, string(row.Species))
	})
}

func TestUpsertKeepsTimezoneWhenMissing(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		first := pollen.Reading{City: "denver", Timestamp: at("2024-05-01", 3), Tree: pollen.Int(1), Timezone: pollen.String("America/Denver")}
		second := pollen.Reading{City: "denver", Timestamp: at("2024-05-01", 3), Tree: pollen.Int(9), Total: pollen.Int(50)}
		require.NoError(t, s.UpsertReading(ctx, first))
		require.NoError(t, s.UpsertReading(ctx, second))

		got, err := s.ReadingsByCityAndRange(ctx, "denver", at("2024-05-01", 0), at("2024-05-02", 0))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 9, *got[0].Tree)
		assert.Equal(t, 50, *got[0].Total)
		assert.Equal(t, "America/Denver", *got[0].Timezone)
	})
}

func TestSourcesAreStoredSideBySide(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		day := at("2024-05-01", 0)
		inSeason := true
		require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "denver", Timestamp: day, Source: pollen.SourceAmbee, Tree: pollen.Int(5)}))
		require.NoError(t, s.UpsertReading(ctx, pollen.Reading{
			City: "denver", Timestamp: day, Source: pollen.SourceGoogle, IsForecast: true, Tree: pollen.Int(2),
			Plants: []pollen.Plant{{Code: "OAK", DisplayName: "Oak", Index: pollen.Int(3), InSeason: &inSeason}},
		}))

		got, err := s.ReadingsByDateRange(ctx, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, pollen.SourceAmbee, got[0].Source)
		assert.Equal(t, pollen.SourceGoogle, got[1].Source)
		assert.True(t, got[1].IsForecast)
		require.Len(t, got[1].Plants, 1)
		assert.Equal(t, "OAK", got[1].Plants[0].Code)
		assert.Equal(t, 3, *got[1].Plants[0].Index)
	})
}

func TestRangesAreHalfOpen(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		for h := 22; h <= 26; h++ {
			require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at("2024-05-01", h), Grass: pollen.Int(h)}))
		}
		require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "boise", Timestamp: at("2024-05-01", 23), Grass: pollen.Int(1)}))

		got, err := s.ReadingsByCityAndRange(ctx, "austin", at("2024-05-01", 0), at("2024-05-02", 0))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, at("2024-05-01", 22), got[0].Timestamp)
		assert.Equal(t, at("2024-05-01", 23), got[1].Timestamp)

		all, err := s.ReadingsByDateRange(ctx, at("2024-05-01", 23), at("2024-05-02", 1))
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "austin", all[0].City)
		assert.Equal(t, "boise", all[1].City)
	})
}

func TestDistinctDates(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		for _, d := range []string{"2024-05-01", "2024-05-03", "2024-05-02"} {
			require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at(d, 5)}))
		}
		require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "boise", Timestamp: at("2024-05-04", 0)}))
		require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at("2024-05-06", 0), Source: pollen.SourceGoogle, IsForecast: true}))

		all, err := s.DistinctDates(ctx, pollen.DateQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-05-06", "2024-05-04", "2024-05-03", "2024-05-02", "2024-05-01"}, all)

		austin, err := s.DistinctDates(ctx, pollen.DateQuery{City: "austin", Source: pollen.SourceAmbee, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-05-03", "2024-05-02"}, austin)
	})
}

func TestIngestLogsNewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, s pollen.Store) {
		ctx := context.Background()
		base := at("2024-05-01", 0)
		for i, status := range []string{"success", "partial", "failure"} {
			require.NoError(t, s.AppendIngestLog(ctx, pollen.IngestLogEntry{
				TS:      base.Add(time.Duration(i) * time.Minute),
				Job:     "ambee-hourly",
				Status:  status,
				Details: json.RawMessage(`{"wrote":1}`),
			}))
		}
		require.NoError(t, s.AppendProviderUsage(ctx, pollen.ProviderUsage{TS: base, Job: "ambee-hourly", JobID: "j1", Calls: 2}))

		logs, err := s.RecentIngestLogs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "failure", logs[0].Status)
		assert.Equal(t, "partial", logs[1].Status)
		assert.Equal(t, base.Add(2*time.Minute), logs[0].TS)
		assert.JSONEq(t, `{"wrote":1}`, string(logs[0].Details))
		assert.NotZero(t, logs[0].ID)
	})
}

func TestMemoryStoreRetention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(at("2024-05-10", 0))
	s := NewMemoryStore(48*time.Hour, clock)
	ctx := context.Background()

	require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at("2024-05-01", 0)}))
	require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at("2024-05-09", 0)}))
	assert.Equal(t, 1, s.Len())

	clock.Advance(72 * time.Hour)
	require.NoError(t, s.UpsertReading(ctx, pollen.Reading{City: "austin", Timestamp: at("2024-05-12", 0)}))
	assert.Equal(t, 1, s.Len())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql"})
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b < ?"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b < $2", postgresDialect.rebind(q))
	assert.Equal(t, q, sqliteDialect.rebind(q))
}
