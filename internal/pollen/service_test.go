package pollen_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/pollen-aggregation/internal/cities"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
	"github.com/i474232898/pollen-aggregation/internal/store"
)

var now = time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC)

func at(date string, h int) time.Time {
	d, err := pollen.ParseDate(date)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(h) * time.Hour)
}

func newService(t *testing.T, readings ...pollen.Reading) *pollen.Service {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	mem := store.NewMemoryStore(0, clock)
	for _, r := range readings {
		require.NoError(t, mem.UpsertReading(context.Background(), r))
	}
	catalog := cities.NewStatic([]pollen.City{
		{Name: "Seattle", Slug: "seattle", Lat: 47.6, Lon: -122.3},
		{Name: "Denver", Slug: "denver", Lat: 39.7, Lon: -105},
	})
	return pollen.NewService(mem, catalog, clock)
}

func ambee(city string, ts time.Time, tree, grass, weed int) pollen.Reading {
	return pollen.Reading{
		City:      city,
		Timestamp: ts,
		Source:    pollen.SourceAmbee,
		Tree:      pollen.Int(tree),
		Grass:     pollen.Int(grass),
		Weed:      pollen.Int(weed),
		RiskTree:  pollen.String("Low"),
		Timezone:  pollen.String("UTC"),
	}
}

func google(city string, date string, tree int, plants ...pollen.Plant) pollen.Reading {
	return pollen.Reading{
		City:       city,
		Timestamp:  at(date, 0),
		Source:     pollen.SourceGoogle,
		IsForecast: true,
		Tree:       pollen.Int(tree),
		Grass:      pollen.Int(1),
		Weed:       pollen.Int(1),
		RiskTree:   pollen.String("Very High"),
		Plants:     plants,
	}
}

func TestDailyByDateSkipsForecasts(t *testing.T) {
	svc := newService(t,
		ambee("seattle", at("2024-05-01", 1), 10, 2, 0),
		ambee("seattle", at("2024-05-01", 2), 20, 4, 0),
		ambee("denver", at("2024-05-01", 1), 5, 5, 5),
		google("seattle", "2024-05-01", 90),
	)

	rows, err := svc.DailyByDate(context.Background(), "2024-05-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "denver", rows[0].City)
	assert.Equal(t, "seattle", rows[1].City)
	assert.Equal(t, 15, *rows[1].AvgTree)
	assert.Equal(t, 3, *rows[1].AvgGrass)
	assert.Equal(t, 18, *rows[1].AvgTotal)
}

func TestDailyByDateValidation(t *testing.T) {
	svc := newService(t)

	_, err := svc.DailyByDate(context.Background(), "")
	var ve *pollen.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "date", ve.Field)

	_, err = svc.DailyByDate(context.Background(), "2024/05/01")
	assert.True(t, errors.As(err, &ve))
}

func TestDailyByCityNewestFirst(t *testing.T) {
	svc := newService(t,
		ambee("seattle", at("2024-04-30", 3), 1, 1, 1),
		ambee("seattle", at("2024-05-02", 3), 2, 2, 2),
		ambee("seattle", at("2024-03-01", 3), 9, 9, 9),
		ambee("denver", at("2024-05-02", 3), 7, 7, 7),
	)

	rows, err := svc.DailyByCity(context.Background(), "seattle", 7)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-05-02", rows[0].Date)
	assert.Equal(t, "2024-04-30", rows[1].Date)
	assert.Empty(t, rows[0].City)
}

func TestHourlyByCityDate(t *testing.T) {
	svc := newService(t,
		ambee("seattle", at("2024-05-01", 0), 1, 2, 3),
		ambee("seattle", at("2024-05-01", 1), 4, 0, 3),
		ambee("seattle", at("2024-05-02", 0), 50, 50, 50),
		google("seattle", "2024-05-01", 3),
	)

	rows, stats, err := svc.HourlyByCityDate(context.Background(), "seattle", "2024-05-01")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, at("2024-05-01", 0), rows[0].Timestamp)
	assert.Equal(t, 6, *rows[0].Total)

	assert.Equal(t, 4, stats.MaxTree)
	assert.Equal(t, 7, stats.MaxTotal)
	assert.Equal(t, 13, stats.TotalCount)
	assert.Equal(t, 2, stats.SampleCount)
	assert.Equal(t, 7, *stats.AvgTotal)

	_, _, err = svc.HourlyByCityDate(context.Background(), "", "2024-05-01")
	var ve *pollen.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestMapDataPrefersActualReadings(t *testing.T) {
	oak := pollen.Plant{Code: "OAK", DisplayName: "Oak", Type: "TREE", Index: pollen.Int(4)}
	svc := newService(t,
		ambee("seattle", at("2024-05-01", 1), 3, 2, 1),
		ambee("seattle", at("2024-05-01", 2), 6, 2, 1),
		google("seattle", "2024-05-01", 4, oak),
		google("seattle", "2024-05-02", 5),
		google("denver", "2024-05-01", 2),
		ambee("boise", at("2024-05-01", 1), 1, 1, 1),
	)

	fc, err := svc.MapData(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)

	denver, seattle := fc.Features[0], fc.Features[1]
	assert.Equal(t, "denver", denver.Properties.City)
	assert.True(t, denver.Properties.IsForecast)
	assert.Equal(t, [2]float64{-105, 39.7}, denver.Geometry.Coordinates)

	p := seattle.Properties
	assert.Equal(t, pollen.SourceAmbee, p.Source)
	assert.False(t, p.IsForecast)
	assert.Equal(t, 6, *p.Tree)
	assert.Equal(t, 9, *p.Count)
	assert.Equal(t, "Very High", *p.Risk.Tree)
	require.Len(t, p.TopPlants, 1)
	assert.Equal(t, "OAK", p.TopPlants[0].Code)

	require.Len(t, p.Series, 3)
	assert.Equal(t, 6, *p.Series[0].Tree)
	assert.Equal(t, 5, *p.Series[1].Tree)
	assert.Nil(t, p.Series[2].Tree)
}

func TestCityTypeMatrix(t *testing.T) {
	svc := newService(t,
		ambee("seattle", at("2024-05-01", 1), 3, 2, 1),
		ambee("seattle", at("2024-05-02", 1), 8, 2, 1),
		google("seattle", "2024-05-03", 40),
	)

	rows, err := svc.CityTypeMatrix(context.Background(), "seattle", 60)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "2024-05-02", rows[0].Date)
	assert.Equal(t, 8, *rows[0].Day0.Tree)
	assert.Nil(t, rows[0].Day1.Tree)

	assert.Equal(t, "2024-05-01", rows[1].Date)
	assert.Equal(t, 3, *rows[1].Day0.Tree)
	assert.Equal(t, 8, *rows[1].Day1.Tree)
}

func TestCityTypeMatrixZeroDaysKeepsNewest(t *testing.T) {
	svc := newService(t,
		ambee("seattle", at("2024-05-01", 1), 3, 2, 1),
		ambee("seattle", at("2024-05-02", 1), 8, 2, 1),
	)

	rows, err := svc.CityTypeMatrix(context.Background(), "seattle", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-05-02", rows[0].Date)
}

func TestCityPlants(t *testing.T) {
	oak := pollen.Plant{Code: "OAK", DisplayName: "Oak"}
	birch := pollen.Plant{Code: "BIRCH", DisplayName: "Birch"}
	svc := newService(t,
		google("seattle", "2024-05-01", 1, oak),
		google("seattle", "2024-05-04", 1, birch, oak),
		google("seattle", "2024-05-02", 1),
		ambee("seattle", at("2024-05-01", 1), 1, 1, 1),
	)

	days, err := svc.CityPlants(context.Background(), "seattle", 90)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-05-04", days[0].Date)
	assert.Len(t, days[0].Plants, 2)
	assert.Equal(t, "2024-05-01", days[1].Date)
}

func TestAvailableAndLatestDates(t *testing.T) {
	ctx := context.Background()

	empty := newService(t)
	latest, err := empty.LatestDate(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
	dates, err := empty.AvailableDates(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, []string{}, dates)

	svc := newService(t,
		ambee("seattle", at("2024-05-01", 1), 1, 1, 1),
		google("denver", "2024-05-03", 1),
	)
	dates, err = svc.AvailableDates(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-03", "2024-05-01"}, dates)

	latest, err = svc.LatestDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-03", *latest)
}

type failingStore struct {
	pollen.Store
}

func (failingStore) RecentIngestLogs(context.Context, int) ([]pollen.IngestLogEntry, error) {
	return nil, errors.New("disk full")
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	svc := pollen.NewService(failingStore{}, nil, nil)

	_, err := svc.IngestLogs(context.Background(), 10)
	var se *pollen.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "ingest logs", se.Op)
}
