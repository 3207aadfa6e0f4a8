package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
	"github.com/i474232898/pollen-aggregation/internal/store"
)

var (
	seattle = pollen.City{Name: "Seattle", Slug: "seattle", Lat: 47.6, Lon: -122.3}
	denver  = pollen.City{Name: "Denver", Slug: "denver", Lat: 39.7, Lon: -105}
	austin  = pollen.City{Name: "Austin", Slug: "austin", Lat: 30.3, Lon: -97.7}
)

var testWindow = Window{
	From: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

// fakeHourly returns one reading per hour of the window, or a canned error
// for cities listed in failures.
type fakeHourly struct {
	mu       sync.Mutex
	failures map[float64]error
	calls    int
	mocked   bool
	// block, when set, is waited on before returning.
	block chan struct{}
}

func (f *fakeHourly) Name() string { return "fake" }

func (f *fakeHourly) Mocked() bool { return f.mocked }

func (f *fakeHourly) FetchHourly(ctx context.Context, lat, _ float64, from, to time.Time) ([]pollen.Reading, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if err := f.failures[lat]; err != nil {
		return nil, err
	}
	var out []pollen.Reading
	for ts := from; ts.Before(to); ts = ts.Add(time.Hour) {
		out = append(out, pollen.Reading{
			Timestamp: ts,
			Tree:      pollen.Int(3),
			Grass:     pollen.Int(4),
			Timezone:  pollen.String("UTC"),
		})
	}
	return out, nil
}

type fakeForecast struct {
	days []pollen.Reading
	err  error
}

func (f *fakeForecast) Name() string { return "fake-forecast" }

func (f *fakeForecast) FetchForecast(context.Context, float64, float64) ([]pollen.Reading, error) {
	return f.days, f.err
}

type recordingSink struct {
	mu      sync.Mutex
	entries []pollen.IngestLogEntry
	usage   []pollen.ProviderUsage
	err     error

	// usageErr, when set, fails only RecordUsage.
	usageErr error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Record(_ context.Context, e pollen.IngestLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) RecordUsage(_ context.Context, u pollen.ProviderUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	if s.usageErr != nil {
		return s.usageErr
	}
	return s.err
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func newTestOrchestrator(t *testing.T, hourly *fakeHourly, sink LogSink) (*Orchestrator, *store.MemoryStore, *observability.Metrics) {
	t.Helper()
	st := store.NewMemoryStore(0, nil)
	metrics := observability.NewMetricsForTesting()
	o := New(Options{
		Store:   st,
		Hourly:  hourly,
		Sink:    sink,
		Clock:   clockwork.NewFakeClock(),
		Logger:  observability.NopLogger(),
		Metrics: metrics,
	})
	return o, st, metrics
}

func TestRunPartialFailure(t *testing.T) {
	hourly := &fakeHourly{failures: map[float64]error{
		denver.Lat: &pollen.UpstreamError{Provider: "ambee", StatusCode: http.StatusBadGateway},
	}}
	sink := &recordingSink{}
	o, st, metrics := newTestOrchestrator(t, hourly, sink)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle, denver}, Window: testWindow})
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Wrote)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 12, res.TotalRecordsStored)
	assert.Equal(t, 12, res.TotalDaysStored)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, http.StatusMultiStatus, res.HTTPStatus())
	assert.Equal(t, "2024-05-01 00:00:00", res.From)
	assert.Equal(t, "2024-05-01 12:00:00", res.To)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, JobManual, res.Job)
	assert.Equal(t, StatePartial, o.State())

	require.Len(t, res.CityResults, 2)
	assert.Equal(t, CityResult{City: "seattle", HoursFetched: 12, OK: true}, res.CityResults[0])
	assert.False(t, res.CityResults[1].OK)
	assert.Contains(t, res.CityResults[1].Error, "502")

	assert.Equal(t, 12, st.Len())

	require.Len(t, sink.entries, 1)
	assert.Equal(t, StatusPartial, sink.entries[0].Status)
	var logged Result
	require.NoError(t, json.Unmarshal(sink.entries[0].Details, &logged))
	assert.Equal(t, res.JobID, logged.JobID)

	require.Len(t, sink.usage, 1)
	assert.Equal(t, 2, sink.usage[0].Calls)
	assert.Equal(t, res.JobID, sink.usage[0].JobID)

	assert.Equal(t, 1.0, counterValue(t, metrics.IngestRuns.WithLabelValues(JobManual, StatusPartial)))
	assert.Equal(t, 12.0, counterValue(t, metrics.ReadingsWritten))
}

func TestRunIsIdempotent(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, &fakeHourly{}, nil)
	req := Request{Cities: []pollen.City{seattle, denver}, Window: testWindow}

	first, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, http.StatusOK, first.HTTPStatus())
	rows := st.Len()

	second, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.Equal(t, rows, st.Len())
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, StateSucceeded, o.State())
}

func TestRunDryRunWritesNothing(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, &fakeHourly{}, nil)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow, DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 12, res.TotalRecordsStored)
	assert.Zero(t, st.Len())
}

func TestRunAllCitiesFailed(t *testing.T) {
	boom := errors.New("connection refused")
	hourly := &fakeHourly{failures: map[float64]error{seattle.Lat: boom, denver.Lat: boom}}
	o, _, _ := newTestOrchestrator(t, hourly, nil)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle, denver}, Window: testWindow})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	assert.Equal(t, StateFailed, o.State())
}

func TestRunWithoutCities(t *testing.T) {
	sink := &recordingSink{}
	hourly := &fakeHourly{}
	o, _, _ := newTestOrchestrator(t, hourly, sink)

	res, err := o.Run(context.Background(), Request{Window: testWindow})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, ErrNoCities.Error(), res.Error)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus())
	assert.Zero(t, hourly.calls)
	require.Len(t, sink.entries, 1)
	assert.Empty(t, sink.usage)
}

func TestRunSwallowsSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("kafka unavailable")}
	o, _, metrics := newTestOrchestrator(t, &fakeHourly{mocked: true}, sink)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, sink.usage)
	assert.Equal(t, 1.0, counterValue(t, metrics.LogSinkFailures.WithLabelValues("recording")))
}

func TestRunSwallowsUsageSinkFailure(t *testing.T) {
	sink := &recordingSink{usageErr: errors.New("kafka unavailable")}
	o, _, metrics := newTestOrchestrator(t, &fakeHourly{}, sink)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.AmbeeCalls)
	require.Len(t, sink.entries, 1)
	require.Len(t, sink.usage, 1)
	assert.Equal(t, 1.0, counterValue(t, metrics.LogSinkFailures.WithLabelValues("recording")))
	assert.Equal(t, StateSucceeded, o.State())
}

func TestRunCountsEverySinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("kafka unavailable")}
	o, _, metrics := newTestOrchestrator(t, &fakeHourly{}, sink)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2.0, counterValue(t, metrics.LogSinkFailures.WithLabelValues("recording")))
}

func TestRunMockedProviderIsNotMetered(t *testing.T) {
	sink := &recordingSink{}
	o, _, _ := newTestOrchestrator(t, &fakeHourly{mocked: true}, sink)

	res, err := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow})
	require.NoError(t, err)
	assert.Zero(t, res.AmbeeCalls)
	assert.Empty(t, sink.usage)
}

func TestRunRejectsConcurrentJobs(t *testing.T) {
	hourly := &fakeHourly{block: make(chan struct{})}
	o, _, _ := newTestOrchestrator(t, hourly, nil)

	done := make(chan Result)
	go func() {
		res, _ := o.Run(context.Background(), Request{Cities: []pollen.City{seattle}, Window: testWindow})
		done <- res
	}()

	require.Eventually(t, func() bool { return o.State() == StateRunning }, time.Second, time.Millisecond)
	_, err := o.Run(context.Background(), Request{Cities: []pollen.City{denver}, Window: testWindow})
	assert.ErrorIs(t, err, ErrJobRunning)

	close(hourly.block)
	res := <-done
	assert.True(t, res.OK)

	last, ok := o.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.JobID, last.JobID)
}

func TestRunForecastPicksRequestedDay(t *testing.T) {
	d1 := pollen.Reading{Timestamp: time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC), Source: pollen.SourceGoogle, IsForecast: true, Tree: pollen.Int(1)}
	d2 := pollen.Reading{
		Timestamp: time.Date(2024, 7, 31, 0, 0, 0, 0, time.UTC), Source: pollen.SourceGoogle, IsForecast: true, Tree: pollen.Int(4),
		Plants: []pollen.Plant{{Code: "OAK", Index: pollen.Int(4)}},
	}
	st := store.NewMemoryStore(0, nil)
	o := New(Options{Store: st, Forecast: &fakeForecast{days: []pollen.Reading{d1, d2}}, Logger: observability.NopLogger()})

	res, err := o.RunForecast(context.Background(), ForecastRequest{Cities: []pollen.City{austin}, Date: "2024-07-31"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, JobForecast, res.Job)
	assert.Equal(t, 1, res.TotalDaysStored)

	got, err := st.ReadingsByCityAndRange(context.Background(), "austin", d2.Timestamp, d2.Timestamp.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, *got[0].Tree)
	assert.Equal(t, pollen.SourceGoogle, got[0].Source)
	assert.Len(t, got[0].Plants, 1)
}

func TestRunForecastFallsBackToFirstDay(t *testing.T) {
	day, ok := pickDay([]pollen.Reading{{Timestamp: time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC)}}, "2030-01-01")
	require.True(t, ok)
	assert.Equal(t, "2024-07-30", day.DateKey())

	_, ok = pickDay(nil, "")
	assert.False(t, ok)
}

func TestRunForecastEmptyResponseFailsCity(t *testing.T) {
	o := New(Options{Store: store.NewMemoryStore(0, nil), Forecast: &fakeForecast{}, Logger: observability.NopLogger()})

	res, err := o.RunForecast(context.Background(), ForecastRequest{Cities: []pollen.City{austin}})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, "today", res.Date)
	assert.Contains(t, res.CityResults[0].Error, "no forecast days")
}
