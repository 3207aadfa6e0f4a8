// Package ingest sweeps the city catalog through the pollen providers and
// upserts what they return.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// State is the lifecycle of the orchestrator's current or last run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
)

// Job statuses recorded in ingest logs.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailure = "failure"
)

// Job names.
const (
	JobManual   = "manual-ingest"
	JobCron     = "cron-daily-ingest"
	JobForecast = "ingest-google"
)

const (
	DefaultAmbeeQuota = 200
	sinkTimeout       = 5 * time.Second
)

// ErrJobRunning is returned when a run is requested while another is in flight.
var ErrJobRunning = errors.New("ingest job already running")

// ErrNoCities marks a run started with an empty city list.
var ErrNoCities = errors.New("no city definitions available")

// Request describes one hourly ingest run.
type Request struct {
	Job    string
	Cities []pollen.City
	Window Window
	DryRun bool
}

// ForecastRequest describes one forecast ingest run. An empty Date stores the
// first day the provider returns.
type ForecastRequest struct {
	Job    string
	Cities []pollen.City
	Date   string
	DryRun bool
}

// CityResult is the outcome for one city.
type CityResult struct {
	City         string `json:"city"`
	HoursFetched int    `json:"hoursFetched"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// Result is the immutable summary of one run.
type Result struct {
	JobID              string       `json:"jobId"`
	Job                string       `json:"job"`
	DryRun             bool         `json:"dryRun"`
	OK                 bool         `json:"ok"`
	From               string       `json:"from,omitempty"`
	To                 string       `json:"to,omitempty"`
	Date               string       `json:"date,omitempty"`
	Cities             int          `json:"cities"`
	Wrote              int          `json:"wrote"`
	Failed             int          `json:"failed"`
	TotalRecordsStored int          `json:"totalRecordsStored"`
	TotalDaysStored    int          `json:"totalDaysStored"`
	AmbeeCalls         int          `json:"ambeeCalls"`
	MS                 int64        `json:"ms"`
	Status             string       `json:"status"`
	Error              string       `json:"error,omitempty"`
	CityResults        []CityResult `json:"cityResults"`
}

// HTTPStatus maps the result onto 200 (all ok), 500 (nothing ok) or 207.
func (r Result) HTTPStatus() int {
	switch {
	case r.OK:
		return http.StatusOK
	case r.Failed >= r.Cities:
		return http.StatusInternalServerError
	default:
		return http.StatusMultiStatus
	}
}

// Options wires an Orchestrator.
type Options struct {
	Store    pollen.Store
	Hourly   pollen.HourlyProvider
	Forecast pollen.ForecastProvider
	// Sink receives job results; nil discards them.
	Sink    LogSink
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// AmbeeQuota is the daily call budget; exceeding it only logs a warning.
	AmbeeQuota int
}

// Orchestrator runs ingest jobs one at a time. Cities within a job are
// processed sequentially.
type Orchestrator struct {
	store    pollen.Store
	hourly   pollen.HourlyProvider
	forecast pollen.ForecastProvider
	sink     LogSink
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	quota    int

	mu    sync.Mutex
	state State
	last  *Result
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    opts.Store,
		hourly:   opts.Hourly,
		forecast: opts.Forecast,
		sink:     opts.Sink,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		quota:    opts.AmbeeQuota,
		state:    StateIdle,
	}
	if o.sink == nil {
		o.sink = nopSink{}
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.quota <= 0 {
		o.quota = DefaultAmbeeQuota
	}
	return o
}

// State reports the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the most recently finished run.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return ErrJobRunning
	}
	o.state = StateRunning
	return nil
}

func (o *Orchestrator) finish(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch res.Status {
	case StatusSuccess:
		o.state = StateSucceeded
	case StatusPartial:
		o.state = StatePartial
	default:
		o.state = StateFailed
	}
	o.last = &res
}

// fetchFunc ingests one city and returns how many records it fetched.
type fetchFunc func(ctx context.Context, city pollen.City) (int, error)

// Run fetches hourly readings for every city over req.Window and upserts
// them unless req.DryRun. Per-city failures are recorded in the result; the
// only returned error is ErrJobRunning.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if err := o.begin(); err != nil {
		return Result{}, err
	}

	res := Result{
		JobID:  uuid.NewString(),
		Job:    jobName(req.Job, JobManual),
		DryRun: req.DryRun,
		From:   req.Window.From.UTC().Format(WindowLayout),
		To:     req.Window.To.UTC().Format(WindowLayout),
	}
	metered := !isMocked(o.hourly)

	fetch := func(ctx context.Context, city pollen.City) (int, error) {
		if metered {
			res.AmbeeCalls++
		}
		readings, err := o.hourly.FetchHourly(ctx, city.Lat, city.Lon, req.Window.From, req.Window.To)
		if err != nil {
			return 0, err
		}
		if !req.DryRun {
			for _, r := range readings {
				r.City = city.Slug
				if r.Source == "" {
					r.Source = pollen.SourceAmbee
				}
				if err := o.store.UpsertReading(ctx, r); err != nil {
					return 0, err
				}
			}
			o.observeWritten(len(readings))
		}
		return len(readings), nil
	}

	o.execute(ctx, &res, req.Cities, fetch)
	res.TotalDaysStored = res.TotalRecordsStored

	if res.AmbeeCalls > o.quota {
		o.logger.Warn("ambee call quota exceeded",
			"job", res.Job, "jobId", res.JobID, "ambeeCalls", res.AmbeeCalls, "quota", o.quota)
	}
	if res.AmbeeCalls > 0 {
		o.recordUsage(ctx, res, req.Cities)
	}

	o.finish(res)
	return res, nil
}

// RunForecast stores one forecast day per city: the day matching req.Date,
// or the first day returned when there is no match.
func (o *Orchestrator) RunForecast(ctx context.Context, req ForecastRequest) (Result, error) {
	if o.forecast == nil {
		return Result{}, errors.New("forecast provider not configured")
	}
	if err := o.begin(); err != nil {
		return Result{}, err
	}

	res := Result{
		JobID:  uuid.NewString(),
		Job:    jobName(req.Job, JobForecast),
		DryRun: req.DryRun,
		Date:   req.Date,
	}
	if res.Date == "" {
		res.Date = "today"
	}

	fetch := func(ctx context.Context, city pollen.City) (int, error) {
		days, err := o.forecast.FetchForecast(ctx, city.Lat, city.Lon)
		if err != nil {
			return 0, err
		}
		day, ok := pickDay(days, req.Date)
		if !ok {
			return 0, fmt.Errorf("no forecast days returned for %s", city.Slug)
		}
		if !req.DryRun {
			day.City = city.Slug
			day.Source = pollen.SourceGoogle
			day.IsForecast = true
			if err := o.store.UpsertReading(ctx, day); err != nil {
				return 0, err
			}
			o.observeWritten(1)
		}
		return 1, nil
	}

	o.execute(ctx, &res, req.Cities, fetch)
	res.TotalDaysStored = res.TotalRecordsStored

	o.finish(res)
	return res, nil
}

func pickDay(days []pollen.Reading, date string) (pollen.Reading, bool) {
	if len(days) == 0 {
		return pollen.Reading{}, false
	}
	for _, d := range days {
		if date != "" && d.DateKey() == date {
			return d, true
		}
	}
	return days[0], true
}

// execute runs the per-city sweep, fills in the summary fields, logs the
// outcome and hands the result to the sink.
func (o *Orchestrator) execute(ctx context.Context, res *Result, cities []pollen.City, fetch fetchFunc) {
	start := o.clock.Now()
	logger := o.logger.With("job", res.Job, "jobId", res.JobID)
	res.Cities = len(cities)
	res.CityResults = make([]CityResult, 0, len(cities))

	if len(cities) == 0 {
		res.Error = ErrNoCities.Error()
		res.Status = StatusFailure
		logger.Error("ingest aborted", "error", res.Error)
		o.observeRun(res, 0)
		o.recordLog(ctx, *res)
		return
	}

	logger.Info("ingest started", "cities", len(cities), "from", res.From, "to", res.To, "dryRun", res.DryRun)

	for _, city := range cities {
		n, err := fetch(ctx, city)
		if err != nil {
			res.Failed++
			res.CityResults = append(res.CityResults, CityResult{City: city.Slug, Error: err.Error()})
			o.observeCity(res.Job, "error")
			logger.Error("city ingest failed", "city", city.Slug, "error", err)
			continue
		}
		res.Wrote++
		res.TotalRecordsStored += n
		res.CityResults = append(res.CityResults, CityResult{City: city.Slug, HoursFetched: n, OK: true})
		o.observeCity(res.Job, "ok")
		logger.Info("city ingest succeeded", "city", city.Slug, "hoursFetched", n)
	}

	elapsed := o.clock.Since(start)
	res.MS = elapsed.Milliseconds()
	res.OK = res.Failed == 0
	switch {
	case res.OK:
		res.Status = StatusSuccess
	case res.Failed == len(cities):
		res.Status = StatusFailure
	default:
		res.Status = StatusPartial
	}

	logger.Info("ingest completed",
		"status", res.Status, "wrote", res.Wrote, "failed", res.Failed,
		"totalRecordsStored", res.TotalRecordsStored, "ms", res.MS)
	o.observeRun(res, elapsed)
	o.recordLog(ctx, *res)
}

// sinkContext outlives client cancellation so a disconnected caller does not
// drop the log entry.
func sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
}

func (o *Orchestrator) recordLog(ctx context.Context, res Result) {
	details, err := json.Marshal(res)
	if err != nil {
		o.logger.Warn("encode ingest log failed", "jobId", res.JobID, "error", err)
		return
	}
	ctx, cancel := sinkContext(ctx)
	defer cancel()
	entry := pollen.IngestLogEntry{TS: o.clock.Now().UTC(), Job: res.Job, Status: res.Status, Details: details}
	o.sinkFailed(o.sink.Record(ctx, entry), res.JobID)
}

func (o *Orchestrator) recordUsage(ctx context.Context, res Result, cities []pollen.City) {
	slugs := make([]string, len(cities))
	for i, c := range cities {
		slugs[i] = c.Slug
	}
	notes, err := json.Marshal(map[string]any{
		"window": map[string]string{"from": res.From, "to": res.To},
		"cities": slugs,
		"status": res.Status,
		"dryRun": res.DryRun,
	})
	if err != nil {
		o.logger.Warn("encode usage notes failed", "jobId", res.JobID, "error", err)
		return
	}
	ctx, cancel := sinkContext(ctx)
	defer cancel()
	usage := pollen.ProviderUsage{TS: o.clock.Now().UTC(), Job: res.Job, JobID: res.JobID, Calls: res.AmbeeCalls, Notes: notes}
	o.sinkFailed(o.sink.RecordUsage(ctx, usage), res.JobID)
}

func (o *Orchestrator) sinkFailed(err error, jobID string) {
	if err == nil {
		return
	}
	name := o.sink.Name()
	var se *SinkError
	if errors.As(err, &se) {
		name = se.Sink
	}
	o.logger.Warn("ingest log sink failed", "sink", name, "jobId", jobID, "error", err)
	if o.metrics != nil {
		o.metrics.LogSinkFailures.WithLabelValues(name).Inc()
	}
}

func (o *Orchestrator) observeRun(res *Result, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.IngestRuns.WithLabelValues(res.Job, res.Status).Inc()
	o.metrics.IngestDuration.WithLabelValues(res.Job).Observe(elapsed.Seconds())
}

func (o *Orchestrator) observeCity(job, outcome string) {
	if o.metrics != nil {
		o.metrics.IngestCityOutcomes.WithLabelValues(job, outcome).Inc()
	}
}

func (o *Orchestrator) observeWritten(n int) {
	if o.metrics != nil {
		o.metrics.ReadingsWritten.Add(float64(n))
	}
}

// isMocked reports whether p is a synthetic provider whose calls are free.
func isMocked(p any) bool {
	m, ok := p.(interface{ Mocked() bool })
	return ok && m.Mocked()
}

func jobName(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
