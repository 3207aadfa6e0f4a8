package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/pollen-aggregation/internal/ingest"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	Run(ctx context.Context, req ingest.Request) (ingest.Result, error)
	RunForecast(ctx context.Context, req ingest.ForecastRequest) (ingest.Result, error)
}

// CityLister supplies the current catalog.
type CityLister interface {
	All() []pollen.City
}

// Config controls what the periodic job does.
type Config struct {
	// Cron is a standard five-field expression evaluated in UTC.
	Cron            string
	Hours           int
	IncludeForecast bool
	// Timeout bounds one run; zero means 30 minutes.
	Timeout time.Duration
}

// Scheduler periodically ingests the trailing window for every catalog city.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	cities    CityLister
	cfg       Config
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New creates a new Scheduler.
func New(cfg Config, runner Runner, cities CityLister, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Hours <= 0 {
		cfg.Hours = ingest.CronHours
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		cities:    cities,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Cron(s.cfg.Cron).Tag("pollen-ingest").Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "cron", s.cfg.Cron, "hours", s.cfg.Hours, "forecast", s.cfg.IncludeForecast)
	return nil
}

// RunOnce performs one scheduled sweep: the hourly window, then optionally
// the forecast.
func (s *Scheduler) RunOnce(ctx context.Context) {
	cities := s.cities.All()
	if len(cities) == 0 {
		s.logger.Warn("scheduler: city catalog is empty; running anyway to record the failure")
	}

	window, err := ingest.ResolveWindow(ingest.WindowParams{Hours: &s.cfg.Hours}, s.clock.Now())
	if err != nil {
		s.logger.Error("scheduler: resolve window", "error", err)
		return
	}

	res, err := s.runner.Run(ctx, ingest.Request{Job: ingest.JobCron, Cities: cities, Window: window})
	s.report("hourly", res, err)

	if !s.cfg.IncludeForecast {
		return
	}
	res, err = s.runner.RunForecast(ctx, ingest.ForecastRequest{Job: ingest.JobForecast, Cities: cities})
	s.report("forecast", res, err)
}

func (s *Scheduler) report(kind string, res ingest.Result, err error) {
	switch {
	case errors.Is(err, ingest.ErrJobRunning):
		s.logger.Warn("scheduler: previous ingest still running; skipped", "kind", kind)
	case err != nil:
		s.logger.Error("scheduler: ingest failed", "kind", kind, "error", err)
	default:
		s.logger.Info("scheduler: ingest finished", "kind", kind, "jobId", res.JobID, "status", res.Status)
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
