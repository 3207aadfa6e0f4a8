package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/i474232898/pollen-aggregation/internal/api/http"
	"github.com/i474232898/pollen-aggregation/internal/cache"
	"github.com/i474232898/pollen-aggregation/internal/cities"
	"github.com/i474232898/pollen-aggregation/internal/config"
	"github.com/i474232898/pollen-aggregation/internal/ingest"
	"github.com/i474232898/pollen-aggregation/internal/observability"
	"github.com/i474232898/pollen-aggregation/internal/pollen"
	"github.com/i474232898/pollen-aggregation/internal/pollen/providers"
	"github.com/i474232898/pollen-aggregation/internal/queue"
	"github.com/i474232898/pollen-aggregation/internal/scheduler"
	"github.com/i474232898/pollen-aggregation/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("pollen-aggregation stopped", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until a termination signal. Deferred
// cleanups run on every return path.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.SQLitePath
	if cfg.StoreDriver == store.DriverPostgres {
		dsn = cfg.DatabaseURL
	}
	pollenStore, err := store.Open(ctx, store.Options{
		Driver: cfg.StoreDriver,
		DSN:    dsn,
		MaxAge: cfg.StoreMaxAge,
		Clock:  clock,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer pollenStore.Close()

	// City catalog, geocoding entries without coordinates when a key is set.
	var geo cities.Geocoder
	if cfg.GeocodingAPIKey != "" {
		geo = cities.NewGoogleGeocoder(cfg.GeocodingAPIKey)
	}
	catalog := cities.New(cfg.CitiesFile, geo, log)
	if err := catalog.Load(ctx); err != nil {
		log.Error("failed to load city catalog", "path", cfg.CitiesFile, "error", err)
	}
	if cfg.WatchCities {
		if err := catalog.Watch(ctx); err != nil {
			log.Warn("city catalog watch disabled", "error", err)
		}
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	backoff := &providers.BackoffConfig{
		MaxRetries:      cfg.ProviderRetries,
		InitialInterval: cfg.ProviderBackoff,
		MaxInterval:     cfg.ProviderMaxBackoff,
	}
	hourly := providers.NewAmbeeProvider(httpClient, providers.Config{
		APIKey:  cfg.AmbeeAPIKey,
		BaseURL: cfg.AmbeeBaseURL,
		UseMock: cfg.UseMockData,
		Backoff: backoff,
		Metrics: metrics,
		Clock:   clock,
	})
	forecast := providers.NewGoogleProvider(httpClient, providers.Config{
		APIKey:  cfg.GoogleAPIKey,
		BaseURL: cfg.GoogleBaseURL,
		UseMock: cfg.UseMockData,
		Backoff: backoff,
		Metrics: metrics,
		Clock:   clock,
	})
	if hourly.Mocked() {
		log.Warn("ambee provider running on mock data")
	}
	if forecast.Mocked() {
		log.Warn("google pollen provider running on mock data")
	}

	sinks := ingest.MultiSink{ingest.NewStoreSink(pollenStore)}
	if len(cfg.KafkaBrokers) > 0 {
		if cfg.KafkaCreateTopic {
			if err := queue.EnsureTopic(cfg.KafkaBrokers, cfg.KafkaTopic, 1, 1); err != nil {
				log.Warn("failed to create kafka topic", "topic", cfg.KafkaTopic, "error", err)
			}
		}
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sinks = append(sinks, ingest.NewKafkaSink(producer))
		log.Info("publishing ingest events", "topic", producer.Topic())
	}

	orch := ingest.New(ingest.Options{
		Store:      pollenStore,
		Hourly:     hourly,
		Forecast:   forecast,
		Sink:       sinks,
		Clock:      clock,
		Logger:     log,
		Metrics:    metrics,
		AmbeeQuota: cfg.AmbeeDailyQuota,
	})

	var responseCache cache.Cache
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis unavailable, using in-process cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rc.Close()
			responseCache = rc
		}
	}
	if responseCache == nil {
		responseCache = cache.NewMemoryCache(clock)
	}

	if cfg.SchedulerEnabled {
		sched := scheduler.New(scheduler.Config{
			Cron:            cfg.IngestCron,
			Hours:           cfg.CronIngestHours,
			IncludeForecast: cfg.CronIncludeForecast,
		}, orch, catalog, clock, log)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "pollen-aggregation",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Ingest runs sweep the whole catalog synchronously.
		WriteTimeout: 5 * time.Minute,
		ErrorHandler: httpapi.NewErrorHandler(log),
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "pollen-aggregation",
			"cities":  catalog.Len(),
			"ingest":  orch.State(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	httpapi.RegisterRoutes(app, httpapi.Dependencies{
		Service:     pollen.NewService(pollenStore, catalog, clock),
		Ingester:    orch,
		Catalog:     catalog,
		Forecast:    forecast,
		Cache:       responseCache,
		CacheTTL:    cfg.CacheTTL,
		IngestToken: cfg.IngestToken,
		CronHeaders: cfg.CronHeaders,
		CronHours:   cfg.CronIngestHours,
		Clock:       clock,
		Logger:      log,
		Metrics:     metrics,
	})
	if cfg.IngestToken == "" {
		log.Warn("INGEST_TOKEN is not set; ingest routes reject every request")
	}

	listenErr := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port)
		listenErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		return fmt.Errorf("fiber server stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
