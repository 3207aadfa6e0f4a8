package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=debug info warn warning error"`
	// LogFormat is json or text.
	LogFormat string `validate:"oneof=json text"`

	AmbeeAPIKey        string
	AmbeeBaseURL       string `validate:"omitempty,url"`
	GoogleAPIKey       string
	GoogleBaseURL      string `validate:"omitempty,url"`
	GeocodingAPIKey    string
	UseMockData        bool
	AmbeeDailyQuota    int           `validate:"gte=1"`
	ProviderTimeout    time.Duration `validate:"gt=0"`
	ProviderRetries    int           `validate:"gte=0,lte=10"`
	ProviderBackoff    time.Duration `validate:"gt=0"`
	ProviderMaxBackoff time.Duration `validate:"gtefield=ProviderBackoff"`

	// IngestToken guards the ingest routes; empty rejects every request.
	IngestToken string
	// CronHeaders are request headers whose presence marks a trusted scheduler call.
	CronHeaders []string

	CitiesFile  string `validate:"required"`
	WatchCities bool

	StoreDriver string `validate:"oneof=postgres sqlite memory"`
	DatabaseURL string `validate:"required_if=StoreDriver postgres"`
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`
	// StoreMaxAge bounds retention in the memory store (0 = unlimited).
	StoreMaxAge time.Duration `validate:"gte=0"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int           `validate:"gte=0"`
	CacheTTL      time.Duration `validate:"gte=0"`

	KafkaBrokers     []string
	KafkaTopic       string `validate:"required_with=KafkaBrokers"`
	KafkaCreateTopic bool

	SchedulerEnabled    bool
	IngestCron          string `validate:"required_if=SchedulerEnabled true"`
	CronIngestHours     int    `validate:"gte=1,lte=168"`
	CronIncludeForecast bool
}

var validate = validator.New()

// Load reads configuration from the environment (and .env when present)
// with sensible defaults, then validates it.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:      getenvDefault("PORT", "8080"),
		LogLevel:  strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenvDefault("LOG_FORMAT", "json")),

		AmbeeAPIKey:     os.Getenv("AMBEE_API_KEY"),
		AmbeeBaseURL:    os.Getenv("AMBEE_BASE_URL"),
		GoogleAPIKey:    getenvDefault("GOOGLE_POLLEN_API_KEY", os.Getenv("GOOGLE_API_KEY")),
		GoogleBaseURL:   os.Getenv("GOOGLE_POLLEN_BASE_URL"),
		GeocodingAPIKey: os.Getenv("GOOGLE_GEOCODING_API_KEY"),
		UseMockData:     getenvBool("USE_MOCK_DATA", false),
		AmbeeDailyQuota: getenvInt("AMBEE_DAILY_QUOTA", 200),
		ProviderRetries: getenvInt("PROVIDER_MAX_RETRIES", 2),

		IngestToken: os.Getenv("INGEST_TOKEN"),
		CronHeaders: getenvList("CRON_TRUST_HEADERS", []string{
			"x-vercel-cron", "x-vercel-schedule", "x-vercel-oidc-token", "x-vercel-proxy-signature",
		}),

		CitiesFile:  getenvDefault("CITY_GEOJSON_PATH", "data/cities.geojson"),
		WatchCities: getenvBool("CITY_GEOJSON_WATCH", true),

		StoreDriver: strings.ToLower(getenvDefault("STORE_DRIVER", "sqlite")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenvDefault("SQLITE_PATH", "data/pollen.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		KafkaBrokers:     getenvList("KAFKA_BROKERS", nil),
		KafkaTopic:       getenvDefault("KAFKA_INGEST_TOPIC", "pollen.ingest"),
		KafkaCreateTopic: getenvBool("KAFKA_CREATE_TOPIC", false),

		SchedulerEnabled:    getenvBool("SCHEDULER_ENABLED", true),
		IngestCron:          getenvDefault("INGEST_CRON", "5 * * * *"),
		CronIngestHours:     getenvInt("CRON_INGEST_HOURS", 42),
		CronIncludeForecast: getenvBool("CRON_INCLUDE_FORECAST", false),
	}

	var err error
	if cfg.ProviderTimeout, err = getenvDuration("PROVIDER_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProviderBackoff, err = getenvDuration("PROVIDER_BACKOFF", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ProviderMaxBackoff, err = getenvDuration("PROVIDER_MAX_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", 0); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getenvDuration("CACHE_TTL", 60*time.Second); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getenvList splits a comma-separated variable, dropping blanks.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
