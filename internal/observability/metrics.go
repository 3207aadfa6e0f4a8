package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pollen"

// Metrics holds the Prometheus collectors for ingest, providers and the API cache.
type Metrics struct {
	IngestRuns         *prometheus.CounterVec   // labels: job, status={success,partial,failure}
	IngestCityOutcomes *prometheus.CounterVec   // labels: job, outcome={ok,error}
	IngestDuration     *prometheus.HistogramVec // labels: job
	ReadingsWritten    prometheus.Counter

	ProviderRequests *prometheus.CounterVec // labels: provider, outcome={success,error}
	CacheLookups     *prometheus.CounterVec // labels: result={hit,miss,error}
	LogSinkFailures  *prometheus.CounterVec // labels: sink
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.IngestRuns,
		m.IngestCityOutcomes,
		m.IngestDuration,
		m.ReadingsWritten,
		m.ProviderRequests,
		m.CacheLookups,
		m.LogSinkFailures,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Completed ingest runs by job and final status.",
		}, []string{"job", "status"}),
		IngestCityOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_city_outcomes_total",
			Help:      "Per-city ingest outcomes.",
		}, []string{"job", "outcome"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Wall time of a complete ingest run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),
		ReadingsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_written_total",
			Help:      "Readings upserted into the store.",
		}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Upstream provider requests by outcome.",
		}, []string{"provider", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		LogSinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_sink_failures_total",
			Help:      "Dropped ingest log deliveries by sink.",
		}, []string{"sink"}),
	}
}
