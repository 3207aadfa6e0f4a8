package ingest

import (
	"context"
	"errors"

	"github.com/i474232898/pollen-aggregation/internal/pollen"
)

// LogSink receives job results and provider usage after a run. Delivery is
// at-most-once and best-effort: the orchestrator logs a returned error and
// carries on.
type LogSink interface {
	Name() string
	Record(ctx context.Context, entry pollen.IngestLogEntry) error
	RecordUsage(ctx context.Context, usage pollen.ProviderUsage) error
}

// StoreSink appends to the ingest_logs and ambee_usage_logs tables.
type StoreSink struct {
	store pollen.Store
}

func NewStoreSink(store pollen.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Record(ctx context.Context, entry pollen.IngestLogEntry) error {
	return s.store.AppendIngestLog(ctx, entry)
}

func (s *StoreSink) RecordUsage(ctx context.Context, usage pollen.ProviderUsage) error {
	return s.store.AppendProviderUsage(ctx, usage)
}

// Publisher is satisfied by *queue.Producer.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Event is the message published for every job result and usage record.
type Event struct {
	Type  string                 `json:"type"`
	Log   *pollen.IngestLogEntry `json:"log,omitempty"`
	Usage *pollen.ProviderUsage  `json:"usage,omitempty"`
}

const (
	EventIngestLog     = "ingest_log"
	EventProviderUsage = "provider_usage"
)

// KafkaSink publishes job results as JSON events keyed by job name.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Record(ctx context.Context, entry pollen.IngestLogEntry) error {
	return s.pub.PublishJSON(ctx, entry.Job, Event{Type: EventIngestLog, Log: &entry})
}

func (s *KafkaSink) RecordUsage(ctx context.Context, usage pollen.ProviderUsage) error {
	return s.pub.PublishJSON(ctx, usage.JobID, Event{Type: EventProviderUsage, Usage: &usage})
}

// MultiSink fans out to every sink; one failing sink does not stop the rest.
type MultiSink []LogSink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Record(ctx context.Context, entry pollen.IngestLogEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordUsage(ctx context.Context, usage pollen.ProviderUsage) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordUsage(ctx, usage); err != nil {
			errs = append(errs, &SinkError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError names the sink that failed inside a MultiSink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }

type nopSink struct{}

func (nopSink) Name() string { return "nop" }

func (nopSink) Record(context.Context, pollen.IngestLogEntry) error { return nil }

func (nopSink) RecordUsage(context.Context, pollen.ProviderUsage) error { return nil }
