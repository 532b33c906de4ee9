package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink defines the interface components report their metrics through.
// A sink is constructed by the process entry point and injected at
// construction time; components never reach for process-wide state.
type Sink interface {
	// RecordOperation reports one store-backed operation with its outcome.
	RecordOperation(component, operation string, duration time.Duration, err error)
	// RecordEvent reports a domain event (token issued, reuse detected, ...).
	RecordEvent(component, event string)
}

// LogSink implements Sink using structured logging
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new log-based metrics sink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

func (s *LogSink) RecordOperation(component, operation string, duration time.Duration, err error) {
	if err != nil {
		s.logger.Warn("operation completed with error",
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("operation completed",
		slog.String("component", component),
		slog.String("operation", operation),
		slog.Duration("duration", duration))
}

func (s *LogSink) RecordEvent(component, event string) {
	s.logger.Info("event recorded",
		slog.String("component", component),
		slog.String("event", event))
}

// PrometheusSink implements Sink with prometheus counters and histograms.
type PrometheusSink struct {
	operations *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	events     *prometheus.CounterVec
}

// NewPrometheusSink creates a sink registered against the given registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "operation_duration_seconds",
			Help:      "Duration of credential store backed operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "operation_errors_total",
			Help:      "Operations that completed with an error.",
		}, []string{"component", "operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "events_total",
			Help:      "Domain events such as issued tokens or detected reuse.",
		}, []string{"component", "event"}),
	}
	reg.MustRegister(s.operations, s.errors, s.events)
	return s
}

func (s *PrometheusSink) RecordOperation(component, operation string, duration time.Duration, err error) {
	s.operations.WithLabelValues(component, operation).Observe(duration.Seconds())
	if err != nil {
		s.errors.WithLabelValues(component, operation).Inc()
	}
}

func (s *PrometheusSink) RecordEvent(component, event string) {
	s.events.WithLabelValues(component, event).Inc()
}

// NopSink discards everything. Useful default for tests.
type NopSink struct{}

func NewNopSink() *NopSink { return &NopSink{} }

func (*NopSink) RecordOperation(component, operation string, duration time.Duration, err error) {}

func (*NopSink) RecordEvent(component, event string) {}
