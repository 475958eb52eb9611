package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/gridflow/internal/runtime/envelope"
)

// OutcomeMetrics records per-event processing duration and outcomes.
type OutcomeMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewOutcomeMetrics creates the collectors. A nil registerer selects the
// Prometheus default registerer.
func NewOutcomeMetrics(registerer prometheus.Registerer) *OutcomeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutcomeMetrics{
		registerer: registerer,
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridflow",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events processed by the pipeline, by outcome",
		}, []string{"event_type", "schema", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridflow",
			Subsystem: "pipeline",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing a single event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type", "status"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *OutcomeMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	var err error
	if m.outcomes, err = registerCollector(m.registerer, m.outcomes); err != nil {
		return err
	}
	if m.duration, err = registerCollector(m.registerer, m.duration); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// registerCollector registers c, or returns the collector already registered
// under the same descriptor so every instance records into the exported one.
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return c, err
		}
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, nil
}

// Observe records one processed event.
func (m *OutcomeMetrics) Observe(eventType string, schema envelope.Schema, status Status, d time.Duration) {
	m.outcomes.WithLabelValues(eventType, schema.String(), status.String()).Inc()
	m.duration.WithLabelValues(eventType, status.String()).Observe(d.Seconds())
}

// Collectors exposes the underlying collectors for tests and custom registries.
func (m *OutcomeMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.outcomes, m.duration}
}

// Metrics records every outcome on m. A nil m disables the behavior.
func Metrics(m *OutcomeMetrics) Behavior {
	if m == nil {
		return nil
	}
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		start := time.Now()
		out := next(ctx)
		m.Observe(w.EventTypeName(), w.Schema(), out.Status, time.Since(start))
		return out
	}
}
