package consumer

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks consumer loop statistics.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	batchesTotal       *prometheus.CounterVec
	batchSize          *prometheus.HistogramVec
	resolutionsTotal   *prometheus.CounterVec
	poisonTotal        *prometheus.CounterVec
	malformedTotal     *prometheus.CounterVec
	resolveErrorsTotal *prometheus.CounterVec
	receiveErrorsTotal *prometheus.CounterVec
}

var consumerLabels = []string{"topic", "subscription"}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridflow",
			Subsystem: "consumer",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates consumer collectors. A nil registerer selects the
// Prometheus default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:   registerer,
		batchesTotal: newCounterVec("batches_total", "Non-empty batches received", consumerLabels),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridflow",
			Subsystem: "consumer",
			Name:      "batch_size",
			Help:      "Number of events per received batch",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}, consumerLabels),
		resolutionsTotal:   newCounterVec("resolutions_total", "Events resolved back to the broker, by action", append(consumerLabels, "action")),
		poisonTotal:        newCounterVec("poison_total", "Events rejected after reaching the delivery attempt limit", consumerLabels),
		malformedTotal:     newCounterVec("malformed_total", "Events rejected because they could not be parsed", consumerLabels),
		resolveErrorsTotal: newCounterVec("resolve_errors_total", "Lock tokens the broker failed to resolve", append(consumerLabels, "action")),
		receiveErrorsTotal: newCounterVec("receive_errors_total", "Failed receive attempts", consumerLabels),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	counters := []**prometheus.CounterVec{
		&m.batchesTotal,
		&m.resolutionsTotal,
		&m.poisonTotal,
		&m.malformedTotal,
		&m.resolveErrorsTotal,
		&m.receiveErrorsTotal,
	}
	for _, cv := range counters {
		registered, err := registerCollector(m.registerer, *cv)
		if err != nil {
			return err
		}
		*cv = registered
	}
	batchSize, err := registerCollector(m.registerer, m.batchSize)
	if err != nil {
		return err
	}
	m.batchSize = batchSize
	m.registered = true
	return nil
}

// registerCollector registers c, or returns the collector already registered
// under the same descriptor so a second consumer records into the exported one.
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

func (m *Metrics) recordReceiveError(topic, subscription string) {
	if m == nil {
		return
	}
	m.receiveErrorsTotal.WithLabelValues(topic, subscription).Inc()
}

func (m *Metrics) recordBatch(report BatchReport) {
	if m == nil {
		return
	}
	labels := []string{report.Topic, report.Subscription}
	m.batchesTotal.WithLabelValues(labels...).Inc()
	m.batchSize.WithLabelValues(labels...).Observe(float64(report.Received))
	m.resolutionsTotal.WithLabelValues(report.Topic, report.Subscription, ActionAcknowledge).Add(float64(len(report.Acknowledged)))
	m.resolutionsTotal.WithLabelValues(report.Topic, report.Subscription, ActionRelease).Add(float64(report.releasedCount()))
	m.resolutionsTotal.WithLabelValues(report.Topic, report.Subscription, ActionReject).Add(float64(len(report.Rejected)))
	m.poisonTotal.WithLabelValues(labels...).Add(float64(report.Poisoned))
	m.malformedTotal.WithLabelValues(labels...).Add(float64(report.Malformed))
	for action, n := range report.ResolveFailures {
		m.resolveErrorsTotal.WithLabelValues(report.Topic, report.Subscription, action).Add(float64(n))
	}
}
