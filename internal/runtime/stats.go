package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	ce "github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EventStats aggregates the outcomes of one (event type, schema) route.
type EventStats struct {
	mu sync.Mutex

	EventTypeName string `json:"event_type"`
	Schema        string `json:"schema"`

	EventsProcessed     uint64    `json:"events_processed"`
	EventsSucceeded     uint64    `json:"events_succeeded"`
	EventsFailed        uint64    `json:"events_failed"`
	EventsReleased      uint64    `json:"events_released"`
	EventsRejected      uint64    `json:"events_rejected"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	// LastDeliveryCount is zero for push deliveries.
	LastDeliveryCount int `json:"last_delivery_count"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	sampler          *resourceSampler
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS     float64 `json:"current_rps"`
	WindowSeconds  float64 `json:"window_seconds"`
	EventsInWindow uint64  `json:"events_in_window"`
}

type ErrorBreakdown struct {
	Malformed uint64 `json:"malformed"`
	Rejected  uint64 `json:"rejected"`
	Timeout   uint64 `json:"timeout"`
	Handler   uint64 `json:"handler"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	HeapBytes  uint64 `json:"heap_bytes"`
	Goroutines uint64 `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryMalformed ErrorCategory = "malformed"
	ErrorCategoryRejected  ErrorCategory = "rejected"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryHandler   ErrorCategory = "handler"
	ErrorCategoryOther     ErrorCategory = "other"
)

// ErrorClassifier buckets outcome errors for the stats API.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var malformed *errspkg.MalformedEventError
	if errors.As(err, &malformed) {
		return ErrorCategoryMalformed
	}
	if errors.Is(err, ce.ErrReject) {
		return ErrorCategoryRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	var handlerErr *errspkg.HandlerExecutionError
	if errors.As(err, &handlerErr) {
		return ErrorCategoryHandler
	}
	return ErrorCategoryOther
}

func newEventStats(key registry.Key, sampler *resourceSampler) *EventStats {
	return &EventStats{
		EventTypeName:    key.EventTypeName,
		Schema:           key.Schema.String(),
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		sampler:          sampler,
	}
}

func (e *EventStats) onStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InFlight++
	if e.InFlight > e.MaxInFlight {
		e.MaxInFlight = e.InFlight
	}
}

func (e *EventStats) onFinish(job pipeline.JobContext, classifier ErrorClassifier) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.InFlight > 0 {
		e.InFlight--
	}
	e.EventsProcessed++
	switch job.Outcome.Status {
	case pipeline.StatusSuccess:
		e.EventsSucceeded++
	case pipeline.StatusFailed:
		e.EventsFailed++
	case pipeline.StatusReleased:
		e.EventsReleased++
	case pipeline.StatusRejected:
		e.EventsRejected++
	}
	e.TotalProcessingTime += int64(job.Duration)
	e.LastProcessedAt = time.Now().UTC()
	e.LastDeliveryCount = job.DeliveryCount

	e.latencyWindow.Add(job.Duration)
	snapshot := e.latencyWindow.Snapshot()
	snapshot.AverageNs = e.TotalProcessingTime / int64(e.EventsProcessed)
	e.Latency = snapshot

	tp := e.throughputWindow.AddAndSnapshot(time.Now())
	e.Throughput = ThroughputMetrics{
		CurrentRPS:     tp.CurrentRPS,
		WindowSeconds:  tp.WindowSeconds,
		EventsInWindow: uint64(tp.Count),
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	e.Errors.Record(classifier(job.Outcome.Err), job.Outcome.Err)

	if e.sampler != nil {
		e.Resource = e.sampler.Snapshot()
	}
}

func (e *EventStats) MarshalJSON() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type alias struct {
		EventTypeName       string            `json:"event_type"`
		Schema              string            `json:"schema"`
		EventsProcessed     uint64            `json:"events_processed"`
		EventsSucceeded     uint64            `json:"events_succeeded"`
		EventsFailed        uint64            `json:"events_failed"`
		EventsReleased      uint64            `json:"events_released"`
		EventsRejected      uint64            `json:"events_rejected"`
		InFlight            uint64            `json:"in_flight"`
		MaxInFlight         uint64            `json:"max_in_flight"`
		TotalProcessingTime int64             `json:"total_processing_time_ns"`
		LastProcessedAt     time.Time         `json:"last_processed_at"`
		LastDeliveryCount   int               `json:"last_delivery_count"`
		Latency             LatencyMetrics    `json:"latency"`
		Throughput          ThroughputMetrics `json:"throughput"`
		Errors              ErrorBreakdown    `json:"errors"`
		Resource            ResourceUsage     `json:"resource"`
	}
	return json.Marshal(alias{
		EventTypeName:       e.EventTypeName,
		Schema:              e.Schema,
		EventsProcessed:     e.EventsProcessed,
		EventsSucceeded:     e.EventsSucceeded,
		EventsFailed:        e.EventsFailed,
		EventsReleased:      e.EventsReleased,
		EventsRejected:      e.EventsRejected,
		InFlight:            e.InFlight,
		MaxInFlight:         e.MaxInFlight,
		TotalProcessingTime: e.TotalProcessingTime,
		LastProcessedAt:     e.LastProcessedAt,
		LastDeliveryCount:   e.LastDeliveryCount,
		Latency:             e.Latency,
		Throughput:          e.Throughput,
		Errors:              e.Errors,
		Resource:            e.Resource,
	})
}

func (b *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		b.Other++
	case ErrorCategoryMalformed:
		b.Malformed++
	case ErrorCategoryRejected:
		b.Rejected++
	case ErrorCategoryTimeout:
		b.Timeout++
	case ErrorCategoryHandler:
		b.Handler++
	default:
		b.Other++
	}
	if err != nil {
		b.LastError = err.Error()
	}
}

// statsTracker keeps one EventStats per route and feeds them from job hooks.
type statsTracker struct {
	mu         sync.RWMutex
	routes     map[registry.Key]*EventStats
	classifier ErrorClassifier
	sampler    *resourceSampler
}

func newStatsTracker(classifier ErrorClassifier) *statsTracker {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	return &statsTracker{
		routes:     make(map[registry.Key]*EventStats),
		classifier: classifier,
		sampler:    newResourceSampler(),
	}
}

func (t *statsTracker) route(name string, schema envelope.Schema) *EventStats {
	key := registry.Key{EventTypeName: name, Schema: schema}

	t.mu.RLock()
	stats, ok := t.routes[key]
	t.mu.RUnlock()
	if ok {
		return stats
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if stats, ok = t.routes[key]; ok {
		return stats
	}
	stats = newEventStats(key, t.sampler)
	t.routes[key] = stats
	return stats
}

func (t *statsTracker) Hooks() pipeline.JobHooks {
	finish := func(job pipeline.JobContext) {
		t.route(job.EventTypeName, job.Schema).onFinish(job, t.classifier)
	}
	return pipeline.JobHooks{
		OnJobStart: func(job pipeline.JobContext) {
			t.route(job.EventTypeName, job.Schema).onStart()
		},
		OnJobDone:  finish,
		OnJobError: func(job pipeline.JobContext, _ error) { finish(job) },
	}
}

// Lookup returns the stats of a route, or nil when no event has been seen.
func (t *statsTracker) Lookup(name string, schema envelope.Schema) *EventStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.routes[registry.Key{EventTypeName: name, Schema: schema}]
}

// Snapshot lists every route sorted by event type then schema.
func (t *statsTracker) Snapshot() []*EventStats {
	t.mu.RLock()
	out := make([]*EventStats, 0, len(t.routes))
	for _, stats := range t.routes {
		out = append(out, stats)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *EventStats) int {
		if a.EventTypeName != b.EventTypeName {
			if a.EventTypeName < b.EventTypeName {
				return -1
			}
			return 1
		}
		if a.Schema < b.Schema {
			return -1
		}
		if a.Schema > b.Schema {
			return 1
		}
		return 0
	})
	return out
}

// resourceSampler reads heap and goroutine gauges from runtime/metrics.
type resourceSampler struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{samples: []metrics.Sample{
		{Name: "/memory/classes/heap/objects:bytes"},
		{Name: "/sched/goroutines:goroutines"},
	}}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	var usage ResourceUsage
	if v := r.samples[0].Value; v.Kind() == metrics.KindUint64 {
		usage.HeapBytes = v.Uint64()
	}
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = v.Uint64()
	} else {
		usage.Goroutines = uint64(runtime.NumGoroutine())
	}
	return usage
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.AverageNs = sum / int64(len(samples))
	return m
}

// percentile interpolates linearly between the closest ranks of sorted samples.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
