package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	ce "github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
)

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	cases := map[float64]int64{0: 10, 0.5: 30, 0.75: 40, 1: 50, 0.9: 46}
	for q, want := range cases {
		if got := percentile(samples, q); got != want {
			t.Fatalf("percentile(%v) = %d, want %d", q, got, want)
		}
	}
	if percentile(nil, 0.5) != 0 {
		t.Fatal("empty samples should yield 0")
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for _, d := range []time.Duration{1, 2, 3, 100} {
		lw.Add(d)
	}
	snap := lw.Snapshot()
	if snap.SampleSize != 3 {
		t.Fatalf("expected 3 samples, got %d", snap.SampleSize)
	}
	if snap.LastNs != 100 || snap.P99Ns > 100 || snap.P50Ns != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.AverageNs != (2+3+100)/3 {
		t.Fatalf("unexpected average %d", snap.AverageNs)
	}
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Second)
	base := time.Now()
	tw.AddAndSnapshot(base)
	tw.AddAndSnapshot(base.Add(500 * time.Millisecond))
	snap := tw.AddAndSnapshot(base.Add(2 * time.Second))
	if snap.Count != 1 {
		t.Fatalf("expected old samples to be dropped, got %d", snap.Count)
	}
}

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{&errspkg.MalformedEventError{Schema: "cloudevent", Reason: "missing type"}, ErrorCategoryMalformed},
		{ce.RejectWithReason("bad order", nil), ErrorCategoryRejected},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{&errspkg.HandlerExecutionError{HandlerName: "h", Err: errors.New("db")}, ErrorCategoryHandler},
		{errors.New("other"), ErrorCategoryOther},
	}
	for _, tc := range cases {
		if got := defaultErrorClassifier(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestStatsTrackerHooks(t *testing.T) {
	tracker := newStatsTracker(nil)
	hooks := tracker.Hooks()

	job := pipeline.JobContext{EventTypeName: "Orders.OrderCreated", Schema: envelope.SchemaCloudEvent, DeliveryCount: 2}
	hooks.OnJobStart(job)
	job.Duration = 5 * time.Millisecond
	job.Outcome = pipeline.Success()
	hooks.OnJobDone(job)

	hooks.OnJobStart(job)
	failure := errors.New("downstream unavailable")
	job.Outcome = pipeline.Released(time.Second, failure)
	hooks.OnJobError(job, failure)

	stats := tracker.Lookup("Orders.OrderCreated", envelope.SchemaCloudEvent)
	if stats == nil {
		t.Fatal("expected stats for the route")
	}
	if stats.EventsProcessed != 2 || stats.EventsSucceeded != 1 || stats.EventsReleased != 1 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if stats.InFlight != 0 || stats.MaxInFlight != 1 {
		t.Fatalf("unexpected in-flight tracking: %d/%d", stats.InFlight, stats.MaxInFlight)
	}
	if stats.Errors.Other != 1 || stats.Errors.LastError != "downstream unavailable" {
		t.Fatalf("unexpected error breakdown %+v", stats.Errors)
	}
	if stats.LastDeliveryCount != 2 || stats.Latency.SampleSize != 2 {
		t.Fatalf("unexpected latency or delivery tracking %+v", stats)
	}
	if tracker.Lookup("Orders.OrderCreated", envelope.SchemaGridEvent) != nil {
		t.Fatal("grid event route should be tracked separately")
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event_type"] != "Orders.OrderCreated" || decoded["schema"] != "cloudevent" {
		t.Fatalf("unexpected json %s", raw)
	}
}

func TestStatsTrackerSnapshotIsSorted(t *testing.T) {
	tracker := newStatsTracker(func(error) ErrorCategory { return ErrorCategoryOther })
	tracker.route("b", envelope.SchemaCloudEvent)
	tracker.route("a", envelope.SchemaGridEvent)
	tracker.route("a", envelope.SchemaCloudEvent)

	snap := tracker.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(snap))
	}
	got := []string{snap[0].EventTypeName + "/" + snap[0].Schema, snap[1].EventTypeName + "/" + snap[1].Schema, snap[2].EventTypeName + "/" + snap[2].Schema}
	want := []string{"a/cloudevent", "a/gridevent", "b/cloudevent"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order %v", got)
		}
	}
}

func TestResourceSamplerReportsGoroutines(t *testing.T) {
	usage := newResourceSampler().Snapshot()
	if usage.Goroutines == 0 {
		t.Fatal("expected at least one goroutine")
	}
}
