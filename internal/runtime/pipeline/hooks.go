package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/metadata"
)

// JobContext provides information about one event execution to hooks.
type JobContext struct {
	EventID       string
	EventTypeName string
	Schema        envelope.Schema
	Metadata      metadata.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
	// DeliveryCount is zero for push deliveries.
	DeliveryCount int
	// Outcome is only set in OnJobDone and OnJobError.
	Outcome Outcome
}

// JobHooks defines callbacks for the event lifecycle. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	// OnJobDone is called when the event succeeded.
	OnJobDone func(ctx JobContext)
	// OnJobError is called for failed, released and rejected events.
	OnJobError func(ctx JobContext, err error)
}

// Empty reports whether no hook is set.
func (h JobHooks) Empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

// Merge combines two JobHooks. Hooks from other run after the hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Hooks invokes the provided hooks around the rest of the chain.
func Hooks(hooks JobHooks) Behavior {
	if hooks.Empty() {
		return nil
	}
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		md := w.Metadata()
		deliveryCount, _ := strconv.Atoi(md[metadata.KeyDeliveryCount])
		job := JobContext{
			EventID:       w.ID(),
			EventTypeName: w.EventTypeName(),
			Schema:        w.Schema(),
			Metadata:      md,
			Context:       ctx,
			StartedAt:     time.Now(),
			DeliveryCount: deliveryCount,
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(job)
		}

		out := next(ctx)
		job.Duration = time.Since(job.StartedAt)
		job.Outcome = out

		if out.Status == StatusSuccess {
			if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
		} else if hooks.OnJobError != nil {
			hooks.OnJobError(job, out.Err)
		}
		return out
	}
}

// LoggingHooks returns hooks that log the event lifecycle.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	if logger == nil {
		logger = logging.Noop()
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", logging.LogFields{
				"event_id":       ctx.EventID,
				"event_type":     ctx.EventTypeName,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"event_id":    ctx.EventID,
				"event_type":  ctx.EventTypeName,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"event_id":       ctx.EventID,
				"event_type":     ctx.EventTypeName,
				"status":         ctx.Outcome.Status.String(),
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// AlertingHooks triggers alertFunc for every event that did not succeed.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
