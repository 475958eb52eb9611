package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	idspkg "github.com/drblury/gridflow/internal/runtime/ids"
	"github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/metadata"
)

// CorrelationID ensures every event carries a correlation identifier.
func CorrelationID() Behavior {
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		if w.MetadataValue(metadata.KeyCorrelationID) == "" {
			w.SetMetadata(metadata.KeyCorrelationID, idspkg.CreateULID())
		}
		return next(ctx)
	}
}

// Logging logs the event metadata before dispatch and the outcome after.
func Logging(logger logging.ServiceLogger) Behavior {
	if logger == nil {
		logger = logging.Noop()
	}
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		start := time.Now()
		logger.Debug("Processing event", logging.LogFields{
			"event_id":   w.ID(),
			"event_type": w.EventTypeName(),
			"schema":     w.Schema().String(),
			"metadata":   w.Metadata(),
		})

		out := next(ctx)

		fields := logging.LogFields{
			"event_id":    w.ID(),
			"event_type":  w.EventTypeName(),
			"status":      out.Status.String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		switch out.Status {
		case StatusSuccess:
			logger.Debug("Event processed", fields)
		case StatusReleased:
			fields["delay"] = out.Delay.String()
			logger.Info("Event released", fields)
		default:
			logger.Error("Event processing failed", out.Err, fields)
		}
		return out
	}
}

// Validator checks a wrapped event before any handler runs.
type Validator interface {
	Validate(ctx context.Context, w *envelope.Wrapper) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, w *envelope.Wrapper) error

func (f ValidatorFunc) Validate(ctx context.Context, w *envelope.Wrapper) error { return f(ctx, w) }

// Validation rejects events that fail validation. A nil validator disables
// the behavior.
func Validation(v Validator) Behavior {
	if v == nil {
		return nil
	}
	return func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome {
		if err := v.Validate(ctx, w); err != nil {
			return Rejected(fmt.Errorf("validation failed for event %s: %w", w.ID(), err))
		}
		return next(ctx)
	}
}

// Recoverer converts a panic further down the chain into a Failed outcome.
func Recoverer() Behavior {
	return func(ctx context.Context, w *envelope.Wrapper, next Next) (out Outcome) {
		defer func() {
			if r := recover(); r != nil {
				out = Failed(fmt.Errorf("panic occurred: %v, stacktrace: \n%s", r, debug.Stack()))
			}
		}()
		return next(ctx)
	}
}
