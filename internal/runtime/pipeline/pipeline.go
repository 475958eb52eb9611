// Package pipeline runs a wrapped event through an ordered chain of behaviors
// and the handlers registered for its type, producing exactly one Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

// Status is the terminal processing state of one event.
type Status int

const (
	StatusSuccess Status = iota + 1
	StatusFailed
	StatusReleased
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusReleased:
		return "released"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of running one event through the pipeline.
type Outcome struct {
	Status Status
	Err    error
	// Delay is the redelivery delay requested for a Released outcome.
	Delay time.Duration
}

func Success() Outcome { return Outcome{Status: StatusSuccess} }

func Failed(err error) Outcome { return Outcome{Status: StatusFailed, Err: err} }

func Released(delay time.Duration, err error) Outcome {
	return Outcome{Status: StatusReleased, Err: err, Delay: delay}
}

func Rejected(err error) Outcome { return Outcome{Status: StatusRejected, Err: err} }

func (o Outcome) String() string {
	if o.Err == nil {
		return o.Status.String()
	}
	return fmt.Sprintf("%s: %v", o.Status, o.Err)
}

// Next invokes the remainder of the chain.
type Next func(ctx context.Context) Outcome

// Behavior wraps the rest of the chain. A behavior calls next at most once and
// returns its outcome unless it deliberately overrides it.
type Behavior func(ctx context.Context, w *envelope.Wrapper, next Next) Outcome

type step func(ctx context.Context, w *envelope.Wrapper) Outcome

// Pipeline is immutable once built and safe for concurrent use.
type Pipeline struct {
	registry *registry.Registry
	run      step
}

// New composes behaviors outermost first around handler dispatch.
func New(reg *registry.Registry, behaviors ...Behavior) *Pipeline {
	p := &Pipeline{registry: reg}
	run := step(p.dispatch)
	for i := len(behaviors) - 1; i >= 0; i-- {
		if behaviors[i] == nil {
			continue
		}
		run = wrap(behaviors[i], run)
	}
	p.run = run
	return p
}

func wrap(b Behavior, inner step) step {
	return func(ctx context.Context, w *envelope.Wrapper) Outcome {
		var (
			once   sync.Once
			cached Outcome
		)
		next := func(ctx context.Context) Outcome {
			once.Do(func() {
				cached = inner(ctx, w)
			})
			return cached
		}
		return b(ctx, w, next)
	}
}

// Run processes one event.
func (p *Pipeline) Run(ctx context.Context, w *envelope.Wrapper) Outcome {
	return p.run(ctx, w)
}

func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// dispatch invokes every handler for the event sequentially. The first error
// stops the chain; an event without handlers succeeds. A deadline reached
// between handlers fails the event, cancellation releases it unchanged.
func (p *Pipeline) dispatch(ctx context.Context, w *envelope.Wrapper) Outcome {
	if p.registry == nil {
		return Success()
	}
	for _, desc := range p.registry.Resolve(w.EventTypeName(), w.Schema()) {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Failed(fmt.Errorf("event %s: %w", w.ID(), err))
			}
			return Released(0, err)
		}
		if err := desc.Invoke(ctx, w); err != nil {
			return classify(desc, w, err)
		}
	}
	return Success()
}

func classify(desc registry.Descriptor, w *envelope.Wrapper, err error) Outcome {
	execErr := &errspkg.HandlerExecutionError{
		HandlerName:   desc.HandlerName,
		EventTypeName: w.EventTypeName(),
		EventID:       w.ID(),
		Err:           err,
	}
	result, delay := cloudevents.ClassifyError(err)
	switch result {
	case cloudevents.ResultSkip:
		return Success()
	case cloudevents.ResultRetryAfter:
		return Released(delay, execErr)
	case cloudevents.ResultReject:
		return Rejected(execErr)
	default:
		return Failed(execErr)
	}
}
