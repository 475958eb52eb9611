// Package consumer implements the pull delivery loop: receive a batch, run
// every event through the pipeline, then acknowledge, release or reject each
// lock token.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/metadata"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
)

// Resolve actions, used in reports and metric labels.
const (
	ActionAcknowledge = "acknowledge"
	ActionRelease     = "release"
	ActionReject      = "reject"
)

// Processor runs one event to an outcome. *pipeline.Pipeline implements it.
type Processor interface {
	Run(ctx context.Context, w *envelope.Wrapper) pipeline.Outcome
}

// BatchReport summarises one resolved batch.
type BatchReport struct {
	Topic        string
	Subscription string
	Received     int
	Malformed    int
	// Poisoned counts events rejected because they hit MaxDeliveryAttempts.
	Poisoned int
	// Cancelled counts events released unprocessed because of shutdown.
	Cancelled int

	Acknowledged []string
	Released     map[time.Duration][]string
	Rejected     []string

	// ResolveFailures counts tokens the broker did not resolve, by action.
	ResolveFailures map[string]int
	Duration        time.Duration
}

func (r BatchReport) releasedCount() int {
	n := 0
	for _, tokens := range r.Released {
		n += len(tokens)
	}
	return n
}

// Option customises a Consumer.
type Option func(*Consumer)

func WithLogger(logger logging.ServiceLogger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithBatchObserver is called after every resolved batch.
func WithBatchObserver(fn func(BatchReport)) Option {
	return func(c *Consumer) { c.onBatch = fn }
}

// Consumer runs the loop for one topic/subscription. Run must not be called
// concurrently on the same Consumer.
type Consumer struct {
	client    broker.Client
	processor Processor
	conf      Config
	logger    logging.ServiceLogger
	metrics   *Metrics
	onBatch   func(BatchReport)
	state     atomic.Int32
}

// New validates conf and creates a consumer.
func New(client broker.Client, processor Processor, conf Config, opts ...Option) (*Consumer, error) {
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if processor == nil {
		return nil, errspkg.ErrPipelineRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	c := &Consumer{
		client:    client,
		processor: processor,
		conf:      conf.WithDefaults(),
		logger:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.LogFields{
		"topic":        c.conf.Topic,
		"subscription": c.conf.Subscription,
	})
	return c, nil
}

// State reports the current loop phase.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Consumer) Config() Config {
	return c.conf
}

// Run loops until ctx is cancelled, in which case it returns nil, or until
// receiving fails for good, in which case it returns a
// *errors.ConsumerFatalError. A batch that was received is always resolved
// before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	c.logger.Info("Consumer started", logging.LogFields{
		"max_events":      c.conf.MaxEvents,
		"max_concurrency": c.conf.MaxConcurrency,
	})

	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped", nil)
			return nil
		}

		c.setState(StateReceiving)
		events, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer stopped", nil)
				return nil
			}
			c.logger.Error("Consumer halted", err, nil)
			return err
		}

		if len(events) == 0 {
			c.setState(StateIdle)
			sleep(ctx, c.conf.EmptyReceiveDelay)
			continue
		}

		c.runBatch(ctx, events)
		c.setState(StateIdle)
	}
}

// runBatch processes and resolves an already received batch.
func (c *Consumer) runBatch(ctx context.Context, events []broker.ReceivedEvent) BatchReport {
	start := time.Now()

	c.setState(StateProcessing)
	results := c.process(ctx, events)

	c.setState(StateResolving)
	report := c.resolve(ctx, results)
	report.Duration = time.Since(start)

	c.metrics.recordBatch(report)
	if c.onBatch != nil {
		c.onBatch(report)
	}
	c.logger.Debug("Batch resolved", logging.LogFields{
		"received":     report.Received,
		"acknowledged": len(report.Acknowledged),
		"released":     report.releasedCount(),
		"rejected":     len(report.Rejected),
		"duration_ms":  report.Duration.Milliseconds(),
	})
	return report
}

func (c *Consumer) receive(ctx context.Context) ([]broker.ReceivedEvent, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.conf.ReceiveRetryInitialInterval
	policy.MaxInterval = c.conf.ReceiveRetryMaxInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	op := func() ([]broker.ReceivedEvent, error) {
		attempts++
		events, err := c.client.Receive(ctx, c.conf.Topic, c.conf.Subscription, c.conf.MaxEvents, c.conf.MaxWaitTime)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		c.metrics.recordReceiveError(c.conf.Topic, c.conf.Subscription)
		if !broker.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("Receive failed, retrying", logging.LogFields{
			"attempt": attempts,
			"error":   err.Error(),
		})
		return nil, err
	}

	retries := uint64(c.conf.ReceiveRetryAttempts - 1)
	events, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errspkg.ConsumerFatalError{
			Topic:        c.conf.Topic,
			Subscription: c.conf.Subscription,
			Attempts:     attempts,
			Err:          err,
		}
	}
	return events, nil
}

type result struct {
	event     broker.ReceivedEvent
	outcome   pipeline.Outcome
	malformed bool
	cancelled bool
}

func (c *Consumer) process(ctx context.Context, events []broker.ReceivedEvent) []result {
	results := make([]result, len(events))

	var g errgroup.Group
	g.SetLimit(c.conf.MaxConcurrency)
	for i, event := range events {
		results[i].event = event
		if err := ctx.Err(); err != nil {
			results[i].outcome = pipeline.Released(0, err)
			results[i].cancelled = true
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].outcome = pipeline.Released(0, err)
				results[i].cancelled = true
				return nil
			}
			results[i].outcome, results[i].malformed = c.processOne(ctx, event)
			results[i].cancelled = interrupted(ctx, results[i].outcome)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// interrupted reports an event whose handler chain stopped because ctx was
// cancelled. Such events are released unchanged, outside the poison rule.
func interrupted(ctx context.Context, out pipeline.Outcome) bool {
	if ctx.Err() == nil {
		return false
	}
	switch out.Status {
	case pipeline.StatusFailed, pipeline.StatusReleased:
		return errors.Is(out.Err, context.Canceled)
	default:
		return false
	}
}

func (c *Consumer) processOne(ctx context.Context, event broker.ReceivedEvent) (pipeline.Outcome, bool) {
	schema := event.Schema
	if schema == envelope.SchemaAuto {
		schema = c.conf.Schema
	}
	w, err := envelope.Parse(event.Body, schema)
	if err != nil {
		c.logger.Error("Rejecting malformed event", err, logging.LogFields{
			"delivery_count": event.DeliveryCount,
		})
		return pipeline.Rejected(err), true
	}
	w.SetMetadata(metadata.KeyDeliveryCount, strconv.Itoa(event.DeliveryCount))

	eventCtx, cancel := context.WithTimeout(ctx, c.conf.EventTimeout)
	defer cancel()

	done := make(chan pipeline.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pipeline.Failed(fmt.Errorf("panic occurred: %v", r))
			}
		}()
		done <- c.processor.Run(eventCtx, w)
	}()

	timer := time.NewTimer(c.conf.EventTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out, false
	case <-timer.C:
		c.logger.Warn("Event timed out, abandoning handler", logging.LogFields{
			"event_id":   w.ID(),
			"event_type": w.EventTypeName(),
			"timeout":    c.conf.EventTimeout.String(),
		})
		return pipeline.Failed(fmt.Errorf("event %s exceeded timeout %v: %w", w.ID(), c.conf.EventTimeout, context.DeadlineExceeded)), false
	}
}

func (c *Consumer) resolve(ctx context.Context, results []result) BatchReport {
	report := BatchReport{
		Topic:           c.conf.Topic,
		Subscription:    c.conf.Subscription,
		Received:        len(results),
		Released:        make(map[time.Duration][]string),
		ResolveFailures: make(map[string]int),
	}

	for _, r := range results {
		token := r.event.LockToken
		if r.malformed {
			report.Malformed++
		}
		switch {
		case r.cancelled:
			report.Cancelled++
			report.Released[0] = append(report.Released[0], token)
		case r.outcome.Status == pipeline.StatusSuccess:
			report.Acknowledged = append(report.Acknowledged, token)
		case r.outcome.Status == pipeline.StatusRejected:
			report.Rejected = append(report.Rejected, token)
		case r.event.DeliveryCount >= c.conf.MaxDeliveryAttempts:
			c.logger.Error("Rejecting poison event", r.outcome.Err, logging.LogFields{
				"delivery_count": r.event.DeliveryCount,
				"max_attempts":   c.conf.MaxDeliveryAttempts,
				"status":         r.outcome.Status.String(),
			})
			report.Poisoned++
			report.Rejected = append(report.Rejected, token)
		case r.outcome.Status == pipeline.StatusReleased:
			report.Released[r.outcome.Delay] = append(report.Released[r.outcome.Delay], token)
		default:
			delay := c.conf.ReleaseDelay(r.event.DeliveryCount)
			report.Released[delay] = append(report.Released[delay], token)
		}
	}

	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.conf.ResolveTimeout)
	defer cancel()

	if len(report.Acknowledged) > 0 {
		res, err := c.client.Acknowledge(resolveCtx, c.conf.Topic, c.conf.Subscription, report.Acknowledged)
		c.logResolve(ActionAcknowledge, report.Acknowledged, res, err, report.ResolveFailures)
	}

	delays := make([]time.Duration, 0, len(report.Released))
	for delay := range report.Released {
		delays = append(delays, delay)
	}
	slices.Sort(delays)
	for _, delay := range delays {
		tokens := report.Released[delay]
		res, err := c.client.Release(resolveCtx, c.conf.Topic, c.conf.Subscription, tokens, delay)
		c.logResolve(ActionRelease, tokens, res, err, report.ResolveFailures)
	}

	if len(report.Rejected) > 0 {
		res, err := c.client.Reject(resolveCtx, c.conf.Topic, c.conf.Subscription, report.Rejected)
		c.logResolve(ActionReject, report.Rejected, res, err, report.ResolveFailures)
	}

	return report
}

// logResolve logs a failed call or per-token failures. Neither stops the loop:
// unresolved tokens expire and the broker redelivers them.
func (c *Consumer) logResolve(action string, tokens []string, res broker.ResolveResult, err error, failures map[string]int) {
	if err != nil {
		failures[action] += len(tokens)
		c.logger.Error("Resolve call failed", err, logging.LogFields{
			"action":    action,
			"tokens":    len(tokens),
			"transient": broker.IsTransient(err),
		})
		return
	}
	for _, failure := range res.Failed {
		failures[action]++
		fields := logging.LogFields{
			"action":     action,
			"lock_token": failure.LockToken,
		}
		if errors.Is(failure.Err, broker.ErrLockTokenNotFound) {
			c.logger.Warn("Lock token no longer held", fields)
			continue
		}
		c.logger.Error("Lock token not resolved", failure.Err, fields)
	}
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
