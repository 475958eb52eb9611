// Package memory provides an in-process broker with lock tokens, visibility
// timeouts, delayed release and a dead-letter list. It backs tests and local
// development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	idspkg "github.com/drblury/gridflow/internal/runtime/ids"
)

const (
	DefaultLockDuration = 30 * time.Second
	pollInterval        = 20 * time.Millisecond
)

// Options configure a Broker.
type Options struct {
	// LockDuration is how long a received event stays invisible before the
	// broker redelivers it.
	LockDuration time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// DeadLetter is a rejected event.
type DeadLetter struct {
	ID            string
	Body          []byte
	DeliveryCount int
	RejectedAt    time.Time
}

type message struct {
	id            string
	body          []byte
	schema        envelope.Schema
	deliveryCount int
	visibleAt     time.Time
	lockToken     string
	lockedUntil   time.Time
}

type queue struct {
	messages    []*message
	locks       map[string]*message
	deadLetters []DeadLetter
}

type queueKey struct {
	topic        string
	subscription string
}

// Broker implements broker.Client in memory.
type Broker struct {
	mu           sync.Mutex
	queues       map[queueKey]*queue
	lockDuration time.Duration
	now          func() time.Time
	receiveErrs  []error
	wake         chan struct{}
}

var _ broker.Client = (*Broker)(nil)

func New(opts Options) *Broker {
	if opts.LockDuration <= 0 {
		opts.LockDuration = DefaultLockDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broker{
		queues:       make(map[queueKey]*queue),
		lockDuration: opts.LockDuration,
		now:          opts.Now,
		wake:         make(chan struct{}),
	}
}

func (b *Broker) queue(topic, subscription string) *queue {
	key := queueKey{topic: topic, subscription: subscription}
	q, ok := b.queues[key]
	if !ok {
		q = &queue{locks: make(map[string]*message)}
		b.queues[key] = q
	}
	return q
}

// notify wakes blocked receivers. Callers hold b.mu.
func (b *Broker) notify() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Publish enqueues an event body and returns its message id.
func (b *Broker) Publish(topic, subscription string, body []byte) string {
	return b.PublishWithSchema(topic, subscription, body, envelope.SchemaAuto)
}

// PublishWithSchema enqueues an event whose wire schema is known.
func (b *Broker) PublishWithSchema(topic, subscription string, body []byte, schema envelope.Schema) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := idspkg.CreateULID()
	q := b.queue(topic, subscription)
	q.messages = append(q.messages, &message{
		id:        id,
		body:      slices.Clone(body),
		schema:    schema,
		visibleAt: b.now(),
	})
	b.notify()
	return id
}

// FailNextReceives makes the next len(errs) Receive calls return errs in order.
func (b *Broker) FailNextReceives(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveErrs = append(b.receiveErrs, errs...)
}

// Receive locks up to maxEvents visible events. It waits up to maxWait for the
// first event and returns an empty batch when none arrives.
func (b *Broker) Receive(ctx context.Context, topic, subscription string, maxEvents int, maxWait time.Duration) ([]broker.ReceivedEvent, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if len(b.receiveErrs) > 0 {
			err := b.receiveErrs[0]
			b.receiveErrs = b.receiveErrs[1:]
			b.mu.Unlock()
			return nil, err
		}
		events := b.lockVisible(b.queue(topic, subscription), maxEvents)
		wake := b.wake
		b.mu.Unlock()

		if len(events) > 0 {
			return events, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-time.After(pollInterval):
		}
	}
}

func (b *Broker) lockVisible(q *queue, maxEvents int) []broker.ReceivedEvent {
	now := b.now()
	var events []broker.ReceivedEvent
	for _, msg := range q.messages {
		if len(events) >= maxEvents {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		if msg.lockToken != "" {
			if msg.lockedUntil.After(now) {
				continue
			}
			delete(q.locks, msg.lockToken)
		}

		msg.lockToken = idspkg.CreateULID()
		msg.lockedUntil = now.Add(b.lockDuration)
		msg.deliveryCount++
		q.locks[msg.lockToken] = msg

		events = append(events, broker.ReceivedEvent{
			Body:          slices.Clone(msg.body),
			LockToken:     msg.lockToken,
			DeliveryCount: msg.deliveryCount,
			Schema:        msg.schema,
		})
	}
	return events
}

// locked returns the message held by token when the lock is still valid.
// Callers hold b.mu.
func (b *Broker) locked(q *queue, token string) (*message, bool) {
	msg, ok := q.locks[token]
	if !ok {
		return nil, false
	}
	if !msg.lockedUntil.After(b.now()) {
		delete(q.locks, token)
		msg.lockToken = ""
		return nil, false
	}
	return msg, true
}

func (b *Broker) remove(q *queue, msg *message) {
	delete(q.locks, msg.lockToken)
	q.messages = slices.DeleteFunc(q.messages, func(m *message) bool { return m == msg })
}

func (b *Broker) resolve(ctx context.Context, topic, subscription string, tokens []string, apply func(q *queue, msg *message)) (broker.ResolveResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.ResolveResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(topic, subscription)
	var res broker.ResolveResult
	for _, token := range tokens {
		msg, ok := b.locked(q, token)
		if !ok {
			res.Fail(token, broker.ErrLockTokenNotFound)
			continue
		}
		apply(q, msg)
		res.Succeeded = append(res.Succeeded, token)
	}
	b.notify()
	return res, nil
}

// Acknowledge removes the events permanently.
func (b *Broker) Acknowledge(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	return b.resolve(ctx, topic, subscription, lockTokens, b.remove)
}

// Release unlocks the events and makes them visible again after delay.
func (b *Broker) Release(ctx context.Context, topic, subscription string, lockTokens []string, delay time.Duration) (broker.ResolveResult, error) {
	return b.resolve(ctx, topic, subscription, lockTokens, func(q *queue, msg *message) {
		delete(q.locks, msg.lockToken)
		msg.lockToken = ""
		msg.lockedUntil = time.Time{}
		msg.visibleAt = b.now().Add(delay)
	})
}

// Reject moves the events to the dead-letter list.
func (b *Broker) Reject(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	return b.resolve(ctx, topic, subscription, lockTokens, func(q *queue, msg *message) {
		q.deadLetters = append(q.deadLetters, DeadLetter{
			ID:            msg.id,
			Body:          msg.body,
			DeliveryCount: msg.deliveryCount,
			RejectedAt:    b.now(),
		})
		b.remove(q, msg)
	})
}

// Pending reports events not yet acknowledged or rejected, locked or not.
func (b *Broker) Pending(topic, subscription string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(topic, subscription).messages)
}

// DeadLetters returns a copy of the rejected events.
func (b *Broker) DeadLetters(topic, subscription string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.queue(topic, subscription).deadLetters)
}
