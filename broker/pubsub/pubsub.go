// Package pubsub bridges a Watermill publisher/subscriber pair, built by
// the transport registry, into the pull broker contract.
//
// Lock tokens map to in-flight Watermill messages. Acknowledge acks the
// message; Release nacks it, or republishes a copy when the transport
// cannot redeliver; Reject forwards a copy to the poison topic and acks
// the original. Delivery counts are tracked per message UUID and carried
// in metadata across republishes.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/metadata"
	"github.com/drblury/gridflow/transport"
)

// DefaultPoisonTopic receives rejected events unless Options.PoisonTopic is set.
const DefaultPoisonTopic = "gridflow.poison"

// Metadata keys written by the bridge.
const (
	KeySchema        = "gridflow_schema"
	KeyOriginalTopic = "gridflow_original_topic"
	KeySubscription  = "gridflow_subscription"
	KeyRejectedAt    = "gridflow_rejected_at"
)

// ErrClosed is returned by Receive once the broker or its subscription is closed.
var ErrClosed = errors.New("gridflow: pubsub broker closed")

// ErrMessageTooLarge is reported per token when a copy cannot be published
// because the transport would refuse it.
var ErrMessageTooLarge = errors.New("gridflow: message exceeds transport limit")

// Options configure a Broker.
type Options struct {
	// PoisonTopic receives rejected events.
	PoisonTopic string
	// Capabilities of the underlying transport. Open fills them from the
	// transport registry.
	Capabilities transport.Capabilities
	// TopicName maps a topic/subscription pair to the Watermill topic.
	// Defaults to the topic itself.
	TopicName func(topic, subscription string) string
	Logger    logging.ServiceLogger
}

type streamKey struct {
	topic        string
	subscription string
}

type inflight struct {
	msg           *message.Message
	key           streamKey
	deliveryCount int
}

// Broker implements broker.Client on top of Watermill.
type Broker struct {
	pub    message.Publisher
	sub    message.Subscriber
	tr     transport.Transport
	caps   transport.Capabilities
	opts   Options
	logger logging.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	streams    map[streamKey]<-chan *message.Message
	inflight   map[string]*inflight
	deliveries map[string]int
	seq        uint64
	timers     map[*time.Timer]struct{}
	pending    sync.WaitGroup
}

var (
	_ broker.Client = (*Broker)(nil)
	_ broker.Closer = (*Broker)(nil)
)

// Open builds the transport named by cfg.GetPubSubSystem() from the default
// registry and wraps it.
func Open(ctx context.Context, cfg transport.Config, opts Options) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("pubsub: transport config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	tr, err := transport.Build(ctx, cfg, logging.NewWatermillAdapter(opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("pubsub: build transport: %w", err)
	}
	if opts.Capabilities.Name == "" {
		opts.Capabilities = transport.GetCapabilities(cfg.GetPubSubSystem())
	}
	return New(tr, opts)
}

// New wraps an already built transport.
func New(tr transport.Transport, opts Options) (*Broker, error) {
	if tr.Publisher == nil || tr.Subscriber == nil {
		return nil, errors.New("pubsub: transport needs a publisher and a subscriber")
	}
	if opts.PoisonTopic == "" {
		opts.PoisonTopic = DefaultPoisonTopic
	}
	if opts.TopicName == nil {
		opts.TopicName = func(topic, _ string) string { return topic }
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		pub:        tr.Publisher,
		sub:        tr.Subscriber,
		tr:         tr,
		caps:       opts.Capabilities,
		opts:       opts,
		logger:     opts.Logger.With(logging.LogFields{"broker": "pubsub", "transport": opts.Capabilities.Name}),
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[streamKey]<-chan *message.Message),
		inflight:   make(map[string]*inflight),
		deliveries: make(map[string]int),
		timers:     make(map[*time.Timer]struct{}),
	}
	if b.caps.RequiresRedeliveryEmulation() {
		b.logger.Debug("Transport cannot redeliver on nack, releases republish a copy", nil)
	}
	return b, nil
}

// Publish sends body to topic with optional metadata.
func (b *Broker) Publish(topic string, body []byte, md metadata.Metadata) error {
	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata = metadata.ToWatermill(md)
	return b.pub.Publish(topic, msg)
}

func (b *Broker) stream(key streamKey) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if s, ok := b.streams[key]; ok {
		return s, nil
	}
	s, err := b.sub.Subscribe(b.ctx, b.opts.TopicName(key.topic, key.subscription))
	if err != nil {
		return nil, broker.Transient("subscribe", err)
	}
	b.streams[key] = s
	return s, nil
}

// Receive waits up to maxWait for the first message and then drains what is
// already buffered, up to maxEvents.
func (b *Broker) Receive(ctx context.Context, topic, subscription string, maxEvents int, maxWait time.Duration) ([]broker.ReceivedEvent, error) {
	if maxEvents <= 0 {
		maxEvents = 1
	}
	key := streamKey{topic: topic, subscription: subscription}
	s, err := b.stream(key)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var events []broker.ReceivedEvent
	for len(events) < maxEvents {
		if len(events) == 0 {
			select {
			case msg, ok := <-s:
				if !ok {
					b.dropStream(key)
					return nil, ErrClosed
				}
				events = append(events, b.lock(msg, key))
			case <-timer.C:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		select {
		case msg, ok := <-s:
			if !ok {
				b.dropStream(key)
				return events, nil
			}
			events = append(events, b.lock(msg, key))
		default:
			return events, nil
		}
	}
	return events, nil
}

func (b *Broker) dropStream(key streamKey) {
	b.mu.Lock()
	delete(b.streams, key)
	b.mu.Unlock()
}

func (b *Broker) lock(msg *message.Message, key streamKey) broker.ReceivedEvent {
	carried, _ := strconv.Atoi(msg.Metadata.Get(metadata.KeyDeliveryCount))
	schema, err := envelope.ParseSchema(msg.Metadata.Get(KeySchema))
	if err != nil {
		schema = envelope.SchemaAuto
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.deliveries[msg.UUID]++
	count := carried + b.deliveries[msg.UUID]
	token := msg.UUID + "." + strconv.FormatUint(b.seq, 10)
	b.inflight[token] = &inflight{msg: msg, key: key, deliveryCount: count}

	return broker.ReceivedEvent{
		Body:          msg.Payload,
		LockToken:     token,
		DeliveryCount: count,
		Schema:        schema,
	}
}

// take removes token from the in-flight set. The key must match so tokens
// cannot be resolved through another subscription.
func (b *Broker) take(key streamKey, token string) (*inflight, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.inflight[token]
	if !ok || f.key != key {
		return nil, false
	}
	delete(b.inflight, token)
	return f, true
}

func (b *Broker) forget(uuid string) {
	b.mu.Lock()
	delete(b.deliveries, uuid)
	b.mu.Unlock()
}

func (b *Broker) resolve(topic, subscription string, tokens []string, settle func(*inflight) error) (broker.ResolveResult, error) {
	key := streamKey{topic: topic, subscription: subscription}
	var res broker.ResolveResult
	for _, token := range tokens {
		f, ok := b.take(key, token)
		if !ok {
			res.Fail(token, broker.ErrLockTokenNotFound)
			continue
		}
		if err := settle(f); err != nil {
			res.Fail(token, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, token)
	}
	return res, nil
}

// Acknowledge acks each message.
func (b *Broker) Acknowledge(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	return b.resolve(topic, subscription, lockTokens, func(f *inflight) error {
		f.msg.Ack()
		b.forget(f.msg.UUID)
		return nil
	})
}

// Release makes each message available again after delay. Delayed releases
// are settled by a timer; Close stops pending timers and leaves those
// messages unacknowledged for the transport to redeliver.
func (b *Broker) Release(ctx context.Context, topic, subscription string, lockTokens []string, delay time.Duration) (broker.ResolveResult, error) {
	return b.resolve(topic, subscription, lockTokens, func(f *inflight) error {
		if delay <= 0 {
			return b.release(f)
		}
		if !b.after(delay, func() {
			if err := b.release(f); err != nil {
				b.logger.Error("Delayed release failed", err, logging.LogFields{"message_uuid": f.msg.UUID})
			}
		}) {
			return ErrClosed
		}
		return nil
	})
}

func (b *Broker) release(f *inflight) error {
	if !b.caps.RequiresRedeliveryEmulation() {
		f.msg.Nack()
		return nil
	}
	md := metadata.FromWatermill(f.msg.Metadata).With(metadata.KeyDeliveryCount, strconv.Itoa(f.deliveryCount))
	if err := b.republish(b.opts.TopicName(f.key.topic, f.key.subscription), f.msg.Payload, md); err != nil {
		f.msg.Nack()
		return err
	}
	f.msg.Ack()
	b.forget(f.msg.UUID)
	return nil
}

// Reject forwards a copy to the poison topic and acks the original. A failed
// forward nacks the message so it is delivered, and rejected, again.
func (b *Broker) Reject(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	return b.resolve(topic, subscription, lockTokens, func(f *inflight) error {
		md := metadata.FromWatermill(f.msg.Metadata).WithAll(metadata.Metadata{
			KeyOriginalTopic:          topic,
			KeySubscription:           subscription,
			KeyRejectedAt:             time.Now().UTC().Format(time.RFC3339Nano),
			metadata.KeyDeliveryCount: strconv.Itoa(f.deliveryCount),
		})
		if err := b.republish(b.opts.PoisonTopic, f.msg.Payload, md); err != nil {
			f.msg.Nack()
			return err
		}
		f.msg.Ack()
		b.forget(f.msg.UUID)
		return nil
	})
}

func (b *Broker) republish(topic string, body []byte, md metadata.Metadata) error {
	if !b.caps.Fits(len(body)) {
		return ErrMessageTooLarge
	}
	if err := b.Publish(topic, body, md); err != nil {
		return broker.Transient("publish", err)
	}
	return nil
}

// after runs fn once delay elapses. It reports false when the broker is closed.
func (b *Broker) after(delay time.Duration, fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.pending.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer b.pending.Done()
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		fn()
	})
	b.timers[t] = struct{}{}
	return true
}

// Close stops pending delayed releases, ends all subscriptions and closes
// the transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for t := range b.timers {
		if t.Stop() {
			b.pending.Done()
		}
		delete(b.timers, t)
	}
	b.mu.Unlock()

	b.pending.Wait()
	b.cancel()
	return b.tr.Close()
}
