package consumer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

type releaseCall struct {
	tokens []string
	delay  time.Duration
}

// scriptedClient hands out pre-recorded batches and records resolve calls.
type scriptedClient struct {
	mu          sync.Mutex
	batches     [][]broker.ReceivedEvent
	receiveErrs []error
	onExhausted func()

	receives       int
	acks           [][]string
	releases       []releaseCall
	rejects        [][]string
	resolveCtxErrs []error
	ackFailures    map[string]error
}

func (c *scriptedClient) Receive(ctx context.Context, _, _ string, _ int, _ time.Duration) ([]broker.ReceivedEvent, error) {
	c.mu.Lock()
	c.receives++
	if len(c.receiveErrs) > 0 {
		err := c.receiveErrs[0]
		c.receiveErrs = c.receiveErrs[1:]
		c.mu.Unlock()
		return nil, err
	}
	if len(c.batches) > 0 {
		batch := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return batch, nil
	}
	onExhausted := c.onExhausted
	c.mu.Unlock()
	if onExhausted != nil {
		onExhausted()
	}
	return nil, nil
}

func (c *scriptedClient) Acknowledge(ctx context.Context, _, _ string, tokens []string) (broker.ResolveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tokens)
	c.resolveCtxErrs = append(c.resolveCtxErrs, ctx.Err())
	var res broker.ResolveResult
	for _, token := range tokens {
		if err, ok := c.ackFailures[token]; ok {
			res.Fail(token, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, token)
	}
	return res, nil
}

func (c *scriptedClient) Release(ctx context.Context, _, _ string, tokens []string, delay time.Duration) (broker.ResolveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, releaseCall{tokens: tokens, delay: delay})
	c.resolveCtxErrs = append(c.resolveCtxErrs, ctx.Err())
	return broker.ResolveResult{Succeeded: tokens}, nil
}

func (c *scriptedClient) Reject(ctx context.Context, _, _ string, tokens []string) (broker.ResolveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, tokens)
	c.resolveCtxErrs = append(c.resolveCtxErrs, ctx.Err())
	return broker.ResolveResult{Succeeded: tokens}, nil
}

func cloudEvent(id, eventType string) []byte {
	return []byte(fmt.Sprintf(`{"specversion":"1.0","type":%q,"source":"/tests","id":%q,"data":{}}`, eventType, id))
}

func received(token, eventType string, deliveryCount int) broker.ReceivedEvent {
	return broker.ReceivedEvent{
		Body:          cloudEvent("id-"+token, eventType),
		LockToken:     token,
		DeliveryCount: deliveryCount,
	}
}

func handle(t *testing.T, r *registry.Registry, eventType string, fn registry.Invoker) {
	t.Helper()
	handleNamed(t, r, eventType, eventType+"-handler", fn)
}

func handleNamed(t *testing.T, r *registry.Registry, eventType, handlerName string, fn registry.Invoker) {
	t.Helper()
	require.NoError(t, r.Register(registry.Descriptor{
		EventTypeName: eventType,
		Schema:        envelope.SchemaAuto,
		HandlerName:   handlerName,
		Invoke:        fn,
	}))
}

func testConfig() Config {
	return Config{
		Topic:                       "orders",
		Subscription:                "billing",
		MaxEvents:                   10,
		MaxWaitTime:                 10 * time.Millisecond,
		MaxDeliveryAttempts:         5,
		ReleaseBaseDelay:            time.Second,
		ReleaseMaxDelay:             time.Minute,
		EmptyReceiveDelay:           time.Millisecond,
		ReceiveRetryAttempts:        3,
		ReceiveRetryInitialInterval: time.Millisecond,
		ReceiveRetryMaxInterval:     2 * time.Millisecond,
		EventTimeout:                time.Second,
	}
}

func newConsumer(t *testing.T, client broker.Client, r *registry.Registry, conf Config, opts ...Option) *Consumer {
	t.Helper()
	c, err := New(client, pipeline.New(r, pipeline.Recoverer()), conf, opts...)
	require.NoError(t, err)
	return c
}

type noopProcessor struct{}

func (noopProcessor) Run(context.Context, *envelope.Wrapper) pipeline.Outcome {
	return pipeline.Success()
}

func retryAfter(d time.Duration) error {
	return cloudevents.RetryAfter(d, nil)
}
