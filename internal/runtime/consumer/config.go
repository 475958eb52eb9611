package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/gridflow/internal/runtime/envelope"
)

// Config controls one consumer loop.
type Config struct {
	Topic        string
	Subscription string
	// Schema is used for events whose broker does not report one.
	Schema envelope.Schema

	MaxEvents   int
	MaxWaitTime time.Duration
	// MaxConcurrency bounds the events of a batch processed in parallel.
	MaxConcurrency int
	// EventTimeout bounds a single event; a stuck handler fails its event
	// without holding back the batch.
	EventTimeout time.Duration

	MaxDeliveryAttempts int
	ReleaseBaseDelay    time.Duration
	ReleaseMaxDelay     time.Duration

	EmptyReceiveDelay time.Duration

	ReceiveRetryAttempts        int
	ReceiveRetryInitialInterval time.Duration
	ReceiveRetryMaxInterval     time.Duration

	ResolveTimeout time.Duration
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 10
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 10 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = c.MaxEvents
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 5 * time.Minute
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 10
	}
	if c.ReleaseBaseDelay <= 0 {
		c.ReleaseBaseDelay = time.Second
	}
	if c.ReleaseMaxDelay <= 0 {
		c.ReleaseMaxDelay = 10 * time.Minute
	}
	if c.EmptyReceiveDelay < 0 {
		c.EmptyReceiveDelay = 0
	}
	if c.ReceiveRetryAttempts <= 0 {
		c.ReceiveRetryAttempts = 5
	}
	if c.ReceiveRetryInitialInterval <= 0 {
		c.ReceiveRetryInitialInterval = 500 * time.Millisecond
	}
	if c.ReceiveRetryMaxInterval <= 0 {
		c.ReceiveRetryMaxInterval = 30 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 30 * time.Second
	}
	return c
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var problems []error
	if c.Topic == "" {
		problems = append(problems, errors.New("topic is required"))
	}
	if c.Subscription == "" {
		problems = append(problems, errors.New("subscription is required"))
	}
	if c.ReleaseMaxDelay > 0 && c.ReleaseBaseDelay > c.ReleaseMaxDelay {
		problems = append(problems, fmt.Errorf("release base delay %v exceeds max delay %v", c.ReleaseBaseDelay, c.ReleaseMaxDelay))
	}
	return errors.Join(problems...)
}

// ReleaseDelay is the redelivery delay for a failed event:
// min(base * 2^(deliveryCount-1), max).
func (c Config) ReleaseDelay(deliveryCount int) time.Duration {
	if deliveryCount < 1 {
		deliveryCount = 1
	}
	delay := c.ReleaseBaseDelay
	for i := 1; i < deliveryCount; i++ {
		if delay >= c.ReleaseMaxDelay/2 {
			return c.ReleaseMaxDelay
		}
		delay *= 2
	}
	return min(delay, c.ReleaseMaxDelay)
}
