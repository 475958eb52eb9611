// Package broker defines the narrow contract gridflow needs from a pull-based
// event broker, plus the adapters that implement it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/gridflow/internal/runtime/envelope"
)

// ErrLockTokenNotFound is reported per token when the broker no longer knows
// a lock token (expired, already resolved or never issued).
var ErrLockTokenNotFound = errors.New("gridflow: lock token not found")

// ReceivedEvent is one delivered, not yet resolved event.
type ReceivedEvent struct {
	Body          []byte
	LockToken     string
	DeliveryCount int
	// Schema is SchemaAuto when the broker does not know the wire layout.
	Schema envelope.Schema
}

// TokenFailure is a lock token the broker refused to resolve.
type TokenFailure struct {
	LockToken string
	Err       error
}

// ResolveResult reports per-token success of an acknowledge, release or
// reject call.
type ResolveResult struct {
	Succeeded []string
	Failed    []TokenFailure
}

// Add merges other into r.
func (r *ResolveResult) Add(other ResolveResult) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Fail records token as failed.
func (r *ResolveResult) Fail(token string, err error) {
	r.Failed = append(r.Failed, TokenFailure{LockToken: token, Err: err})
}

// FailAll marks every token as failed with err.
func FailAll(tokens []string, err error) ResolveResult {
	res := ResolveResult{Failed: make([]TokenFailure, 0, len(tokens))}
	for _, token := range tokens {
		res.Fail(token, err)
	}
	return res
}

// Client is implemented by every broker adapter. Resolve calls return an error
// only when the call as a whole failed; per-token failures go in the result.
type Client interface {
	Receive(ctx context.Context, topic, subscription string, maxEvents int, maxWait time.Duration) ([]ReceivedEvent, error)
	Acknowledge(ctx context.Context, topic, subscription string, lockTokens []string) (ResolveResult, error)
	Release(ctx context.Context, topic, subscription string, lockTokens []string, delay time.Duration) (ResolveResult, error)
	Reject(ctx context.Context, topic, subscription string, lockTokens []string) (ResolveResult, error)
}

// Closer is implemented by adapters that hold connections.
type Closer interface {
	Close() error
}

// TransientError marks a broker failure worth retrying (timeouts, throttling).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gridflow: transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable. Context deadline errors
// raised by the broker call itself count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
