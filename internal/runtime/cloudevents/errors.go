package cloudevents

import (
	"errors"
	"fmt"
	"time"
)

// Handler return errors that control how the delivery is settled.
var (
	// ErrRetry asks for the event to be released back to the broker.
	ErrRetry = errors.New("gridflow: retry event")

	// ErrReject asks for the event to be rejected (dead-lettered) immediately.
	ErrReject = errors.New("gridflow: reject event")

	// ErrSkip acknowledges the event without treating it as processed work.
	ErrSkip = errors.New("gridflow: skip event")
)

// RetryAfterError releases the event with an explicit redelivery delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter creates a RetryAfterError.
//
//	return cloudevents.RetryAfter(30*time.Second, fmt.Errorf("rate limited"))
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gridflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("gridflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// RejectError rejects the event with a reason.
type RejectError struct {
	Reason string
	Cause  error
}

// RejectWithReason creates a RejectError.
func RejectWithReason(reason string, cause error) *RejectError {
	return &RejectError{Reason: reason, Cause: cause}
}

func (e *RejectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gridflow: reject (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("gridflow: reject (%s)", e.Reason)
}

func (e *RejectError) Unwrap() error { return e.Cause }

func (e *RejectError) Is(target error) bool {
	if target == ErrReject {
		return true
	}
	_, ok := target.(*RejectError)
	return ok
}

// HandlerResult is the settlement a handler error asks for.
type HandlerResult int

const (
	ResultAck HandlerResult = iota
	ResultRetry
	ResultRetryAfter
	ResultReject
	ResultSkip
)

func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRetry:
		return "retry"
	case ResultRetryAfter:
		return "retry_after"
	case ResultReject:
		return "reject"
	case ResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ClassifyError maps a handler error to a HandlerResult. The returned delay is
// only set for ResultRetryAfter. Unrecognised errors are retried.
func ClassifyError(err error) (HandlerResult, time.Duration) {
	if err == nil {
		return ResultAck, 0
	}
	if errors.Is(err, ErrSkip) {
		return ResultSkip, 0
	}
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return ResultRetryAfter, retryAfter.Delay
	}
	if errors.Is(err, ErrReject) {
		return ResultReject, 0
	}
	return ResultRetry, 0
}
