package errors

import (
	sterrors "errors"
	"fmt"
	"reflect"
)

var (
	ErrServiceRequired       = sterrors.New("gridflow: event service is required")
	ErrHandlerRequired       = sterrors.New("gridflow: handler function is required")
	ErrHandlerNameRequired   = sterrors.New("gridflow: handler name is required")
	ErrEventTypeNameRequired = sterrors.New("gridflow: event type name is required")
	ErrEventTypeRequired     = sterrors.New("gridflow: event payload type is required")
	ErrTopicRequired         = sterrors.New("gridflow: topic is required")
	ErrSubscriptionRequired  = sterrors.New("gridflow: subscription is required")
	ErrConfigRequired        = sterrors.New("gridflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("gridflow: logger is required")
	ErrClientRequired        = sterrors.New("gridflow: broker client is required")
	ErrPipelineRequired      = sterrors.New("gridflow: pipeline is required")
	ErrRegistryClosed        = sterrors.New("gridflow: handler registry is sealed")
	ErrEventPayloadRequired  = sterrors.New("gridflow: event payload is required")
	ErrServiceStarted        = sterrors.New("gridflow: service already started")
)

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "gridflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// MalformedEventError reports a received payload that cannot be turned into an
// event wrapper. Redelivery cannot fix it, so the event is rejected.
type MalformedEventError struct {
	Schema string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	msg := "gridflow: malformed " + e.Schema + " event: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// DuplicateRegistrationError is returned when two different event payload types
// are bound to the same (event type name, schema) key.
type DuplicateRegistrationError struct {
	EventTypeName string
	Schema        string
	Existing      reflect.Type
	Duplicate     reflect.Type
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("gridflow: event type %q (%s) is already bound to %v, cannot bind %v",
		e.EventTypeName, e.Schema, e.Existing, e.Duplicate)
}

// HandlerExecutionError wraps the first error returned by a handler for an event.
type HandlerExecutionError struct {
	HandlerName   string
	EventTypeName string
	EventID       string
	Err           error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("gridflow: handler %s failed for event %s (%s): %v",
		e.HandlerName, e.EventID, e.EventTypeName, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// ConsumerFatalError stops a pull consumer. It is surfaced to whoever runs the
// consumer so they can decide whether to restart it.
type ConsumerFatalError struct {
	Topic        string
	Subscription string
	Attempts     int
	Err          error
}

func (e *ConsumerFatalError) Error() string {
	return fmt.Sprintf("gridflow: consumer for %s/%s stopped after %d receive attempts: %v",
		e.Topic, e.Subscription, e.Attempts, e.Err)
}

func (e *ConsumerFatalError) Unwrap() error { return e.Err }
