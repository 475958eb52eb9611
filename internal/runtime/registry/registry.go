// Package registry maps (event type name, schema) keys to the handlers that
// process them.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/logging"
)

// Invoker runs one handler for a wrapped event.
type Invoker func(ctx context.Context, w *envelope.Wrapper) error

// Descriptor binds a handler to an event type name and schema.
type Descriptor struct {
	EventTypeName string
	Schema        envelope.Schema
	// EventType is the Go type the payload decodes into.
	EventType   reflect.Type
	HandlerName string
	Invoke      Invoker
}

// Key identifies a routing entry.
type Key struct {
	EventTypeName string
	Schema        envelope.Schema
}

type entry struct {
	eventType   reflect.Type
	descriptors []Descriptor
}

// Registry is written during composition and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	order   []Key
	sealed  bool
	logger  logging.ServiceLogger
}

// New creates an empty registry. A nil logger discards warnings.
func New(logger logging.ServiceLogger) *Registry {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Registry{
		entries: make(map[Key]*entry),
		logger:  logger,
	}
}

// Register adds a descriptor. SchemaAuto registers the handler for both cloud
// events and grid events.
//
// Binding a second Go payload type to a key returns a
// *errors.DuplicateRegistrationError. Registering the same handler name twice
// for a key keeps the first registration and logs a warning.
func (r *Registry) Register(desc Descriptor) error {
	if desc.EventTypeName == "" {
		return errspkg.ErrEventTypeNameRequired
	}
	if desc.HandlerName == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if desc.Invoke == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errspkg.ErrRegistryClosed
	}

	schemas := []envelope.Schema{desc.Schema}
	if desc.Schema == envelope.SchemaAuto {
		schemas = []envelope.Schema{envelope.SchemaCloudEvent, envelope.SchemaGridEvent}
	}

	// Check every key first so a conflict leaves the registry untouched.
	for _, schema := range schemas {
		key := Key{EventTypeName: desc.EventTypeName, Schema: schema}
		if existing, ok := r.entries[key]; ok && conflicting(existing.eventType, desc.EventType) {
			return &errspkg.DuplicateRegistrationError{
				EventTypeName: desc.EventTypeName,
				Schema:        schema.String(),
				Existing:      existing.eventType,
				Duplicate:     desc.EventType,
			}
		}
	}

	for _, schema := range schemas {
		d := desc
		d.Schema = schema
		r.add(d)
	}
	return nil
}

func (r *Registry) add(desc Descriptor) {
	key := Key{EventTypeName: desc.EventTypeName, Schema: desc.Schema}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{eventType: desc.EventType}
		r.entries[key] = e
		r.order = append(r.order, key)
	}
	if e.eventType == nil {
		e.eventType = desc.EventType
	}

	for _, existing := range e.descriptors {
		if existing.HandlerName == desc.HandlerName {
			r.logger.Warn("Handler already registered, skipping duplicate", logging.LogFields{
				"handler":    desc.HandlerName,
				"event_type": desc.EventTypeName,
				"schema":     desc.Schema.String(),
			})
			return
		}
	}

	// Clip forces a new backing array so slices handed out by Resolve never change.
	e.descriptors = append(slices.Clip(e.descriptors), desc)
}

func conflicting(existing, candidate reflect.Type) bool {
	return existing != nil && candidate != nil && existing != candidate
}

// Seal closes the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Resolve returns the handlers for an event type in registration order. The
// returned slice must not be modified.
func (r *Registry) Resolve(eventTypeName string, schema envelope.Schema) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[Key{EventTypeName: eventTypeName, Schema: schema}]; ok {
		return e.descriptors
	}
	return nil
}

// Descriptors returns a snapshot of every registration in key order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, key := range r.order {
		out = append(out, r.entries[key].descriptors...)
	}
	return out
}

// Len reports the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += len(e.descriptors)
	}
	return n
}

// HandlerFunc is a typed handler for payload T.
type HandlerFunc[T any] func(ctx context.Context, event T, w *envelope.Wrapper) error

// RegisterFunc registers fn for eventTypeName. The payload is decoded into a
// fresh T on every invocation; a payload that cannot be decoded rejects the
// event.
func RegisterFunc[T any](r *Registry, eventTypeName string, schema envelope.Schema, handlerName string, fn HandlerFunc[T]) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Register(Descriptor{
		EventTypeName: eventTypeName,
		Schema:        schema,
		EventType:     reflect.TypeFor[T](),
		HandlerName:   handlerName,
		Invoke:        Typed(fn),
	})
}

// Typed adapts a typed handler into an Invoker.
func Typed[T any](fn HandlerFunc[T]) Invoker {
	return func(ctx context.Context, w *envelope.Wrapper) error {
		if !w.HasPayload() {
			return fn(ctx, envelope.NewValue[T](), w)
		}
		event, err := envelope.DecodeAs[T](w)
		if err != nil {
			return cloudevents.RejectWithReason("undecodable payload", err)
		}
		return fn(ctx, event, w)
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Schema, k.EventTypeName)
}
