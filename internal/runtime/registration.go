package runtime

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

// HandlerRegistration binds a typed handler to an event type name.
type HandlerRegistration[T any] struct {
	// Name defaults to "<T>-Handler".
	Name          string
	EventTypeName string
	// Schema limits the handler to one wire schema. SchemaAuto handles both.
	Schema  envelope.Schema
	Handler registry.HandlerFunc[T]
}

// RawHandlerRegistration binds an Invoker that decodes the payload itself.
type RawHandlerRegistration struct {
	Name          string
	EventTypeName string
	Schema        envelope.Schema
	// EventType identifies the payload type for duplicate detection. Nil
	// binds the wrapper itself.
	EventType reflect.Type
	Handler   registry.Invoker
}

var wrapperType = reflect.TypeFor[*envelope.Wrapper]()

// RegisterHandler adds a typed handler to the service registry. The payload is
// decoded into a fresh T for each event; proto messages use protojson.
func RegisterHandler[T any](svc *Service, cfg HandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return svc.recordRegistration(errspkg.ErrHandlerRequired)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%v-Handler", reflect.TypeFor[T]())
	}
	return svc.registerDescriptor(registry.Descriptor{
		EventTypeName: cfg.EventTypeName,
		Schema:        cfg.Schema,
		EventType:     reflect.TypeFor[T](),
		HandlerName:   name,
		Invoke:        registry.Typed(cfg.Handler),
	})
}

// RegisterProtoHandler is RegisterHandler for protobuf payloads. It checks up
// front that T can be instantiated.
func RegisterProtoHandler[T proto.Message](svc *Service, cfg HandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if _, err := NewProtoMessage[T](); err != nil {
		return svc.recordRegistration(err)
	}
	if cfg.EventTypeName == "" {
		cfg.EventTypeName = string(MustProtoMessage[T]().ProtoReflect().Descriptor().FullName())
	}
	return RegisterHandler(svc, cfg)
}

// RegisterRawHandler adds an untyped handler to the service registry.
func RegisterRawHandler(svc *Service, cfg RawHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return svc.recordRegistration(errspkg.ErrHandlerRequired)
	}
	if cfg.Name == "" {
		return svc.recordRegistration(errspkg.ErrHandlerNameRequired)
	}
	eventType := cfg.EventType
	if eventType == nil {
		eventType = wrapperType
	}
	return svc.registerDescriptor(registry.Descriptor{
		EventTypeName: cfg.EventTypeName,
		Schema:        cfg.Schema,
		EventType:     eventType,
		HandlerName:   cfg.Name,
		Invoke:        cfg.Handler,
	})
}

func (s *Service) registerDescriptor(desc registry.Descriptor) error {
	return s.recordRegistration(s.registry.Register(desc))
}

// recordRegistration keeps the first registration error so Start can refuse
// to run a partially wired service.
func (s *Service) recordRegistration(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registrationErr == nil {
		s.registrationErr = err
	}
	return err
}

// Handlers lists the registered handlers in registration order.
func (s *Service) Handlers() []registry.Descriptor {
	return s.registry.Descriptors()
}
