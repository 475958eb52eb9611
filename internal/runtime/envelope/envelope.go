// Package envelope normalises cloud events and legacy grid events into a
// single Wrapper so handler routing and behaviors never look at the wire
// schema.
package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/gridflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/gridevent"
	jsoncodec "github.com/drblury/gridflow/internal/runtime/jsoncodec"
	"github.com/drblury/gridflow/internal/runtime/metadata"
)

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// Wrapper is the canonical representation of one received event. Everything
// except metadata is fixed at construction.
type Wrapper struct {
	eventTypeName string
	schema        Schema
	id            string
	source        string
	subject       string
	time          time.Time
	payload       []byte

	cloud *cloudevents.Event
	grid  *gridevent.Event

	mu       sync.RWMutex
	metadata metadata.Metadata
}

func (w *Wrapper) EventTypeName() string { return w.eventTypeName }
func (w *Wrapper) Schema() Schema        { return w.schema }
func (w *Wrapper) ID() string            { return w.id }

// Source is the cloud event source; empty for grid events.
func (w *Wrapper) Source() string   { return w.source }
func (w *Wrapper) Subject() string  { return w.subject }
func (w *Wrapper) Time() time.Time  { return w.time }
func (w *Wrapper) Payload() []byte  { return w.payload }
func (w *Wrapper) HasPayload() bool { return len(w.payload) > 0 }
func (w *Wrapper) String() string   { return fmt.Sprintf("%s/%s(%s)", w.schema, w.eventTypeName, w.id) }
func (w *Wrapper) CloudEvent() (cloudevents.Event, bool) {
	if w.cloud == nil {
		return cloudevents.Event{}, false
	}
	return *w.cloud, true
}

func (w *Wrapper) GridEvent() (gridevent.Event, bool) {
	if w.grid == nil {
		return gridevent.Event{}, false
	}
	return *w.grid, true
}

// Metadata returns a copy of the current metadata.
func (w *Wrapper) Metadata() metadata.Metadata {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.metadata.Clone()
}

// MetadataValue returns a single metadata entry.
func (w *Wrapper) MetadataValue(key string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.metadata[key]
}

// SetMetadata stores a metadata entry, overwriting any existing value.
func (w *Wrapper) SetMetadata(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metadata[key] = value
}

// Decode deserialises the payload into target. proto.Message targets are
// decoded with protojson, everything else with the shared JSON codec.
func (w *Wrapper) Decode(target any) error {
	if target == nil {
		return fmt.Errorf("decode %s: nil target", w)
	}
	if len(w.payload) == 0 {
		return fmt.Errorf("decode %s: %w", w, errspkg.ErrEventPayloadRequired)
	}
	if msg, ok := target.(proto.Message); ok {
		if err := protoUnmarshal.Unmarshal(w.payload, msg); err != nil {
			return fmt.Errorf("decode %s into %T: %w", w, target, err)
		}
		return nil
	}
	if err := jsoncodec.Unmarshal(w.payload, target); err != nil {
		return fmt.Errorf("decode %s into %T: %w", w, target, err)
	}
	return nil
}

// DecodeAs returns the payload as a freshly allocated T. Pointer types are
// allocated before decoding so *ProtoMessage works as T.
func DecodeAs[T any](w *Wrapper) (T, error) {
	value := NewValue[T]()
	var target any = &value
	if reflect.TypeFor[T]().Kind() == reflect.Pointer {
		target = value
	}
	if err := w.Decode(target); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// NewValue returns a zero T, or a pointer to a new zero element when T is a
// pointer type.
func NewValue[T any]() T {
	var value T
	typ := reflect.TypeFor[T]()
	if typ.Kind() == reflect.Pointer {
		value = reflect.New(typ.Elem()).Interface().(T)
	}
	return value
}

// FromCloudEvent wraps an already decoded cloud event.
func FromCloudEvent(evt cloudevents.Event) (*Wrapper, error) {
	if err := evt.Validate(); err != nil {
		return nil, malformed(SchemaCloudEvent, err.Error(), nil)
	}
	payload, err := evt.Payload()
	if err != nil {
		return nil, malformed(SchemaCloudEvent, "invalid data", err)
	}

	md := metadata.New(
		metadata.KeyEventID, evt.ID,
		metadata.KeyEventType, evt.Type,
		metadata.KeyEventSchema, SchemaCloudEvent.String(),
	)
	md.SetIfAbsent(metadata.KeyEventSource, evt.Source)
	md.SetIfAbsent(metadata.KeyEventSubject, evt.Subject)
	md.SetIfAbsent(metadata.KeyDataContentType, evt.DataContentType)
	md.SetIfAbsent(metadata.KeyDataVersion, evt.DataSchema)
	md.SetIfAbsent(metadata.KeyTraceParent, cloudevents.TraceParent(evt))
	md.SetIfAbsent(metadata.KeyTraceState, cloudevents.TraceState(evt))
	md.SetIfAbsent(metadata.KeyParentOperationID, cloudevents.ParentID(evt))
	md.SetIfAbsent(metadata.KeyCorrelationID, cloudevents.CorrelationID(evt))
	if !evt.Time.IsZero() {
		md[metadata.KeyEventTime] = evt.Time.UTC().Format(time.RFC3339Nano)
	}
	for key, value := range evt.Extensions {
		if s, ok := value.(string); ok {
			md.SetIfAbsent(key, s)
		}
	}

	return &Wrapper{
		eventTypeName: evt.Type,
		schema:        SchemaCloudEvent,
		id:            evt.ID,
		source:        evt.Source,
		subject:       evt.Subject,
		time:          evt.Time,
		payload:       payload,
		cloud:         &evt,
		metadata:      md,
	}, nil
}

// FromGridEvent wraps an already decoded grid event.
func FromGridEvent(evt gridevent.Event) (*Wrapper, error) {
	if err := evt.Validate(); err != nil {
		return nil, malformed(SchemaGridEvent, err.Error(), nil)
	}

	md := metadata.New(
		metadata.KeyEventID, evt.ID,
		metadata.KeyEventType, evt.EventType,
		metadata.KeyEventSchema, SchemaGridEvent.String(),
	)
	md.SetIfAbsent(metadata.KeyEventSource, evt.Topic)
	md.SetIfAbsent(metadata.KeyEventSubject, evt.Subject)
	md.SetIfAbsent(metadata.KeyDataVersion, evt.DataVersion)
	if !evt.EventTime.IsZero() {
		md[metadata.KeyEventTime] = evt.EventTime.UTC().Format(time.RFC3339Nano)
	}

	var payload []byte
	if len(evt.Data) > 0 && string(evt.Data) != "null" {
		payload = evt.Data
	}

	return &Wrapper{
		eventTypeName: evt.EventType,
		schema:        SchemaGridEvent,
		id:            evt.ID,
		subject:       evt.Subject,
		time:          evt.EventTime,
		payload:       payload,
		grid:          &evt,
		metadata:      md,
	}, nil
}

// Parse builds a Wrapper from a single raw event. The payload is not decoded.
func Parse(raw []byte, schema Schema) (*Wrapper, error) {
	if len(raw) == 0 {
		return nil, malformed(schema, "empty body", nil)
	}
	if !jsoncodec.Valid(raw) {
		return nil, malformed(schema, "invalid JSON", nil)
	}
	if jsoncodec.IsArray(raw) {
		return nil, malformed(schema, "expected a single event, got an array", nil)
	}
	if schema == SchemaAuto {
		schema = Detect(raw)
	}

	switch schema {
	case SchemaCloudEvent:
		var evt cloudevents.Event
		if err := jsoncodec.Unmarshal(raw, &evt); err != nil {
			return nil, malformed(schema, "decode", err)
		}
		return FromCloudEvent(evt)
	case SchemaGridEvent:
		var evt gridevent.Event
		if err := jsoncodec.Unmarshal(raw, &evt); err != nil {
			return nil, malformed(schema, "decode", err)
		}
		return FromGridEvent(evt)
	default:
		return nil, malformed(schema, "unsupported schema", nil)
	}
}

// ParseBatch parses a body holding either one event or a JSON array of
// events. Any malformed element fails the whole batch.
func ParseBatch(raw []byte, schema Schema) ([]*Wrapper, error) {
	if !jsoncodec.IsArray(raw) {
		w, err := Parse(raw, schema)
		if err != nil {
			return nil, err
		}
		return []*Wrapper{w}, nil
	}

	var items []json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &items); err != nil {
		return nil, malformed(schema, "decode batch", err)
	}
	wrappers := make([]*Wrapper, 0, len(items))
	for i, item := range items {
		w, err := Parse(item, schema)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		wrappers = append(wrappers, w)
	}
	return wrappers, nil
}

// Detect guesses the schema of a raw event.
func Detect(raw []byte) Schema {
	if jsoncodec.HasKey(raw, "specversion") {
		return SchemaCloudEvent
	}
	return SchemaGridEvent
}

func malformed(schema Schema, reason string, err error) *errspkg.MalformedEventError {
	return &errspkg.MalformedEventError{Schema: schema.String(), Reason: reason, Err: err}
}
