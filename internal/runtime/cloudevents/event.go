// Package cloudevents implements the CloudEvents v1.0 structured JSON format
// as delivered by the broker, keeping the data attribute as opaque bytes until
// a handler asks for a typed value.
package cloudevents

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	idspkg "github.com/drblury/gridflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/gridflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// Event is a CloudEvents v1.0 event in structured mode.
type Event struct {
	SpecVersion string
	Type        string
	Source      string
	ID          string

	Time            time.Time
	DataContentType string
	DataSchema      string
	Subject         string

	// Data holds the raw JSON value of the data attribute.
	Data json.RawMessage
	// DataBase64 holds the encoded data_base64 attribute for binary payloads.
	DataBase64 string

	// Extensions are all remaining top-level attributes.
	Extensions map[string]any
}

var knownAttributes = map[string]struct{}{
	"specversion":     {},
	"type":            {},
	"source":          {},
	"id":              {},
	"time":            {},
	"datacontenttype": {},
	"dataschema":      {},
	"subject":         {},
	"data":            {},
	"data_base64":     {},
}

// New creates an event with a ULID id and the current time. Data is marshalled
// with the shared JSON codec.
func New(eventType, source string, data any) (Event, error) {
	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              idspkg.CreateULID(),
		Time:            Now(),
		DataContentType: "application/json",
		Extensions:      make(map[string]any),
	}
	if data != nil {
		raw, err := jsoncodec.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal data: %w", err)
		}
		evt.Data = raw
	}
	return evt, nil
}

// Payload returns the event data bytes, decoding data_base64 when needed.
func (e Event) Payload() ([]byte, error) {
	if e.DataBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(e.DataBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid data_base64: %w", err)
		}
		return decoded, nil
	}
	return e.Data, nil
}

// Extension returns an extension attribute rendered as a string.
func (e Event) Extension(key string) string {
	v, ok := e.Extensions[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// SetExtension stores an extension attribute.
func (e *Event) SetExtension(key string, value any) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
}

// Validate checks that the required CloudEvents attributes are present.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

// MarshalJSON renders the flattened structured-mode representation.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extensions)+10)
	for k, v := range e.Extensions {
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.UTC().Format(TimeFormatNano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.DataSchema != "" {
		m["dataschema"] = e.DataSchema
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if len(e.Data) > 0 {
		m["data"] = e.Data
	}
	if e.DataBase64 != "" {
		m["data_base64"] = e.DataBase64
	}

	return jsoncodec.Marshal(m)
}

// UnmarshalJSON parses the structured-mode representation. Validation of
// required attributes is left to Validate.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(data, &m); err != nil {
		return err
	}

	str := func(key string, dst *string) error {
		raw, ok := m[key]
		if !ok || string(raw) == "null" {
			return nil
		}
		if err := jsoncodec.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		return nil
	}

	fields := []struct {
		key string
		dst *string
	}{
		{"specversion", &e.SpecVersion},
		{"type", &e.Type},
		{"source", &e.Source},
		{"id", &e.ID},
		{"datacontenttype", &e.DataContentType},
		{"dataschema", &e.DataSchema},
		{"subject", &e.Subject},
		{"data_base64", &e.DataBase64},
	}
	for _, f := range fields {
		if err := str(f.key, f.dst); err != nil {
			return err
		}
	}

	var rawTime string
	if err := str("time", &rawTime); err != nil {
		return err
	}
	if rawTime != "" {
		t, err := ParseTime(rawTime)
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		e.Time = t
	}

	if raw, ok := m["data"]; ok && string(raw) != "null" {
		e.Data = append(json.RawMessage(nil), raw...)
	}

	e.Extensions = make(map[string]any)
	for k, raw := range m {
		if _, known := knownAttributes[k]; known {
			continue
		}
		var v any
		if err := jsoncodec.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("invalid extension %q: %w", k, err)
		}
		e.Extensions[k] = v
	}

	return nil
}
