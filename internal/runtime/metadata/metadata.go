// Package metadata holds the string headers carried alongside an event
// independently of its wire schema.
package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Reserved keys populated while normalising received events.
const (
	KeyEventID           = "event_id"
	KeyEventType         = "event_type"
	KeyEventSource       = "event_source"
	KeyEventSubject      = "event_subject"
	KeyEventTime         = "event_time"
	KeyEventSchema       = "event_schema"
	KeyDataVersion       = "data_version"
	KeyDataContentType   = "data_content_type"
	KeyCorrelationID     = "correlation_id"
	KeyTraceParent       = "traceparent"
	KeyTraceState        = "tracestate"
	KeyParentOperationID = "parent_operation_id"
	KeyDeliveryCount     = "delivery_count"
)

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing the supplied entries. Entries win over
// existing values.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// SetIfAbsent stores value under key unless key already holds a non-empty value.
// Empty values are ignored.
func (m Metadata) SetIfAbsent(key, value string) {
	if value == "" {
		return
	}
	if existing := m[key]; existing != "" {
		return
	}
	m[key] = value
}

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without value is dropped.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
