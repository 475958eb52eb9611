package cloudevents

// Extension attributes read by the telemetry and correlation behaviors.
const (
	// ExtTraceParent and ExtTraceState follow the CloudEvents distributed
	// tracing extension (W3C trace context).
	ExtTraceParent = "traceparent"
	ExtTraceState  = "tracestate"

	// ExtParentID carries the id of the operation that published the event.
	ExtParentID = "parentid"

	ExtCorrelationID = "correlationid"
)

func TraceParent(evt Event) string { return evt.Extension(ExtTraceParent) }

func SetTraceParent(evt *Event, traceParent string) { evt.SetExtension(ExtTraceParent, traceParent) }

func TraceState(evt Event) string { return evt.Extension(ExtTraceState) }

func ParentID(evt Event) string { return evt.Extension(ExtParentID) }

func SetParentID(evt *Event, parentID string) { evt.SetExtension(ExtParentID, parentID) }

func CorrelationID(evt Event) string { return evt.Extension(ExtCorrelationID) }

func SetCorrelationID(evt *Event, id string) { evt.SetExtension(ExtCorrelationID, id) }
