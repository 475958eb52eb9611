package envelope

import (
	"fmt"
	"strings"
)

// Schema identifies the wire layout of a received event.
type Schema int

const (
	// SchemaAuto detects the layout from the payload: a top-level
	// specversion attribute marks a cloud event.
	SchemaAuto Schema = iota
	SchemaCloudEvent
	SchemaGridEvent
)

func (s Schema) String() string {
	switch s {
	case SchemaCloudEvent:
		return "cloudevent"
	case SchemaGridEvent:
		return "gridevent"
	default:
		return "auto"
	}
}

// ParseSchema converts a configuration value into a Schema. The empty string
// selects SchemaAuto.
func ParseSchema(value string) (Schema, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return SchemaAuto, nil
	case "cloudevent", "cloudevents", "cloud_event":
		return SchemaCloudEvent, nil
	case "gridevent", "eventgrid", "grid_event", "legacy":
		return SchemaGridEvent, nil
	default:
		return SchemaAuto, fmt.Errorf("unknown event schema %q", value)
	}
}
