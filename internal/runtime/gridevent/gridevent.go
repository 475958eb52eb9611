// Package gridevent implements the legacy grid-event JSON schema.
package gridevent

import (
	"encoding/json"
	"fmt"
	"time"

	jsoncodec "github.com/drblury/gridflow/internal/runtime/jsoncodec"
)

// SubscriptionValidationEventType is sent by the broker when a webhook
// subscription is created.
const SubscriptionValidationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"

// Event is a single grid event.
type Event struct {
	ID              string          `json:"id"`
	Topic           string          `json:"topic,omitempty"`
	Subject         string          `json:"subject"`
	EventType       string          `json:"eventType"`
	EventTime       time.Time       `json:"eventTime"`
	Data            json.RawMessage `json:"data,omitempty"`
	DataVersion     string          `json:"dataVersion"`
	MetadataVersion string          `json:"metadataVersion,omitempty"`
}

// SubscriptionValidationData is the data of a subscription validation event.
type SubscriptionValidationData struct {
	ValidationCode string `json:"validationCode"`
	ValidationURL  string `json:"validationUrl,omitempty"`
}

// SubscriptionValidationResponse is the body expected back from the webhook.
type SubscriptionValidationResponse struct {
	ValidationResponse string `json:"validationResponse"`
}

// Validate reports missing id or eventType.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("eventType is required")
	}
	return nil
}

// IsSubscriptionValidation reports whether e is the subscription handshake.
func (e Event) IsSubscriptionValidation() bool {
	return e.EventType == SubscriptionValidationEventType
}

// ValidationCode returns the handshake code carried by a subscription
// validation event.
func (e Event) ValidationCode() (string, error) {
	if !e.IsSubscriptionValidation() {
		return "", fmt.Errorf("event %q is not a subscription validation event", e.ID)
	}
	var data SubscriptionValidationData
	if err := jsoncodec.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("decode validation data: %w", err)
	}
	if data.ValidationCode == "" {
		return "", fmt.Errorf("validationCode is empty")
	}
	return data.ValidationCode, nil
}

// UnmarshalJSON tolerates the zone-less timestamps some publishers emit.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		EventTime string `json:"eventTime"`
	}{alias: (*alias)(e)}
	if err := jsoncodec.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.EventTime == "" {
		return nil
	}
	t, err := parseTime(aux.EventTime)
	if err != nil {
		return fmt.Errorf("invalid eventTime: %w", err)
	}
	e.EventTime = t
	return nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.9999999", s, time.UTC)
}
