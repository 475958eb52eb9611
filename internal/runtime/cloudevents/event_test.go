package cloudevents

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestEventUnmarshalKeepsRawData(t *testing.T) {
	raw := []byte(`{
		"specversion": "1.0",
		"type": "com.example.order.created",
		"source": "/orders",
		"id": "evt-1",
		"time": "2024-05-01T10:00:00Z",
		"subject": "orders/42",
		"data": {"orderId": "42", "total": 12.5},
		"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
		"attempt": 3
	}`)

	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if evt.Subject != "orders/42" {
		t.Fatalf("unexpected subject %q", evt.Subject)
	}
	if !evt.Time.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", evt.Time)
	}

	var payload struct {
		OrderID string  `json:"orderId"`
		Total   float64 `json:"total"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload.OrderID != "42" || payload.Total != 12.5 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if TraceParent(evt) == "" {
		t.Fatal("expected traceparent extension")
	}
	if got := evt.Extension("attempt"); got != "3" {
		t.Fatalf("expected attempt extension 3, got %q", got)
	}
	if _, ok := evt.Extensions["data"]; ok {
		t.Fatal("data must not be treated as an extension")
	}
}

func TestEventPayloadDecodesBase64(t *testing.T) {
	evt := Event{DataBase64: base64.StdEncoding.EncodeToString([]byte("binary"))}
	got, err := evt.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(got) != "binary" {
		t.Fatalf("unexpected payload %q", got)
	}

	evt.DataBase64 = "%%%"
	if _, err := evt.Payload(); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestEventValidate(t *testing.T) {
	base := Event{SpecVersion: SpecVersion, Type: "t", Source: "s", ID: "1"}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}

	cases := map[string]func(*Event){
		"missing id":      func(e *Event) { e.ID = "" },
		"missing type":    func(e *Event) { e.Type = "" },
		"missing source":  func(e *Event) { e.Source = "" },
		"wrong version":   func(e *Event) { e.SpecVersion = "0.3" },
		"missing version": func(e *Event) { e.SpecVersion = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			evt := base
			mutate(&evt)
			if err := evt.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	evt, err := New("com.example.ping", "/tests", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	SetCorrelationID(&evt, "corr-1")

	encoded, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != evt.ID || decoded.Type != evt.Type {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if CorrelationID(decoded) != "corr-1" {
		t.Fatalf("expected correlation id, got %q", CorrelationID(decoded))
	}
	if string(decoded.Data) != `{"hello":"world"}` {
		t.Fatalf("unexpected data %s", decoded.Data)
	}
}

func TestParseTimeFallbackLayouts(t *testing.T) {
	for _, in := range []string{
		"2024-05-01T10:00:00Z",
		"2024-05-01T10:00:00.1234567Z",
		"2024-05-01T10:00:00.1234567",
		"2024-05-01T10:00:00",
	} {
		if _, err := ParseTime(in); err != nil {
			t.Fatalf("ParseTime(%q): %v", in, err)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatal("expected error for invalid time")
	}
}
