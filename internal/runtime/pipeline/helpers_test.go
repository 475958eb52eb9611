package pipeline

import (
	"context"
	"testing"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

const testEventType = "Orders.OrderCreated"

func mustWrap(t *testing.T, raw string) *envelope.Wrapper {
	t.Helper()
	w, err := envelope.Parse([]byte(raw), envelope.SchemaAuto)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return w
}

func orderEvent(t *testing.T) *envelope.Wrapper {
	return mustWrap(t, `{"specversion":"1.0","type":"Orders.OrderCreated","source":"/orders","id":"evt-1","data":{"orderId":"42"}}`)
}

func register(t *testing.T, r *registry.Registry, name string, fn registry.Invoker) {
	t.Helper()
	err := r.Register(registry.Descriptor{
		EventTypeName: testEventType,
		Schema:        envelope.SchemaAuto,
		HandlerName:   name,
		Invoke:        fn,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func ok(context.Context, *envelope.Wrapper) error { return nil }
