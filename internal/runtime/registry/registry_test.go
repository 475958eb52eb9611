package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/drblury/gridflow/internal/runtime/cloudevents"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
)

type orderCreated struct {
	OrderID string `json:"orderId"`
}

type invoiceCreated struct {
	InvoiceID string `json:"invoiceId"`
}

func noop(context.Context, *envelope.Wrapper) error { return nil }

func descriptor(handler string, eventType reflect.Type) Descriptor {
	return Descriptor{
		EventTypeName: "Orders.OrderCreated",
		Schema:        envelope.SchemaCloudEvent,
		EventType:     eventType,
		HandlerName:   handler,
		Invoke:        noop,
	}
}

func TestRegisterKeepsOrder(t *testing.T) {
	r := New(nil)
	orderType := reflect.TypeFor[orderCreated]()
	for _, name := range []string{"audit", "billing", "shipping"} {
		if err := r.Register(descriptor(name, orderType)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	got := r.Resolve("Orders.OrderCreated", envelope.SchemaCloudEvent)
	if len(got) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(got))
	}
	for i, name := range []string{"audit", "billing", "shipping"} {
		if got[i].HandlerName != name {
			t.Fatalf("descriptor %d: expected %s, got %s", i, name, got[i].HandlerName)
		}
	}
	if r.Resolve("Orders.OrderCreated", envelope.SchemaGridEvent) != nil {
		t.Fatal("cloud event registration must not match grid events")
	}
	if r.Resolve("Unknown", envelope.SchemaCloudEvent) != nil {
		t.Fatal("expected no descriptors for unknown event type")
	}
}

func TestRegisterDuplicateEventTypeFails(t *testing.T) {
	r := New(nil)
	if err := r.Register(descriptor("billing", reflect.TypeFor[orderCreated]())); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := r.Register(descriptor("invoicing", reflect.TypeFor[invoiceCreated]()))
	var dupErr *errspkg.DuplicateRegistrationError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateRegistrationError, got %v", err)
	}
	if dupErr.Existing != reflect.TypeFor[orderCreated]() || dupErr.Duplicate != reflect.TypeFor[invoiceCreated]() {
		t.Fatalf("unexpected types in error: %v", dupErr)
	}
	if r.Len() != 1 {
		t.Fatalf("conflicting registration must not be stored, have %d", r.Len())
	}
}

func TestRegisterSameHandlerTwiceIsSkipped(t *testing.T) {
	r := New(nil)
	orderType := reflect.TypeFor[orderCreated]()
	if err := r.Register(descriptor("billing", orderType)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(descriptor("billing", orderType)); err != nil {
		t.Fatalf("duplicate handler name should only warn, got %v", err)
	}
	if got := len(r.Resolve("Orders.OrderCreated", envelope.SchemaCloudEvent)); got != 1 {
		t.Fatalf("expected 1 descriptor, got %d", got)
	}
}

func TestRegisterAutoSchemaCoversBoth(t *testing.T) {
	r := New(nil)
	desc := descriptor("billing", reflect.TypeFor[orderCreated]())
	desc.Schema = envelope.SchemaAuto
	if err := r.Register(desc); err != nil {
		t.Fatalf("register: %v", err)
	}

	cloud := r.Resolve("Orders.OrderCreated", envelope.SchemaCloudEvent)
	grid := r.Resolve("Orders.OrderCreated", envelope.SchemaGridEvent)
	if len(cloud) != 1 || len(grid) != 1 {
		t.Fatalf("expected one descriptor per schema, got %d/%d", len(cloud), len(grid))
	}
	if cloud[0].HandlerName != grid[0].HandlerName {
		t.Fatal("expected same handler for both schemas")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)
	cases := map[string]struct {
		mutate func(*Descriptor)
		want   error
	}{
		"missing event type": {func(d *Descriptor) { d.EventTypeName = "" }, errspkg.ErrEventTypeNameRequired},
		"missing handler":    {func(d *Descriptor) { d.HandlerName = "" }, errspkg.ErrHandlerNameRequired},
		"missing invoker":    {func(d *Descriptor) { d.Invoke = nil }, errspkg.ErrHandlerRequired},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			d := descriptor("billing", nil)
			tc.mutate(&d)
			if err := r.Register(d); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSealRejectsRegistration(t *testing.T) {
	r := New(nil)
	r.Seal()
	if !r.Sealed() {
		t.Fatal("expected sealed registry")
	}
	if err := r.Register(descriptor("billing", nil)); !errors.Is(err, errspkg.ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestResolvedSliceIsStable(t *testing.T) {
	r := New(nil)
	_ = r.Register(descriptor("a", nil))
	first := r.Resolve("Orders.OrderCreated", envelope.SchemaCloudEvent)
	_ = r.Register(descriptor("b", nil))

	if len(first) != 1 {
		t.Fatalf("previously resolved slice changed length to %d", len(first))
	}
	if len(r.Descriptors()) != 2 {
		t.Fatalf("expected 2 descriptors in snapshot, got %d", len(r.Descriptors()))
	}
}

func TestResolveConcurrentReaders(t *testing.T) {
	r := New(nil)
	_ = r.Register(descriptor("a", nil))
	r.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if len(r.Resolve("Orders.OrderCreated", envelope.SchemaCloudEvent)) != 1 {
				t.Error("expected one descriptor")
			}
		}()
	}
	wg.Wait()
}

func TestRegisterFuncDecodesPayload(t *testing.T) {
	r := New(nil)
	var got orderCreated
	err := RegisterFunc(r, "Orders.OrderCreated", envelope.SchemaAuto, "billing",
		func(_ context.Context, evt orderCreated, _ *envelope.Wrapper) error {
			got = evt
			return nil
		})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	w, err := envelope.Parse([]byte(`{"id":"1","eventType":"Orders.OrderCreated","subject":"s","data":{"orderId":"42"}}`), envelope.SchemaAuto)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	descs := r.Resolve(w.EventTypeName(), w.Schema())
	if len(descs) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(descs))
	}
	if descs[0].EventType != reflect.TypeFor[orderCreated]() {
		t.Fatalf("unexpected event type %v", descs[0].EventType)
	}
	if err := descs[0].Invoke(context.Background(), w); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.OrderID != "42" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestTypedRejectsUndecodablePayload(t *testing.T) {
	invoke := Typed(func(context.Context, orderCreated, *envelope.Wrapper) error { return nil })
	w, err := envelope.Parse([]byte(`{"id":"1","eventType":"x","subject":"s","data":"not an object"}`), envelope.SchemaGridEvent)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := invoke(context.Background(), w); !errors.Is(err, cloudevents.ErrReject) {
		t.Fatalf("expected reject error, got %v", err)
	}
}
