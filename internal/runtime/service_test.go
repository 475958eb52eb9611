package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/broker/memory"
	configpkg "github.com/drblury/gridflow/internal/runtime/config"
	"github.com/drblury/gridflow/internal/runtime/consumer"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
	"github.com/drblury/gridflow/internal/runtime/webhook"
)

const orderCreatedEvent = `{"specversion":"1.0","type":"Orders.OrderCreated","source":"/orders","id":"evt-1","data":{"orderId":"42"}}`

type orderCreated struct {
	OrderID string `json:"orderId"`
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestTryNewServiceRequiresLoggerAndConfig(t *testing.T) {
	if _, err := TryNewService(&configpkg.Config{}, nil, context.Background(), ServiceDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected ErrLoggerRequired, got %v", err)
	}
	if _, err := TryNewService(nil, newTestLogger(), context.Background(), ServiceDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("expected ErrConfigRequired, got %v", err)
	}
}

func TestTryNewServiceRejectsInvalidConfig(t *testing.T) {
	_, err := TryNewService(&configpkg.Config{Broker: "carrier-pigeon"}, newTestLogger(), context.Background(), ServiceDependencies{})
	var cfgErr errspkg.ConfigValidationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
}

func TestNewServicePanicsOnError(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewService(nil, newTestLogger(), context.Background(), ServiceDependencies{})
}

func TestBrokerFactoryErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	_, err := TryNewService(&configpkg.Config{Broker: configpkg.BrokerMemory}, newTestLogger(), context.Background(), ServiceDependencies{
		BrokerFactory: func(context.Context, *configpkg.Config, loggingpkg.ServiceLogger) (broker.Client, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestOpenBrokerSelection(t *testing.T) {
	ctx := context.Background()

	client, err := OpenBroker(ctx, &configpkg.Config{}, newTestLogger())
	if err != nil || client != nil {
		t.Fatalf("expected pull delivery disabled, got %v, %v", client, err)
	}

	client, err = OpenBroker(ctx, &configpkg.Config{Broker: "MEMORY"}, newTestLogger())
	if err != nil {
		t.Fatalf("memory broker: %v", err)
	}
	if _, ok := client.(*memory.Broker); !ok {
		t.Fatalf("expected *memory.Broker, got %T", client)
	}

	if _, err := OpenBroker(ctx, &configpkg.Config{Broker: "smtp"}, newTestLogger()); err == nil {
		t.Fatal("expected error for unsupported broker")
	}
}

func TestOpenBrokerWatermillChannel(t *testing.T) {
	client, err := OpenBroker(context.Background(), &configpkg.Config{
		Broker:       configpkg.BrokerWatermill,
		PubSubSystem: "channel",
	}, newTestLogger())
	if err != nil {
		t.Fatalf("watermill broker: %v", err)
	}
	closer, ok := client.(broker.Closer)
	if !ok {
		t.Fatalf("expected watermill broker to be closable, got %T", client)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStartProcessesPullSubscription(t *testing.T) {
	var batches atomic.Int32
	hookCalls := make(chan string, 1)
	cfg := &configpkg.Config{
		Broker:        configpkg.BrokerMemory,
		Subscriptions: []configpkg.Subscription{{Topic: "orders", Subscription: "billing"}},
		MaxWaitTime:   20 * time.Millisecond,
	}
	svc := newTestService(t, cfg, ServiceDependencies{
		OnBatch: func(consumer.BatchReport) { batches.Add(1) },
		JobHooks: pipeline.JobHooks{
			OnJobDone: func(job pipeline.JobContext) { hookCalls <- job.EventID },
		},
	})

	received := make(chan orderCreated, 1)
	err := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		EventTypeName: "Orders.OrderCreated",
		Handler: func(_ context.Context, evt orderCreated, _ *envelope.Wrapper) error {
			received <- evt
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	mem := svc.Client().(*memory.Broker)
	mem.Publish("orders", "billing", []byte(orderCreatedEvent))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case evt := <-received:
		if evt.OrderID != "42" {
			t.Fatalf("unexpected payload: %+v", evt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}
	select {
	case id := <-hookCalls:
		if id != "evt-1" {
			t.Fatalf("unexpected hook event id %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job hook was not invoked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for mem.Pending("orders", "billing") != 0 || batches.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not acknowledged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	infos := svc.ConsumerInfos()
	if len(infos) != 1 || infos[0].Acknowledged != 1 || infos[0].Topic != "orders" {
		t.Fatalf("unexpected consumer infos: %+v", infos)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestStartReturnsConsumerFatalError(t *testing.T) {
	cfg := &configpkg.Config{
		Broker:                      configpkg.BrokerMemory,
		Subscriptions:               []configpkg.Subscription{{Topic: "orders", Subscription: "billing"}},
		ReceiveRetryAttempts:        1,
		ReceiveRetryInitialInterval: time.Millisecond,
		ReceiveRetryMaxInterval:     time.Millisecond,
	}
	svc := newTestService(t, cfg, ServiceDependencies{})
	svc.Client().(*memory.Broker).FailNextReceives(errors.New("access denied"))

	err := svc.Start(context.Background())
	var fatal *errspkg.ConsumerFatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected ConsumerFatalError, got %v", err)
	}
}

func TestStartFailsOnRegistrationError(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{})

	err := RegisterHandler(svc, HandlerRegistration[orderCreated]{EventTypeName: "Orders.OrderCreated"})
	if !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected Start to surface the registration error, got %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := svc.Start(ctx); !errors.Is(err, errspkg.ErrServiceStarted) {
		t.Fatalf("expected ErrServiceStarted, got %v", err)
	}
}

func TestStartWithSubscriptionsRequiresBroker(t *testing.T) {
	cfg := &configpkg.Config{Subscriptions: []configpkg.Subscription{{Topic: "orders", Subscription: "billing"}}}
	svc := newTestService(t, cfg, ServiceDependencies{})
	if err := svc.Start(context.Background()); !errors.Is(err, errspkg.ErrClientRequired) {
		t.Fatalf("expected ErrClientRequired, got %v", err)
	}
}

func TestInjectedClientIsNotClosed(t *testing.T) {
	client := &closeTrackingClient{Broker: memory.New(memory.Options{})}
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{Client: client})
	if svc.Client() != client {
		t.Fatal("expected injected client")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.closed {
		t.Fatal("service closed a client it does not own")
	}
}

type closeTrackingClient struct {
	*memory.Broker
	closed bool
}

func (c *closeTrackingClient) Close() error {
	c.closed = true
	return nil
}

func TestDispatchPushDelivery(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{})

	var calls int
	err := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		Name:          "orders",
		EventTypeName: "Orders.OrderCreated",
		Handler: func(context.Context, orderCreated, *envelope.Wrapper) error {
			calls++
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	resp, err := svc.Dispatch(context.Background(), []byte(orderCreatedEvent), webhook.KindDelivery)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.StatusCode != http.StatusOK || calls != 1 {
		t.Fatalf("unexpected response %d with %d calls", resp.StatusCode, calls)
	}

	late := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		Name:          "late",
		EventTypeName: "Orders.OrderCreated",
		Handler:       func(context.Context, orderCreated, *envelope.Wrapper) error { return nil },
	})
	if !errors.Is(late, errspkg.ErrRegistryClosed) {
		t.Fatalf("expected sealed registry, got %v", late)
	}
}

func TestWebhookHandlerServesPost(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{WebhookPath: "/hooks"}, ServiceDependencies{})
	if err := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		EventTypeName: "Orders.OrderCreated",
		Handler: func(context.Context, orderCreated, *envelope.Wrapper) error {
			return errors.New("downstream unavailable")
		},
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(orderCreatedEvent))
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a failed event, got %d", rec.Code)
	}
}

func TestBehaviorRegistrationOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) pipeline.Behavior {
		return func(ctx context.Context, w *envelope.Wrapper, next pipeline.Next) pipeline.Outcome {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next(ctx)
		}
	}

	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{
		DisableDefaultBehaviors: true,
		Behaviors: []BehaviorRegistration{
			{Name: "outer", Behavior: record("outer")},
			{Name: "inner", Builder: func(*Service) (pipeline.Behavior, error) { return record("inner"), nil }},
			{Name: "skipped", Builder: func(*Service) (pipeline.Behavior, error) { return nil, nil }},
		},
	})
	if err := RegisterRawHandler(svc, RawHandlerRegistration{
		Name:          "raw",
		EventTypeName: "Orders.OrderCreated",
		Handler: func(context.Context, *envelope.Wrapper) error {
			mu.Lock()
			order = append(order, "handler")
			mu.Unlock()
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterRawHandler: %v", err)
	}

	if _, err := svc.Dispatch(context.Background(), []byte(orderCreatedEvent), webhook.KindDelivery); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := strings.Join(order, ","); got != "outer,inner,handler" {
		t.Fatalf("unexpected behavior order %q", got)
	}
}

func TestBehaviorRegistrationErrors(t *testing.T) {
	_, err := TryNewService(&configpkg.Config{}, newTestLogger(), context.Background(), ServiceDependencies{
		Behaviors: []BehaviorRegistration{{Name: "empty"}},
	})
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected registration error naming the behavior, got %v", err)
	}

	boom := errors.New("boom")
	_, err = TryNewService(&configpkg.Config{}, newTestLogger(), context.Background(), ServiceDependencies{
		Behaviors: []BehaviorRegistration{{Builder: func(*Service) (pipeline.Behavior, error) { return nil, boom }}},
	})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "anonymous_behavior") {
		t.Fatalf("expected wrapped builder error, got %v", err)
	}
}

func TestValidationBehaviorRejects(t *testing.T) {
	validator := pipeline.ValidatorFunc(func(context.Context, *envelope.Wrapper) error {
		return errors.New("order id is required")
	})
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{Validator: validator})

	var calls int
	if err := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		EventTypeName: "Orders.OrderCreated",
		Handler: func(context.Context, orderCreated, *envelope.Wrapper) error {
			calls++
			return nil
		},
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	resp, _ := svc.Dispatch(context.Background(), []byte(orderCreatedEvent), webhook.KindDelivery)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejected push events are dropped with 200, got %d", resp.StatusCode)
	}
	if calls != 0 {
		t.Fatal("handler ran for an invalid event")
	}
	stats := svc.stats.Lookup("Orders.OrderCreated", envelope.SchemaCloudEvent)
	if stats == nil || stats.EventsRejected != 1 {
		t.Fatalf("expected one rejected event in stats, got %+v", stats)
	}
}

func TestMetricsEndpointExposesPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := &configpkg.Config{Broker: configpkg.BrokerMemory, MetricsEnabled: true, MetricsPort: 9464}
	svc := newTestService(t, cfg, ServiceDependencies{Registerer: reg})
	if err := RegisterHandler(svc, HandlerRegistration[orderCreated]{
		EventTypeName: "Orders.OrderCreated",
		Handler:       func(context.Context, orderCreated, *envelope.Wrapper) error { return nil },
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if _, err := svc.Dispatch(context.Background(), []byte(orderCreatedEvent), webhook.KindDelivery); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	mux := svc.httpServers[9464]
	if mux == nil {
		t.Fatal("metrics endpoint was not registered")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "gridflow_pipeline_events_total") {
		t.Fatalf("pipeline metrics missing from /metrics:\n%s", body)
	}
}

func TestRegisterProtoHandlerDefaultsEventTypeName(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{})
	err := RegisterProtoHandler(svc, HandlerRegistration[*structpb.Struct]{
		Handler: func(context.Context, *structpb.Struct, *envelope.Wrapper) error { return nil },
	})
	if err != nil {
		t.Fatalf("RegisterProtoHandler: %v", err)
	}
	handlers := svc.Handlers()
	if len(handlers) == 0 {
		t.Fatal("expected a registered handler")
	}
	if handlers[0].EventTypeName != "google.protobuf.Struct" {
		t.Fatalf("unexpected event type name %q", handlers[0].EventTypeName)
	}
	if handlers[0].HandlerName != "*structpb.Struct-Handler" {
		t.Fatalf("unexpected default handler name %q", handlers[0].HandlerName)
	}
}

func TestRegisterRawHandlerRequiresName(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{}, ServiceDependencies{})
	err := RegisterRawHandler(svc, RawHandlerRegistration{
		EventTypeName: "Orders.OrderCreated",
		Handler:       func(context.Context, *envelope.Wrapper) error { return nil },
	})
	if !errors.Is(err, errspkg.ErrHandlerNameRequired) {
		t.Fatalf("expected ErrHandlerNameRequired, got %v", err)
	}
	if err := RegisterRawHandler(nil, RawHandlerRegistration{}); !errors.Is(err, errspkg.ErrServiceRequired) {
		t.Fatalf("expected ErrServiceRequired, got %v", err)
	}
}

func TestConsumerConfigInheritsServiceSettings(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{
		MaxEvents:           8,
		MaxConcurrency:      4,
		MaxDeliveryAttempts: 3,
		ReleaseBaseDelay:    2 * time.Second,
	}, ServiceDependencies{})

	conf, err := svc.consumerConfig(configpkg.Subscription{
		Topic:        "orders",
		Subscription: "billing",
		Schema:       "gridevent",
		MaxEvents:    2,
	})
	if err != nil {
		t.Fatalf("consumerConfig: %v", err)
	}
	if conf.MaxEvents != 2 || conf.MaxConcurrency != 4 {
		t.Fatalf("unexpected limits: %d events, %d concurrency", conf.MaxEvents, conf.MaxConcurrency)
	}
	if conf.Schema != envelope.SchemaGridEvent || conf.MaxDeliveryAttempts != 3 || conf.ReleaseBaseDelay != 2*time.Second {
		t.Fatalf("unexpected consumer config: %+v", conf)
	}
}
