package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/gridflow/broker"
	configpkg "github.com/drblury/gridflow/internal/runtime/config"
	"github.com/drblury/gridflow/internal/runtime/consumer"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
	"github.com/drblury/gridflow/internal/runtime/registry"
	"github.com/drblury/gridflow/internal/runtime/webhook"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the configuration driven defaults.
type ServiceDependencies struct {
	// Client replaces the broker selected by Config.Broker. The service does
	// not close an injected client.
	Client        broker.Client
	BrokerFactory BrokerFactory

	Validator               pipeline.Validator
	Behaviors               []BehaviorRegistration // Appended after the default behavior chain.
	DisableDefaultBehaviors bool                   // Skips registering the default behavior chain when true.

	Tracer     trace.Tracer
	Registerer prometheus.Registerer
	JobHooks   pipeline.JobHooks
	// OnBatch observes every resolved pull batch.
	OnBatch         func(consumer.BatchReport)
	ErrorClassifier ErrorClassifier
}

// Service wires a broker client, the handler registry, the behavior pipeline,
// the pull consumers and the push webhook.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	client      broker.Client
	ownsClient  bool
	registry    *registry.Registry
	pipeline    *pipeline.Pipeline
	webhook     *webhook.Dispatcher
	validator   pipeline.Validator
	tracer      trace.Tracer
	registerer  prometheus.Registerer
	jobHooks    pipeline.JobHooks
	onBatch     func(consumer.BatchReport)
	consMetrics *consumer.Metrics
	stats       *statsTracker

	mu              sync.Mutex
	registrationErr error
	sealed          bool
	started         bool
	consumers       []*consumerStatus

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration and panics on
// error. Register handlers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning the error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	log.Info("Creating event service", loggingpkg.LogFields{
		"broker":        conf.Broker,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		registry:   registry.New(log),
		validator:  deps.Validator,
		tracer:     deps.Tracer,
		registerer: deps.Registerer,
		jobHooks:   deps.JobHooks,
		onBatch:    deps.OnBatch,
		stats:      newStatsTracker(deps.ErrorClassifier),
	}

	behaviors, err := s.buildBehaviors(deps)
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline.New(s.registry, behaviors...)

	if err := s.openClient(ctx, deps); err != nil {
		return nil, err
	}
	if conf.MetricsEnabled && s.client != nil {
		s.consMetrics = consumer.NewMetrics(s.registerer)
		if err := s.consMetrics.Register(); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if err := s.buildWebhook(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) openClient(ctx context.Context, deps ServiceDependencies) error {
	if deps.Client != nil {
		s.client = deps.Client
		return nil
	}
	factory := deps.BrokerFactory
	if factory == nil {
		factory = OpenBroker
	}
	client, err := factory(ctx, s.Conf, s.Logger)
	if err != nil {
		return fmt.Errorf("open %s broker: %w", s.Conf.Broker, err)
	}
	s.client = client
	s.ownsClient = true
	return nil
}

func (s *Service) buildWebhook() error {
	schema, err := envelope.ParseSchema(s.Conf.WebhookSchema)
	if err != nil {
		return err
	}
	s.webhook = webhook.New(s.processor(), webhook.Options{
		Path:          s.Conf.WebhookPath,
		Schema:        schema,
		AllowedOrigin: s.Conf.WebhookAllowedOrigin,
		Logger:        s.Logger,
	})
	return nil
}

// Client returns the pull broker client, nil when pull delivery is disabled.
func (s *Service) Client() broker.Client {
	return s.client
}

// Pipeline returns the composed pipeline. Events only reach handlers once the
// registry is sealed by Start or the first push delivery.
func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// seal freezes the registry and reports the first registration error.
func (s *Service) seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registrationErr != nil {
		return s.registrationErr
	}
	if !s.sealed {
		s.registry.Seal()
		s.sealed = true
		s.Logger.Info("Handler registry sealed", loggingpkg.LogFields{"handlers": s.registry.Len()})
	}
	return nil
}

// processor seals the registry lazily so a webhook mounted on an external
// router works without Start.
func (s *Service) processor() webhook.Processor {
	return processorFunc(func(ctx context.Context, w *envelope.Wrapper) pipeline.Outcome {
		if err := s.seal(); err != nil {
			return pipeline.Failed(err)
		}
		return s.pipeline.Run(ctx, w)
	})
}

type processorFunc func(ctx context.Context, w *envelope.Wrapper) pipeline.Outcome

func (f processorFunc) Run(ctx context.Context, w *envelope.Wrapper) pipeline.Outcome {
	return f(ctx, w)
}

// Dispatch handles one push request body.
func (s *Service) Dispatch(ctx context.Context, body []byte, kind webhook.RequestKind) (webhook.Response, error) {
	return s.webhook.Dispatch(ctx, body, kind)
}

// WebhookHandler returns the push endpoint for mounting on an external router.
func (s *Service) WebhookHandler() http.Handler {
	return s.webhook.Handler()
}

// Start seals the registry, runs one pull consumer per configured
// subscription and serves the HTTP endpoints until ctx is cancelled. It
// returns the first consumer fatal error.
func (s *Service) Start(ctx context.Context) error {
	if err := s.seal(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	s.mu.Unlock()

	statuses, err := s.buildConsumers()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.consumers = statuses
	s.mu.Unlock()

	if s.Conf.WebhookEnabled && s.Conf.WebhookPort > 0 {
		s.RegisterHTTPHandler(s.Conf.WebhookPort, "/", s.WebhookHandler())
	}
	s.StartWebUIServer()

	g, gctx := errgroup.WithContext(ctx)
	if err := s.startHTTPServers(gctx, g); err != nil {
		return err
	}
	for _, st := range statuses {
		c := st.consumer
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	s.Logger.Info("Service started", loggingpkg.LogFields{"consumers": len(statuses)})
	err = g.Wait()
	s.Logger.Info("Service stopped", nil)
	return err
}

func (s *Service) buildConsumers() ([]*consumerStatus, error) {
	if len(s.Conf.Subscriptions) == 0 {
		return nil, nil
	}
	if s.client == nil {
		return nil, errspkg.ErrClientRequired
	}

	statuses := make([]*consumerStatus, 0, len(s.Conf.Subscriptions))
	for _, sub := range s.Conf.Subscriptions {
		conf, err := s.consumerConfig(sub)
		if err != nil {
			return nil, err
		}
		st := &consumerStatus{info: ConsumerInfo{Topic: sub.Topic, Subscription: sub.Subscription}}
		c, err := consumer.New(s.client, s.pipeline, conf,
			consumer.WithLogger(s.Logger),
			consumer.WithMetrics(s.consMetrics),
			consumer.WithBatchObserver(func(report consumer.BatchReport) {
				st.observe(report)
				if s.onBatch != nil {
					s.onBatch(report)
				}
			}),
		)
		if err != nil {
			return nil, err
		}
		st.consumer = c
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (s *Service) consumerConfig(sub configpkg.Subscription) (consumer.Config, error) {
	schema, err := envelope.ParseSchema(sub.Schema)
	if err != nil {
		return consumer.Config{}, err
	}
	c := s.Conf
	return consumer.Config{
		Topic:                       sub.Topic,
		Subscription:                sub.Subscription,
		Schema:                      schema,
		MaxEvents:                   firstPositive(sub.MaxEvents, c.MaxEvents),
		MaxWaitTime:                 c.MaxWaitTime,
		MaxConcurrency:              firstPositive(sub.MaxConcurrency, c.MaxConcurrency),
		EventTimeout:                c.EventTimeout,
		MaxDeliveryAttempts:         c.MaxDeliveryAttempts,
		ReleaseBaseDelay:            c.ReleaseBaseDelay,
		ReleaseMaxDelay:             c.ReleaseMaxDelay,
		EmptyReceiveDelay:           c.EmptyReceiveDelay,
		ReceiveRetryAttempts:        c.ReceiveRetryAttempts,
		ReceiveRetryInitialInterval: c.ReceiveRetryInitialInterval,
		ReceiveRetryMaxInterval:     c.ReceiveRetryMaxInterval,
		ResolveTimeout:              c.ResolveTimeout,
	}, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Close releases the broker client when the service opened it.
func (s *Service) Close() error {
	if !s.ownsClient {
		return nil
	}
	if closer, ok := s.client.(broker.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// startHTTPServers binds every registered port and serves it on g until ctx
// is done. Bind errors are returned before anything is served.
func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	listeners := make(map[int]net.Listener, len(s.httpServers))
	for port := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		listeners[port] = ln
	}

	for port, ln := range listeners {
		srv := &http.Server{Handler: s.httpServers[port], ReadHeaderTimeout: readHeaderTimeout}
		addr := ln.Addr().String()
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return nil
}
