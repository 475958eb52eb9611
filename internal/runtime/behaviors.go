package runtime

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	loggingpkg "github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
)

// BehaviorBuilder constructs a pipeline behavior using the provided service
// instance. Returning a nil behavior skips the registration.
type BehaviorBuilder func(*Service) (pipeline.Behavior, error)

// BehaviorRegistration captures how a behavior is added to the Service
// pipeline. Registrations run outermost first.
type BehaviorRegistration struct {
	Name     string
	Behavior pipeline.Behavior
	Builder  BehaviorBuilder
}

// DefaultBehaviors returns the standard chain used by the Service constructor.
func DefaultBehaviors() []BehaviorRegistration {
	return []BehaviorRegistration{
		CorrelationIDBehavior(),
		TelemetryBehavior(),
		MetricsBehavior(),
		LoggingBehavior(nil),
		HooksBehavior(),
		RecovererBehavior(),
		ValidationBehavior(),
	}
}

// CorrelationIDBehavior ensures each processed event carries a correlation identifier.
func CorrelationIDBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name:     "correlation_id",
		Behavior: pipeline.CorrelationID(),
	}
}

// TelemetryBehavior wraps event processing in an OpenTelemetry consumer span.
func TelemetryBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "telemetry",
		Builder: func(s *Service) (pipeline.Behavior, error) {
			return pipeline.Telemetry(s.tracer), nil
		},
	}
}

// MetricsBehavior records outcome counters and latency histograms and exposes
// /metrics on the configured port.
func MetricsBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "metrics",
		Builder: func(s *Service) (pipeline.Behavior, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			m := pipeline.NewOutcomeMetrics(s.registerer)
			if err := m.Register(); err != nil {
				return nil, err
			}
			s.registerMetricsEndpoint()
			return pipeline.Metrics(m), nil
		},
	}
}

// LoggingBehavior logs every event and its outcome.
func LoggingBehavior(logger loggingpkg.ServiceLogger) BehaviorRegistration {
	return BehaviorRegistration{
		Name: "logging",
		Builder: func(s *Service) (pipeline.Behavior, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("logging behavior requires a logger")
			}
			return pipeline.Logging(l), nil
		},
	}
}

// HooksBehavior feeds the handler stats and any caller supplied job hooks.
func HooksBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "hooks",
		Builder: func(s *Service) (pipeline.Behavior, error) {
			return pipeline.Hooks(s.stats.Hooks().Merge(s.jobHooks)), nil
		},
	}
}

// RecovererBehavior turns handler panics into failed outcomes.
func RecovererBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name:     "recoverer",
		Behavior: pipeline.Recoverer(),
	}
}

// ValidationBehavior rejects events refused by the configured validator.
func ValidationBehavior() BehaviorRegistration {
	return BehaviorRegistration{
		Name: "validation",
		Builder: func(s *Service) (pipeline.Behavior, error) {
			if s.validator == nil {
				return nil, nil
			}
			return pipeline.Validation(s.validator), nil
		},
	}
}

func (s *Service) buildBehavior(cfg BehaviorRegistration) (pipeline.Behavior, error) {
	switch {
	case cfg.Behavior != nil:
		return cfg.Behavior, nil
	case cfg.Builder != nil:
		return cfg.Builder(s)
	default:
		return nil, errors.New("behavior registration requires Behavior or Builder")
	}
}

func (s *Service) buildBehaviors(deps ServiceDependencies) ([]pipeline.Behavior, error) {
	var defaults []BehaviorRegistration
	if !deps.DisableDefaultBehaviors {
		defaults = DefaultBehaviors()
	}
	registrations := make([]BehaviorRegistration, 0, len(defaults)+len(deps.Behaviors))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Behaviors...)

	behaviors := make([]pipeline.Behavior, 0, len(registrations))
	for _, reg := range registrations {
		b, err := s.buildBehavior(reg)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_behavior"
			}
			return nil, fmt.Errorf("failed to register behavior %s: %w", name, err)
		}
		if b != nil {
			behaviors = append(behaviors, b)
		}
	}
	return behaviors, nil
}

func (s *Service) registerMetricsEndpoint() {
	if s.Conf.MetricsPort <= 0 {
		return
	}
	handler := promhttp.Handler()
	if gatherer, ok := s.registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", handler)
}
