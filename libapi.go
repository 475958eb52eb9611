package gridflow

import (
	"google.golang.org/protobuf/proto"

	"github.com/drblury/gridflow/broker"
	runtimepkg "github.com/drblury/gridflow/internal/runtime"
	ce "github.com/drblury/gridflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/gridflow/internal/runtime/config"
	"github.com/drblury/gridflow/internal/runtime/consumer"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	errspkg "github.com/drblury/gridflow/internal/runtime/errors"
	"github.com/drblury/gridflow/internal/runtime/gridevent"
	idspkg "github.com/drblury/gridflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/gridflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gridflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/gridflow/internal/runtime/metadata"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
	"github.com/drblury/gridflow/internal/runtime/registry"
	"github.com/drblury/gridflow/internal/runtime/webhook"
	"github.com/drblury/gridflow/transport"
)

type (
	Config              = configpkg.Config
	Subscription        = configpkg.Subscription
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	BrokerFactory       = runtimepkg.BrokerFactory

	RawHandlerRegistration     = runtimepkg.RawHandlerRegistration
	HandlerRegistration[T any] = runtimepkg.HandlerRegistration[T]
	HandlerFunc[T any]         = registry.HandlerFunc[T]
	Invoker                    = registry.Invoker
	HandlerDescriptor          = registry.Descriptor
	BehaviorBuilder            = runtimepkg.BehaviorBuilder
	BehaviorRegistration       = runtimepkg.BehaviorRegistration
	Behavior                   = pipeline.Behavior
	Next                       = pipeline.Next
	Outcome                    = pipeline.Outcome
	OutcomeStatus              = pipeline.Status
	Validator                  = pipeline.Validator
	ValidatorFunc              = pipeline.ValidatorFunc
	JobContext                 = pipeline.JobContext
	JobHooks                   = pipeline.JobHooks
	BatchReport                = consumer.BatchReport
	WebhookResponse            = webhook.Response
	WebhookRequestKind         = webhook.RequestKind
	HandlerInfo                = runtimepkg.HandlerInfo
	ConsumerInfo               = runtimepkg.ConsumerInfo
	EventStats                 = runtimepkg.EventStats
	ErrorClassifier            = runtimepkg.ErrorClassifier
	ErrorCategory              = runtimepkg.ErrorCategory
	EventWrapper               = envelope.Wrapper
	Schema                     = envelope.Schema
	CloudEvent                 = ce.Event
	GridEvent                  = gridevent.Event
	RetryAfterError            = ce.RetryAfterError
	RejectError                = ce.RejectError
	Metadata                   = metadatapkg.Metadata
	LogFields                  = loggingpkg.LogFields
	ServiceLogger              = loggingpkg.ServiceLogger
	BrokerClient               = broker.Client
	ReceivedEvent              = broker.ReceivedEvent
	ResolveResult              = broker.ResolveResult
	TransientError             = broker.TransientError
	Transport                  = transport.Transport
	TransportBuilder           = transport.Builder
	TransportConfig            = transport.Config
	TransportRegistry          = transport.Registry
	TransportCapabilities      = transport.Capabilities
	ConfigValidationError      = errspkg.ConfigValidationError
	MalformedEventError        = errspkg.MalformedEventError
	DuplicateRegistrationError = errspkg.DuplicateRegistrationError
	HandlerExecutionError      = errspkg.HandlerExecutionError
	ConsumerFatalError         = errspkg.ConsumerFatalError
)

// Wire schemas.
const (
	SchemaAuto       = envelope.SchemaAuto
	SchemaCloudEvent = envelope.SchemaCloudEvent
	SchemaGridEvent  = envelope.SchemaGridEvent
)

// Pull brokers selectable through Config.Broker.
const (
	BrokerMemory    = configpkg.BrokerMemory
	BrokerSQS       = configpkg.BrokerSQS
	BrokerPostgres  = configpkg.BrokerPostgres
	BrokerWatermill = configpkg.BrokerWatermill
)

// Push request kinds for Service.Dispatch.
const (
	KindDelivery  = webhook.KindDelivery
	KindHandshake = webhook.KindHandshake
)

// Pipeline outcomes.
const (
	StatusSuccess  = pipeline.StatusSuccess
	StatusFailed   = pipeline.StatusFailed
	StatusReleased = pipeline.StatusReleased
	StatusRejected = pipeline.StatusRejected
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryMalformed = runtimepkg.ErrorCategoryMalformed
	ErrorCategoryRejected  = runtimepkg.ErrorCategoryRejected
	ErrorCategoryTimeout   = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryHandler   = runtimepkg.ErrorCategoryHandler
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)

// Metadata keys populated for every received event.
const (
	MetadataKeyEventID       = metadatapkg.KeyEventID
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyTraceParent   = metadatapkg.KeyTraceParent
	MetadataKeyDeliveryCount = metadatapkg.KeyDeliveryCount
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	OpenBroker     = runtimepkg.OpenBroker
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	ParseSchema    = envelope.ParseSchema
	ParseEvent     = envelope.Parse
	ParseBatch     = envelope.ParseBatch

	RegisterRawHandler = runtimepkg.RegisterRawHandler

	DefaultBehaviors      = runtimepkg.DefaultBehaviors
	CorrelationIDBehavior = runtimepkg.CorrelationIDBehavior
	TelemetryBehavior     = runtimepkg.TelemetryBehavior
	MetricsBehavior       = runtimepkg.MetricsBehavior
	LoggingBehavior       = runtimepkg.LoggingBehavior
	HooksBehavior         = runtimepkg.HooksBehavior
	RecovererBehavior     = runtimepkg.RecovererBehavior
	ValidationBehavior    = runtimepkg.ValidationBehavior

	// Job lifecycle hooks
	LoggingHooks  = pipeline.LoggingHooks
	AlertingHooks = pipeline.AlertingHooks

	// Handler outcomes
	Success  = pipeline.Success
	Failed   = pipeline.Failed
	Released = pipeline.Released
	Rejected = pipeline.Rejected

	// Handler control errors
	ErrRetry         = ce.ErrRetry
	ErrReject        = ce.ErrReject
	ErrSkip          = ce.ErrSkip
	RetryAfter       = ce.RetryAfter
	RejectWithReason = ce.RejectWithReason

	NewCloudEvent = ce.New

	// Transport registry used by the watermill broker.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	IsTransient = broker.IsTransient

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired   = errspkg.ErrHandlerNameRequired
	ErrEventTypeNameRequired = errspkg.ErrEventTypeNameRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrClientRequired        = errspkg.ErrClientRequired
	ErrRegistryClosed        = errspkg.ErrRegistryClosed
	ErrServiceStarted        = errspkg.ErrServiceStarted
	ErrEventPayloadRequired  = errspkg.ErrEventPayloadRequired
	ErrLockTokenNotFound     = broker.ErrLockTokenNotFound

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

func RegisterHandler[T any](svc *Service, cfg HandlerRegistration[T]) error {
	return runtimepkg.RegisterHandler(svc, cfg)
}

func RegisterProtoHandler[T proto.Message](svc *Service, cfg HandlerRegistration[T]) error {
	return runtimepkg.RegisterProtoHandler(svc, cfg)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}

// Decode returns the payload of a wrapped event as T.
func Decode[T any](w *EventWrapper) (T, error) {
	return envelope.DecodeAs[T](w)
}
