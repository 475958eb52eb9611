// Package webhook implements push delivery: the broker POSTs events to an HTTP
// endpoint and the response code tells it whether to retry.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/gridevent"
	jsoncodec "github.com/drblury/gridflow/internal/runtime/jsoncodec"
	"github.com/drblury/gridflow/internal/runtime/logging"
	"github.com/drblury/gridflow/internal/runtime/pipeline"
)

// CloudEvents webhook abuse-protection headers.
const (
	HeaderRequestOrigin  = "WebHook-Request-Origin"
	HeaderAllowedOrigin  = "WebHook-Allowed-Origin"
	HeaderAllowedRate    = "WebHook-Allowed-Rate"
	HeaderGridEventType  = "aeg-event-type"
	gridValidationHeader = "SubscriptionValidation"

	DefaultPath         = "/events"
	DefaultMaxBodyBytes = 1 << 20
)

// RequestKind tells Dispatch how to treat a request body.
type RequestKind int

const (
	KindDelivery RequestKind = iota
	KindHandshake
)

// Response is what the HTTP layer writes back to the broker.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Processor runs one event to an outcome.
type Processor interface {
	Run(ctx context.Context, w *envelope.Wrapper) pipeline.Outcome
}

// Options configure a Dispatcher.
type Options struct {
	Path   string
	Schema envelope.Schema
	// AllowedOrigin is echoed during the CloudEvents handshake. Empty echoes
	// the requesting origin.
	AllowedOrigin string
	// AllowedRate is advertised during the CloudEvents handshake.
	AllowedRate  string
	MaxBodyBytes int64
	Logger       logging.ServiceLogger
}

// Dispatcher runs pushed events through the pipeline.
type Dispatcher struct {
	processor Processor
	opts      Options
	logger    logging.ServiceLogger
}

func New(processor Processor, opts Options) *Dispatcher {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	return &Dispatcher{processor: processor, opts: opts, logger: logger}
}

func (d *Dispatcher) Path() string { return d.opts.Path }

// Dispatch handles one request body. The returned error explains a non-2xx
// response and is meant for logging; the Response is always usable.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, kind RequestKind) (Response, error) {
	if kind == KindHandshake {
		if len(body) == 0 {
			return d.Handshake(""), nil
		}
		return d.validateSubscription(body)
	}

	wrappers, err := envelope.ParseBatch(body, d.opts.Schema)
	if err != nil {
		d.logger.Error("Rejecting malformed push delivery", err, nil)
		return errorResponse(http.StatusBadRequest, err), err
	}
	if isValidationRequest(wrappers) {
		return d.validateSubscription(body)
	}

	var failures []error
	for _, w := range wrappers {
		out := d.processor.Run(ctx, w)
		fields := logging.LogFields{
			"event_id":   w.ID(),
			"event_type": w.EventTypeName(),
			"status":     out.Status.String(),
		}
		switch out.Status {
		case pipeline.StatusSuccess:
		case pipeline.StatusRejected:
			d.logger.Error("Dropping rejected push event", out.Err, fields)
		default:
			d.logger.Warn("Push event not processed, broker will retry", fields)
			err := out.Err
			if err == nil {
				err = errors.New(out.Status.String())
			}
			failures = append(failures, err)
		}
	}

	if len(failures) > 0 {
		err := errors.Join(failures...)
		return errorResponse(http.StatusInternalServerError, err), err
	}
	return Response{StatusCode: http.StatusOK}, nil
}

// Handshake answers the CloudEvents webhook validation request.
func (d *Dispatcher) Handshake(origin string) Response {
	allowed := d.opts.AllowedOrigin
	if allowed == "" {
		allowed = origin
	}
	if allowed == "" {
		allowed = "*"
	}
	header := http.Header{}
	header.Set(HeaderAllowedOrigin, allowed)
	if d.opts.AllowedRate != "" {
		header.Set(HeaderAllowedRate, d.opts.AllowedRate)
	}
	return Response{StatusCode: http.StatusOK, Header: header}
}

func (d *Dispatcher) validateSubscription(body []byte) (Response, error) {
	evt, err := validationEvent(body)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err), err
	}
	code, err := evt.ValidationCode()
	if err != nil {
		return errorResponse(http.StatusBadRequest, err), err
	}
	d.logger.Info("Subscription validation handshake", logging.LogFields{"event_id": evt.ID})

	payload, err := jsoncodec.Marshal(gridevent.SubscriptionValidationResponse{ValidationResponse: code})
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err), err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return Response{StatusCode: http.StatusOK, Header: header, Body: payload}, nil
}

func validationEvent(body []byte) (gridevent.Event, error) {
	if jsoncodec.IsArray(body) {
		var events []gridevent.Event
		if err := jsoncodec.Unmarshal(body, &events); err != nil {
			return gridevent.Event{}, err
		}
		for _, evt := range events {
			if evt.IsSubscriptionValidation() {
				return evt, nil
			}
		}
		return gridevent.Event{}, errors.New("no subscription validation event in body")
	}
	var evt gridevent.Event
	if err := jsoncodec.Unmarshal(body, &evt); err != nil {
		return gridevent.Event{}, err
	}
	return evt, nil
}

func isValidationRequest(wrappers []*envelope.Wrapper) bool {
	for _, w := range wrappers {
		if w.Schema() == envelope.SchemaGridEvent && w.EventTypeName() == gridevent.SubscriptionValidationEventType {
			return true
		}
	}
	return false
}

func errorResponse(status int, err error) Response {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body, marshalErr := jsoncodec.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		body = nil
	}
	return Response{StatusCode: status, Header: header, Body: body}
}

// Handler serves the webhook: OPTIONS for the CloudEvents handshake and POST
// for deliveries and grid subscription validation.
func (d *Dispatcher) Handler() http.Handler {
	r := chi.NewRouter()
	r.Options(d.opts.Path, d.handleOptions)
	r.Post(d.opts.Path, d.handlePost)
	return r
}

func (d *Dispatcher) handleOptions(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, d.Handshake(r.Header.Get(HeaderRequestOrigin)))
}

func (d *Dispatcher) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.opts.MaxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeResponse(w, errorResponse(status, err))
		return
	}

	kind := KindDelivery
	if r.Header.Get(HeaderGridEventType) == gridValidationHeader {
		kind = KindHandshake
	}

	resp, _ := d.Dispatch(r.Context(), body, kind)
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
