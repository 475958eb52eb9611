package runtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/drblury/gridflow/internal/runtime/consumer"
	"github.com/drblury/gridflow/internal/runtime/registry"
)

const defaultWebUIPort = 8081

// HandlerInfo describes one registered handler and the stats of its route.
type HandlerInfo struct {
	Name          string      `json:"name"`
	EventTypeName string      `json:"event_type"`
	Schema        string      `json:"schema"`
	PayloadType   string      `json:"payload_type"`
	Stats         *EventStats `json:"stats,omitempty"`
}

// ConsumerInfo is the web UI view of a pull consumer.
type ConsumerInfo struct {
	Topic        string    `json:"topic"`
	Subscription string    `json:"subscription"`
	State        string    `json:"state"`
	Batches      uint64    `json:"batches"`
	Received     uint64    `json:"received"`
	Acknowledged uint64    `json:"acknowledged"`
	Released     uint64    `json:"released"`
	Rejected     uint64    `json:"rejected"`
	Poisoned     uint64    `json:"poisoned"`
	Malformed    uint64    `json:"malformed"`
	ResolveFails uint64    `json:"resolve_failures"`
	LastBatchAt  time.Time `json:"last_batch_at"`
}

// consumerStatus accumulates batch reports for one consumer.
type consumerStatus struct {
	consumer *consumer.Consumer

	mu   sync.Mutex
	info ConsumerInfo
}

func (c *consumerStatus) observe(report consumer.BatchReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.info.Batches++
	c.info.Received += uint64(report.Received)
	c.info.Acknowledged += uint64(len(report.Acknowledged))
	for _, tokens := range report.Released {
		c.info.Released += uint64(len(tokens))
	}
	c.info.Rejected += uint64(len(report.Rejected))
	c.info.Poisoned += uint64(report.Poisoned)
	c.info.Malformed += uint64(report.Malformed)
	for _, n := range report.ResolveFailures {
		c.info.ResolveFails += uint64(n)
	}
	c.info.LastBatchAt = time.Now().UTC()
}

func (c *consumerStatus) snapshot() ConsumerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	if c.consumer != nil {
		info.State = c.consumer.State().String()
	}
	return info
}

// StartWebUIServer registers the introspection endpoints when the web UI is
// enabled. The listener itself starts with the other HTTP servers in Start.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = defaultWebUIPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/consumers", http.HandlerFunc(s.handleGetConsumers))
}

// HandlerInfos pairs every registered handler with its route stats.
func (s *Service) HandlerInfos() []HandlerInfo {
	descriptors := s.registry.Descriptors()
	infos := make([]HandlerInfo, 0, len(descriptors))
	for _, desc := range descriptors {
		infos = append(infos, handlerInfo(desc, s.stats))
	}
	return infos
}

func handlerInfo(desc registry.Descriptor, stats *statsTracker) HandlerInfo {
	info := HandlerInfo{
		Name:          desc.HandlerName,
		EventTypeName: desc.EventTypeName,
		Schema:        desc.Schema.String(),
		Stats:         stats.Lookup(desc.EventTypeName, desc.Schema),
	}
	if desc.EventType != nil {
		info.PayloadType = desc.EventType.String()
	}
	return info
}

// ConsumerInfos reports every pull consumer started by Start.
func (s *Service) ConsumerInfos() []ConsumerInfo {
	s.mu.Lock()
	statuses := append([]*consumerStatus(nil), s.consumers...)
	s.mu.Unlock()

	infos := make([]ConsumerInfo, 0, len(statuses))
	for _, st := range statuses {
		infos = append(infos, st.snapshot())
	}
	return infos
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, func() any { return s.HandlerInfos() })
}

func (s *Service) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, func() any { return s.ConsumerInfos() })
}

func (s *Service) writeJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := json.NewEncoder(w).Encode(body()); err != nil {
		s.Logger.Error("Failed to encode web UI response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
