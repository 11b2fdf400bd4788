// Package transport adapts the engine to an HTTP webhook chat transport:
// the chat frontend posts inbound events and renders the returned reply.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paybot/openpay/logger"
	"github.com/paybot/openpay/types"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openpay_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openpay_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.05, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

// EventHandler consumes one chat event. Implemented by openpay.Engine.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev types.ChatEvent) types.Reply
}

type Server struct {
	engine EventHandler
	log    logger.Logger
	router *mux.Router
}

func NewServer(engine EventHandler, log logger.Logger) *Server {
	if log == nil {
		log = logger.NoopLogger{}
	}
	s := &Server{engine: engine, log: log}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/events", s.handleEvent).Methods("POST")
	s.router = r

	return s
}

// Router returns the HTTP handler to mount.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/events"))
	defer timer.ObserveDuration()

	var ev types.ChatEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpReqTotal.WithLabelValues("POST", "/events", "400").Inc()
		http.Error(w, `{"error":"invalid event payload"}`, http.StatusBadRequest)
		return
	}

	start := time.Now()
	reply := s.engine.HandleEvent(r.Context(), ev)
	s.log.Debug("event handled", map[string]any{
		"user":     ev.UserID,
		"duration": time.Since(start).String(),
	})

	httpReqTotal.WithLabelValues("POST", "/events", "200").Inc()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}
