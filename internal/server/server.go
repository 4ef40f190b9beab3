// Package server exposes the Aircast control surface: a JSON API for session
// lifecycle and the recording catalog, WebSocket endpoints for audio ingest
// and listening, presence endpoints, and the operational endpoints
// (/healthz, /readyz, /metrics).
package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aircast-audio/aircast/internal/engine"
	"github.com/aircast-audio/aircast/internal/health"
	"github.com/aircast-audio/aircast/internal/observe"
	"github.com/aircast-audio/aircast/internal/presence"
	"github.com/aircast-audio/aircast/internal/store"
)

// Server routes HTTP and WebSocket traffic to the session engine.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	tracker *presence.Tracker
	health  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth sets the health handler serving /healthz and /readyz. When
// unset, a handler with no readiness checks is used.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// WithMetrics enables request metrics and tracing middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Server backed by eng, st, and tracker.
func New(eng *engine.Engine, st store.Store, tracker *presence.Tracker, opts ...Option) *Server {
	s := &Server{
		engine:  eng,
		store:   st,
		tracker: tracker,
		health:  health.New(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully wired HTTP handler. API routes are wrapped in
// the observability middleware when metrics are configured; operational
// endpoints stay unwrapped so probes don't pollute request metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/stream/start", s.handleStartStream)
	api.HandleFunc("POST /api/stream/stop", s.handleStopStream)
	api.HandleFunc("GET /api/stream/status/{owner}", s.handleStreamStatus)
	api.HandleFunc("GET /api/recordings/{owner}", s.handleListRecordings)
	api.HandleFunc("GET /api/recording/{handle}", s.handleDownloadRecording)
	api.HandleFunc("POST /api/presence/{owner}/heartbeat", s.handleHeartbeat)
	api.HandleFunc("DELETE /api/presence/{owner}/{listener}", s.handlePresenceLeave)
	api.HandleFunc("GET /api/presence/{owner}", s.handlePresenceList)
	api.HandleFunc("GET /ws/ingest/{owner}", s.handleIngest)
	api.HandleFunc("GET /ws/listen/{owner}", s.handleListen)

	var apiHandler http.Handler = api
	if s.metrics != nil {
		apiHandler = observe.Middleware(s.metrics)(api)
	}

	root := http.NewServeMux()
	root.Handle("/api/", apiHandler)
	root.Handle("/ws/", apiHandler)
	s.health.Register(root)
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}
