// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the local monitoring API: Prometheus metrics, health,
// the connection cache, parked decisions and a live event stream.
package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/health"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/metrics"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns the default server limits. WriteTimeout stays
// zero so websocket streams are not cut off.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Options holds the dependencies of the API server. Only Engine is required.
type Options struct {
	Engine    *engine.Engine
	Registry  *prometheus.Registry
	Collector *metrics.Collector
	Health    *health.Checker
	Ring      *logging.Ring
	Hub       *Hub
	Logger    *logging.Logger
	Server    ServerConfig
}

// Server handles API requests.
type Server struct {
	engine    *engine.Engine
	registry  *prometheus.Registry
	collector *metrics.Collector
	health    *health.Checker
	ring      *logging.Ring
	hub       *Hub
	logger    *logging.Logger
	cfg       ServerConfig
	startTime time.Time

	router *mux.Router
	http   *http.Server
}

// NewServer creates a new API server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New(errors.KindConstruction, "api server requires an engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	cfg := opts.Server
	if cfg == (ServerConfig{}) {
		cfg = DefaultServerConfig()
	}
	s := &Server{
		engine:    opts.Engine,
		registry:  opts.Registry,
		collector: opts.Collector,
		health:    opts.Health,
		ring:      opts.Ring,
		hub:       opts.Hub,
		logger:    logger,
		cfg:       cfg,
		startTime: clock.Now(),
	}
	s.initRoutes()
	return s, nil
}

// initRoutes initializes the HTTP router
func (s *Server) initRoutes() {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadiness).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	api.HandleFunc("/commands/{name}", s.handleCommand).Methods(http.MethodPost)
	if s.hub != nil {
		api.HandleFunc("/events", s.hub.ServeWS).Methods(http.MethodGet)
	}

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen on %s", addr)
	}
	s.Serve(ln)
	return nil
}

// Serve serves on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	s.logger.Info("api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Shutdown stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", clock.Now().Sub(start),
			"request_id", RequestID(r.Context()),
		)
	})
}

// responseWriter records the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Flusher for streaming responses
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Implement http.Hijacker for websocket support
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}
