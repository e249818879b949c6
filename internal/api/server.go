// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the agent's local read API: flow dumps, throughput
// counters, watched queue control, a live circuit stream and /metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

// ServerConfig holds HTTP server limits.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	// StreamInterval is how often the circuit stream pushes stats.
	StreamInterval time.Duration
}

// DefaultServerConfig returns the default limits.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
		StreamInterval:    time.Second,
	}
}

// SubmissionQueue reports the submission backlog and how many items a
// full queue turned away.
type SubmissionQueue interface {
	Len(ctx context.Context) (int, error)
	Refused() uint64
}

// UplinkStatus reports the uplink's state.
type UplinkStatus interface {
	Status() uplink.Status
}

// Options are the services the API reads from. Routes whose service is
// nil answer 503.
type Options struct {
	Config  *ServerConfig
	Tracker *throughput.Tracker
	Flows   *flows.Registry
	Watched *queues.Registry
	Poller  *queues.Poller
	Queue   SubmissionQueue
	Uplink  UplinkStatus
	Metrics http.Handler
	Logger  *logging.Logger
}

// Server handles API requests.
type Server struct {
	config  *ServerConfig
	tracker *throughput.Tracker
	flows   *flows.Registry
	watched *queues.Registry
	poller  *queues.Poller
	queue   SubmissionQueue
	uplink  UplinkStatus
	metrics http.Handler
	logger  *logging.Logger
}

// NewServer creates an API server.
func NewServer(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("api")
	}
	return &Server{
		config:  opts.Config,
		tracker: opts.Tracker,
		flows:   opts.Flows,
		watched: opts.Watched,
		poller:  opts.Poller,
		queue:   opts.Queue,
		uplink:  opts.Uplink,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Handler returns the routed handler with logging and body limits applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods("GET")
	}
	router.Use(s.loggingMiddleware, s.maxBodyMiddleware(s.config.MaxBodyBytes))
	return router
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, errors.KindInternal, "api server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API shutdown", "error", err)
		}
		return nil
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/metrics" {
			return
		}
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).Round(time.Millisecond),
		}
		switch {
		case wrapped.statusCode >= 500:
			s.logger.Error("API request", args...)
		case wrapped.statusCode >= 400:
			s.logger.Warn("API request", args...)
		default:
			s.logger.Debug("API request", args...)
		}
	})
}

func (s *Server) maxBodyMiddleware(maxBytes int64) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		rw.statusCode = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindCapacity:
		return http.StatusConflict
	case errors.KindDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func unavailable(w http.ResponseWriter, what string) {
	respondWithError(w, http.StatusServiceUnavailable, what+" not available")
}
