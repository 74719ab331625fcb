// Package api exposes the HTTP interface: worker claim/submit, stats,
// snapshot and search reads, and the live event stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/aggregate"
	"github.com/fxradar/fxradar/internal/cache"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/status"
	"github.com/fxradar/fxradar/internal/telemetry"
)

// Config controls the HTTP surface.
type Config struct {
	// RequestTimeout bounds every request except the event stream.
	RequestTimeout time.Duration
	// CountersInterval and TopInterval pace the event stream pushes.
	CountersInterval time.Duration
	TopInterval      time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.CountersInterval <= 0 {
		c.CountersInterval = 2 * time.Second
	}
	if c.TopInterval <= 0 {
		c.TopInterval = 10 * time.Second
	}
}

// Server wires HTTP handlers to the queue, the aggregate engine, and the
// server cache. queue and reporter are nil when the backing store was
// unreachable at startup; the queue-dependent endpoints then report not
// configured while the cached read endpoints keep serving.
type Server struct {
	router   chi.Router
	queue    *queue.Queue
	reporter *status.Reporter
	engine   *aggregate.Engine
	servers  *cache.ServerCache
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	q *queue.Queue,
	reporter *status.Reporter,
	engine *aggregate.Engine,
	servers *cache.ServerCache,
	cfg Config,
	logger *zap.Logger,
) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:    q,
		reporter: reporter,
		engine:   engine,
		servers:  servers,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/work", s.claimWork)
			r.Post("/submit", s.submitResults)
			r.Get("/stats", s.getStats)
			r.Get("/snapshot", s.getSnapshot)
			r.Get("/servers/{server_id}", s.getServer)
			r.Get("/search/resources", s.searchResources)
			r.Get("/search/servers", s.searchServers)
		})
	})
	// The stream holds its connection open; it must not sit behind the
	// timeout handler.
	r.Get("/v1/stream", s.stream)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "reason": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Encode failures here mean the client went away; nothing to do.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSON(w, statusCode, map[string]string{"error": msg})
}
