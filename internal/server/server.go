// Package server exposes worker health, queue inspection and live sync
// events over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/storage"
	"github.com/scrypster/graphsync/internal/worker"
	"github.com/scrypster/graphsync/pkg/types"
)

const (
	DefaultRateLimit = 10.0
	DefaultBurst     = 20
	maxListLimit     = 1000
	healthTimeout    = 3 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Config controls the listener and request limits.
type Config struct {
	Host string
	Port int

	// RateLimit is the sustained requests per second; Burst the allowance.
	RateLimit float64
	Burst     int

	// AllowedOrigins are extra websocket origin host patterns.
	AllowedOrigins []string
}

// Snapshotter reports worker health.
type Snapshotter interface {
	Snapshot(ctx context.Context) (worker.Snapshot, error)
}

// Check is a named dependency probe for /healthz.
type Check func(ctx context.Context) error

// Server is the HTTP surface of a worker process.
type Server struct {
	cfg      Config
	queue    storage.SyncQueue
	worker   Snapshotter
	metrics  http.Handler
	checks   map[string]Check
	hub      *Hub
	logger   *zap.Logger
	hubStart sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics mounts a Prometheus handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCheck adds a dependency probe to /healthz.
func WithCheck(name string, c Check) Option {
	return func(s *Server) { s.checks[name] = c }
}

// New builds a server over the queue and worker.
func New(cfg Config, queue storage.SyncQueue, w Snapshotter, opts ...Option) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	s := &Server{
		cfg:    cfg,
		queue:  queue,
		worker: w,
		checks: make(map[string]Check),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = NewHub(cfg.AllowedOrigins, s.logger)
	return s
}

// Hub returns the websocket hub. Feed it worker events with Publish.
func (s *Server) Hub() *Hub { return s.hub }

// Publish forwards a worker event to websocket clients.
func (s *Server) Publish(ev worker.Event) {
	s.hub.Broadcast(map[string]any{"type": "sync_event", "event": ev})
}

// Handler returns the routed handler. The websocket hub starts on first use.
func (s *Server) Handler() http.Handler {
	s.hubStart.Do(func() { go s.hub.Run() })

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(securityHeaders)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Handle("/ws", s.hub)

	r.Route("/api/sync", func(r chi.Router) {
		r.Use(rateLimit(s.cfg.RateLimit, s.cfg.Burst))
		r.Get("/metrics", s.snapshot)
		r.Get("/entries", s.listEntries)
		r.Get("/entries/{id}", s.getEntry)
		r.Post("/entries/{id}/requeue", s.requeue)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled. ready, when non-nil,
// receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, ready func(addr string)) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.hub.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.hub.Stop()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	default:
		s.logger.Error("server: storage error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.worker.Snapshot(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	status := types.EntryStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, err := s.queue.List(r.Context(), status, limit)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if entries == nil {
		entries = []*types.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Requeue(r.Context(), id); err != nil {
		s.storageError(w, err)
		return
	}
	s.logger.Info("entry requeued by operator", zap.String("entry_id", id))
	e, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
