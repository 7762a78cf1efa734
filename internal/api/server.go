// SPDX-License-Identifier: MIT

// Package api is the HTTP and WebSocket surface of the collaboration
// server. Handlers translate domain errors to status codes at the boundary;
// everything below them returns sentinel errors.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/auth"
	"github.com/twinforge/twinforge/internal/config"
	"github.com/twinforge/twinforge/internal/edit"
	"github.com/twinforge/twinforge/internal/hub"
	"github.com/twinforge/twinforge/internal/lock"
	"github.com/twinforge/twinforge/internal/log"
	"github.com/twinforge/twinforge/internal/store"
)

// Storage is the slice of the persistence gateway the handlers use directly.
// Satisfied by *store.Store.
type Storage interface {
	Ping(ctx context.Context) error
	CreateTwin(ctx context.Context, t store.NewTwin) (uuid.UUID, error)
	ListTwins(ctx context.Context, orgID *uuid.UUID, skip, limit int) ([]store.Twin, error)
	TwinExists(ctx context.Context, twinID uuid.UUID) (bool, error)
	CreateVersion(ctx context.Context, v store.NewVersion) (uuid.UUID, int, error)
	SessionByID(ctx context.Context, id uuid.UUID) (store.Session, error)
}

// Locker is the lock manager surface the handlers use.
type Locker interface {
	Acquire(ctx context.Context, req lock.Request) (uuid.UUID, error)
	Release(ctx context.Context, lockID uuid.UUID) error
	Heartbeat(ctx context.Context, lockID uuid.UUID) error
	ReleaseSessionLocks(ctx context.Context, sessionID uuid.UUID) error
}

// Submitter runs edit operations through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, op edit.Op) (store.EditOperation, error)
}

// Ingestor accepts telemetry.
type Ingestor interface {
	Ingest(ctx context.Context, sm store.Sample) error
	IngestBatch(ctx context.Context, samples []store.Sample) error
}

// Pinger reports KV availability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the routes to their dependencies.
type Server struct {
	cfg      config.Server
	storage  Storage
	kv       Pinger
	auth     *auth.Service
	locks    Locker
	hub      *hub.Hub
	pipeline Submitter
	ingest   Ingestor
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New builds the API server.
func New(cfg config.Server, storage Storage, kvp Pinger, authSvc *auth.Service,
	locks Locker, h *hub.Hub, pipeline Submitter, ing Ingestor, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		storage:  storage,
		kv:       kvp,
		auth:     authSvc,
		locks:    locks,
		hub:      h,
		pipeline: pipeline,
		ingest:   ing,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the ingress in front of
			// this server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the chi middleware stack and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cors)
	r.Use(s.requestLogger)

	// Public surface.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)
	r.Get("/ws/{session_id}", s.handleWebSocket)

	// Telemetry ingest is unauthenticated but rate limited per source IP.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(s.cfg.TelemetryRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/telemetry", s.handleTelemetry)
		r.Post("/telemetry/batch", s.handleTelemetryBatch)
	})

	// Everything collaborative requires a live session token.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Post("/twins", s.handleCreateTwin)
		r.Get("/twins", s.handleListTwins)
		r.Post("/twins/{twin_id}/versions", s.handleCreateVersion)
		r.Post("/locks/acquire", s.handleAcquireLock)
		r.Post("/locks/{lock_id}/heartbeat", s.handleLockHeartbeat)
		r.Delete("/locks/{lock_id}", s.handleReleaseLock)
		r.Post("/edit-operations", s.handleSubmitOperation)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with a shutdown grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

// requestLogger emits one structured line per request and seeds the request
// id into the log context for downstream components.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := log.ContextWithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		reqLogger := log.WithContext(ctx, s.logger)
		reqLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// handleHealth reports liveness of the server and its two stores.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	database, redis := "up", "up"
	status := "healthy"
	if err := s.storage.Ping(ctx); err != nil {
		database, status = "down", "degraded"
	}
	if err := s.kv.Ping(ctx); err != nil {
		redis, status = "down", "degraded"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":             status,
		"active_connections": s.hub.Connections(),
		"database":           database,
		"redis":              redis,
	})
}
