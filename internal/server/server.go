// Package server exposes workbench over HTTP: session management, bundles,
// content location, a WebSocket stream of change events and a viewer page
// that runs a session's bundle.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/config"
	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/locator"
	"github.com/conneroisu/workbench/internal/logging"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Deps are the components the server routes requests to.
type Deps struct {
	Sessions *session.Manager
	Watchers *watcher.Registry
	Builds   *build.Service
	Locator  *locator.Locator
}

// Server serves the workbench HTTP API.
type Server struct {
	config   *config.Config
	sessions *session.Manager
	watchers *watcher.Registry
	builds   *build.Service
	locator  *locator.Locator
	hub      *eventHub
	logger   logging.Logger

	httpServer   *http.Server
	serverMutex  sync.RWMutex
	unsubscribe  []func()
	shutdownOnce sync.Once
}

// New wires a server and subscribes it to change events: bundles are
// invalidated before the event reaches stream clients, so a client that
// refetches on an event never sees the stale bundle.
func New(cfg *config.Config, deps Deps, logger logging.Logger) *Server {
	logger = logging.OrDiscard(logger).WithComponent("server")

	s := &Server{
		config:   cfg,
		sessions: deps.Sessions,
		watchers: deps.Watchers,
		builds:   deps.Builds,
		locator:  deps.Locator,
		hub:      newEventHub(logger),
		logger:   logger,
	}

	s.unsubscribe = append(s.unsubscribe,
		s.watchers.OnFileChange(s.builds.HandleChange),
		s.watchers.OnFileChange(s.hub.publish),
	)

	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Delete("/api/stats", s.handleResetStats)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteSession)
			r.Get("/bundle", s.handleBundle)
			r.Delete("/bundle", s.handleInvalidate)
			r.Get("/stats", s.handleSessionStats)
			r.Post("/locate", s.handleLocate)
			r.Get("/events", s.handleEvents)
		})
	})

	r.Get("/preview/{id}", s.handlePreview)

	return r
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return errors.NewIOError(errors.ErrCodeInternalError, "failed to listen on "+s.config.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.serverMutex.Lock()
	s.httpServer = server
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.NewInternalError(errors.ErrCodeInternalError, "server error", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops event delivery, closes every stream and watch, and shuts
// the HTTP server down. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		for _, unsubscribe := range s.unsubscribe {
			unsubscribe()
		}
		s.hub.close()
		s.watchers.Cleanup()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}
	})

	return shutdownErr
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug(r.Context(), "Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
