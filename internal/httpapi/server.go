// Package httpapi serves the REST API, the WebSocket endpoint and the
// Prometheus scrape endpoint on one chi router.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/internal/metrics"
	"github.com/rmacdonaldsmith/dbcast/internal/transport"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// Config holds server configuration
type Config struct {
	ListenAddr  string
	CORSOrigin  string
	Version     string
	Environment string
	Logger      *zap.Logger
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Dispatcher dispatcher.Dispatcher
	Verifier   dispatcher.IdentityVerifier
	Hub        *transport.Hub
	// WebSocket serves GET /ws. Optional.
	WebSocket http.Handler
}

// Server represents the HTTP API server
type Server struct {
	handlers   *Handlers
	middleware *Middleware
	websocket  http.Handler
	server     *http.Server
	log        *zap.Logger
}

// NewServer creates a new HTTP API server
func NewServer(cfg Config, deps Deps) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":3000"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	s := &Server{
		handlers:   NewHandlers(deps.Dispatcher, deps.Hub, cfg.Version, cfg.Environment, logger.Named("handlers")),
		middleware: NewMiddleware(deps.Verifier, cfg.CORSOrigin, logger.Named("http")),
		websocket:  deps.WebSocket,
		log:        logger.Named("http"),
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	m := s.middleware
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(m.Logging)
	r.Use(m.Recovery)
	r.Use(m.CORS)

	r.Handle("/metrics", metrics.Handler())
	if s.websocket != nil {
		r.Handle("/ws", s.websocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(m.ContentType)

		// Public routes
		r.Get("/status", s.handlers.Status)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(m.AuthRequired)

			r.With(m.PublisherRequired).Post("/events", s.handlers.PublishEvent)
			r.Get("/metrics", s.handlers.Metrics)
			r.With(m.AdminRequired).Get("/sockets", s.handlers.SocketStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start listens and serves until Stop is called. It returns nil after a
// graceful stop.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
