// Package server exposes the coordinator's operational HTTP and WebSocket
// API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
	"github.com/alanyoungcy/arbexec/internal/server/middleware"
	"github.com/alanyoungcy/arbexec/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per client per minute; 0 disables
}

// Handlers aggregates the HTTP handlers the server registers. Arbs and Hub
// are optional.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Rendezvous *handler.RendezvousHandler
	Arbs       *handler.ArbHandler
	Hub        *ws.Hub
}

// Server is the operational API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. Reads are
// open; mutating routes require the API key. limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	protect := middleware.Auth(cfg.APIKey)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.Handle("POST /api/orchestrator/start", protect(http.HandlerFunc(h.Status.Start)))
	mux.Handle("POST /api/orchestrator/stop", protect(http.HandlerFunc(h.Status.Stop)))

	mux.HandleFunc("GET /api/rendezvous/{id}", h.Rendezvous.Summary)
	mux.Handle("POST /api/rendezvous/{id}/cancel", protect(http.HandlerFunc(h.Rendezvous.Cancel)))
	mux.Handle("DELETE /api/rendezvous", protect(http.HandlerFunc(h.Rendezvous.ClearAll)))

	if h.Arbs != nil {
		mux.Handle("POST /api/arbs/admit", protect(http.HandlerFunc(h.Arbs.Admit)))
		mux.HandleFunc("GET /api/arbs/recent", h.Arbs.ListRecent)
		mux.HandleFunc("GET /api/arbs/{id}", h.Arbs.Get)
		mux.HandleFunc("GET /api/arbs/{id}/archive", h.Arbs.Archive)
	}
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var chain http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(chain)
	}
	chain = middleware.CORS(cfg.CORSOrigins)(chain)
	chain = middleware.Logging(logger)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
