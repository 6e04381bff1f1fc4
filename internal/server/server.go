// Package server is the HTTP and WebSocket surface of the deal broker.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dealbroker/internal/domain"
	"github.com/alanyoungcy/dealbroker/internal/server/handler"
	"github.com/alanyoungcy/dealbroker/internal/server/middleware"
	"github.com/alanyoungcy/dealbroker/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards /api/admin; when empty those routes answer 401.
	APIKey string
	// RateLimit is requests per RateWindow per caller; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health       *handler.HealthHandler
	Transactions *handler.TransactionHandler
	Webhooks     *handler.WebhookHandler
	Admin        *handler.AdminHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, wsHub, limiter, logger),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the routed, middleware-wrapped handler.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	tx := handlers.Transactions
	mux.HandleFunc("POST /api/transactions", tx.Propose)
	mux.HandleFunc("GET /api/transactions", tx.List)
	mux.HandleFunc("GET /api/transactions/{id}", tx.Get)
	mux.HandleFunc("POST /api/transactions/{id}/respond", tx.Respond)
	mux.HandleFunc("POST /api/transactions/{id}/signatures", tx.Sign)
	mux.HandleFunc("POST /api/transactions/{id}/kyc2", tx.Kyc2)
	mux.HandleFunc("POST /api/transactions/{id}/advance", tx.Advance)
	mux.HandleFunc("POST /api/transactions/{id}/cancel", tx.Cancel)
	mux.HandleFunc("POST /api/transactions/{id}/steps/{type}", tx.ExecuteStep)
	mux.HandleFunc("GET /api/transactions/{id}/steps/{type}/proof", tx.Proof)
	mux.HandleFunc("POST /api/transactions/{id}/confirm", tx.Confirm)

	mux.HandleFunc("POST /api/webhooks/{source}", handlers.Webhooks.Receive)

	admin := middleware.Auth(cfg.APIKey)
	mux.Handle("GET /api/admin/webhooks/failed", admin(http.HandlerFunc(handlers.Webhooks.ListFailed)))
	mux.Handle("POST /api/admin/transactions/{id}/fail", admin(http.HandlerFunc(handlers.Admin.Fail)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Actor(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
