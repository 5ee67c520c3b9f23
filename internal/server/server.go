package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
	"github.com/alanyoungcy/aetherwave/internal/server/handler"
	"github.com/alanyoungcy/aetherwave/internal/server/middleware"
	"github.com/alanyoungcy/aetherwave/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, API key authentication is disabled
	Caller      middleware.CallerConfig
	Oracle      middleware.OracleConfig

	// RateLimiter is optional. RateLimit requests are allowed per
	// RateWindow for each client.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Ledger *handler.LedgerHandler
}

// Server is the HTTP + WebSocket API in front of the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered and the middleware
// chain applied.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Oracle(cfg.Oracle, logger)

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Users.
	mux.HandleFunc("POST /api/users/register", handlers.Ledger.Register)
	mux.HandleFunc("POST /api/deposits", handlers.Ledger.Deposit)
	mux.HandleFunc("GET /api/users/{owner}", handlers.Ledger.GetUser)

	// Markets.
	mux.HandleFunc("GET /api/markets", handlers.Ledger.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Ledger.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Ledger.GetMarket)
	mux.HandleFunc("POST /api/markets/{id}/bets", handlers.Ledger.PlaceBet)
	mux.Handle("POST /api/markets/{id}/close", admin(http.HandlerFunc(handlers.Ledger.CloseMarket)))
	mux.Handle("POST /api/markets/{id}/resolve", admin(http.HandlerFunc(handlers.Ledger.ResolveMarket)))

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Ledger.ListAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Caller(cfg.Caller, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, window, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
