package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/torii-ai/torii/internal/auth"
	"github.com/torii-ai/torii/internal/escalation"
)

// Server is the torii HTTP review server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Pinger.
type ServerConfig struct {
	// Required dependencies.
	Manager *escalation.Manager
	JWTMgr  *auth.JWTManager
	Logger  *slog.Logger

	// ReviewerKeyHash is the Argon2id hash of the reviewer bootstrap
	// key. Empty disables token issuance.
	ReviewerKeyHash string

	// Optional dependencies (nil = disabled).
	Broker *Broker
	Pinger Pinger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Manager:             cfg.Manager,
		JWTMgr:              cfg.JWTMgr,
		ReviewerKeyHash:     cfg.ReviewerKeyHash,
		Broker:              cfg.Broker,
		Pinger:              cfg.Pinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Review queue.
	mux.HandleFunc("GET /v1/escalations", h.HandleListEscalations)
	mux.HandleFunc("GET /v1/escalations/{id}", h.HandleGetEscalation)
	mux.HandleFunc("POST /v1/escalations/{id}/resolve", h.HandleResolveEscalation)

	// Event stream (long-lived connection).
	mux.HandleFunc("GET /v1/events", h.HandleEvents)

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
