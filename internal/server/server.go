package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/daiku/internal/eventlog"
	"github.com/ashita-ai/daiku/internal/ratelimit"
	"github.com/ashita-ai/daiku/internal/service/sessions"
	"github.com/ashita-ai/daiku/internal/storage"
)

// Server is the daiku HTTP server.
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

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Events, Broker, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Sessions *sessions.Service
	Store    storage.Store
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Events    *eventlog.Buffer
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// AuthToken guards everything except health and version endpoints.
	// Empty disables bearer auth entirely.
	AuthToken           string
	Version             string
	MaxRequestBodyBytes int64

	// OpenAPISpec is served at /openapi.yaml when non-empty.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Sessions:            cfg.Sessions,
		Store:               cfg.Store,
		Events:              cfg.Events,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// One bucket per client IP across the whole session API.
	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKey, reqIDFunc)

	mux := http.NewServeMux()

	// Session control surface (bearer auth via the middleware chain,
	// rate limited by IP).
	mux.Handle("POST /v1/sessions", limited(http.HandlerFunc(h.HandleStartSession)))
	mux.Handle("GET /v1/sessions", limited(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("GET /v1/sessions/{id}", limited(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("GET /v1/sessions/{id}/summary", limited(http.HandlerFunc(h.HandleSessionSummary)))
	mux.Handle("GET /v1/sessions/{id}/checkpoints", limited(http.HandlerFunc(h.HandleSessionCheckpoints)))
	mux.Handle("POST /v1/sessions/{id}/cancel", limited(http.HandlerFunc(h.HandleCancelSession)))

	// Event stream (no rate limit — long-lived connection).
	mux.Handle("GET /v1/sessions/{id}/events", http.HandlerFunc(h.HandleSessionEvents))

	// MCP StreamableHTTP transport (bearer auth applies via the chain).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health, version, and API description (no auth, no rate limit).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /version", h.HandleVersion)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.AuthToken, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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

// Handlers returns the underlying Handlers for direct access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
