// Package server implements the HTTP surface: health, metrics, the SSE
// event stream, the tool registry, and the MCP transport.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arbiter-ai/arbiter/internal/auth"
	"github.com/arbiter-ai/arbiter/internal/chain"
	"github.com/arbiter-ai/arbiter/internal/ratelimit"
	"github.com/arbiter-ai/arbiter/internal/search"
	"github.com/arbiter-ai/arbiter/internal/storage"
	"github.com/arbiter-ai/arbiter/internal/tools"
)

// DefaultMaxBodyBytes bounds tool dispatch request bodies.
const DefaultMaxBodyBytes = 1 << 20 // 1 MB

// Config holds all dependencies and settings for creating a Server.
// Optional (nil-safe): Chain, Search, Auth, Limiter, Metrics, MCPServer.
type Config struct {
	// Required dependencies.
	Registry    *tools.Registry
	Store       storage.Store
	Broadcaster *Broadcaster
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Chain     *chain.Manager
	Search    *search.Service
	Auth      *auth.Authenticator
	Limiter   ratelimit.Limiter
	Metrics   http.Handler
	MCPServer *mcpserver.MCPServer

	// HTTP settings.
	Port         int
	ReadTimeout  time.Duration
	Identity     string
	Version      string
	MaxBodyBytes int64
}

// Server is the Arbiter HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handlers{
		registry:  cfg.Registry,
		store:     cfg.Store,
		chain:     cfg.Chain,
		search:    cfg.Search,
		auth:      cfg.Auth,
		broad:     cfg.Broadcaster,
		logger:    cfg.Logger,
		startedAt: time.Now(),
		identity:  cfg.Identity,
		version:   cfg.Version,
		maxBody:   cfg.MaxBodyBytes,
	}

	dispatchRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc)

	mux := http.NewServeMux()

	// Health and metrics (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	// Token exchange (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", dispatchRL(http.HandlerFunc(h.handleAuthToken)))

	// Tool surface.
	mux.HandleFunc("GET /api/tools", h.handleListTools)
	mux.Handle("POST /api/tools/{name}", dispatchRL(http.HandlerFunc(h.handleToolCall)))

	// Live event stream (long-lived, no rate limit).
	mux.HandleFunc("GET /sse", cfg.Broadcaster.ServeHTTP)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Auth, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.Port),
			Handler:     handler,
			ReadTimeout: cfg.ReadTimeout,
			// No WriteTimeout: /sse and /mcp hold connections open
			// indefinitely. Handlers bound their own work instead.
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

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
