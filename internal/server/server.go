// Package server implements the trapwatch status API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/trapwatch/internal/model"
	"github.com/ashita-ai/trapwatch/internal/ratelimit"
	"github.com/ashita-ai/trapwatch/internal/service/traps"
	"github.com/ashita-ai/trapwatch/internal/storage"
)

// RunController starts background runs and reports the latest one.
type RunController interface {
	Start(ctx context.Context) (uuid.UUID, error)
	LastRun() (model.RunSummary, bool)
}

// Server is the trapwatch HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Runs, Limiter, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store  storage.StateStore
	Traps  *traps.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Runs        RunController
	Limiter     ratelimit.Limiter
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// RunContext bounds runs started through POST /v1/runs. Defaults to
	// context.Background().
	RunContext context.Context

	// Middlewares wrap the whole handler, first entry outermost.
	Middlewares []func(http.Handler) http.Handler

	// APIKey, when set, is required as a bearer token on every route but /health
	// and /openapi.yaml.
	APIKey string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	runCtx := cfg.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	h := &Handlers{
		store:        cfg.Store,
		traps:        cfg.Traps,
		runs:         cfg.Runs,
		runCtx:       runCtx,
		logger:       cfg.Logger,
		version:      cfg.Version,
		maxBodyBytes: cfg.MaxRequestBodyBytes,
		openapiSpec:  cfg.OpenAPISpec,
		startedAt:    time.Now(),
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	var limited func(http.Handler) http.Handler
	if cfg.Limiter != nil {
		limited = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	} else {
		limited = func(next http.Handler) http.Handler { return next }
	}

	mux := http.NewServeMux()

	// Status queries.
	mux.Handle("GET /v1/traps", limited(http.HandlerFunc(h.HandleListTraps)))
	mux.Handle("GET /v1/traps/{trap_id}", limited(http.HandlerFunc(h.HandleGetTrap)))
	mux.Handle("GET /v1/traps/{trap_id}/records", limited(http.HandlerFunc(h.HandleTrapRecords)))

	// Stateless evaluation.
	mux.Handle("POST /v1/evaluate", limited(http.HandlerFunc(h.HandleEvaluate)))

	// Runs.
	mux.Handle("POST /v1/runs", limited(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("GET /v1/runs/latest", limited(http.HandlerFunc(h.HandleLatestRun)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", limited(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health and the OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = apiKeyMiddleware(cfg.APIKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
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
