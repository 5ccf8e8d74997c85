// Package http exposes the docqa engine over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/conversation"
	"github.com/fyrsmithlabs/docqa/internal/engine"
	"github.com/fyrsmithlabs/docqa/internal/logging"
	"github.com/fyrsmithlabs/docqa/internal/versionstore"
)

// Service is the part of *engine.Engine the API serves.
type Service interface {
	Ingest(ctx context.Context, req engine.IngestRequest) (engine.IngestResult, error)
	Query(ctx context.Context, req engine.QueryRequest) (engine.QueryResult, error)
	Documents(ctx context.Context) []versionstore.VersionRecord
	Versions(ctx context.Context, key versionstore.DocumentKey) ([]versionstore.VersionRecord, error)
	SetActive(ctx context.Context, key versionstore.DocumentKey, version int, active bool) (versionstore.VersionRecord, error)
	NewChat(ctx context.Context, userID string) error
	Conversations(ctx context.Context, userID string) ([]conversation.Session, error)
	Conversation(ctx context.Context, sessionID string) (conversation.Session, error)
}

// Server provides HTTP endpoints for docqa.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MaxUploadBytes bounds POST /api/v1/documents bodies.
	MaxUploadBytes int64
}

// NewServer creates a new HTTP server.
func NewServer(service Service, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8000}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		service: service,
		logger:  logging.Wrap(logger),
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger)
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with the request id. Handlers
// add the user or document to the same context, so the access line below
// carries whatever they learned.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

		if err := next(c); err != nil {
			// Resolve the status before logging it.
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// tag stores ctx on the request for later middleware and returns it.
func tag(ctx context.Context, c echo.Context) context.Context {
	c.SetRequest(c.Request().WithContext(ctx))
	return ctx
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleUpload)
	v1.GET("/documents", s.handleListDocuments)
	v1.GET("/documents/versions", s.handleVersions)
	v1.POST("/documents/deactivate", s.handleDeactivate)
	v1.POST("/query", s.handleQuery)
	v1.POST("/conversations/new", s.handleNewChat)
	v1.GET("/conversations", s.handleListConversations)
	v1.GET("/conversations/:id", s.handleGetConversation)
}

// Handler returns the root handler, for embedding in tests or other servers.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
