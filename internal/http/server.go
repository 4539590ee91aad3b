// Package http provides the HTTP server and request routing.
package http

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/allisson/gatekeeper/internal/gate"
	"github.com/allisson/gatekeeper/internal/metrics"
	userHttp "github.com/allisson/gatekeeper/internal/user/http"
)

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router *gin.Engine
	db     *sql.DB
	logger *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(
	db *sql.DB,
	host string,
	port int,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:     db,
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// RouterConfig carries everything SetupRouter needs to assemble the routes.
type RouterConfig struct {
	GinMode          string
	CORSEnabled      bool
	CORSAllowOrigins string
	MeterProvider    *metrics.Provider
	Gate             *gate.Gate
	UserHandler      *userHttp.UserHandler
	CaptchaEndpoint  string
}

// SetupRouter builds the Gin router: recovery, request IDs, logging, optional
// CORS and metrics, health endpoints, and the gated API routes. Every API
// route except registration passes through the gate middleware.
func (s *Server) SetupRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	})))
	router.Use(CustomLoggerMiddleware(s.logger))

	if corsMiddleware := createCORSMiddleware(cfg.CORSEnabled, cfg.CORSAllowOrigins, s.logger); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}

	if cfg.MeterProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(cfg.MeterProvider.MeterProvider(), "gatekeeper"))
	}

	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readinessHandler)

	if cfg.UserHandler != nil && cfg.Gate != nil {
		router.POST("/v1/users", cfg.UserHandler.RegisterHandler)
		router.GET("/v1/users/:id", cfg.Gate.CRUDMiddleware("users"), cfg.UserHandler.GetHandler)

		captchaEndpoint := cfg.CaptchaEndpoint
		if captchaEndpoint == "" {
			captchaEndpoint = "/captcha"
		}
		router.POST(captchaEndpoint, cfg.Gate.CommandMiddleware("captcha"), cfg.UserHandler.ResolveCaptchaHandler)

		router.POST("/v1/users/:id/revoke",
			cfg.Gate.CommandMiddleware("revoke_tokens"), cfg.UserHandler.RevokeTokensHandler)
		router.POST("/v1/users/:id/incidents",
			cfg.Gate.CommandMiddleware("report_incident"), cfg.UserHandler.ReportIncidentHandler)
		router.POST("/v1/users/:id/errors",
			cfg.Gate.CommandMiddleware("report_error"), cfg.UserHandler.ReportErrorHandler)
	}

	s.router = router
	return router
}

// healthHandler reports liveness.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// readinessHandler reports readiness, checking the database connection.
func (s *Server) readinessHandler(c *gin.Context) {
	components := gin.H{}
	ready := true

	if s.db == nil {
		components["database"] = "error"
		ready = false
	} else if err := s.db.PingContext(c.Request.Context()); err != nil {
		components["database"] = "error"
		ready = false
	} else {
		components["database"] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "not_ready",
			"components": components,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ready",
		"components": components,
	})
}

// GetHandler returns the http.Handler for testing purposes.
func (s *Server) GetHandler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	if s.router == nil {
		return fmt.Errorf("router not configured, call SetupRouter first")
	}
	s.server.Handler = s.router

	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}
