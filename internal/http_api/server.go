package http_api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/depotlabs/buildboard/internal/buildlogs"
	"github.com/depotlabs/buildboard/internal/locks"
	"github.com/depotlabs/buildboard/internal/metrics"
	"github.com/depotlabs/buildboard/internal/models"
	"github.com/depotlabs/buildboard/internal/permissions"
	"github.com/depotlabs/buildboard/internal/push"
	"github.com/depotlabs/buildboard/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second
)

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// port is the port on which the server will listen
	port int

	// server is the underlying HTTP server
	server *http.Server

	// repo is the relational store
	repo models.Repository
	// locks arbitrates per-region push mutual exclusion
	locks *locks.Service
	// perms answers identity/region capability questions
	perms permissions.Checker
	// pusher delivers preconfigs to build servers while the lock is held
	pusher push.Pusher
	// buildLogs finds installer logs by hostname; nil when no log directory
	// is configured
	buildLogs buildlogs.Store
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Auth-Email, X-Auth-Name, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// correlationMiddleware tags every request with an id for tracing across
// log lines and services. An id supplied by the caller is kept so the UI
// and the fronting proxy can correlate their own logs with ours; otherwise
// one is generated. The id is echoed back in the X-Request-ID header.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// metricsMiddleware counts handled requests by method and status code.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(repo models.Repository, lockService *locks.Service, perms permissions.Checker, pusher push.Pusher, buildLogs buildlogs.Store, port int, logger *logger.Logger) *HTTPServer {
	router := gin.Default()

	// Add CORS, correlation, and request-counting middleware
	router.Use(corsMiddleware())
	router.Use(correlationMiddleware())
	router.Use(metricsMiddleware())

	server := &HTTPServer{
		router:    router,
		port:      port,
		repo:      repo,
		locks:     lockService,
		perms:     perms,
		pusher:    pusher,
		buildLogs: buildLogs,
		logger:    logger,
	}

	// Define routes
	server.routes()

	return server
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("0.0.0.0:%v", s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("Starting HTTP server", "address", addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Fatal("Failed to start the HTTP server: ", err)
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server shut down successfully")
	return nil
}

// metricsHandler serves the prometheus registry with the core collectors
// registered.
func metricsHandler() gin.HandlerFunc {
	registry := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(registry)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return gin.WrapH(handler)
}
