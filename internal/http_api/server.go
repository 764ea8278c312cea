package http_api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nearpay/vectigal/internal/config"
	"github.com/nearpay/vectigal/internal/metrics"
	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/pricing"
	"github.com/nearpay/vectigal/pkg/logger"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 10 * time.Second

	// MaxRequestBody bounds gated request bodies; costing reads the body
	// up front, so it cannot be unbounded.
	MaxRequestBody = 10 << 20
)

// HTTPServer is the HTTP server struct that will serve the API
type HTTPServer struct {
	// logger is the logger instance
	logger *logger.Logger

	// router is the HTTP router
	router *gin.Engine
	// host and port the server will listen on
	host string
	port int

	// server is the underlying HTTP server
	server *http.Server

	// provider is the main application struct
	provider models.ProviderI
	// pricing maps gated routes to cost functions
	pricing *pricing.Routes
	// relay forwards admitted requests upstream
	relay *Relay
	// metrics records admission and relay telemetry
	metrics metrics.Recorder

	// inflight enforces the per-channel request cap
	inflight *inflightLimiter

	requestTimeout time.Duration
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Payment-Channel-State")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(
	provider models.ProviderI,
	priceRoutes *pricing.Routes,
	relay *Relay,
	recorder metrics.Recorder,
	cfg *config.Config,
	logger *logger.Logger,
) models.APIServer {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Add CORS middleware
	router.Use(corsMiddleware())

	server := &HTTPServer{
		router:         router,
		host:           cfg.Host,
		port:           cfg.Port,
		provider:       provider,
		pricing:        priceRoutes,
		relay:          relay,
		metrics:        recorder,
		inflight:       newInflightLimiter(cfg.MaxInflightPerChannel),
		requestTimeout: cfg.RequestTimeout(),
		logger:         logger,
	}

	// Define routes
	server.routes()

	return server
}

// Start starts the HTTP server
func (s *HTTPServer) Start() {
	addr := fmt.Sprintf("%s:%v", s.host, s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("Starting HTTP server", " address ", addr)
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
