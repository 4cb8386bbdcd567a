package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/relay/internal/clients"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/connector"
	"github.com/energizer-project/relay/internal/metrics"
	intnet "github.com/energizer-project/relay/internal/network"
	"github.com/energizer-project/relay/internal/transport"
)

// Relay is the part of the pipeline the API reads and controls.
type Relay interface {
	Stats() transport.Stats
	Clients() *clients.Registry
	Kick(id uint16, reason string) error
}

// MasterStatus reports the master server connection.
type MasterStatus interface {
	Status() connector.Status
}

// Server is the REST status API of the relay.
type Server struct {
	cfg     config.APIConfig
	relay   Relay
	master  MasterStatus
	metrics *metrics.Metrics

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. master may be nil when the relay runs
// offline.
func NewServer(cfg *config.Config, relay Relay, master MasterStatus, m *metrics.Metrics) *Server {
	// Set Gin mode based on log level
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg.GetAPI(),
		relay:   relay,
		master:  master,
		metrics: m,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Create listener with SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(IPWhitelist(s.cfg.IPWhitelist))

	// CORS
	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(s.cfg.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleGetStatus)
		api.GET("/system", s.handleGetSystem)
		api.GET("/clients", s.handleGetClients)
		api.GET("/clients/:id", s.handleGetClient)
	}

	control := api.Group("")
	control.Use(RequireToken(s.cfg.Token))
	{
		control.DELETE("/clients/:id", s.handleKickClient)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
