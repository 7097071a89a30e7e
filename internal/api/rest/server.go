package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	journalPath string
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		journalPath: cfg.Events.JournalPath,
	}

	s.setupRoutes()

	// No WriteTimeout: an invocation may legitimately wait for
	// timeout x retries behind a queue of other callers.
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authService.AuthMiddleware())
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.GET("/me", s.getCurrentPrincipal)
			authGroup.POST("/token", s.issueToken)
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		{
			system.GET("/status", auth.RequirePermission(auth.PermRead), s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			// Read operations: viewer+
			devices.GET("", auth.RequirePermission(auth.PermRead), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermRead), s.getDevice)
			devices.GET("/:id/capabilities", auth.RequirePermission(auth.PermRead), s.listCapabilities)
			devices.GET("/:id/events", auth.RequirePermission(auth.PermRead), s.deviceEvents)

			// Operations that touch hardware: operator+
			devices.POST("/:id/capabilities/:capability", auth.RequirePermission(auth.PermOperate), s.invokeCapability)
			devices.POST("/:id/reconnect", auth.RequirePermission(auth.PermOperate), s.reconnectDevice)
		}

		// ==================== WEBSOCKET ====================
		// Authenticated by the hub's first-message handshake.
		ws := v1.Group("/ws")
		{
			ws.GET("/status", auth.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}

	s.router.GET("/api/v1/ws/live", s.wsLiveConnection)
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
