package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMeasurementCore/internal/api/websocket"
	"github.com/KevinKickass/OpenMeasurementCore/internal/config"
	"github.com/KevinKickass/OpenMeasurementCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously so that a busy port fails startup,
// then serves in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		system := v1.Group("/system")
		{
			system.GET("/status", s.getSystemStatus)
		}

		v1.GET("/channels", s.listChannels)
		v1.GET("/samples", s.querySamples)
		v1.POST("/outputs", s.writeOutput)

		acquisition := v1.Group("/acquisition")
		{
			acquisition.GET("/status", s.getAcquisitionStatus)
			acquisition.POST("/start", s.startAcquisition)
			acquisition.POST("/stop", s.stopAcquisition)
		}

		cfg := v1.Group("/config")
		{
			cfg.GET("", s.getConfig)
			cfg.PUT("", s.setConfig)
			cfg.POST("/save", s.saveConfig)
			cfg.POST("/load/user", s.loadUserConfig)
			cfg.POST("/load/default", s.loadDefaultConfig)
		}

		ws := v1.Group("/ws")
		{
			ws.GET("/session", s.wsSession)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsSession(c *gin.Context) {
	websocket.ServeWs(s.lm.Context(), s.lm.SessionManager(), s.logger, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	hub := s.lm.SessionManager().Hub()
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": hub.GetSessionCount(),
		"dropped_messages":  hub.Dropped(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
