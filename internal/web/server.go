// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/broadcast"
	"linkpulse/internal/config"
	"linkpulse/internal/database"
	"linkpulse/internal/metrics"
	"linkpulse/internal/monitoring"
)

type Server struct {
	config  *config.Config
	store   database.ExtendedStore
	engine  *monitoring.Engine
	hub     *broadcast.Hub
	metrics *metrics.Collector
	router  *gin.Engine
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.ExtendedStore, engine *monitoring.Engine, hub *broadcast.Hub, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		hub:     hub,
		metrics: metricsCollector,
		router:  router,
	}

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.metrics.RunSystemMetrics(ctx, 30*time.Second)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/favicon.ico", s.serveFavicon)
	s.router.GET("/favicon.svg", s.serveFavicon)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/history", s.getHistory)
		api.DELETE("/history", s.clearHistory)
		api.POST("/test", s.runSpeedTest)
		api.POST("/ping", s.ping)
		api.GET("/settings", s.getSettings)
		api.POST("/settings", s.updateSettings)
		api.PUT("/settings", s.updateSettings)
		api.GET("/next-test", s.getNextTest)
		api.GET("/monthly-usage", s.getMonthlyUsage)
		api.GET("/live-monitoring-history/:address", s.getLiveHistory)

		api.GET("/health", s.healthCheck)
		api.GET("/version", s.getBuildInfo)
	}

	s.setupNotificationRoutes(api)
	s.setupMaintenanceRoutes(api)

	s.router.GET("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	s.router.NoRoute(s.serveSPA)
}

// serveSPA serves the built dashboard, falling back to its index for
// client side routes.
func (s *Server) serveSPA(c *gin.Context) {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	dir := s.config.Web.StaticDir
	index := filepath.Join(dir, s.config.Web.Root)

	clean := filepath.Clean("/" + c.Request.URL.Path)
	if clean != "/" {
		path := filepath.Join(dir, clean)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			c.File(path)
			return
		}
	}

	if _, err := os.Stat(index); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dashboard not built"})
		return
	}
	c.File(index)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"timestamp":    time.Now(),
		"version":      Version,
		"isMonitoring": s.engine.Running(),
	})
}

// requestLogger logs requests through logrus at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("HTTP request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
