// internal/web/purge_handlers.go - database maintenance endpoints
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func (s *Server) setupMaintenanceRoutes(api *gin.RouterGroup) {
	db := api.Group("/database")
	{
		db.GET("/stats", s.getDatabaseStats)
		db.POST("/compact", s.compactDatabase)
		db.DELETE("/purge", s.purgeLiveHistory)
	}
}

// GET /api/database/stats
func (s *Server) getDatabaseStats(c *gin.Context) {
	stats, err := s.store.GetDatabaseStats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get database stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get database stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// POST /api/database/compact
func (s *Server) compactDatabase(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.store.CompactDatabase(ctx); err != nil {
		logrus.WithError(err).Error("Failed to compact database")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compact database"})
		return
	}

	if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to refresh database metrics")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Database compacted successfully",
		"timestamp": time.Now(),
	})
}

// DELETE /api/database/purge - applies the live history retention now
func (s *Server) purgeLiveHistory(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := s.engine.PurgeLiveHistory(ctx)
	if err != nil {
		logrus.WithError(err).Error("Failed to purge live history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to purge live history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Live monitoring history purged successfully",
		"deleted":   deleted,
		"timestamp": time.Now(),
	})
}
