// internal/web/handlers.go
package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/database"
	"linkpulse/internal/monitoring"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// liveRanges are the windows accepted by the live history endpoint.
var liveRanges = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

type Pagination struct {
	Offset  int  `json:"offset"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

type PingRequest struct {
	Host string `json:"host"`
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

// GET /api/history - newest first. A bare array unless offset or
// paginated is given.
func (s *Server) getHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	results, total, err := s.engine.HistoryPage(c.Request.Context(), limit, offset)
	if err != nil {
		logrus.WithError(err).Error("Failed to load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	if results == nil {
		results = []database.BandwidthResult{}
	}

	_, hasOffset := c.GetQuery("offset")
	_, paginated := c.GetQuery("paginated")
	if !hasOffset && !paginated {
		c.JSON(http.StatusOK, results)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"pagination": Pagination{
			Offset:  offset,
			Limit:   limit,
			Total:   total,
			HasMore: offset+len(results) < total,
		},
	})
}

func (s *Server) clearHistory(c *gin.Context) {
	if err := s.engine.ClearHistory(c.Request.Context()); err != nil {
		logrus.WithError(err).Error("Failed to clear history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All history and monitoring data cleared"})
}

// POST /api/test - runs a speed test and waits for its result.
func (s *Server) runSpeedTest(c *gin.Context) {
	result, err := s.engine.RunSpeedTest(c.Request.Context())
	if err != nil {
		var capErr *monitoring.CapReachedError
		switch {
		case errors.As(err, &capErr):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":          err.Error(),
				"monthlyDataCap": capErr.Cap,
				"capInBytes":     capErr.CapBytes,
				"usedBytes":      capErr.UsedBytes,
			})
		case errors.Is(err, monitoring.ErrDataCapReached):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, monitoring.ErrTestInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			logrus.WithError(err).Error("Speed test failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// POST /api/ping - probes the given host or the configured ping host.
func (s *Server) ping(c *gin.Context) {
	var req PingRequest
	// An empty body pings the default host
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ping := s.engine.Ping(c.Request.Context(), req.Host)
	c.JSON(http.StatusOK, gin.H{
		"ping":      ping,
		"timestamp": time.Now(),
	})
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Settings())
}

// updateSettings merges the request body over the current settings.
func (s *Server) updateSettings(c *gin.Context) {
	settings := s.engine.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := s.engine.UpdateSettings(c.Request.Context(), settings)
	if err != nil {
		if errors.Is(err, monitoring.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logrus.WithError(err).Error("Failed to update settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update settings"})
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (s *Server) getNextTest(c *gin.Context) {
	next, interval := s.engine.NextTest()
	c.JSON(http.StatusOK, gin.H{
		"nextRun":  next,
		"interval": interval,
	})
}

func (s *Server) getMonthlyUsage(c *gin.Context) {
	report, err := s.engine.MonthlyUsage(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to compute monthly usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute monthly usage"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /api/live-monitoring-history/:address?timeRange=1h
func (s *Server) getLiveHistory(c *gin.Context) {
	address := c.Param("address")

	window, ok := liveRanges[c.DefaultQuery("timeRange", "1h")]
	if !ok {
		window = time.Hour
	}

	samples, err := s.engine.LiveHistory(c.Request.Context(), address, time.Now().Add(-window))
	if err != nil {
		logrus.WithError(err).WithField("host", address).Error("Failed to load live history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load live monitoring history"})
		return
	}
	if samples == nil {
		samples = []database.LiveSample{}
	}

	c.JSON(http.StatusOK, gin.H{"history": samples})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, ok := c.GetQuery(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
