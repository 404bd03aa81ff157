// internal/web/notification_handlers.go - notification settings and tests
package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/config"
	"linkpulse/internal/monitoring"
	"linkpulse/internal/notifications"
)

// TestNotificationRequest represents a test notification request
type TestNotificationRequest struct {
	Message string `json:"message"`
}

// EventInfo describes a notification event for the dashboard.
type EventInfo struct {
	Event   string `json:"event"`
	Emoji   string `json:"emoji"`
	Severe  bool   `json:"severe"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) setupNotificationRoutes(api *gin.RouterGroup) {
	api.POST("/test-notification", s.sendTestNotification)

	group := api.Group("/notifications")
	{
		group.GET("/settings", s.getNotificationSettings)
		group.PUT("/settings", s.updateNotificationSettings)
		group.POST("/test", s.sendTestNotification)
		group.GET("/events", s.getNotificationEvents)
		group.GET("/pushover/sounds", s.getPushoverSounds)
	}
}

// POST /api/test-notification - delivers to every configured channel
func (s *Server) sendTestNotification(c *gin.Context) {
	var req TestNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	results := s.engine.SendTestNotification(ctx, req.Message)

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	message := "Test notification sent"
	switch {
	case len(results) == 0:
		message = "Test notification sent to browser clients only; no channels configured"
	case failed == len(results):
		message = "Test notification failed on every channel"
	case failed > 0:
		message = "Test notification sent with some channel failures"
	}

	logrus.WithFields(logrus.Fields{
		"channels": len(results),
		"failed":   failed,
	}).Info("Test notification dispatched")

	c.JSON(http.StatusOK, gin.H{
		"message":   message,
		"results":   results,
		"timestamp": time.Now(),
	})
}

// GET /api/notifications/settings - secrets are masked
func (s *Server) getNotificationSettings(c *gin.Context) {
	n := s.engine.Settings().Notifications
	maskChannelSecrets(&n.Channels)
	c.JSON(http.StatusOK, gin.H{"data": n})
}

// PUT /api/notifications/settings - masked secrets keep their stored value
func (s *Server) updateNotificationSettings(c *gin.Context) {
	settings := s.engine.Settings()
	current := settings.Notifications.Channels

	var req config.NotificationSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	restoreChannelSecrets(&req.Channels, current)

	settings.Notifications = req
	updated, err := s.engine.UpdateSettings(c.Request.Context(), settings)
	if err != nil {
		if errors.Is(err, monitoring.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logrus.WithError(err).Error("Failed to update notification settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update notification settings"})
		return
	}

	n := updated.Notifications
	maskChannelSecrets(&n.Channels)
	c.JSON(http.StatusOK, gin.H{
		"message": "Notification settings updated",
		"data":    n,
	})
}

// GET /api/notifications/events
func (s *Server) getNotificationEvents(c *gin.Context) {
	toggles := s.engine.Settings().Notifications.Events

	events := make([]EventInfo, 0, len(notifications.AllEvents))
	for _, ev := range notifications.AllEvents {
		events = append(events, EventInfo{
			Event:   ev.String(),
			Emoji:   ev.Emoji(),
			Severe:  ev.Severe(),
			Enabled: ev.Enabled(toggles),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}

func maskChannelSecrets(ch *config.ChannelSettings) {
	if ch.Email != nil {
		ch.Email.SMTP.Password = maskToken(ch.Email.SMTP.Password)
		ch.Email.BrevoAPIKey = maskToken(ch.Email.BrevoAPIKey)
	}
	if ch.Telegram != nil {
		ch.Telegram.BotToken = maskToken(ch.Telegram.BotToken)
	}
	if ch.SMS != nil {
		ch.SMS.AuthToken = maskToken(ch.SMS.AuthToken)
	}
	if ch.Pushover != nil {
		ch.Pushover.APIToken = maskToken(ch.Pushover.APIToken)
		ch.Pushover.UserKey = maskToken(ch.Pushover.UserKey)
	}
}

func restoreChannelSecrets(next *config.ChannelSettings, current config.ChannelSettings) {
	if next.Email != nil && current.Email != nil {
		keepSecret(&next.Email.SMTP.Password, current.Email.SMTP.Password)
		keepSecret(&next.Email.BrevoAPIKey, current.Email.BrevoAPIKey)
	}
	if next.Telegram != nil && current.Telegram != nil {
		keepSecret(&next.Telegram.BotToken, current.Telegram.BotToken)
	}
	if next.SMS != nil && current.SMS != nil {
		keepSecret(&next.SMS.AuthToken, current.SMS.AuthToken)
	}
	if next.Pushover != nil && current.Pushover != nil {
		keepSecret(&next.Pushover.APIToken, current.Pushover.APIToken)
		keepSecret(&next.Pushover.UserKey, current.Pushover.UserKey)
	}
}

func keepSecret(dst *string, stored string) {
	if isMaskedToken(*dst) {
		*dst = stored
	}
}

// maskToken masks sensitive tokens for API responses
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// isMaskedToken checks if a token is masked
func isMaskedToken(token string) bool {
	return strings.Contains(token, "*")
}

// Available Pushover sounds for the frontend
func (s *Server) getPushoverSounds(c *gin.Context) {
	sounds := []map[string]string{
		{"value": "pushover", "label": "Pushover (default)"},
		{"value": "bike", "label": "Bike"},
		{"value": "bugle", "label": "Bugle"},
		{"value": "cashregister", "label": "Cash Register"},
		{"value": "classical", "label": "Classical"},
		{"value": "cosmic", "label": "Cosmic"},
		{"value": "falling", "label": "Falling"},
		{"value": "gamelan", "label": "Gamelan"},
		{"value": "incoming", "label": "Incoming"},
		{"value": "intermission", "label": "Intermission"},
		{"value": "magic", "label": "Magic"},
		{"value": "mechanical", "label": "Mechanical"},
		{"value": "pianobar", "label": "Piano Bar"},
		{"value": "siren", "label": "Siren"},
		{"value": "spacealarm", "label": "Space Alarm"},
		{"value": "tugboat", "label": "Tug Boat"},
		{"value": "alien", "label": "Alien Alarm (long)"},
		{"value": "climb", "label": "Climb (long)"},
		{"value": "persistent", "label": "Persistent (long)"},
		{"value": "echo", "label": "Pushover Echo (long)"},
		{"value": "updown", "label": "Up Down (long)"},
		{"value": "none", "label": "None (silent)"},
	}

	c.JSON(http.StatusOK, gin.H{"data": sounds})
}
