// internal/config/settings.go - runtime monitoring settings
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Settings is the runtime configuration edited through the API and
// persisted in the store. The YAML config only seeds it.
type Settings struct {
	TestInterval    int                  `json:"testInterval" yaml:"test_interval"`       // minutes
	MonitorInterval int                  `json:"monitorInterval" yaml:"monitor_interval"` // seconds
	PingHost        string               `json:"pingHost" yaml:"ping_host"`
	MonitoringHosts []MonitoredHost      `json:"monitoringHosts" yaml:"monitoring_hosts"`
	Notifications   NotificationSettings `json:"notifications" yaml:"notifications"`
	Thresholds      Thresholds           `json:"thresholds" yaml:"thresholds"`
	LogLevel        string               `json:"logLevel" yaml:"log_level"`
	MonthlyDataCap  string               `json:"monthlyDataCap,omitempty" yaml:"monthly_data_cap,omitempty"`
}

type MonitoredHost struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type Thresholds struct {
	MinDownload float64 `json:"minDownload" yaml:"min_download"` // Mbps
	MinUpload   float64 `json:"minUpload" yaml:"min_upload"`     // Mbps
	MaxPing     float64 `json:"maxPing" yaml:"max_ping"`         // ms
}

type NotificationSettings struct {
	Enabled                     bool            `json:"enabled" yaml:"enabled"`
	Channels                    ChannelSettings `json:"channels" yaml:"channels"`
	Events                      EventToggles    `json:"events" yaml:"events"`
	MinTimeBetweenNotifications int             `json:"minTimeBetweenNotifications" yaml:"min_time_between_notifications"` // minutes
	QuietHours                  QuietHours      `json:"quietHours" yaml:"quiet_hours"`
}

// EventToggles enables notifications per event type.
type EventToggles struct {
	OnSpeedTestComplete  bool `json:"onSpeedTestComplete" yaml:"on_speed_test_complete"`
	OnThresholdBreach    bool `json:"onThresholdBreach" yaml:"on_threshold_breach"`
	OnHostDown           bool `json:"onHostDown" yaml:"on_host_down"`
	OnHostUp             bool `json:"onHostUp" yaml:"on_host_up"`
	OnConnectionLost     bool `json:"onConnectionLost" yaml:"on_connection_lost"`
	OnConnectionRestored bool `json:"onConnectionRestored" yaml:"on_connection_restored"`
	OnHighLatency        bool `json:"onHighLatency" yaml:"on_high_latency"`
}

// QuietHours defines when notifications should be suppressed.
// Start and End are "HH:MM"; a window with Start after End spans midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"` // IANA timezone, e.g., "America/New_York"
}

// ChannelSettings holds one optional block per delivery channel.
type ChannelSettings struct {
	Browser  *BrowserChannel  `json:"browser,omitempty" yaml:"browser,omitempty"`
	Email    *EmailChannel    `json:"email,omitempty" yaml:"email,omitempty"`
	Webhook  *WebhookChannel  `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Telegram *TelegramChannel `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	Discord  *DiscordChannel  `json:"discord,omitempty" yaml:"discord,omitempty"`
	Slack    *SlackChannel    `json:"slack,omitempty" yaml:"slack,omitempty"`
	SMS      *SMSChannel      `json:"sms,omitempty" yaml:"sms,omitempty"`
	Pushover *PushoverChannel `json:"pushover,omitempty" yaml:"pushover,omitempty"`
}

// BrowserChannel is interpreted by the dashboard; the server always
// publishes notifications to connected clients.
type BrowserChannel struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Sound   bool `json:"sound" yaml:"sound"`
}

type EmailChannel struct {
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Provider    string       `json:"provider,omitempty" yaml:"provider,omitempty"` // smtp or brevo
	Address     string       `json:"address" yaml:"address"`
	From        string       `json:"from,omitempty" yaml:"from,omitempty"`
	FromName    string       `json:"fromName,omitempty" yaml:"from_name,omitempty"`
	SMTP        SMTPSettings `json:"smtp" yaml:"smtp"`
	BrevoAPIKey string       `json:"brevoApiKey,omitempty" yaml:"brevo_api_key,omitempty"`
}

type SMTPSettings struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type WebhookChannel struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method" yaml:"method"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

type TelegramChannel struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"bot_token"`
	ChatID   string `json:"chatId" yaml:"chat_id"`
}

type DiscordChannel struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhookUrl" yaml:"webhook_url"`
}

type SlackChannel struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhookUrl" yaml:"webhook_url"`
}

type SMSChannel struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Provider   string `json:"provider" yaml:"provider"` // only twilio
	AccountSID string `json:"accountSid" yaml:"account_sid"`
	AuthToken  string `json:"authToken" yaml:"auth_token"`
	FromNumber string `json:"fromNumber" yaml:"from_number"`
	ToNumber   string `json:"toNumber" yaml:"to_number"`
}

type PushoverChannel struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	UserKey  string `json:"userKey" yaml:"user_key"`
	APIToken string `json:"apiToken" yaml:"api_token"`
	Device   string `json:"device,omitempty" yaml:"device,omitempty"`
	Priority int    `json:"priority" yaml:"priority"` // -2 to 2
	Sound    string `json:"sound,omitempty" yaml:"sound,omitempty"`
}

// DefaultSettings mirrors the out-of-the-box dashboard configuration.
func DefaultSettings() Settings {
	return Settings{
		TestInterval:    30,
		MonitorInterval: 5,
		PingHost:        "8.8.8.8",
		MonitoringHosts: []MonitoredHost{
			{Address: "8.8.8.8", Name: "Google DNS", Enabled: true},
			{Address: "1.1.1.1", Name: "Cloudflare DNS", Enabled: true},
			{Address: "208.67.222.222", Name: "OpenDNS", Enabled: false},
		},
		Notifications: NotificationSettings{
			Enabled: false,
			Channels: ChannelSettings{
				Browser: &BrowserChannel{Enabled: true, Sound: true},
			},
			Events: EventToggles{
				OnSpeedTestComplete:  true,
				OnThresholdBreach:    true,
				OnHostDown:           true,
				OnHostUp:             true,
				OnConnectionLost:     true,
				OnConnectionRestored: true,
			},
			MinTimeBetweenNotifications: 5,
			QuietHours:                  QuietHours{Enabled: false, Start: "22:00", End: "08:00"},
		},
		Thresholds: Thresholds{MinDownload: 50, MinUpload: 10, MaxPing: 100},
		LogLevel:   "INFO",
	}
}

// ApplyDefaults fills zero values left by partial YAML or JSON input.
func (s *Settings) ApplyDefaults() {
	def := DefaultSettings()
	if s.TestInterval == 0 {
		s.TestInterval = def.TestInterval
	}
	if s.MonitorInterval == 0 {
		s.MonitorInterval = def.MonitorInterval
	}
	if s.PingHost == "" {
		s.PingHost = def.PingHost
	}
	if s.MonitoringHosts == nil {
		s.MonitoringHosts = def.MonitoringHosts
	}
	if s.Notifications.MinTimeBetweenNotifications == 0 {
		s.Notifications.MinTimeBetweenNotifications = def.Notifications.MinTimeBetweenNotifications
	}
	if s.Notifications.QuietHours.Start == "" {
		s.Notifications.QuietHours.Start = def.Notifications.QuietHours.Start
	}
	if s.Notifications.QuietHours.End == "" {
		s.Notifications.QuietHours.End = def.Notifications.QuietHours.End
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
	if w := s.Notifications.Channels.Webhook; w != nil && w.Method == "" {
		w.Method = "POST"
	}
	if e := s.Notifications.Channels.Email; e != nil {
		if e.Provider == "" {
			e.Provider = "smtp"
		}
		if e.SMTP.Port == 0 {
			e.SMTP.Port = 587
		}
	}
	if sms := s.Notifications.Channels.SMS; sms != nil && sms.Provider == "" {
		sms.Provider = "twilio"
	}
}

// Validate checks ranges and the required fields of every enabled channel.
func (s *Settings) Validate() error {
	if s.TestInterval < 1 {
		return fmt.Errorf("testInterval must be at least 1 minute")
	}
	if s.MonitorInterval < 1 {
		return fmt.Errorf("monitorInterval must be at least 1 second")
	}
	seen := make(map[string]bool)
	for _, h := range s.MonitoringHosts {
		if strings.TrimSpace(h.Address) == "" {
			return fmt.Errorf("monitoring host address cannot be empty")
		}
		if seen[h.Address] {
			return fmt.Errorf("duplicate monitoring host: %s", h.Address)
		}
		seen[h.Address] = true
	}
	if s.Thresholds.MinDownload < 0 || s.Thresholds.MinUpload < 0 || s.Thresholds.MaxPing < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	if s.Notifications.MinTimeBetweenNotifications < 0 {
		return fmt.Errorf("minTimeBetweenNotifications must be non-negative")
	}
	if err := s.Notifications.QuietHours.Validate(); err != nil {
		return err
	}
	return s.Notifications.Channels.Validate()
}

func (q QuietHours) Validate() error {
	if !q.Enabled {
		return nil
	}
	if _, err := ParseClock(q.Start); err != nil {
		return fmt.Errorf("quiet hours start: %w", err)
	}
	if _, err := ParseClock(q.End); err != nil {
		return fmt.Errorf("quiet hours end: %w", err)
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window. Both boundaries
// are inclusive at minute resolution.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := ParseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false
	}
	if q.Timezone != "" {
		if loc, err := time.LoadLocation(q.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	now := t.Hour()*60 + t.Minute()

	// Handle cases where quiet hours span midnight
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return h*60 + m, nil
}

func (c ChannelSettings) Validate() error {
	if e := c.Email; e != nil && e.Enabled {
		if e.Address == "" {
			return fmt.Errorf("email address is required when email is enabled")
		}
		switch e.Provider {
		case "", "smtp":
			if e.SMTP.Host == "" {
				return fmt.Errorf("email smtp host is required for the smtp provider")
			}
		case "brevo":
			if e.BrevoAPIKey == "" {
				return fmt.Errorf("email brevoApiKey is required for the brevo provider")
			}
			if e.From == "" {
				return fmt.Errorf("email from address is required for the brevo provider")
			}
		default:
			return fmt.Errorf("unknown email provider: %s", e.Provider)
		}
	}
	if w := c.Webhook; w != nil && w.Enabled {
		if !isValidURL(w.URL) {
			return fmt.Errorf("webhook url must be a valid URL")
		}
		switch strings.ToUpper(w.Method) {
		case "", "POST", "PUT", "PATCH":
		default:
			return fmt.Errorf("webhook method must be POST, PUT or PATCH")
		}
	}
	if t := c.Telegram; t != nil && t.Enabled {
		if t.BotToken == "" || t.ChatID == "" {
			return fmt.Errorf("telegram botToken and chatId are required when telegram is enabled")
		}
	}
	if d := c.Discord; d != nil && d.Enabled && !isValidURL(d.WebhookURL) {
		return fmt.Errorf("discord webhookUrl must be a valid URL")
	}
	if s := c.Slack; s != nil && s.Enabled && !isValidURL(s.WebhookURL) {
		return fmt.Errorf("slack webhookUrl must be a valid URL")
	}
	if s := c.SMS; s != nil && s.Enabled {
		if s.Provider != "" && s.Provider != "twilio" {
			return fmt.Errorf("unsupported sms provider: %s", s.Provider)
		}
		if s.AccountSID == "" || s.AuthToken == "" || s.FromNumber == "" || s.ToNumber == "" {
			return fmt.Errorf("sms accountSid, authToken, fromNumber and toNumber are required when sms is enabled")
		}
	}
	if p := c.Pushover; p != nil && p.Enabled {
		if p.UserKey == "" {
			return fmt.Errorf("pushover userKey is required when enabled")
		}
		if p.APIToken == "" {
			return fmt.Errorf("pushover apiToken is required when enabled")
		}
		if p.Priority < -2 || p.Priority > 2 {
			return fmt.Errorf("pushover priority must be between -2 and 2")
		}
	}
	return nil
}

// EnabledHosts returns the hosts that should be probed.
func (s *Settings) EnabledHosts() []MonitoredHost {
	hosts := make([]MonitoredHost, 0, len(s.MonitoringHosts))
	for _, h := range s.MonitoringHosts {
		if h.Enabled {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Settings) Clone() Settings {
	out := s
	out.MonitoringHosts = append([]MonitoredHost(nil), s.MonitoringHosts...)
	c := s.Notifications.Channels
	if c.Browser != nil {
		v := *c.Browser
		out.Notifications.Channels.Browser = &v
	}
	if c.Email != nil {
		v := *c.Email
		out.Notifications.Channels.Email = &v
	}
	if c.Webhook != nil {
		v := *c.Webhook
		if c.Webhook.Headers != nil {
			v.Headers = make(map[string]string, len(c.Webhook.Headers))
			for k, h := range c.Webhook.Headers {
				v.Headers[k] = h
			}
		}
		out.Notifications.Channels.Webhook = &v
	}
	if c.Telegram != nil {
		v := *c.Telegram
		out.Notifications.Channels.Telegram = &v
	}
	if c.Discord != nil {
		v := *c.Discord
		out.Notifications.Channels.Discord = &v
	}
	if c.Slack != nil {
		v := *c.Slack
		out.Notifications.Channels.Slack = &v
	}
	if c.SMS != nil {
		v := *c.SMS
		out.Notifications.Channels.SMS = &v
	}
	if c.Pushover != nil {
		v := *c.Pushover
		out.Notifications.Channels.Pushover = &v
	}
	return out
}

// isValidURL checks if a string is an absolute http(s) URL
func isValidURL(str string) bool {
	u, err := url.Parse(str)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
