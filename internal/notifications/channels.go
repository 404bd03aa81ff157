// internal/notifications/channels.go - delivery channels
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"linkpulse/internal/config"
)

const UserAgent = "linkpulse/1.0"

// Endpoints of hosted APIs. Variables so tests can point them at a local server.
var (
	PushoverAPIURL  = "https://api.pushover.net/1/messages.json"
	TelegramAPIBase = "https://api.telegram.org"
	TwilioAPIBase   = "https://api.twilio.com"
)

// Channel delivers a rendered message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, message string, ev Event) error
}

// BuildChannels returns a channel for every enabled block in cfg. The
// browser block has no server-side transport.
func BuildChannels(cfg config.ChannelSettings, client *http.Client) []Channel {
	var channels []Channel

	if c := cfg.Email; c != nil && c.Enabled {
		if c.Provider == "brevo" {
			channels = append(channels, newBrevoChannel(c, client))
		} else {
			channels = append(channels, &smtpChannel{config: c})
		}
	}
	if c := cfg.Webhook; c != nil && c.Enabled {
		channels = append(channels, &webhookChannel{config: c, client: client})
	}
	if c := cfg.Telegram; c != nil && c.Enabled {
		channels = append(channels, &telegramChannel{config: c, client: client})
	}
	if c := cfg.Discord; c != nil && c.Enabled {
		channels = append(channels, &discordChannel{config: c, client: client})
	}
	if c := cfg.Slack; c != nil && c.Enabled {
		channels = append(channels, &slackChannel{config: c, client: client})
	}
	if c := cfg.SMS; c != nil && c.Enabled {
		channels = append(channels, &smsChannel{config: c, client: client})
	}
	if c := cfg.Pushover; c != nil && c.Enabled {
		channels = append(channels, &pushoverChannel{config: c, client: client})
	}

	return channels
}

// postJSON sends body as JSON and treats any non-2xx status as failure.
func postJSON(ctx context.Context, client *http.Client, method, target string, body interface{}, headers map[string]string) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return do(client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

type webhookChannel struct {
	config *config.WebhookChannel
	client *http.Client
}

type webhookPayload struct {
	Event     EventType `json:"event"`
	Message   string    `json:"message"`
	Data      Event     `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *webhookChannel) Name() string { return "webhook" }

func (w *webhookChannel) Send(ctx context.Context, message string, ev Event) error {
	method := strings.ToUpper(w.config.Method)
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, w.client, method, w.config.URL, webhookPayload{
		Event:     ev.Type,
		Message:   message,
		Data:      ev,
		Timestamp: ev.Timestamp,
	}, w.config.Headers)
}

type telegramChannel struct {
	config *config.TelegramChannel
	client *http.Client
}

func (t *telegramChannel) Name() string { return "telegram" }

func (t *telegramChannel) Send(ctx context.Context, message string, ev Event) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", TelegramAPIBase, t.config.BotToken)
	return postJSON(ctx, t.client, http.MethodPost, endpoint, map[string]string{
		"chat_id":    t.config.ChatID,
		"text":       message,
		"parse_mode": "HTML",
	}, nil)
}

type discordChannel struct {
	config *config.DiscordChannel
	client *http.Client
}

type discordEmbed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

func (d *discordChannel) Name() string { return "discord" }

func (d *discordChannel) Send(ctx context.Context, message string, ev Event) error {
	embed := discordEmbed{
		Title:       "Internet Monitor Alert",
		Description: message,
		Color:       0x00FF00,
		Timestamp:   ev.Timestamp,
	}
	if ev.Type.Severe() {
		embed.Color = 0xFF0000
	}
	embed.Footer.Text = "linkpulse"

	return postJSON(ctx, d.client, http.MethodPost, d.config.WebhookURL, map[string]interface{}{
		"embeds": []discordEmbed{embed},
	}, nil)
}

type slackChannel struct {
	config *config.SlackChannel
	client *http.Client
}

func (s *slackChannel) Name() string { return "slack" }

func (s *slackChannel) Send(ctx context.Context, message string, ev Event) error {
	return postJSON(ctx, s.client, http.MethodPost, s.config.WebhookURL, map[string]string{"text": message}, nil)
}

// smsChannel sends through the Twilio Messages API.
type smsChannel struct {
	config *config.SMSChannel
	client *http.Client
}

func (s *smsChannel) Name() string { return "sms" }

func (s *smsChannel) Send(ctx context.Context, message string, ev Event) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", TwilioAPIBase, url.PathEscape(s.config.AccountSID))
	form := url.Values{
		"From": {s.config.FromNumber},
		"To":   {s.config.ToNumber},
		"Body": {message},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", UserAgent)

	return do(s.client, req)
}

type pushoverChannel struct {
	config *config.PushoverChannel
	client *http.Client
}

// PushoverMessage represents a message sent to Pushover API
type PushoverMessage struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Title     string `json:"title,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Sound     string `json:"sound,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PushoverResponse represents the API response
type PushoverResponse struct {
	Status int      `json:"status"`
	Errors []string `json:"errors,omitempty"`
}

func (p *pushoverChannel) Name() string { return "pushover" }

func (p *pushoverChannel) Send(ctx context.Context, message string, ev Event) error {
	msg := &PushoverMessage{
		Token:     p.config.APIToken,
		User:      p.config.UserKey,
		Title:     "Internet Monitor Alert",
		Message:   message,
		Priority:  p.config.Priority,
		Sound:     p.config.Sound,
		Device:    p.config.Device,
		Timestamp: ev.Timestamp.Unix(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, PushoverAPIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var pushoverResp PushoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushoverResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if pushoverResp.Status != 1 {
		return fmt.Errorf("pushover API error: %v", pushoverResp.Errors)
	}

	logrus.WithFields(logrus.Fields{
		"event":    ev.Type.String(),
		"priority": msg.Priority,
	}).Debug("Pushover notification sent successfully")

	return nil
}
