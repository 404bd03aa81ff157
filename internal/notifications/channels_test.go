package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkpulse/internal/config"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

func captureServer(t *testing.T, status int, reply string) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body}
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func sampleEvent() Event {
	return Event{
		Type:      EventHostDown,
		Host:      "Google DNS",
		Address:   "8.8.8.8",
		Timestamp: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookChannel(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusOK, "")
	ch := &webhookChannel{
		config: &config.WebhookChannel{
			Enabled: true,
			URL:     srv.URL + "/hook",
			Method:  "put",
			Headers: map[string]string{"X-Token": "secret"},
		},
		client: srv.Client(),
	}

	require.NoError(t, ch.Send(context.Background(), "msg", sampleEvent()))

	req := <-reqs
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/hook", req.Path)
	assert.Equal(t, "secret", req.Header.Get("X-Token"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "hostDown", body["event"])
	assert.Equal(t, "msg", body["message"])
	assert.Contains(t, body, "data")
	assert.Contains(t, body, "timestamp")
}

func TestWebhookChannelNon2xxFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError, "oops")
	ch := &webhookChannel{config: &config.WebhookChannel{URL: srv.URL}, client: srv.Client()}

	err := ch.Send(context.Background(), "msg", sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "oops")
}

func TestTelegramChannel(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusOK, `{"ok":true}`)
	old := TelegramAPIBase
	TelegramAPIBase = srv.URL
	t.Cleanup(func() { TelegramAPIBase = old })

	ch := &telegramChannel{config: &config.TelegramChannel{BotToken: "123:abc", ChatID: "42"}, client: srv.Client()}
	require.NoError(t, ch.Send(context.Background(), "msg", sampleEvent()))

	req := <-reqs
	assert.Equal(t, "/bot123:abc/sendMessage", req.Path)
	assert.JSONEq(t, `{"chat_id":"42","text":"msg","parse_mode":"HTML"}`, string(req.Body))
}

func TestDiscordChannelColour(t *testing.T) {
	tests := []struct {
		event EventType
		color float64
	}{
		{EventHostDown, 0xFF0000},
		{EventThresholdBreach, 0xFF0000},
		{EventHostUp, 0x00FF00},
		{EventSpeedTestComplete, 0x00FF00},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			srv, reqs := captureServer(t, http.StatusNoContent, "")
			ch := &discordChannel{config: &config.DiscordChannel{WebhookURL: srv.URL}, client: srv.Client()}

			ev := sampleEvent()
			ev.Type = tt.event
			require.NoError(t, ch.Send(context.Background(), "msg", ev))

			var body struct {
				Embeds []map[string]interface{} `json:"embeds"`
			}
			require.NoError(t, json.Unmarshal((<-reqs).Body, &body))
			require.Len(t, body.Embeds, 1)
			assert.Equal(t, "Internet Monitor Alert", body.Embeds[0]["title"])
			assert.Equal(t, "msg", body.Embeds[0]["description"])
			assert.Equal(t, tt.color, body.Embeds[0]["color"])
		})
	}
}

func TestSlackChannel(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusOK, "ok")
	ch := &slackChannel{config: &config.SlackChannel{WebhookURL: srv.URL}, client: srv.Client()}

	require.NoError(t, ch.Send(context.Background(), "msg", sampleEvent()))
	assert.JSONEq(t, `{"text":"msg"}`, string((<-reqs).Body))
}

func TestSMSChannel(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusCreated, `{"sid":"SM1"}`)
	old := TwilioAPIBase
	TwilioAPIBase = srv.URL
	t.Cleanup(func() { TwilioAPIBase = old })

	ch := &smsChannel{
		config: &config.SMSChannel{
			AccountSID: "AC1",
			AuthToken:  "tok",
			FromNumber: "+15550001",
			ToNumber:   "+15550002",
		},
		client: srv.Client(),
	}
	require.NoError(t, ch.Send(context.Background(), "hello", sampleEvent()))

	req := <-reqs
	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", req.Path)
	assert.True(t, strings.HasPrefix(req.Header.Get("Authorization"), "Basic "))
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
	assert.Contains(t, string(req.Body), "Body=hello")
	assert.Contains(t, string(req.Body), "To=%2B15550002")
}

func TestPushoverChannel(t *testing.T) {
	srv, reqs := captureServer(t, http.StatusOK, `{"status":1}`)
	old := PushoverAPIURL
	PushoverAPIURL = srv.URL
	t.Cleanup(func() { PushoverAPIURL = old })

	ch := &pushoverChannel{
		config: &config.PushoverChannel{UserKey: "u", APIToken: "a", Priority: 1, Sound: "siren"},
		client: srv.Client(),
	}
	require.NoError(t, ch.Send(context.Background(), "msg", sampleEvent()))

	var msg PushoverMessage
	require.NoError(t, json.Unmarshal((<-reqs).Body, &msg))
	assert.Equal(t, "a", msg.Token)
	assert.Equal(t, "u", msg.User)
	assert.Equal(t, 1, msg.Priority)
	assert.Equal(t, "siren", msg.Sound)
}

func TestPushoverChannelAPIError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadRequest, `{"status":0,"errors":["user key is invalid"]}`)
	old := PushoverAPIURL
	PushoverAPIURL = srv.URL
	t.Cleanup(func() { PushoverAPIURL = old })

	ch := &pushoverChannel{config: &config.PushoverChannel{}, client: srv.Client()}
	err := ch.Send(context.Background(), "msg", sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user key is invalid")
}

func TestSMTPChannelBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	ch := &smtpChannel{
		config: &config.EmailChannel{
			Address: "ops@example.com",
			From:    "monitor@example.com",
			SMTP:    config.SMTPSettings{Host: "mail.example.com", Port: 587, User: "monitor", Password: "pw"},
		},
		sendMail: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
			return nil
		},
	}

	require.NoError(t, ch.Send(context.Background(), "body text", sampleEvent()))

	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, "monitor@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)

	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Internet Monitor Alert\r\n")
	assert.Contains(t, msg, "@mail.example.com>\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nbody text\r\n"))
}

func TestBuildChannels(t *testing.T) {
	cfg := config.ChannelSettings{
		Browser:  &config.BrowserChannel{Enabled: true},
		Email:    &config.EmailChannel{Enabled: true, Provider: "brevo", Address: "a@b.c", From: "x@b.c", BrevoAPIKey: "k"},
		Webhook:  &config.WebhookChannel{Enabled: true, URL: "http://localhost/hook"},
		Telegram: &config.TelegramChannel{Enabled: false},
		Pushover: &config.PushoverChannel{Enabled: true},
	}

	var names []string
	for _, c := range BuildChannels(cfg, http.DefaultClient) {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"email", "webhook", "pushover"}, names)
}
