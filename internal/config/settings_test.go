package config

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 14, hour, minute, 0, 0, time.UTC)
}

func TestQuietHoursContains(t *testing.T) {
	daytime := QuietHours{Enabled: true, Start: "09:00", End: "17:00"}
	overnight := QuietHours{Enabled: true, Start: "22:00", End: "08:00"}

	tests := []struct {
		name   string
		window QuietHours
		t      time.Time
		want   bool
	}{
		{"daytime before", daytime, at(8, 59), false},
		{"daytime start inclusive", daytime, at(9, 0), true},
		{"daytime inside", daytime, at(12, 30), true},
		{"daytime end inclusive", daytime, at(17, 0), true},
		{"daytime after", daytime, at(17, 1), false},
		{"overnight evening", overnight, at(23, 15), true},
		{"overnight start inclusive", overnight, at(22, 0), true},
		{"overnight midnight", overnight, at(0, 0), true},
		{"overnight end inclusive", overnight, at(8, 0), true},
		{"overnight morning after", overnight, at(8, 1), false},
		{"overnight afternoon", overnight, at(15, 0), false},
		{"disabled", QuietHours{Start: "00:00", End: "23:59"}, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.window.Contains(tt.t))
		})
	}
}

func TestQuietHoursTimezone(t *testing.T) {
	q := QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "America/New_York"}
	// 12:00 UTC is morning in New York, 03:00 UTC is late evening
	assert.False(t, q.Contains(at(14, 0)))
	assert.True(t, q.Contains(at(3, 0)))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("22:30")
	require.NoError(t, err)
	assert.Equal(t, 22*60+30, m)

	for _, bad := range []string{"", "24:00", "12:60", "noon"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestChannelValidation(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.Notifications.Channels.Telegram = &TelegramChannel{Enabled: true, BotToken: "x"}
	assert.Error(t, s.Validate())

	s.Notifications.Channels.Telegram.ChatID = "42"
	assert.NoError(t, s.Validate())

	s.Notifications.Channels.Discord = &DiscordChannel{Enabled: true, WebhookURL: "not a url"}
	assert.Error(t, s.Validate())
	s.Notifications.Channels.Discord.Enabled = false
	assert.NoError(t, s.Validate())

	s.Notifications.Channels.Email = &EmailChannel{Enabled: true, Provider: "brevo", Address: "a@b.c"}
	assert.Error(t, s.Validate())
	s.Notifications.Channels.Email.BrevoAPIKey = "key"
	s.Notifications.Channels.Email.From = "alerts@b.c"
	assert.NoError(t, s.Validate())

	s.Notifications.Channels.Pushover = &PushoverChannel{Enabled: true, UserKey: "u", APIToken: "t", Priority: 3}
	assert.Error(t, s.Validate())
}

func TestValidateRejectsDuplicateHosts(t *testing.T) {
	s := DefaultSettings()
	s.MonitoringHosts = append(s.MonitoringHosts, MonitoredHost{Address: "8.8.8.8", Enabled: true})
	assert.Error(t, s.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	s := DefaultSettings()
	s.Notifications.Channels.Webhook = &WebhookChannel{Enabled: true, URL: "http://x", Headers: map[string]string{"a": "1"}}

	c := s.Clone()
	c.MonitoringHosts[0].Name = "changed"
	c.Notifications.Channels.Browser.Sound = false
	c.Notifications.Channels.Webhook.Headers["a"] = "2"

	assert.Equal(t, "Google DNS", s.MonitoringHosts[0].Name)
	assert.True(t, s.Notifications.Channels.Browser.Sound)
	assert.Equal(t, "1", s.Notifications.Channels.Webhook.Headers["a"])
}

func TestEnabledHosts(t *testing.T) {
	s := DefaultSettings()
	hosts := s.EnabledHosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "8.8.8.8", hosts[0].Address)
	assert.Equal(t, "1.1.1.1", hosts[1].Address)
}
