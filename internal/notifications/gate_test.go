package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkpulse/internal/config"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool
	block chan struct{}

	mu       sync.Mutex
	messages []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, message string, ev Event) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panic {
		panic("boom")
	}
	f.mu.Lock()
	f.messages = append(f.messages, message)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeHub struct {
	mu       sync.Mutex
	messages []Notification
}

func (h *fakeHub) Publish(msgType string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := data.(Notification); ok {
		h.messages = append(h.messages, n)
	}
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, settings config.NotificationSettings, channels ...Channel) (*Gate, *fakeHub, *clock) {
	t.Helper()
	hub := &fakeHub{}
	clk := &clock{t: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)}
	g := NewGate(settings, hub, nil, time.Second)
	g.now = clk.now
	g.channels = channels
	return g, hub, clk
}

func enabledSettings() config.NotificationSettings {
	s := config.DefaultSettings().Notifications
	s.Enabled = true
	s.Events.OnHostDown = true
	s.Events.OnHostUp = true
	s.Events.OnConnectionLost = true
	s.Events.OnConnectionRestored = true
	s.Events.OnHighLatency = true
	s.Events.OnThresholdBreach = true
	return s
}

func hostDown(addr string) Event {
	return Event{Type: EventHostDown, Host: "Google DNS", Address: addr}
}

func TestGateDispatchesToAllChannels(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	g, hub, _ := newTestGate(t, enabledSettings(), a, b)

	require.True(t, g.Consider(context.Background(), hostDown("8.8.8.8")))
	g.Drain()

	want := "🔴 Host Down: Google DNS (8.8.8.8) is unreachable"
	assert.Equal(t, []string{want}, a.sent())
	assert.Equal(t, []string{want}, b.sent())
	assert.Equal(t, 1, hub.count())
}

func TestGateChecksInOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.NotificationSettings)
	}{
		{"disabled", func(s *config.NotificationSettings) { s.Enabled = false }},
		{"event toggle off", func(s *config.NotificationSettings) { s.Events.OnHostDown = false }},
		{"quiet hours", func(s *config.NotificationSettings) {
			s.QuietHours = config.QuietHours{Enabled: true, Start: "11:00", End: "13:00"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := enabledSettings()
			tt.mutate(&settings)
			ch := &fakeChannel{name: "a"}
			g, hub, _ := newTestGate(t, settings, ch)

			assert.False(t, g.Consider(context.Background(), hostDown("8.8.8.8")))
			g.Drain()
			assert.Empty(t, ch.sent())
			assert.Zero(t, hub.count())

			// A suppressed event never starts a cooldown
			_, ok := g.LastDispatch(hostDown("8.8.8.8"))
			assert.False(t, ok)
		})
	}
}

func TestGateCooldownPerClass(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	g, _, clk := newTestGate(t, enabledSettings(), ch)
	ctx := context.Background()

	require.True(t, g.Consider(ctx, hostDown("8.8.8.8")))

	// HostUp shares the per-host class with HostDown
	clk.advance(2 * time.Minute)
	assert.False(t, g.Consider(ctx, Event{Type: EventHostUp, Address: "8.8.8.8"}))

	// Other hosts have their own class
	assert.True(t, g.Consider(ctx, hostDown("1.1.1.1")))

	clk.advance(3 * time.Minute)
	assert.True(t, g.Consider(ctx, Event{Type: EventHostUp, Address: "8.8.8.8"}))

	g.Drain()
	assert.Len(t, ch.sent(), 3)
}

func TestGateSeedRestoresHostCooldown(t *testing.T) {
	g, _, clk := newTestGate(t, enabledSettings())
	ctx := context.Background()

	g.Seed(hostDown("8.8.8.8"), clk.now().Add(-time.Minute))
	// Older entries never move the ledger back
	g.Seed(hostDown("8.8.8.8"), clk.now().Add(-time.Hour))

	last, ok := g.LastDispatch(Event{Type: EventHostUp, Address: "8.8.8.8"})
	require.True(t, ok)
	assert.Equal(t, clk.now().Add(-time.Minute), last)

	assert.False(t, g.Consider(ctx, hostDown("8.8.8.8")))
	assert.True(t, g.Consider(ctx, hostDown("1.1.1.1")))

	clk.advance(4 * time.Minute)
	assert.True(t, g.Consider(ctx, hostDown("8.8.8.8")))
}

func TestGateHighLatencyCooldownIsGlobal(t *testing.T) {
	g, _, clk := newTestGate(t, enabledSettings())
	ctx := context.Background()

	require.True(t, g.Consider(ctx, Event{Type: EventHighLatency, Address: "8.8.8.8", Ping: 250, Threshold: 100}))
	clk.advance(time.Minute)
	assert.False(t, g.Consider(ctx, Event{Type: EventHighLatency, Address: "1.1.1.1", Ping: 300, Threshold: 100}))
}

func TestGateConnectionRestoredUsesShortCooldown(t *testing.T) {
	g, _, clk := newTestGate(t, enabledSettings())
	ctx := context.Background()

	require.True(t, g.Consider(ctx, Event{Type: EventConnectionRestored, Address: "8.8.8.8"}))
	clk.advance(30 * time.Second)
	assert.False(t, g.Consider(ctx, Event{Type: EventConnectionRestored, Address: "8.8.8.8"}))
	clk.advance(31 * time.Second)
	assert.True(t, g.Consider(ctx, Event{Type: EventConnectionRestored, Address: "8.8.8.8"}))
}

func TestGateZeroCooldownNeverSuppresses(t *testing.T) {
	settings := enabledSettings()
	settings.MinTimeBetweenNotifications = 0
	g, _, _ := newTestGate(t, settings)
	ctx := context.Background()

	assert.True(t, g.Consider(ctx, hostDown("8.8.8.8")))
	assert.True(t, g.Consider(ctx, hostDown("8.8.8.8")))
}

func TestGateIsolatesChannelFailures(t *testing.T) {
	failing := &fakeChannel{name: "failing", err: errors.New("503")}
	panicking := &fakeChannel{name: "panicking", panic: true}
	slow := &fakeChannel{name: "slow", block: make(chan struct{})}
	ok := &fakeChannel{name: "ok"}
	g, hub, _ := newTestGate(t, enabledSettings(), failing, panicking, slow, ok)
	g.timeout = 50 * time.Millisecond

	require.True(t, g.Consider(context.Background(), hostDown("8.8.8.8")))
	g.Drain()

	assert.Len(t, ok.sent(), 1)
	assert.Len(t, failing.sent(), 1)
	assert.Empty(t, slow.sent())
	assert.Equal(t, 1, hub.count())
}

func TestGatePublishesWithoutChannels(t *testing.T) {
	g, hub, _ := newTestGate(t, enabledSettings())

	require.True(t, g.Consider(context.Background(), Event{Type: EventConnectionLost}))
	require.Equal(t, 1, hub.count())

	n := hub.messages[0]
	assert.Equal(t, "connectionLost", n.Event)
	assert.True(t, n.Browser)
	assert.NotEmpty(t, n.ID)
}

func TestGateDispatchSurvivesCallerCancel(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	g, _, _ := newTestGate(t, enabledSettings(), ch)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, g.Consider(ctx, hostDown("8.8.8.8")))
	cancel()
	g.Drain()

	assert.Len(t, ch.sent(), 1)
}

func TestSendTestBypassesGating(t *testing.T) {
	settings := enabledSettings()
	settings.Enabled = false
	ok := &fakeChannel{name: "ok"}
	bad := &fakeChannel{name: "bad", err: errors.New("unauthorized")}
	g, hub, _ := newTestGate(t, settings, ok, bad)

	results := g.SendTest(context.Background(), "")
	require.Len(t, results, 2)
	assert.Equal(t, ChannelResult{Channel: "ok", Success: true}, results[0])
	assert.Equal(t, "bad", results[1].Channel)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "unauthorized")
	assert.Equal(t, 1, hub.count())
}

func TestConfigureRebuildsChannels(t *testing.T) {
	g, _, _ := newTestGate(t, enabledSettings())
	require.Empty(t, g.channels)

	settings := enabledSettings()
	settings.Channels.Slack = &config.SlackChannel{Enabled: true, WebhookURL: "https://hooks.slack.com/services/x"}
	settings.Channels.Discord = &config.DiscordChannel{Enabled: false, WebhookURL: "https://discord.com/api/webhooks/x"}
	g.Configure(settings)

	require.Len(t, g.channels, 1)
	assert.Equal(t, "slack", g.channels[0].Name())
}
