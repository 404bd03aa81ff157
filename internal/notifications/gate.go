// internal/notifications/gate.go - gating and dispatch of notifications
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/broadcast"
	"linkpulse/internal/config"
	"linkpulse/internal/metrics"
)

// restoredCooldown applies to ConnectionRestored instead of the configured gap.
const restoredCooldown = time.Minute

// Decision outcomes, also used as metric labels.
const (
	OutcomeSent       = "sent"
	OutcomeDisabled   = "disabled"
	OutcomeEventOff   = "event_disabled"
	OutcomeQuietHours = "quiet_hours"
	OutcomeCooldown   = "cooldown"
)

// Publisher receives every dispatched notification for connected browsers.
type Publisher interface {
	Publish(msgType string, data interface{})
}

// Notification is the hub payload of a dispatched notification.
type Notification struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Data      *Event    `json:"data,omitempty"`
	Browser   bool      `json:"browser"`
	Sound     bool      `json:"sound"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelResult is the outcome of one channel in a test dispatch.
type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Gate decides whether an event is delivered and fans it out to channels.
type Gate struct {
	mu       sync.Mutex
	settings config.NotificationSettings
	channels []Channel
	ledger   map[string]time.Time

	client  *http.Client
	hub     Publisher
	metrics *metrics.Collector
	timeout time.Duration
	now     func() time.Time

	inflight sync.WaitGroup
}

// NewGate builds a gate for settings. timeout bounds each channel delivery.
func NewGate(settings config.NotificationSettings, hub Publisher, m *metrics.Collector, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &Gate{
		ledger:  make(map[string]time.Time),
		client:  &http.Client{Timeout: timeout},
		hub:     hub,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
	g.Configure(settings)
	return g
}

// Configure swaps the settings snapshot and rebuilds the channels.
// The cooldown ledger survives.
func (g *Gate) Configure(settings config.NotificationSettings) {
	channels := BuildChannels(settings.Channels, g.client)

	g.mu.Lock()
	g.settings = settings
	g.channels = channels
	g.mu.Unlock()

	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, c.Name())
	}
	logrus.WithFields(logrus.Fields{
		"enabled":  settings.Enabled,
		"channels": names,
	}).Debug("Notification gate configured")
}

// Consider runs the gating checks for ev and dispatches it when all pass.
// It reports whether the event was dispatched.
func (g *Gate) Consider(ctx context.Context, ev Event) bool {
	g.mu.Lock()
	now := g.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	outcome := g.checkLocked(ev, now)
	if outcome != OutcomeSent {
		g.mu.Unlock()
		g.metrics.RecordNotification(ev.Type.String(), outcome)
		logrus.WithFields(logrus.Fields{
			"event":   ev.Type.String(),
			"host":    ev.Address,
			"outcome": outcome,
		}).Debug("Notification suppressed")
		return false
	}

	message, err := Render(ev)
	if err != nil {
		g.mu.Unlock()
		logrus.WithError(err).WithField("event", ev.Type.String()).Error("Failed to render notification")
		return false
	}

	g.ledger[ev.CooldownKey()] = now
	channels := append([]Channel(nil), g.channels...)
	browser := g.settings.Channels.Browser
	g.mu.Unlock()

	g.metrics.RecordNotification(ev.Type.String(), OutcomeSent)

	n := Notification{
		ID:        uuid.New().String(),
		Event:     ev.Type.String(),
		Message:   message,
		Data:      &ev,
		Timestamp: ev.Timestamp,
	}
	if browser != nil {
		n.Browser = browser.Enabled
		n.Sound = browser.Sound
	}
	if g.hub != nil {
		g.hub.Publish(broadcast.TypeNotification, n)
	}

	logrus.WithFields(logrus.Fields{
		"event":    ev.Type.String(),
		"host":     ev.Address,
		"channels": len(channels),
	}).Info("Dispatching notification")

	// Deliveries outlive the caller's cycle.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, ch := range channels {
		g.inflight.Add(1)
		go func(ch Channel) {
			defer g.inflight.Done()
			g.deliver(dispatchCtx, ch, message, ev)
		}(ch)
	}

	return true
}

// checkLocked evaluates the predicates in order and returns the first
// failing outcome, or OutcomeSent.
func (g *Gate) checkLocked(ev Event, now time.Time) string {
	if !g.settings.Enabled {
		return OutcomeDisabled
	}
	if !ev.Type.Enabled(g.settings.Events) {
		return OutcomeEventOff
	}
	if g.settings.QuietHours.Contains(now) {
		return OutcomeQuietHours
	}

	cooldown := time.Duration(g.settings.MinTimeBetweenNotifications) * time.Minute
	if ev.Type == EventConnectionRestored {
		cooldown = restoredCooldown
	}
	if last, ok := g.ledger[ev.CooldownKey()]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		return OutcomeCooldown
	}
	return OutcomeSent
}

func (g *Gate) deliver(ctx context.Context, ch Channel, message string, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
		if err != nil {
			g.metrics.RecordChannelFailure(ch.Name())
			logrus.WithError(err).WithFields(logrus.Fields{
				"channel": ch.Name(),
				"event":   ev.Type.String(),
			}).Warn("Notification delivery failed")
		}
	}()

	return ch.Send(ctx, message, ev)
}

// SendTest delivers message to every configured channel, bypassing the
// gating checks, and waits for all of them.
func (g *Gate) SendTest(ctx context.Context, message string) []ChannelResult {
	g.mu.Lock()
	channels := append([]Channel(nil), g.channels...)
	browser := g.settings.Channels.Browser
	now := g.now()
	g.mu.Unlock()

	if message == "" {
		message = "This is a test notification from the internet monitor"
	}
	message = "🔔 " + message

	// Channels expect an event; a completed test renders neutrally everywhere.
	ev := Event{Type: EventSpeedTestComplete, Timestamp: now}

	if g.hub != nil {
		n := Notification{
			ID:        uuid.New().String(),
			Event:     "test",
			Message:   message,
			Timestamp: now,
		}
		if browser != nil {
			n.Browser = browser.Enabled
			n.Sound = browser.Sound
		}
		g.hub.Publish(broadcast.TypeNotification, n)
	}

	results := make([]ChannelResult, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			res := ChannelResult{Channel: ch.Name(), Success: true}
			if err := g.deliver(ctx, ch, message, ev); err != nil {
				res.Success = false
				res.Error = err.Error()
			}
			results[i] = res
		}(i, ch)
	}
	wg.Wait()

	return results
}

// LastDispatch returns when the cooldown class of ev was last dispatched.
func (g *Gate) LastDispatch(ev Event) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.ledger[ev.CooldownKey()]
	return t, ok
}

// Seed records a dispatch that happened before this gate existed, such as
// a host notification persisted by a previous run. Newer entries win.
func (g *Gate) Seed(ev Event, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := ev.CooldownKey()
	if last, ok := g.ledger[key]; ok && !at.After(last) {
		return
	}
	g.ledger[key] = at
}

// Drain waits for in-flight deliveries.
func (g *Gate) Drain() {
	g.inflight.Wait()
}
