// internal/monitoring/health.go - host up/down hysteresis
package monitoring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"linkpulse/internal/database"
	"linkpulse/internal/notifications"
)

const (
	// FailureThreshold consecutive failed probes mark an Up host Down.
	FailureThreshold = 3
	// RecoveryThreshold consecutive successful probes bring a Down host Up.
	RecoveryThreshold = 2
)

type HostState int

const (
	StateUnknown HostState = iota
	StateUp
	StateDown
)

func (s HostState) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// HostHealth is the tracked state of one address.
type HostHealth struct {
	Address              string
	Name                 string
	State                HostState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastNotificationTime *time.Time
	LastPing             float64
	LastSeen             time.Time
}

// LiveHealth converts the state to its persisted form.
func (h HostHealth) LiveHealth() database.LiveHealth {
	return database.LiveHealth{
		Address:              h.Address,
		Name:                 h.Name,
		Ping:                 h.LastPing,
		Timestamp:            h.LastSeen,
		IsDown:               h.State == StateDown,
		ConsecutiveFailures:  h.ConsecutiveFailures,
		ConsecutiveSuccesses: h.ConsecutiveSuccesses,
		LastNotificationTime: h.LastNotificationTime,
	}
}

// HealthTracker applies the failure and recovery thresholds to probe
// results and emits transition events.
type HealthTracker struct {
	mu             sync.Mutex
	hosts          map[string]*HostHealth
	connectionLost bool
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		hosts: make(map[string]*HostHealth),
	}
}

// Observe processes one cycle of results. Events are returned in result
// order followed by any connection event.
func (t *HealthTracker) Observe(results []ProbeResult, maxPing float64) []notifications.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []notifications.Event

	for _, r := range results {
		h, ok := t.hosts[r.Address]
		if !ok {
			// First sight is optimistic
			h = &HostHealth{Address: r.Address, State: StateUp}
			t.hosts[r.Address] = h
		}
		h.Name = r.Name
		h.LastPing = r.Ping
		h.LastSeen = r.Timestamp

		if r.Failed() {
			h.ConsecutiveFailures++
			h.ConsecutiveSuccesses = 0

			if h.State != StateDown && h.ConsecutiveFailures >= FailureThreshold {
				h.State = StateDown
				events = append(events, hostEvent(notifications.EventHostDown, r))
				logrus.WithFields(logrus.Fields{
					"host":     r.Name,
					"address":  r.Address,
					"failures": h.ConsecutiveFailures,
				}).Error("Host down")
			}
			continue
		}

		h.ConsecutiveSuccesses++
		h.ConsecutiveFailures = 0

		if h.State == StateDown && h.ConsecutiveSuccesses >= RecoveryThreshold {
			h.State = StateUp
			events = append(events, hostEvent(notifications.EventHostUp, r))
			logrus.WithFields(logrus.Fields{
				"host":    r.Name,
				"address": r.Address,
				"ping":    r.Ping,
			}).Info("Host recovered")
		}

		if h.State == StateUp && maxPing > 0 && r.Ping > maxPing {
			ev := hostEvent(notifications.EventHighLatency, r)
			ev.Threshold = maxPing
			events = append(events, ev)
		}
	}

	if len(results) == 0 {
		return events
	}

	var firstUp *ProbeResult
	for i := range results {
		if !results[i].Failed() {
			firstUp = &results[i]
			break
		}
	}

	switch {
	case firstUp == nil && !t.connectionLost:
		t.connectionLost = true
		events = append(events, notifications.Event{
			Type:      notifications.EventConnectionLost,
			Timestamp: results[0].Timestamp,
		})
		logrus.Error("Connection lost, all hosts unreachable")
	case firstUp != nil && t.connectionLost:
		t.connectionLost = false
		events = append(events, hostEvent(notifications.EventConnectionRestored, *firstUp))
		logrus.Info("Connection restored")
	}

	return events
}

func hostEvent(typ notifications.EventType, r ProbeResult) notifications.Event {
	ev := notifications.Event{
		Type:      typ,
		Host:      r.Name,
		Address:   r.Address,
		Timestamp: r.Timestamp,
	}
	if !r.Failed() {
		ev.Ping = r.Ping
	}
	return ev
}

// Host returns the state of address, StateUnknown if never observed.
func (t *HealthTracker) Host(address string) HostHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hosts[address]; ok {
		return *h
	}
	return HostHealth{Address: address, State: StateUnknown, LastPing: -1}
}

// States returns a copy of every tracked host.
func (t *HealthTracker) States() map[string]HostHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]HostHealth, len(t.hosts))
	for k, h := range t.hosts {
		out[k] = *h
	}
	return out
}

func (t *HealthTracker) ConnectionLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectionLost
}

// Restore seeds the tracker from persisted live health.
func (t *HealthTracker) Restore(live map[string]database.LiveHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for addr, lh := range live {
		state := StateUp
		if lh.IsDown {
			state = StateDown
		}
		t.hosts[addr] = &HostHealth{
			Address:              addr,
			Name:                 lh.Name,
			State:                state,
			ConsecutiveFailures:  lh.ConsecutiveFailures,
			ConsecutiveSuccesses: lh.ConsecutiveSuccesses,
			LastNotificationTime: lh.LastNotificationTime,
			LastPing:             lh.Ping,
			LastSeen:             lh.Timestamp,
		}
	}

	logrus.WithField("tracked_hosts", len(t.hosts)).Info("Restored host health state")
}

// MarkNotified records a dispatched host notification.
func (t *HealthTracker) MarkNotified(address string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.hosts[address]; ok {
		h.LastNotificationTime = &at
	}
}

// Retain drops hosts not listed in addresses and returns the dropped ones.
func (t *HealthTracker) Retain(addresses []string) []HostHealth {
	keep := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		keep[a] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []HostHealth
	for addr, h := range t.hosts {
		if !keep[addr] {
			dropped = append(dropped, *h)
			delete(t.hosts, addr)
		}
	}
	return dropped
}

// Reset forgets every host and the connection state.
func (t *HealthTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hosts = make(map[string]*HostHealth)
	t.connectionLost = false
}
