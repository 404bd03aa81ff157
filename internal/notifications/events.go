// internal/notifications/events.go - notification event catalogue
package notifications

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"linkpulse/internal/config"
)

// EventType is the closed set of events the gate understands.
type EventType int

const (
	EventSpeedTestComplete EventType = iota
	EventThresholdBreach
	EventHostDown
	EventHostUp
	EventConnectionLost
	EventConnectionRestored
	EventHighLatency
)

// AllEvents lists every event type in declaration order.
var AllEvents = []EventType{
	EventSpeedTestComplete,
	EventThresholdBreach,
	EventHostDown,
	EventHostUp,
	EventConnectionLost,
	EventConnectionRestored,
	EventHighLatency,
}

func (e EventType) String() string {
	switch e {
	case EventSpeedTestComplete:
		return "speedTestComplete"
	case EventThresholdBreach:
		return "thresholdBreach"
	case EventHostDown:
		return "hostDown"
	case EventHostUp:
		return "hostUp"
	case EventConnectionLost:
		return "connectionLost"
	case EventConnectionRestored:
		return "connectionRestored"
	case EventHighLatency:
		return "highLatency"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EventType) UnmarshalText(text []byte) error {
	for _, t := range AllEvents {
		if t.String() == string(text) {
			*e = t
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", text)
}

// Emoji is the status marker prefixed to rendered messages.
func (e EventType) Emoji() string {
	switch e {
	case EventHostDown:
		return "🔴"
	case EventHostUp:
		return "🟢"
	case EventConnectionLost, EventThresholdBreach:
		return "⚠️"
	case EventConnectionRestored, EventSpeedTestComplete:
		return "✅"
	case EventHighLatency:
		return "🐌"
	default:
		return "ℹ️"
	}
}

// Severe events are rendered as alerts by channels with colour support.
func (e EventType) Severe() bool {
	switch e {
	case EventHostDown, EventConnectionLost, EventThresholdBreach:
		return true
	}
	return false
}

// Enabled reports the per-event toggle.
func (e EventType) Enabled(t config.EventToggles) bool {
	switch e {
	case EventSpeedTestComplete:
		return t.OnSpeedTestComplete
	case EventThresholdBreach:
		return t.OnThresholdBreach
	case EventHostDown:
		return t.OnHostDown
	case EventHostUp:
		return t.OnHostUp
	case EventConnectionLost:
		return t.OnConnectionLost
	case EventConnectionRestored:
		return t.OnConnectionRestored
	case EventHighLatency:
		return t.OnHighLatency
	default:
		return false
	}
}

// Breach is one violated threshold of a speed test.
type Breach struct {
	Metric   string  `json:"metric"` // download, upload or ping
	Observed float64 `json:"observed"`
	Limit    float64 `json:"limit"`
}

func (b Breach) String() string {
	switch b.Metric {
	case "ping":
		return fmt.Sprintf("Ping: %.0f ms (max: %g)", b.Observed, b.Limit)
	default:
		name := b.Metric
		if name != "" {
			name = strings.ToUpper(name[:1]) + name[1:]
		}
		return fmt.Sprintf("%s: %.2f Mbps (min: %g)", name, b.Observed, b.Limit)
	}
}

// Event is a notification candidate.
type Event struct {
	Type      EventType `json:"event"`
	Host      string    `json:"host,omitempty"`
	Address   string    `json:"address,omitempty"`
	Ping      float64   `json:"ping,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	Download  float64   `json:"download,omitempty"`
	Upload    float64   `json:"upload,omitempty"`
	Breaches  []Breach  `json:"breaches,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CooldownKey identifies the class an event shares its cooldown with.
// HostDown and HostUp share a per-host class; HighLatency is global.
func (ev Event) CooldownKey() string {
	switch ev.Type {
	case EventHostDown, EventHostUp:
		return "host:" + ev.Address
	default:
		return ev.Type.String()
	}
}

var messageTemplates = map[EventType]*template.Template{
	EventHostDown:           parse("Host Down: {{.Host}} ({{.Address}}) is unreachable"),
	EventHostUp:             parse("Host Up: {{.Host}} ({{.Address}}) is back online"),
	EventConnectionLost:     parse("Connection Lost: all monitored hosts are unreachable"),
	EventConnectionRestored: parse("Connection Restored: {{.Host}} ({{.Address}}) is stable again"),
	EventHighLatency:        parse("High Latency: {{.Host}} ({{.Address}}) - {{printf \"%.0f\" .Ping}}ms (threshold: {{.Threshold}}ms)"),
	EventSpeedTestComplete:  parse("Speed Test Complete: ↓{{printf \"%.2f\" .Download}} Mbps / ↑{{printf \"%.2f\" .Upload}} Mbps / {{printf \"%.0f\" .Ping}}ms ping"),
	EventThresholdBreach:    parse("Threshold Breach: {{range $i, $b := .Breaches}}{{if $i}}, {{end}}{{$b}}{{end}}"),
}

func parse(text string) *template.Template {
	return template.Must(template.New("message").Parse(text))
}

// Render formats the human readable message for ev.
func Render(ev Event) (string, error) {
	tmpl, ok := messageTemplates[ev.Type]
	if !ok {
		return "", fmt.Errorf("no template for %s", ev.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", ev.Type, err)
	}
	return ev.Type.Emoji() + " " + buf.String(), nil
}
