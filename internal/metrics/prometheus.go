// internal/metrics/prometheus.go
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"linkpulse/internal/database"
)

// Prometheus metrics
var (
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkpulse_probe_rtt_seconds",
			Help:    "Round trip time of successful ping probes",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"host"},
	)

	ProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpulse_probes_total",
			Help: "Total number of ping probes executed",
		},
		[]string{"host", "result"},
	)

	HostUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linkpulse_host_up",
			Help: "Hysteresis state of monitored hosts (1=up, 0=down)",
		},
		[]string{"host", "name"},
	)

	SpeedTestMbps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "linkpulse_speedtest_mbps",
			Help: "Last measured bandwidth",
		},
		[]string{"direction"},
	)

	SpeedTestPing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkpulse_speedtest_ping_ms",
			Help: "Latency reported by the last speed test",
		},
	)

	SpeedTestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpulse_speedtests_total",
			Help: "Speed test runs by outcome",
		},
		[]string{"outcome"},
	)

	NotificationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpulse_notification_decisions_total",
			Help: "Notification gate decisions by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	ChannelFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpulse_notification_channel_failures_total",
			Help: "Failed notification deliveries per channel",
		},
		[]string{"channel"},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpulse_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	DatabaseSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkpulse_database_size_bytes",
			Help: "Size of the database file",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkpulse_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	BroadcastBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkpulse_broadcast_batch_messages",
			Help:    "Messages per flushed broadcast batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50},
		},
	)
)

// Collector records domain events into the package metrics. A nil
// Collector is valid and records into the same vectors.
type Collector struct {
	store database.ExtendedStore
}

func NewCollector(store database.ExtendedStore) *Collector {
	return &Collector{store: store}
}

func (c *Collector) RecordProbe(host string, ping float64) {
	if ping < 0 {
		ProbeTotal.WithLabelValues(host, "failure").Inc()
		return
	}
	ProbeTotal.WithLabelValues(host, "success").Inc()
	ProbeDuration.WithLabelValues(host).Observe(ping / 1000)
}

func (c *Collector) UpdateHostState(host, name string, down bool) {
	v := 1.0
	if down {
		v = 0
	}
	HostUp.WithLabelValues(host, name).Set(v)
}

// ForgetHost drops series of hosts no longer monitored.
func (c *Collector) ForgetHost(host, name string) {
	HostUp.DeleteLabelValues(host, name)
}

func (c *Collector) RecordSpeedTest(download, upload, ping float64, failed bool) {
	if failed {
		SpeedTestTotal.WithLabelValues("failure").Inc()
		return
	}
	SpeedTestTotal.WithLabelValues("success").Inc()
	SpeedTestMbps.WithLabelValues("download").Set(download)
	SpeedTestMbps.WithLabelValues("upload").Set(upload)
	SpeedTestPing.Set(ping)
}

func (c *Collector) RecordSpeedTestRefused() {
	SpeedTestTotal.WithLabelValues("cap_reached").Inc()
}

func (c *Collector) RecordNotification(event, outcome string) {
	NotificationDecisions.WithLabelValues(event, outcome).Inc()
}

func (c *Collector) RecordChannelFailure(channel string) {
	ChannelFailures.WithLabelValues(channel).Inc()
}

func (c *Collector) RecordWebSocketConnection(delta int) {
	WebSocketConnections.Add(float64(delta))
}

func (c *Collector) RecordBatch(size int) {
	BroadcastBatchSize.Observe(float64(size))
}

// UpdateSystemMetrics refreshes gauges derived from the store.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	stats, err := c.store.GetDatabaseStats(ctx)
	if err != nil {
		DatabaseOperations.WithLabelValues("stats", "error").Inc()
		return err
	}
	DatabaseOperations.WithLabelValues("stats", "success").Inc()
	DatabaseSize.Set(float64(stats.DatabaseSize))
	return nil
}

// RunSystemMetrics refreshes store gauges until ctx is done.
func (c *Collector) RunSystemMetrics(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.UpdateSystemMetrics(ctx)
		}
	}
}
