// internal/monitoring/engine.go
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"linkpulse/internal/broadcast"
	"linkpulse/internal/config"
	"linkpulse/internal/database"
	"linkpulse/internal/metrics"
	"linkpulse/internal/notifications"
)

var (
	// ErrTestInProgress is returned when a speed test is requested while one runs.
	ErrTestInProgress = errors.New("speed test already in progress")
	// ErrInvalidSettings wraps settings validation failures.
	ErrInvalidSettings = errors.New("invalid settings")
)

// CurrentSpeed is the latest measurement shown on the dashboard. Ping
// follows the first monitored host between speed tests.
type CurrentSpeed struct {
	Download float64 `json:"download"`
	Upload   float64 `json:"upload"`
	Ping     float64 `json:"ping"`
}

// Status is the summary served by the status endpoint.
type Status struct {
	IsMonitoring   bool                           `json:"isMonitoring"`
	CurrentSpeed   CurrentSpeed                   `json:"currentSpeed"`
	HistoryCount   int                            `json:"historyCount"`
	LiveMonitoring map[string]database.LiveHealth `json:"liveMonitoring"`
}

// Snapshot is the full state sent to a subscriber on connect.
type Snapshot struct {
	Status
	History  []database.BandwidthResult `json:"history"`
	Settings config.Settings            `json:"settings"`
	NextTest *time.Time                 `json:"nextTest,omitempty"`
}

// UsageReport is this month's speed test traffic against the cap.
type UsageReport struct {
	DownloadBytes  int64   `json:"downloadBytes"`
	UploadBytes    int64   `json:"uploadBytes"`
	TotalBytes     int64   `json:"totalBytes"`
	Tests          int     `json:"tests"`
	MonthlyDataCap string  `json:"monthlyDataCap"`
	CapInBytes     *int64  `json:"capInBytes"`
	CapReached     bool    `json:"capReached"`
	PercentageUsed float64 `json:"percentageUsed"`
}

// Engine owns the shared monitoring state and wires probes, tracker,
// notification gate, scheduler and hub together.
type Engine struct {
	config    *config.Config
	store     database.ExtendedStore
	metrics   *metrics.Collector
	hub       *broadcast.Hub
	gate      *notifications.Gate
	probes    *ProbeRunner
	tracker   *HealthTracker
	scheduler *Scheduler
	retention *RetentionManager

	pinger Pinger
	tester SpeedTester

	mu       sync.RWMutex
	settings config.Settings
	history  []database.BandwidthResult // newest first
	live     map[string]database.LiveHealth
	current  CurrentSpeed
	running  bool

	// testMu serializes speed tests
	testMu sync.Mutex

	rootCtx    context.Context
	rootCancel context.CancelFunc
	background sync.WaitGroup
}

type Option func(*Engine)

// WithPinger replaces the ICMP pinger.
func WithPinger(p Pinger) Option {
	return func(e *Engine) { e.pinger = p }
}

// WithSpeedTester replaces the speedtest CLI runner.
func WithSpeedTester(t SpeedTester) Option {
	return func(e *Engine) { e.tester = t }
}

func NewEngine(cfg *config.Config, store database.ExtendedStore, hub *broadcast.Hub, metricsCollector *metrics.Collector, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}

	engine := &Engine{
		config:   cfg,
		store:    store,
		metrics:  metricsCollector,
		hub:      hub,
		tracker:  NewHealthTracker(),
		settings: cfg.Defaults.Clone(),
		live:     make(map[string]database.LiveHealth),
	}
	engine.rootCtx, engine.rootCancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(engine)
	}
	if engine.pinger == nil {
		engine.pinger = &ICMPPinger{
			Timeout:    cfg.Monitoring.PingTimeout,
			Privileged: cfg.Monitoring.Privileged,
		}
	}
	if engine.tester == nil {
		engine.tester = NewCommandSpeedTester(cfg.SpeedTest)
	}

	engine.probes = NewProbeRunner(engine.pinger, engine.tester, store, cfg.SpeedTest)
	var publisher notifications.Publisher
	if hub != nil {
		publisher = hub
	}
	engine.gate = notifications.NewGate(engine.settings.Notifications, publisher, metricsCollector, cfg.Monitoring.NotificationTimeout)
	engine.scheduler = NewScheduler(engine.RunLiveness, engine.runScheduledTest)
	engine.retention = NewRetentionManager(store, cfg.Database.HistoryRetention, cfg.Database.CleanupSchedule)

	return engine, nil
}

// Start rehydrates state from the store and launches the loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	logrus.Info("Starting monitoring engine")

	if err := e.rehydrate(ctx); err != nil {
		return err
	}

	settings := e.Settings()
	applyLogLevel(settings.LogLevel)
	e.gate.Configure(settings.Notifications)

	if err := e.retention.Start(e.rootCtx); err != nil {
		return err
	}

	if err := e.scheduler.Start(e.rootCtx, monitorInterval(settings), settings.TestInterval); err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	names := make([]string, 0)
	for _, h := range settings.EnabledHosts() {
		names = append(names, h.Name)
	}
	logrus.WithField("hosts", names).Info("Monitoring enabled hosts")

	e.publish(broadcast.TypeStatus, map[string]bool{"isMonitoring": true})
	return nil
}

func (e *Engine) rehydrate(ctx context.Context) error {
	settings, err := e.store.LoadSettings(ctx)
	switch {
	case errors.Is(err, database.ErrNotFound):
		defaults := e.config.Defaults.Clone()
		settings = &defaults
		if err := e.store.SaveSettings(ctx, settings); err != nil {
			return fmt.Errorf("failed to save default settings: %w", err)
		}
		logrus.Info("Initialized settings from configuration defaults")
	case err != nil:
		return fmt.Errorf("failed to load settings: %w", err)
	default:
		settings.ApplyDefaults()
	}

	history, err := e.store.LoadRecentHistory(ctx, e.config.Monitoring.HistorySize)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	live, err := e.store.LoadLiveHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to load live monitoring state: %w", err)
	}
	e.tracker.Restore(live)
	for addr, lh := range live {
		if lh.LastNotificationTime != nil {
			e.gate.Seed(notifications.Event{Type: notifications.EventHostDown, Address: addr}, *lh.LastNotificationTime)
		}
	}

	e.mu.Lock()
	e.settings = *settings
	e.history = history
	e.live = live
	for _, r := range history {
		if !r.Failed() {
			e.current = CurrentSpeed{Download: r.Download, Upload: r.Upload, Ping: r.Ping}
			break
		}
	}
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"history":    len(history),
		"live_hosts": len(live),
	}).Info("Loaded monitoring state")

	return nil
}

// Stop halts the loops, lets in-flight work finish and drains notifications.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	logrus.Info("Stopping monitoring engine")
	e.scheduler.Stop()
	e.retention.Stop()
	e.rootCancel()
	e.background.Wait()
	e.gate.Drain()
}

// RunLiveness probes every enabled host once and processes the results.
func (e *Engine) RunLiveness(ctx context.Context) {
	settings := e.Settings()
	hosts := settings.EnabledHosts()
	if len(hosts) == 0 {
		logrus.Warn("No enabled hosts for monitoring")
		return
	}

	results := make([]ProbeResult, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host config.MonitoredHost) {
			defer wg.Done()
			results[i] = ProbeResult{Address: host.Address, Name: host.Name, Ping: -1, Timestamp: time.Now()}
			defer func() {
				if r := recover(); r != nil {
					logrus.WithFields(logrus.Fields{
						"host":  host.Address,
						"panic": r,
					}).Error("Probe panicked")
				}
			}()
			ping := e.probes.Ping(ctx, host.Address)
			results[i].Ping = ping
			results[i].Timestamp = time.Now()
		}(i, host)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	for _, r := range results {
		e.metrics.RecordProbe(r.Address, r.Ping)
		logrus.WithFields(logrus.Fields{
			"host":    r.Name,
			"address": r.Address,
			"ping":    r.Ping,
		}).Debug("Probe result")
	}

	events := e.tracker.Observe(results, settings.Thresholds.MaxPing)
	for _, ev := range events {
		if e.gate.Consider(ctx, ev) && (ev.Type == notifications.EventHostDown || ev.Type == notifications.EventHostUp) {
			e.tracker.MarkNotified(ev.Address, time.Now())
		}
	}

	// Persist every host regardless of notification gating
	live := make(map[string]database.LiveHealth, len(results))
	for _, r := range results {
		h := e.tracker.Host(r.Address).LiveHealth()
		live[r.Address] = h
		e.metrics.UpdateHostState(r.Address, r.Name, h.IsDown)
		if err := e.store.SaveLiveHealth(ctx, &h); err != nil {
			logrus.WithError(err).WithField("host", r.Address).Error("Failed to save live monitoring state")
		}
	}

	e.mu.Lock()
	for addr, h := range live {
		e.live[addr] = h
	}
	e.current.Ping = results[0].Ping
	snapshot := copyLive(e.live)
	e.mu.Unlock()

	e.publish(broadcast.TypeLiveMonitoring, snapshot)
}

func (e *Engine) runScheduledTest() {
	e.background.Add(1)
	defer e.background.Done()

	logrus.Info("Running scheduled speed test")
	result, err := e.RunSpeedTest(e.rootCtx)
	switch {
	case errors.Is(err, ErrDataCapReached):
		logrus.WithError(err).Warn("Scheduled speed test skipped")
	case errors.Is(err, ErrTestInProgress):
		logrus.Info("Scheduled speed test skipped, another test is running")
	case err != nil:
		logrus.WithError(err).Error("Scheduled speed test failed")
	case result.Failed():
		logrus.Warn("Scheduled speed test completed with errors, will retry on next schedule")
	default:
		logrus.Info("Scheduled speed test completed successfully")
	}
}

// RunSpeedTest measures bandwidth, persists the result and notifies.
// Only one test runs at a time.
func (e *Engine) RunSpeedTest(ctx context.Context) (*database.BandwidthResult, error) {
	if !e.testMu.TryLock() {
		return nil, ErrTestInProgress
	}
	defer e.testMu.Unlock()

	settings := e.Settings()

	result, err := e.probes.RunBandwidthTest(ctx, settings.MonthlyDataCap)
	if err != nil {
		if errors.Is(err, ErrDataCapReached) {
			e.metrics.RecordSpeedTestRefused()
		}
		return nil, err
	}

	if err := e.store.SaveBandwidthResult(ctx, result); err != nil {
		logrus.WithError(err).Error("Failed to save speed test result")
	}
	e.metrics.RecordSpeedTest(result.Download, result.Upload, result.Ping, result.Failed())

	e.mu.Lock()
	e.history = append([]database.BandwidthResult{*result}, e.history...)
	if limit := e.config.Monitoring.HistorySize; limit > 0 && len(e.history) > limit {
		e.history = e.history[:limit]
	}
	if !result.Failed() {
		e.current = CurrentSpeed{Download: result.Download, Upload: result.Upload, Ping: result.Ping}
	}
	e.mu.Unlock()

	if !result.Failed() {
		if breaches := EvaluateThresholds(result, settings.Thresholds); len(breaches) > 0 {
			logrus.WithField("breaches", len(breaches)).Warn("Threshold breach detected")
			e.gate.Consider(ctx, notifications.Event{
				Type:      notifications.EventThresholdBreach,
				Download:  result.Download,
				Upload:    result.Upload,
				Ping:      result.Ping,
				Breaches:  breaches,
				Timestamp: result.Timestamp,
			})
		}
		e.gate.Consider(ctx, notifications.Event{
			Type:      notifications.EventSpeedTestComplete,
			Download:  result.Download,
			Upload:    result.Upload,
			Ping:      result.Ping,
			Timestamp: result.Timestamp,
		})

		logrus.WithFields(logrus.Fields{
			"download": result.Download,
			"upload":   result.Upload,
			"ping":     result.Ping,
			"server":   result.Server,
		}).Info("Speed test completed")
	}

	e.publish(broadcast.TypeSpeedTest, result)
	e.publish(broadcast.TypeHistory, e.History())

	return result, nil
}

// Ping probes host once, defaulting to the configured ping host.
func (e *Engine) Ping(ctx context.Context, host string) float64 {
	if host == "" {
		host = e.Settings().PingHost
	}
	return e.probes.Ping(ctx, host)
}

func (e *Engine) Settings() config.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Clone()
}

// UpdateSettings validates, persists and applies next, then restarts the
// loops so the new intervals and hosts take effect on the next tick.
func (e *Engine) UpdateSettings(ctx context.Context, next config.Settings) (config.Settings, error) {
	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	if err := e.store.SaveSettings(ctx, &next); err != nil {
		return config.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}

	e.mu.Lock()
	e.settings = next.Clone()
	running := e.running
	e.mu.Unlock()

	applyLogLevel(next.LogLevel)
	e.gate.Configure(next.Notifications)

	var addresses []string
	for _, h := range next.EnabledHosts() {
		addresses = append(addresses, h.Address)
	}
	for _, h := range e.tracker.Retain(addresses) {
		e.metrics.ForgetHost(h.Address, h.Name)
	}

	if running {
		if err := e.scheduler.Restart(e.rootCtx, monitorInterval(next), next.TestInterval); err != nil {
			return config.Settings{}, fmt.Errorf("failed to restart monitoring: %w", err)
		}
	}

	e.publish(broadcast.TypeSettings, next)
	logrus.Info("Settings updated")

	return next, nil
}

// ClearHistory deletes speed tests and live data and forgets host state.
func (e *Engine) ClearHistory(ctx context.Context) error {
	if err := e.store.ClearHistory(ctx); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	e.mu.Lock()
	e.history = nil
	e.live = make(map[string]database.LiveHealth)
	e.mu.Unlock()

	e.tracker.Reset()
	e.publish(broadcast.TypeHistoryCleared, nil)

	logrus.Info("All history and monitoring data cleared")
	return nil
}

// History returns the in-memory rolling history, newest first.
func (e *Engine) History() []database.BandwidthResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]database.BandwidthResult(nil), e.history...)
}

func (e *Engine) HistoryPage(ctx context.Context, limit, offset int) ([]database.BandwidthResult, int, error) {
	return e.store.HistoryPage(ctx, limit, offset)
}

func (e *Engine) LiveHistory(ctx context.Context, address string, since time.Time) ([]database.LiveSample, error) {
	return e.store.LiveHistory(ctx, address, since)
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		IsMonitoring:   e.running,
		CurrentSpeed:   e.current,
		HistoryCount:   len(e.history),
		LiveMonitoring: copyLive(e.live),
	}
}

// Snapshot is handed to the hub for new subscribers.
func (e *Engine) Snapshot() broadcast.Message {
	snap := Snapshot{
		Status:   e.Status(),
		History:  e.History(),
		Settings: e.Settings(),
	}
	if next, ok := e.scheduler.NextBandwidthRun(); ok {
		snap.NextTest = &next
	}
	return broadcast.Message{Type: broadcast.TypeInitial, Data: snap, Timestamp: time.Now()}
}

// NextTest reports the next scheduled speed test and the interval in minutes.
func (e *Engine) NextTest() (*time.Time, int) {
	interval := e.Settings().TestInterval
	next, ok := e.scheduler.NextBandwidthRun()
	if !ok {
		return nil, interval
	}
	return &next, interval
}

func (e *Engine) MonthlyUsage(ctx context.Context) (UsageReport, error) {
	settings := e.Settings()
	from, to := monthBounds(time.Now())

	usage, err := e.store.MonthlyUsage(ctx, from, to)
	if err != nil {
		return UsageReport{}, fmt.Errorf("failed to compute monthly usage: %w", err)
	}

	report := UsageReport{
		DownloadBytes:  usage.DownloadBytes,
		UploadBytes:    usage.UploadBytes,
		TotalBytes:     usage.TotalBytes,
		Tests:          usage.Tests,
		MonthlyDataCap: settings.MonthlyDataCap,
	}
	if capBytes, ok := ParseDataCap(settings.MonthlyDataCap); ok && capBytes > 0 {
		report.CapInBytes = &capBytes
		report.CapReached = usage.TotalBytes >= capBytes
		report.PercentageUsed = float64(usage.TotalBytes) / float64(capBytes) * 100
		if report.PercentageUsed > 100 {
			report.PercentageUsed = 100
		}
	}
	return report, nil
}

// SendTestNotification delivers message to every configured channel.
func (e *Engine) SendTestNotification(ctx context.Context, message string) []notifications.ChannelResult {
	logrus.Info("Test notification requested")
	return e.gate.SendTest(ctx, message)
}

func (e *Engine) publish(msgType string, data interface{}) {
	if e.hub != nil {
		e.hub.Publish(msgType, data)
	}
}

func copyLive(in map[string]database.LiveHealth) map[string]database.LiveHealth {
	out := make(map[string]database.LiveHealth, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func monitorInterval(s config.Settings) time.Duration {
	return time.Duration(s.MonitorInterval) * time.Second
}

// applyLogLevel maps the dashboard log level onto logrus.
func applyLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logrus.WithField("level", level).Warn("Unknown log level, keeping current")
		return
	}
	logrus.SetLevel(lvl)
}

// PurgeLiveHistory applies the retention period immediately.
func (e *Engine) PurgeLiveHistory(ctx context.Context) (int, error) {
	return e.retention.Purge(ctx)
}

// Running reports whether the loops are active.
func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
