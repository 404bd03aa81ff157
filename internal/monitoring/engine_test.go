package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkpulse/internal/broadcast"
	"linkpulse/internal/config"
	"linkpulse/internal/database"
)

type scriptedPinger struct {
	mu    sync.Mutex
	pings map[string][]float64
}

func (p *scriptedPinger) Ping(ctx context.Context, address string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.pings[address]
	if len(seq) == 0 {
		return 10
	}
	v := seq[0]
	if len(seq) > 1 {
		p.pings[address] = seq[1:]
	}
	return v
}

type webhookSink struct {
	mu     sync.Mutex
	events []string
	srv    *httptest.Server
}

func newWebhookSink(t *testing.T) *webhookSink {
	t.Helper()
	sink := &webhookSink{}
	sink.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Event string `json:"event"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sink.mu.Lock()
		sink.events = append(sink.events, body.Event)
		sink.mu.Unlock()
	}))
	t.Cleanup(sink.srv.Close)
	return sink
}

func (s *webhookSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type testEnv struct {
	engine *Engine
	store  database.ExtendedStore
	pinger *scriptedPinger
	tester *scriptedTester
	hub    *broadcast.Hub
}

func newTestEnv(t *testing.T, settings config.Settings) *testEnv {
	t.Helper()

	store, err := database.Open("boltdb", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Defaults = settings

	env := &testEnv{
		store:  store,
		pinger: &scriptedPinger{pings: make(map[string][]float64)},
		tester: &scriptedTester{},
		hub:    broadcast.NewHub(time.Millisecond, 50, nil),
	}
	t.Cleanup(env.hub.Close)

	env.engine, err = NewEngine(cfg, store, env.hub, nil, WithPinger(env.pinger), WithSpeedTester(env.tester))
	require.NoError(t, err)
	env.engine.probes.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	require.NoError(t, env.engine.rehydrate(context.Background()))
	env.engine.gate.Configure(env.engine.Settings().Notifications)
	return env
}

func baseSettings(webhookURL string) config.Settings {
	s := config.DefaultSettings()
	s.MonitoringHosts = []config.MonitoredHost{
		{Address: "8.8.8.8", Name: "Google DNS", Enabled: true},
		{Address: "1.1.1.1", Name: "Cloudflare DNS", Enabled: true},
	}
	s.Notifications.Enabled = true
	s.Notifications.MinTimeBetweenNotifications = 0
	if webhookURL != "" {
		s.Notifications.Channels.Webhook = &config.WebhookChannel{Enabled: true, URL: webhookURL, Method: "POST"}
	}
	return s
}

func TestEngineHostDownScenario(t *testing.T) {
	sink := newWebhookSink(t)
	env := newTestEnv(t, baseSettings(sink.srv.URL))
	env.pinger.pings["8.8.8.8"] = []float64{-1, -1, -1, 20, 20}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.engine.RunLiveness(ctx)
	}
	env.engine.gate.Drain()
	assert.Equal(t, []string{"hostDown"}, sink.received())

	live, err := env.store.LoadLiveHealth(ctx)
	require.NoError(t, err)
	assert.True(t, live["8.8.8.8"].IsDown)
	assert.Equal(t, 3, live["8.8.8.8"].ConsecutiveFailures)
	assert.NotNil(t, live["8.8.8.8"].LastNotificationTime)
	assert.False(t, live["1.1.1.1"].IsDown)

	env.engine.RunLiveness(ctx)
	env.engine.RunLiveness(ctx)
	env.engine.gate.Drain()
	assert.Equal(t, []string{"hostDown", "hostUp"}, sink.received())

	samples, err := env.store.LiveHistory(ctx, "8.8.8.8", time.Time{})
	require.NoError(t, err)
	assert.Len(t, samples, 5)

	status := env.engine.Status()
	assert.Equal(t, 20.0, status.CurrentSpeed.Ping)
	assert.Len(t, status.LiveMonitoring, 2)
}

func TestEngineDisabledEventStillPersists(t *testing.T) {
	sink := newWebhookSink(t)
	settings := baseSettings(sink.srv.URL)
	settings.Notifications.Events.OnHostDown = false
	env := newTestEnv(t, settings)
	env.pinger.pings["8.8.8.8"] = []float64{-1}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		env.engine.RunLiveness(ctx)
	}
	env.engine.gate.Drain()

	assert.Empty(t, sink.received())

	live, err := env.store.LoadLiveHealth(ctx)
	require.NoError(t, err)
	assert.True(t, live["8.8.8.8"].IsDown)
	assert.Nil(t, live["8.8.8.8"].LastNotificationTime)
}

func TestEngineThresholdScenario(t *testing.T) {
	sink := newWebhookSink(t)
	env := newTestEnv(t, baseSettings(sink.srv.URL))

	result, err := env.engine.RunSpeedTest(context.Background())
	require.NoError(t, err)
	env.engine.gate.Drain()

	assert.Equal(t, 20.0, result.Download)
	assert.ElementsMatch(t, []string{"thresholdBreach", "speedTestComplete"}, sink.received())

	history, total, err := env.store.HistoryPage(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, result.ID, history[0].ID)
	assert.Len(t, env.engine.History(), 1)
	assert.Equal(t, 20.0, env.engine.Status().CurrentSpeed.Download)
}

func TestEngineFailedSpeedTestIsStoredWithoutNotifications(t *testing.T) {
	sink := newWebhookSink(t)
	env := newTestEnv(t, baseSettings(sink.srv.URL))
	fail := context.DeadlineExceeded
	env.tester.errs = []error{fail, fail, fail, fail}

	result, err := env.engine.RunSpeedTest(context.Background())
	require.NoError(t, err)
	env.engine.gate.Drain()

	assert.True(t, result.Failed())
	assert.Equal(t, ErrorKindTimeout, result.ErrorKind)
	assert.Empty(t, sink.received())

	history, err := env.store.LoadRecentHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Failed())
}

func TestEngineSpeedTestMutualExclusion(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))
	env.tester.release = make(chan struct{})
	env.tester.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.RunSpeedTest(context.Background())
		done <- err
	}()

	<-env.tester.entered

	_, err := env.engine.RunSpeedTest(context.Background())
	assert.ErrorIs(t, err, ErrTestInProgress)

	close(env.tester.release)
	require.NoError(t, <-done)
}

func TestEngineRefusesAtDataCap(t *testing.T) {
	settings := baseSettings("")
	settings.MonthlyDataCap = "1 MB"
	env := newTestEnv(t, settings)
	ctx := context.Background()

	// The first test uses 2 MB
	_, err := env.engine.RunSpeedTest(ctx)
	require.NoError(t, err)

	_, err = env.engine.RunSpeedTest(ctx)
	assert.ErrorIs(t, err, ErrDataCapReached)
	assert.Equal(t, 1, env.tester.callCount())

	report, err := env.engine.MonthlyUsage(ctx)
	require.NoError(t, err)
	assert.True(t, report.CapReached)
	assert.Equal(t, int64(2<<20), report.TotalBytes)
	require.NotNil(t, report.CapInBytes)
	assert.Equal(t, int64(1<<20), *report.CapInBytes)
	assert.Equal(t, 100.0, report.PercentageUsed)
}

func TestEngineUpdateSettings(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))
	ctx := context.Background()

	env.engine.RunLiveness(ctx)
	require.Len(t, env.engine.tracker.States(), 2)

	next := env.engine.Settings()
	next.MonitoringHosts = next.MonitoringHosts[:1]
	next.LogLevel = "DEBUG"
	saved, err := env.engine.UpdateSettings(ctx, next)
	require.NoError(t, err)
	assert.Len(t, saved.MonitoringHosts, 1)
	assert.Len(t, env.engine.tracker.States(), 1)

	stored, err := env.store.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, stored.MonitoringHosts, 1)

	bad := env.engine.Settings()
	bad.MonitorInterval = -1
	_, err = env.engine.UpdateSettings(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.Equal(t, 5, env.engine.Settings().MonitorInterval)
}

func TestEngineClearHistory(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))
	ctx := context.Background()

	env.engine.RunLiveness(ctx)
	_, err := env.engine.RunSpeedTest(ctx)
	require.NoError(t, err)

	require.NoError(t, env.engine.ClearHistory(ctx))

	assert.Empty(t, env.engine.History())
	assert.Empty(t, env.engine.Status().LiveMonitoring)
	assert.Empty(t, env.engine.tracker.States())

	history, err := env.store.LoadRecentHistory(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = env.store.LoadSettings(ctx)
	assert.NoError(t, err)
}

func TestEngineRehydratesFromStore(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))
	ctx := context.Background()

	env.pinger.pings["8.8.8.8"] = []float64{-1}
	for i := 0; i < 3; i++ {
		env.engine.RunLiveness(ctx)
	}
	_, err := env.engine.RunSpeedTest(ctx)
	require.NoError(t, err)

	restarted, err := NewEngine(env.engine.config, env.store, nil, nil, WithPinger(env.pinger), WithSpeedTester(env.tester))
	require.NoError(t, err)
	require.NoError(t, restarted.rehydrate(ctx))

	assert.Equal(t, StateDown, restarted.tracker.Host("8.8.8.8").State)
	assert.Len(t, restarted.History(), 1)
	assert.Equal(t, 20.0, restarted.Status().CurrentSpeed.Download)
}

func TestEngineRestoredHostKeepsCooldown(t *testing.T) {
	sink := newWebhookSink(t)
	settings := baseSettings(sink.srv.URL)
	settings.Notifications.MinTimeBetweenNotifications = 5
	env := newTestEnv(t, settings)
	ctx := context.Background()

	notified := time.Now().Add(-time.Minute)
	require.NoError(t, env.store.SaveLiveHealth(ctx, &database.LiveHealth{
		Address:              "8.8.8.8",
		Name:                 "Google DNS",
		Ping:                 12,
		Timestamp:            time.Now().Add(-2 * time.Minute),
		LastNotificationTime: &notified,
	}))

	restarted, err := NewEngine(env.engine.config, env.store, env.hub, nil, WithPinger(env.pinger), WithSpeedTester(env.tester))
	require.NoError(t, err)
	require.NoError(t, restarted.rehydrate(ctx))
	restarted.gate.Configure(restarted.Settings().Notifications)

	env.pinger.pings["8.8.8.8"] = []float64{-1}
	for i := 0; i < 3; i++ {
		restarted.RunLiveness(ctx)
	}
	restarted.gate.Drain()

	assert.Equal(t, StateDown, restarted.tracker.Host("8.8.8.8").State)
	assert.Empty(t, sink.received())
}

func TestEngineSnapshot(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))
	env.engine.RunLiveness(context.Background())

	msg := env.engine.Snapshot()
	assert.Equal(t, broadcast.TypeInitial, msg.Type)

	snap, ok := msg.Data.(Snapshot)
	require.True(t, ok)
	assert.Len(t, snap.LiveMonitoring, 2)
	assert.Equal(t, "8.8.8.8", snap.Settings.PingHost)
	assert.Nil(t, snap.NextTest)
}

func TestEngineStartAndStop(t *testing.T) {
	env := newTestEnv(t, baseSettings(""))

	require.NoError(t, env.engine.Start(context.Background()))
	assert.True(t, env.engine.Status().IsMonitoring)

	next, interval := env.engine.NextTest()
	require.NotNil(t, next)
	assert.Equal(t, 30, interval)

	assert.Eventually(t, func() bool {
		return len(env.engine.Status().LiveMonitoring) == 2
	}, time.Second, 10*time.Millisecond)

	env.engine.Stop()
	assert.False(t, env.engine.Status().IsMonitoring)
	next, _ = env.engine.NextTest()
	assert.Nil(t, next)
}
