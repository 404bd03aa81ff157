// internal/monitoring/probe.go - ping and bandwidth probes
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/config"
	"linkpulse/internal/database"
)

// ErrDataCapReached is returned when this month's test traffic exceeds the cap.
var ErrDataCapReached = errors.New("monthly data cap reached")

var errNoResult = errors.New("speed test returned no result")

// CapReachedError carries the usage that triggered the refusal.
type CapReachedError struct {
	Cap       string
	CapBytes  int64
	UsedBytes int64
}

func (e *CapReachedError) Error() string {
	return fmt.Sprintf("monthly data cap of %s reached (%d of %d bytes used), speed tests resume next month",
		e.Cap, e.UsedBytes, e.CapBytes)
}

func (e *CapReachedError) Unwrap() error { return ErrDataCapReached }

// ProbeResult is a single ping of a monitored host.
type ProbeResult struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Ping      float64   `json:"ping"` // -1 when unreachable
	Timestamp time.Time `json:"timestamp"`
}

func (r ProbeResult) Failed() bool {
	return r.Ping < 0
}

// Pinger measures round trip time in milliseconds, -1 on any failure.
type Pinger interface {
	Ping(ctx context.Context, address string) float64
}

// SpeedTester runs one bandwidth measurement attempt.
type SpeedTester interface {
	Run(ctx context.Context) (*database.BandwidthResult, error)
}

// UsageReader reports speed test traffic over a period.
type UsageReader interface {
	MonthlyUsage(ctx context.Context, from, to time.Time) (database.Usage, error)
}

// ICMPPinger sends a single echo request per call.
type ICMPPinger struct {
	Timeout    time.Duration
	Privileged bool
}

func (p *ICMPPinger) Ping(ctx context.Context, address string) float64 {
	pinger, err := probing.NewPinger(address)
	if err != nil {
		logrus.WithError(err).WithField("host", address).Debug("Failed to create pinger")
		return -1
	}

	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		logrus.WithError(err).WithField("host", address).Debug("Ping failed")
		return -1
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return -1
	}
	return round2(float64(stats.AvgRtt) / float64(time.Millisecond))
}

// CommandSpeedTester runs the Ookla speedtest CLI and parses its JSON output.
type CommandSpeedTester struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func NewCommandSpeedTester(cfg config.SpeedTestConfig) *CommandSpeedTester {
	return &CommandSpeedTester{
		Command: cfg.Command,
		Args:    cfg.Args,
		Timeout: cfg.Timeout,
	}
}

func (t *CommandSpeedTester) Run(ctx context.Context) (*database.BandwidthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.Command, t.Args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("speed test timeout after %s: %w", t.Timeout, ctx.Err())
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("speedtest command failed: %s", msg)
	}

	if s := stderr.String(); s != "" && !strings.Contains(s, "Speedtest") {
		logrus.WithField("stderr", strings.TrimSpace(s)).Warn("Speed test wrote to stderr")
	}

	return ParseSpeedTestOutput(output)
}

type ooklaLatency struct {
	IQM    float64 `json:"iqm"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Jitter float64 `json:"jitter"`
}

type ooklaTransfer struct {
	Bandwidth float64       `json:"bandwidth"` // bytes per second
	Bytes     int64         `json:"bytes"`
	Latency   *ooklaLatency `json:"latency"`
}

type ooklaResult struct {
	Ping struct {
		Jitter  float64 `json:"jitter"`
		Latency float64 `json:"latency"`
	} `json:"ping"`
	Download *ooklaTransfer `json:"download"`
	Upload   *ooklaTransfer `json:"upload"`
	ISP      string         `json:"isp"`
	Server   struct {
		Name string `json:"name"`
	} `json:"server"`
	Result struct {
		URL string `json:"url"`
	} `json:"result"`
}

// ParseSpeedTestOutput normalizes the CLI's JSON into a BandwidthResult.
func ParseSpeedTestOutput(data []byte) (*database.BandwidthResult, error) {
	var raw ooklaResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse speed test output: %w", err)
	}
	if raw.Download == nil || raw.Upload == nil {
		return nil, errors.New("speed test output is missing download or upload results")
	}

	result := &database.BandwidthResult{
		Download:        round2(raw.Download.Bandwidth / 125000),
		Upload:          round2(raw.Upload.Bandwidth / 125000),
		Ping:            round2(raw.Ping.Latency),
		Jitter:          round2(raw.Ping.Jitter),
		DownloadLatency: round2(transferLatency(raw.Download)),
		UploadLatency:   round2(transferLatency(raw.Upload)),
		Server:          orUnknown(raw.Server.Name),
		ISP:             orUnknown(raw.ISP),
		ResultURL:       raw.Result.URL,
	}
	if l := raw.Download.Latency; l != nil && l.Jitter != 0 {
		result.Jitter = round2(l.Jitter)
	}
	if raw.Download.Bytes > 0 {
		b := raw.Download.Bytes
		result.DownloadBytes = &b
	}
	if raw.Upload.Bytes > 0 {
		b := raw.Upload.Bytes
		result.UploadBytes = &b
	}

	return result, nil
}

// transferLatency prefers the interquartile mean, then high, then low.
func transferLatency(t *ooklaTransfer) float64 {
	if t.Latency == nil {
		return 0
	}
	switch {
	case t.Latency.IQM != 0:
		return t.Latency.IQM
	case t.Latency.High != 0:
		return t.Latency.High
	default:
		return t.Latency.Low
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Error kinds of failed measurements.
const (
	ErrorKindTimeout = "timeout"
	ErrorKindNetwork = "network"
	ErrorKindDNS     = "dns"
	ErrorKindUnknown = "unknown"
)

var errorKindLabels = map[string]string{
	ErrorKindTimeout: "Timeout",
	ErrorKindNetwork: "Network Connection",
	ErrorKindDNS:     "DNS Resolution",
	ErrorKindUnknown: "Unknown",
}

// classifyError maps a measurement failure to an error kind.
func classifyError(err error) string {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
		return ErrorKindTimeout
	case errors.As(err, &dnsErr) || strings.Contains(msg, "enotfound") || strings.Contains(msg, "no such host"):
		return ErrorKindDNS
	case errors.As(err, &opErr) || strings.Contains(msg, "write") || strings.Contains(msg, "socket") ||
		strings.Contains(msg, "connection"):
		return ErrorKindNetwork
	default:
		return ErrorKindUnknown
	}
}

var dataCapPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(KB|MB|GB|TB|PB)$`)

var dataCapUnits = map[string]float64{
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
	"PB": 1 << 50,
}

// ParseDataCap converts a cap such as "5 GB" to bytes. ok is false when
// the cap is empty or malformed, meaning no cap applies.
func ParseDataCap(s string) (int64, bool) {
	m := dataCapPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int64(v * dataCapUnits[strings.ToUpper(m[2])]), true
}

// monthBounds returns the start of t's calendar month and of the next one.
func monthBounds(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 1, 0)
}

// ProbeRunner performs pings and bandwidth tests with retry and cap checks.
type ProbeRunner struct {
	pinger      Pinger
	tester      SpeedTester
	usage       UsageReader
	maxAttempts int
	retryDelay  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProbeRunner(pinger Pinger, tester SpeedTester, usage UsageReader, cfg config.SpeedTestConfig) *ProbeRunner {
	return &ProbeRunner{
		pinger:      pinger,
		tester:      tester,
		usage:       usage,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *ProbeRunner) Ping(ctx context.Context, address string) float64 {
	return p.pinger.Ping(ctx, address)
}

// CheckDataCap returns a *CapReachedError when this month's usage has
// reached dataCap.
func (p *ProbeRunner) CheckDataCap(ctx context.Context, dataCap string) error {
	capBytes, ok := ParseDataCap(dataCap)
	if !ok || p.usage == nil {
		return nil
	}

	from, to := monthBounds(p.now())
	usage, err := p.usage.MonthlyUsage(ctx, from, to)
	if err != nil {
		// Without usage data the test is allowed to run
		logrus.WithError(err).Warn("Failed to read monthly usage")
		return nil
	}

	if usage.TotalBytes >= capBytes {
		return &CapReachedError{Cap: dataCap, CapBytes: capBytes, UsedBytes: usage.TotalBytes}
	}
	return nil
}

// RunBandwidthTest measures bandwidth, retrying failed attempts with a
// growing delay. Exhausted or interrupted retries yield a failed result
// and a nil error.
func (p *ProbeRunner) RunBandwidthTest(ctx context.Context, dataCap string) (*database.BandwidthResult, error) {
	if err := p.CheckDataCap(ctx, dataCap); err != nil {
		return nil, err
	}

	attempts := p.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		logrus.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": attempts,
		}).Info("Starting speed test")

		made = attempt
		result, err := p.tester.Run(ctx)
		if err == nil && result == nil {
			err = errNoResult
		}
		if err == nil {
			result.Timestamp = p.now()
			return result, nil
		}
		lastErr = err

		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    classifyError(err),
		}).Error("Speed test attempt failed")

		if attempt == attempts {
			break
		}

		delay := time.Duration(attempt) * p.retryDelay
		logrus.WithField("delay", delay).Info("Retrying speed test")
		if err := p.sleep(ctx, delay); err != nil {
			logrus.WithError(err).Warn("Speed test retries interrupted")
			break
		}
	}

	kind := classifyError(lastErr)

	logrus.Warn("All speed test attempts failed, network or speed test servers may be unavailable")

	return &database.BandwidthResult{
		Timestamp: p.now(),
		Error:     fmt.Sprintf("Speed test failed after %d attempts (%s): %s", made, errorKindLabels[kind], truncate(lastErr.Error(), 100)),
		ErrorKind: kind,
	}, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
