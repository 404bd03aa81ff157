// internal/monitoring/scheduler.go - liveness and bandwidth loops
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultTestInterval = 30

// Scheduler owns the liveness ticker loop and the cron driven bandwidth
// loop. At most one instance of each runs at a time.
type Scheduler struct {
	live      func(ctx context.Context)
	bandwidth func()

	// lifecycle serializes Start, Restart and Stop. mu guards the fields
	// below and is never held while waiting on the liveness loop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	spec     string
}

// NewScheduler calls live on every liveness tick and bandwidth on every
// cron fire. bandwidth runs outside the loop contexts so restarts never
// interrupt a measurement.
func NewScheduler(live func(ctx context.Context), bandwidth func()) *Scheduler {
	return &Scheduler{
		live:      live,
		bandwidth: bandwidth,
	}
}

// Start launches both loops. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context, monitorInterval time.Duration, testIntervalMinutes int) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Running() {
		return nil
	}
	return s.start(ctx, monitorInterval, testIntervalMinutes)
}

// Restart stops both loops, waits for the liveness loop to exit and starts
// them again with the new intervals.
func (s *Scheduler) Restart(ctx context.Context, monitorInterval time.Duration, testIntervalMinutes int) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	logrus.Info("Restarting monitoring with new settings")
	s.stop()
	return s.start(ctx, monitorInterval, testIntervalMinutes)
}

func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop()
}

func (s *Scheduler) start(ctx context.Context, monitorInterval time.Duration, testIntervalMinutes int) error {
	if monitorInterval <= 0 {
		return fmt.Errorf("invalid monitor interval %s", monitorInterval)
	}

	spec := cronSpec(testIntervalMinutes)
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	entry, err := c.AddFunc(spec, s.bandwidth)
	if err != nil {
		return fmt.Errorf("failed to schedule speed tests %q: %w", spec, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cron = c
	s.entry = entry
	s.cancel = cancel
	s.done = done
	s.interval = monitorInterval
	s.spec = spec
	s.running = true
	s.mu.Unlock()

	c.Start()
	go s.runLiveness(loopCtx, monitorInterval, done)

	logrus.WithFields(logrus.Fields{
		"monitor_interval": monitorInterval,
		"test_schedule":    spec,
	}).Info("Monitoring started")

	return nil
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done, c := s.cancel, s.done, s.cron
	s.running = false
	s.cron = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	// The last tick may still be publishing, so wait without holding mu
	cancel()
	<-done
	// Running jobs are left to finish
	c.Stop()

	logrus.Debug("Monitoring loops stopped")
}

func (s *Scheduler) runLiveness(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one liveness cycle, recovering panics so the loop continues.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("Liveness cycle panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	s.live(ctx)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextBandwidthRun returns the next scheduled speed test.
func (s *Scheduler) NextBandwidthRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return time.Time{}, false
	}
	next := s.cron.Entry(s.entry).Next
	if next.IsZero() {
		// Entries get their first fire time once the cron loop runs
		sched, err := cron.ParseStandard(s.spec)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(time.Now())
	}
	return next, true
}

// cronSpec aligns the bandwidth schedule to wall clock boundaries.
func cronSpec(minutes int) string {
	if minutes <= 0 {
		minutes = defaultTestInterval
	}
	switch {
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes)
	case minutes == 24*60:
		return "0 0 * * *"
	case minutes%60 == 0 && minutes < 24*60:
		return fmt.Sprintf("0 */%d * * *", minutes/60)
	default:
		return fmt.Sprintf("@every %dm", minutes)
	}
}
