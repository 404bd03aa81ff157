// internal/monitoring/retention.go - live history retention
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/database"
)

// RetentionManager deletes live monitoring samples older than the
// retention period on a cron schedule.
type RetentionManager struct {
	store     database.Store
	retention time.Duration
	schedule  string
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRetentionManager(store database.Store, retention time.Duration, schedule string) *RetentionManager {
	return &RetentionManager{
		store:     store,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
	}
}

// Purge removes samples older than the retention period.
func (rm *RetentionManager) Purge(ctx context.Context) (int, error) {
	cutoff := rm.now().Add(-rm.retention)

	deleted, err := rm.store.DeleteLiveHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention purge failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("Cleaned up old monitoring history")

	return deleted, nil
}

// Start purges once in the background and then on every schedule fire.
func (rm *RetentionManager) Start(ctx context.Context) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(rm.schedule, func() {
		if _, err := rm.Purge(ctx); err != nil {
			logrus.WithError(err).Error("Scheduled purge failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", rm.schedule, err)
	}

	go func() {
		if _, err := rm.Purge(ctx); err != nil {
			logrus.WithError(err).Error("Initial purge failed")
		}
	}()

	c.Start()
	rm.cron = c

	logrus.WithFields(logrus.Fields{
		"schedule":  rm.schedule,
		"retention": rm.retention,
	}).Info("Scheduled live history cleanup")

	return nil
}

func (rm *RetentionManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.cron == nil {
		return
	}
	<-rm.cron.Stop().Done()
	rm.cron = nil
}
