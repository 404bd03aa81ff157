// internal/database/store.go
package database

import (
	"context"
	"errors"
	"time"

	"linkpulse/internal/config"
)

var ErrNotFound = errors.New("not found")

// Store defines the interface for database operations
type Store interface {
	// Speed test history, newest first
	SaveBandwidthResult(ctx context.Context, result *BandwidthResult) error
	LoadRecentHistory(ctx context.Context, limit int) ([]BandwidthResult, error)
	HistoryPage(ctx context.Context, limit, offset int) ([]BandwidthResult, int, error)
	MonthlyUsage(ctx context.Context, from, to time.Time) (Usage, error)

	// Live monitoring. SaveLiveHealth upserts by address and appends a sample.
	SaveLiveHealth(ctx context.Context, health *LiveHealth) error
	LoadLiveHealth(ctx context.Context) (map[string]LiveHealth, error)
	LiveHistory(ctx context.Context, address string, since time.Time) ([]LiveSample, error)
	DeleteLiveHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)

	// ClearHistory removes speed tests, live state and live history.
	ClearHistory(ctx context.Context) error

	// LoadSettings returns ErrNotFound until settings were saved once.
	LoadSettings(ctx context.Context) (*config.Settings, error)
	SaveSettings(ctx context.Context, settings *config.Settings) error

	Close() error
}
