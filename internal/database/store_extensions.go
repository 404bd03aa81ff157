// internal/database/store_extensions.go - maintenance operations
package database

import (
	"context"
	"fmt"
	"time"
)

// ExtendedStore extends the basic Store interface with maintenance operations
type ExtendedStore interface {
	Store

	CompactDatabase(ctx context.Context) error
	GetDatabaseStats(ctx context.Context) (*DatabaseStats, error)
}

// DatabaseStats provides information about database size and health
type DatabaseStats struct {
	Backend          string    `json:"backend"`
	TotalSpeedTests  int       `json:"total_speed_tests"`
	TotalLiveHosts   int       `json:"total_live_hosts"`
	TotalLiveSamples int       `json:"total_live_samples"`
	DatabaseSize     int64     `json:"database_size_bytes"`
	OldestSpeedTest  time.Time `json:"oldest_speed_test"`
	NewestSpeedTest  time.Time `json:"newest_speed_test"`
}

// Open returns the store for the configured backend.
func Open(kind, path string) (ExtendedStore, error) {
	switch kind {
	case "", "boltdb":
		s, err := NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", kind)
	}
}
