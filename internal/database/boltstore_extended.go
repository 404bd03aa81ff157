// internal/database/boltstore_extended.go - purging and maintenance
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// DeleteLiveHistoryBefore removes live samples older than cutoff
func (s *BoltStore) DeleteLiveHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0

	err := s.update(func(tx *bbolt.Tx) error {
		historyBucket := tx.Bucket(LiveHistoryBucket)

		var keysToDelete [][]byte
		cursor := historyBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, ok := sampleTime(k)
			if ok && ts.Before(cutoff) {
				keysToDelete = append(keysToDelete, copyBytes(k))
			}
		}

		for _, key := range keysToDelete {
			if err := historyBucket.Delete(key); err != nil {
				return fmt.Errorf("failed to delete live sample: %w", err)
			}
			deletedCount++
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to delete old live history: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"deleted_count": deletedCount,
		"cutoff_time":   cutoff,
	}).Info("Deleted old live monitoring samples")

	return deletedCount, nil
}

// ClearHistory empties speed tests and live monitoring data. Settings stay.
func (s *BoltStore) ClearHistory(ctx context.Context) error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{SpeedTestsBucket, LiveBucket, LiveHistoryBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return fmt.Errorf("failed to drop bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetDatabaseStats returns information about database size and health
func (s *BoltStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "boltdb"}

	err := s.view(func(tx *bbolt.Tx) error {
		tests := tx.Bucket(SpeedTestsBucket)
		stats.TotalSpeedTests = tests.Stats().KeyN
		stats.TotalLiveHosts = tx.Bucket(LiveBucket).Stats().KeyN
		stats.TotalLiveSamples = tx.Bucket(LiveHistoryBucket).Stats().KeyN

		cursor := tests.Cursor()

		// Get oldest (first entry)
		if k, v := cursor.First(); k != nil {
			var r BandwidthResult
			if err := json.Unmarshal(v, &r); err == nil {
				stats.OldestSpeedTest = r.Timestamp
			}
		}

		// Get newest (last entry)
		if k, v := cursor.Last(); k != nil {
			var r BandwidthResult
			if err := json.Unmarshal(v, &r); err == nil {
				stats.NewestSpeedTest = r.Timestamp
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// CompactDatabase copies every bucket into a fresh file and swaps it in.
func (s *BoltStore) CompactDatabase(ctx context.Context) error {
	logrus.Info("Starting database compaction")

	s.mu.Lock()
	defer s.mu.Unlock()

	compactPath := s.path + ".compact.tmp"

	newDB, err := openBolt(compactPath)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	err = s.db.View(func(oldTx *bbolt.Tx) error {
		return newDB.Update(func(newTx *bbolt.Tx) error {
			for _, bucketName := range allBuckets {
				newBucket, err := newTx.CreateBucketIfNotExists(bucketName)
				if err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
				}

				oldBucket := oldTx.Bucket(bucketName)
				if oldBucket == nil {
					continue
				}

				cursor := oldBucket.Cursor()
				for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
					if err := newBucket.Put(copyBytes(k), copyBytes(v)); err != nil {
						return fmt.Errorf("failed to copy data: %w", err)
					}
				}
			}
			return nil
		})
	})
	newDB.Close()
	if err != nil {
		os.Remove(compactPath)
		return fmt.Errorf("failed to copy data to compact database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(compactPath)
		return fmt.Errorf("failed to close database: %w", err)
	}

	// Replace old database with compacted version
	if err := os.Rename(compactPath, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	s.db, err = openBolt(s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted database: %w", err)
	}

	logrus.Info("Database compaction completed successfully")
	return nil
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
