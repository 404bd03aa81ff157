// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"linkpulse/internal/config"
)

var (
	SpeedTestsBucket  = []byte("speed_tests")
	LiveBucket        = []byte("live")
	LiveHistoryBucket = []byte("live_history")
	MetaBucket        = []byte("meta")

	allBuckets = [][]byte{SpeedTestsBucket, LiveBucket, LiveHistoryBucket, MetaBucket}

	settingsKey = []byte("settings")
)

type BoltStore struct {
	mu   sync.RWMutex // guards db, swapped by CompactDatabase
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openBolt(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func openBolt(path string) (*bbolt.DB, error) {
	return bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
}

func (s *BoltStore) initBuckets() error {
	return s.update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

func (s *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(fn)
}

// timeKey sorts lexically in chronological order.
func timeKey(t time.Time) string {
	if t.Before(time.Unix(0, 0)) {
		return fmt.Sprintf("%020d", 0)
	}
	return fmt.Sprintf("%020d", t.UnixNano())
}

func liveHistoryKey(address string, t time.Time) []byte {
	return []byte(address + "|" + timeKey(t))
}

func (s *BoltStore) SaveBandwidthResult(ctx context.Context, result *BandwidthResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal speed test: %w", err)
	}

	return s.update(func(tx *bbolt.Tx) error {
		key := timeKey(result.Timestamp) + ":" + result.ID
		return tx.Bucket(SpeedTestsBucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) LoadRecentHistory(ctx context.Context, limit int) ([]BandwidthResult, error) {
	results, _, err := s.HistoryPage(ctx, limit, 0)
	return results, err
}

func (s *BoltStore) HistoryPage(ctx context.Context, limit, offset int) ([]BandwidthResult, int, error) {
	var results []BandwidthResult
	total := 0

	err := s.view(func(tx *bbolt.Tx) error {
		b := tx.Bucket(SpeedTestsBucket)
		total = b.Stats().KeyN

		skipped := 0
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(results) >= limit {
				break
			}
			var r BandwidthResult
			if err := json.Unmarshal(v, &r); err != nil {
				continue // Skip malformed entries
			}
			results = append(results, r)
		}
		return nil
	})

	return results, total, err
}

func (s *BoltStore) MonthlyUsage(ctx context.Context, from, to time.Time) (Usage, error) {
	var usage Usage

	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(SpeedTestsBucket).Cursor()
		end := []byte(timeKey(to))

		for k, v := c.Seek([]byte(timeKey(from))); k != nil && bytes.Compare(k, end) < 0; k, v = c.Next() {
			var r BandwidthResult
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			usage.add(&r)
		}
		return nil
	})

	return usage, err
}

func (s *BoltStore) SaveLiveHealth(ctx context.Context, health *LiveHealth) error {
	if health.Timestamp.IsZero() {
		health.Timestamp = time.Now()
	}

	data, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal live health: %w", err)
	}

	sample, err := json.Marshal(LiveSample{
		Address:   health.Address,
		Name:      health.Name,
		Ping:      health.Ping,
		Timestamp: health.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal live sample: %w", err)
	}

	return s.update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(LiveBucket).Put([]byte(health.Address), data); err != nil {
			return err
		}
		return tx.Bucket(LiveHistoryBucket).Put(liveHistoryKey(health.Address, health.Timestamp), sample)
	})
}

func (s *BoltStore) LoadLiveHealth(ctx context.Context) (map[string]LiveHealth, error) {
	live := make(map[string]LiveHealth)

	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(LiveBucket).ForEach(func(k, v []byte) error {
			var h LiveHealth
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("failed to unmarshal live health %s: %w", k, err)
			}
			live[h.Address] = h
			return nil
		})
	})

	return live, err
}

func (s *BoltStore) LiveHistory(ctx context.Context, address string, since time.Time) ([]LiveSample, error) {
	var samples []LiveSample

	err := s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(LiveHistoryBucket).Cursor()
		prefix := []byte(address + "|")

		for k, v := c.Seek(liveHistoryKey(address, since)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sample LiveSample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			samples = append(samples, sample)
		}
		return nil
	})

	return samples, err
}

func (s *BoltStore) LoadSettings(ctx context.Context) (*config.Settings, error) {
	var settings config.Settings

	err := s.view(func(tx *bbolt.Tx) error {
		v := tx.Bucket(MetaBucket).Get(settingsKey)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &settings)
	})

	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *BoltStore) SaveSettings(ctx context.Context, settings *config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(MetaBucket).Put(settingsKey, data)
	})
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// sampleTime extracts the timestamp suffix of a live history key.
func sampleTime(k []byte) (time.Time, bool) {
	idx := strings.LastIndexByte(string(k), '|')
	if idx < 0 {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(string(k[idx+1:]), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
