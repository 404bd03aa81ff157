// internal/database/sqlitestore.go - SQLite implementation
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"linkpulse/internal/config"
)

const (
	createSpeedTestsTable = `
	CREATE TABLE IF NOT EXISTS speed_tests (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		download REAL NOT NULL DEFAULT 0,
		upload REAL NOT NULL DEFAULT 0,
		ping REAL NOT NULL DEFAULT 0,
		jitter REAL NOT NULL DEFAULT 0,
		download_latency REAL NOT NULL DEFAULT 0,
		upload_latency REAL NOT NULL DEFAULT 0,
		server TEXT NOT NULL DEFAULT '',
		isp TEXT NOT NULL DEFAULT '',
		result_url TEXT NOT NULL DEFAULT '',
		download_bytes INTEGER,
		upload_bytes INTEGER,
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT ''
	)`

	createLiveTable = `
	CREATE TABLE IF NOT EXISTS live_monitoring (
		address TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ping REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		is_down INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		consecutive_successes INTEGER NOT NULL DEFAULT 0,
		last_notification_time INTEGER
	)`

	createLiveHistoryTable = `
	CREATE TABLE IF NOT EXISTS live_monitoring_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL,
		name TEXT NOT NULL,
		ping REAL NOT NULL,
		timestamp INTEGER NOT NULL
	)`

	createSettingsTable = `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`

	createIndexes = `
	CREATE INDEX IF NOT EXISTS idx_speed_tests_timestamp ON speed_tests(timestamp);
	CREATE INDEX IF NOT EXISTS idx_live_history_address_ts ON live_monitoring_history(address, timestamp)`

	speedTestColumns = `id, timestamp, download, upload, ping, jitter, download_latency, upload_latency,
		server, isp, result_url, download_bytes, upload_bytes, error, error_kind`
)

// SQLiteStore keeps the same data as BoltStore in relational tables.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite allows a single writer
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	store := &SQLiteStore{conn: conn, path: path}
	if err := store.runMigrations(); err != nil {
		conn.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) runMigrations() error {
	migrations := []string{
		createSpeedTestsTable,
		createLiveTable,
		createLiveHistoryTable,
		createSettingsTable,
		createIndexes,
	}

	for _, migration := range migrations {
		if _, err := s.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBandwidthResult(row rowScanner) (BandwidthResult, error) {
	var (
		r                          BandwidthResult
		ts                         int64
		downloadBytes, uploadBytes sql.NullInt64
	)
	err := row.Scan(&r.ID, &ts, &r.Download, &r.Upload, &r.Ping, &r.Jitter,
		&r.DownloadLatency, &r.UploadLatency, &r.Server, &r.ISP, &r.ResultURL,
		&downloadBytes, &uploadBytes, &r.Error, &r.ErrorKind)
	if err != nil {
		return r, err
	}
	r.Timestamp = time.Unix(0, ts)
	if downloadBytes.Valid {
		v := downloadBytes.Int64
		r.DownloadBytes = &v
	}
	if uploadBytes.Valid {
		v := uploadBytes.Int64
		r.UploadBytes = &v
	}
	return r, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLiteStore) SaveBandwidthResult(ctx context.Context, result *BandwidthResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}

	_, err := s.conn.ExecContext(ctx, `INSERT INTO speed_tests (`+speedTestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.Timestamp.UnixNano(), result.Download, result.Upload, result.Ping, result.Jitter,
		result.DownloadLatency, result.UploadLatency, result.Server, result.ISP, result.ResultURL,
		nullInt(result.DownloadBytes), nullInt(result.UploadBytes), result.Error, result.ErrorKind)
	if err != nil {
		return fmt.Errorf("failed to insert speed test: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRecentHistory(ctx context.Context, limit int) ([]BandwidthResult, error) {
	results, _, err := s.HistoryPage(ctx, limit, 0)
	return results, err
}

func (s *SQLiteStore) HistoryPage(ctx context.Context, limit, offset int) ([]BandwidthResult, int, error) {
	var total int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM speed_tests`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count speed tests: %w", err)
	}

	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT `+speedTestColumns+` FROM speed_tests
		ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query speed tests: %w", err)
	}
	defer rows.Close()

	var results []BandwidthResult
	for rows.Next() {
		r, err := scanBandwidthResult(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan speed test: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func (s *SQLiteStore) MonthlyUsage(ctx context.Context, from, to time.Time) (Usage, error) {
	var usage Usage
	err := s.conn.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(download_bytes), 0),
			COALESCE(SUM(upload_bytes), 0),
			COUNT(*)
		FROM speed_tests
		WHERE timestamp >= ? AND timestamp < ?
			AND (download_bytes IS NOT NULL OR upload_bytes IS NOT NULL)`,
		from.UnixNano(), to.UnixNano()).Scan(&usage.DownloadBytes, &usage.UploadBytes, &usage.Tests)
	if err != nil {
		return usage, fmt.Errorf("failed to sum monthly usage: %w", err)
	}
	usage.TotalBytes = usage.DownloadBytes + usage.UploadBytes
	return usage, nil
}

func (s *SQLiteStore) SaveLiveHealth(ctx context.Context, health *LiveHealth) error {
	if health.Timestamp.IsZero() {
		health.Timestamp = time.Now()
	}

	var lastNotified sql.NullInt64
	if health.LastNotificationTime != nil {
		lastNotified = sql.NullInt64{Int64: health.LastNotificationTime.UnixNano(), Valid: true}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO live_monitoring
		(address, name, ping, timestamp, is_down, consecutive_failures, consecutive_successes, last_notification_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			ping = excluded.ping,
			timestamp = excluded.timestamp,
			is_down = excluded.is_down,
			consecutive_failures = excluded.consecutive_failures,
			consecutive_successes = excluded.consecutive_successes,
			last_notification_time = excluded.last_notification_time`,
		health.Address, health.Name, health.Ping, health.Timestamp.UnixNano(), health.IsDown,
		health.ConsecutiveFailures, health.ConsecutiveSuccesses, lastNotified)
	if err != nil {
		return fmt.Errorf("failed to upsert live health: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO live_monitoring_history (address, name, ping, timestamp)
		VALUES (?, ?, ?, ?)`, health.Address, health.Name, health.Ping, health.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert live sample: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadLiveHealth(ctx context.Context) (map[string]LiveHealth, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT address, name, ping, timestamp, is_down,
		consecutive_failures, consecutive_successes, last_notification_time FROM live_monitoring`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live health: %w", err)
	}
	defer rows.Close()

	live := make(map[string]LiveHealth)
	for rows.Next() {
		var (
			h            LiveHealth
			ts           int64
			lastNotified sql.NullInt64
		)
		if err := rows.Scan(&h.Address, &h.Name, &h.Ping, &ts, &h.IsDown,
			&h.ConsecutiveFailures, &h.ConsecutiveSuccesses, &lastNotified); err != nil {
			return nil, fmt.Errorf("failed to scan live health: %w", err)
		}
		h.Timestamp = time.Unix(0, ts)
		if lastNotified.Valid {
			t := time.Unix(0, lastNotified.Int64)
			h.LastNotificationTime = &t
		}
		live[h.Address] = h
	}
	return live, rows.Err()
}

func (s *SQLiteStore) LiveHistory(ctx context.Context, address string, since time.Time) ([]LiveSample, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT address, name, ping, timestamp
		FROM live_monitoring_history WHERE address = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, address, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query live history: %w", err)
	}
	defer rows.Close()

	var samples []LiveSample
	for rows.Next() {
		var (
			sample LiveSample
			ts     int64
		)
		if err := rows.Scan(&sample.Address, &sample.Name, &sample.Ping, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan live sample: %w", err)
		}
		sample.Timestamp = time.Unix(0, ts)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *SQLiteStore) DeleteLiveHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM live_monitoring_history WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old live history: %w", err)
	}
	n, _ := res.RowsAffected()

	logrus.WithFields(logrus.Fields{
		"deleted_count": n,
		"cutoff_time":   cutoff,
	}).Info("Deleted old live monitoring samples")

	return int(n), nil
}

func (s *SQLiteStore) ClearHistory(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"speed_tests", "live_monitoring", "live_monitoring_history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSettings(ctx context.Context) (*config.Settings, error) {
	var raw string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'app'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var settings config.Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, settings *config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES ('app', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(data))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "sqlite"}

	var oldest, newest sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM speed_tests`).
		Scan(&stats.TotalSpeedTests, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestSpeedTest = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		stats.NewestSpeedTest = time.Unix(0, newest.Int64)
	}

	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_monitoring`).Scan(&stats.TotalLiveHosts); err != nil {
		return nil, fmt.Errorf("failed to count live hosts: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_monitoring_history`).Scan(&stats.TotalLiveSamples); err != nil {
		return nil, fmt.Errorf("failed to count live samples: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *SQLiteStore) CompactDatabase(ctx context.Context) error {
	logrus.Info("Starting database compaction")
	if _, err := s.conn.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	logrus.Info("Database compaction completed successfully")
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
