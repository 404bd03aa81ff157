// internal/config/config.go - process configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Web        WebConfig        `yaml:"web"`
	Database   DatabaseConfig   `yaml:"database"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	SpeedTest  SpeedTestConfig  `yaml:"speedtest"`
	Logging    LoggingConfig    `yaml:"logging"`
	Defaults   Settings         `yaml:"defaults"` // seeds the store on first start
	Include    IncludeConfig    `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WebConfig struct {
	StaticDir string `yaml:"static_dir"` // built dashboard, served when present
	Root      string `yaml:"root"`
}

type DatabaseConfig struct {
	Type             string        `yaml:"type"` // boltdb or sqlite
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"` // live monitoring samples
	CleanupSchedule  string        `yaml:"cleanup_schedule"`  // cron expression
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type MonitoringConfig struct {
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	Privileged           bool          `yaml:"privileged"` // raw ICMP sockets instead of UDP
	HistorySize          int           `yaml:"history_size"`
	BroadcastBatchWindow time.Duration `yaml:"broadcast_batch_window"`
	BroadcastBatchSize   int           `yaml:"broadcast_batch_size"`
	NotificationTimeout  time.Duration `yaml:"notification_timeout"`
}

type SpeedTestConfig struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"` // attempt N waits N x retry_delay
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PartialConfig represents an include file. Hosts are appended to the
// default monitoring hosts; other sections override when present.
type PartialConfig struct {
	Server     *ServerConfig     `yaml:"server,omitempty"`
	Database   *DatabaseConfig   `yaml:"database,omitempty"`
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`
	Monitoring *MonitoringConfig `yaml:"monitoring,omitempty"`
	SpeedTest  *SpeedTestConfig  `yaml:"speedtest,omitempty"`
	Logging    *LoggingConfig    `yaml:"logging,omitempty"`
	Hosts      []MonitoredHost   `yaml:"hosts,omitempty"`
}

func Load(filename string) (*Config, error) {
	// Load the main config file
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Defaults: DefaultSettings()}
	setDefaults(cfg)
	return cfg
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unset defaults fields keep their built-in values
	config := Config{Defaults: DefaultSettings()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Make include directory relative to main config file if not absolute
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	// Also check for .yml files if pattern is default
	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	if len(partial.Hosts) > 0 {
		mergeHosts(&config.Defaults, partial.Hosts)
	}
	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}
	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}
	if partial.Prometheus != nil {
		mergePrometheusConfig(&config.Prometheus, partial.Prometheus)
	}
	if partial.Monitoring != nil {
		mergeMonitoringConfig(&config.Monitoring, partial.Monitoring)
	}
	if partial.SpeedTest != nil {
		mergeSpeedTestConfig(&config.SpeedTest, partial.SpeedTest)
	}
	if partial.Logging != nil {
		mergeLoggingConfig(&config.Logging, partial.Logging)
	}
}

// mergeHosts appends hosts not already present, by address.
func mergeHosts(settings *Settings, hosts []MonitoredHost) {
	existing := make(map[string]bool)
	for _, h := range settings.MonitoringHosts {
		existing[h.Address] = true
	}
	for _, h := range hosts {
		if !existing[h.Address] {
			settings.MonitoringHosts = append(settings.MonitoringHosts, h)
			existing[h.Address] = true
		}
	}
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
	if partial.ShutdownTimeout != 0 {
		main.ShutdownTimeout = partial.ShutdownTimeout
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Type != "" {
		main.Type = partial.Type
	}
	if partial.Path != "" {
		main.Path = partial.Path
	}
	if partial.HistoryRetention != 0 {
		main.HistoryRetention = partial.HistoryRetention
	}
	if partial.CleanupSchedule != "" {
		main.CleanupSchedule = partial.CleanupSchedule
	}
}

func mergePrometheusConfig(main *PrometheusConfig, partial *PrometheusConfig) {
	main.Enabled = partial.Enabled
	if partial.MetricsPath != "" {
		main.MetricsPath = partial.MetricsPath
	}
}

func mergeMonitoringConfig(main *MonitoringConfig, partial *MonitoringConfig) {
	if partial.PingTimeout != 0 {
		main.PingTimeout = partial.PingTimeout
	}
	if partial.HistorySize != 0 {
		main.HistorySize = partial.HistorySize
	}
	if partial.BroadcastBatchWindow != 0 {
		main.BroadcastBatchWindow = partial.BroadcastBatchWindow
	}
	if partial.BroadcastBatchSize != 0 {
		main.BroadcastBatchSize = partial.BroadcastBatchSize
	}
	if partial.NotificationTimeout != 0 {
		main.NotificationTimeout = partial.NotificationTimeout
	}
	main.Privileged = partial.Privileged
}

func mergeSpeedTestConfig(main *SpeedTestConfig, partial *SpeedTestConfig) {
	if partial.Command != "" {
		main.Command = partial.Command
	}
	if len(partial.Args) > 0 {
		main.Args = partial.Args
	}
	if partial.Timeout != 0 {
		main.Timeout = partial.Timeout
	}
	if partial.MaxAttempts != 0 {
		main.MaxAttempts = partial.MaxAttempts
	}
	if partial.RetryDelay != 0 {
		main.RetryDelay = partial.RetryDelay
	}
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
	if partial.Level != "" {
		main.Level = partial.Level
	}
	if partial.Format != "" {
		main.Format = partial.Format
	}
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8745"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Web defaults
	if cfg.Web.StaticDir == "" {
		cfg.Web.StaticDir = "frontend/build"
	}
	if cfg.Web.Root == "" {
		cfg.Web.Root = "index.html"
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		if cfg.Database.Type == "sqlite" {
			cfg.Database.Path = "./data/linkpulse.sqlite"
		} else {
			cfg.Database.Path = "./data/linkpulse.db"
		}
	}
	if cfg.Database.HistoryRetention == 0 {
		cfg.Database.HistoryRetention = 7 * 24 * time.Hour
	}
	if cfg.Database.CleanupSchedule == "" {
		cfg.Database.CleanupSchedule = "0 3 * * *"
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	// Monitoring defaults
	if cfg.Monitoring.PingTimeout == 0 {
		cfg.Monitoring.PingTimeout = 2 * time.Second
	}
	if cfg.Monitoring.HistorySize == 0 {
		cfg.Monitoring.HistorySize = 100
	}
	if cfg.Monitoring.BroadcastBatchWindow == 0 {
		cfg.Monitoring.BroadcastBatchWindow = 100 * time.Millisecond
	}
	if cfg.Monitoring.BroadcastBatchSize == 0 {
		cfg.Monitoring.BroadcastBatchSize = 50
	}
	if cfg.Monitoring.NotificationTimeout == 0 {
		cfg.Monitoring.NotificationTimeout = 30 * time.Second
	}

	// Speed test defaults
	if cfg.SpeedTest.Command == "" {
		cfg.SpeedTest.Command = "speedtest"
	}
	if len(cfg.SpeedTest.Args) == 0 {
		cfg.SpeedTest.Args = []string{"--accept-license", "--accept-gdpr", "--format=json"}
	}
	if cfg.SpeedTest.Timeout == 0 {
		cfg.SpeedTest.Timeout = 90 * time.Second
	}
	if cfg.SpeedTest.MaxAttempts == 0 {
		cfg.SpeedTest.MaxAttempts = 4
	}
	if cfg.SpeedTest.RetryDelay == 0 {
		cfg.SpeedTest.RetryDelay = 10 * time.Second
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	cfg.Defaults.ApplyDefaults()
}

func validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "boltdb", "sqlite":
	default:
		return fmt.Errorf("database.type must be boltdb or sqlite, got %q", cfg.Database.Type)
	}
	if cfg.Database.HistoryRetention < 0 {
		return fmt.Errorf("database.history_retention must be positive")
	}

	if cfg.Monitoring.PingTimeout <= 0 {
		return fmt.Errorf("monitoring.ping_timeout must be positive")
	}
	if cfg.Monitoring.HistorySize < 1 {
		return fmt.Errorf("monitoring.history_size must be at least 1")
	}
	if cfg.Monitoring.BroadcastBatchSize < 1 {
		return fmt.Errorf("monitoring.broadcast_batch_size must be at least 1")
	}

	if cfg.SpeedTest.MaxAttempts < 1 {
		return fmt.Errorf("speedtest.max_attempts must be at least 1")
	}
	if cfg.SpeedTest.Timeout <= 0 {
		return fmt.Errorf("speedtest.timeout must be positive")
	}
	if cfg.SpeedTest.RetryDelay < 0 {
		return fmt.Errorf("speedtest.retry_delay must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	if err := cfg.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	return nil
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
