package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"linkpulse/internal/broadcast"
	"linkpulse/internal/config"
	"linkpulse/internal/database"
	"linkpulse/internal/metrics"
	"linkpulse/internal/monitoring"
	"linkpulse/internal/web"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		info := web.GetBuildInfo()
		fmt.Printf("LinkPulse internet monitor %s\nCommit: %s\nBuilt: %s\nGo: %s %s/%s\n",
			info.Version, info.GitCommit, info.BuildTime, info.GoVersion, info.GoOS, info.GoArch)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"database":    cfg.Database.Type,
	}).Info("Starting LinkPulse internet monitor")

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)
	hub := broadcast.NewHub(cfg.Monitoring.BroadcastBatchWindow, cfg.Monitoring.BroadcastBatchSize, metricsCollector)

	engine, err := monitoring.NewEngine(cfg, store, hub, metricsCollector)
	if err != nil {
		logrus.Fatalf("Failed to initialize monitoring engine: %v", err)
	}

	webServer := web.NewServer(cfg, store, engine, hub, metricsCollector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start monitoring engine: %v", err)
	}

	if err := webServer.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start web server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown incomplete")
	}
	engine.Stop()
	hub.Close()

	logrus.Info("Shutdown complete")
}

// loadConfig falls back to built-in defaults when the file is missing.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logrus.WithField("config_file", path).Warn("Config file not found, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
