// Package main provides the Exopticon core's entry point: it wires the
// Camera Configuration Source, the SQLite Segment Index, the embedded Admin
// command bus, the Capture Supervisor, one Retention Worker per
// StorageGroup, and the WebRTC signaling server into one running process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/exopticon/exopticon/internal/admin"
	"github.com/exopticon/exopticon/internal/broadcast"
	"github.com/exopticon/exopticon/internal/config"
	"github.com/exopticon/exopticon/internal/database"
	"github.com/exopticon/exopticon/internal/logging"
	"github.com/exopticon/exopticon/internal/retention"
	"github.com/exopticon/exopticon/internal/router"
	"github.com/exopticon/exopticon/internal/store"
	"github.com/exopticon/exopticon/internal/supervisor"
	"github.com/exopticon/exopticon/internal/video"
	"github.com/exopticon/exopticon/internal/webrtc"
)

const defaultDataPath = "/data"

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logBuffer := logging.GetLogBuffer()
	handler := logging.NewStreamHandler(logBuffer, os.Stdout, logLevel)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	slog.Info("starting exopticon core", "config_path", configPath, "data_path", dataPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Watch(); err != nil {
		slog.Warn("failed to watch configuration file for changes", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbCfg := database.DefaultConfig(cfg.System.DataDir)
	db, err := database.Open(dbCfg)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repo := store.NewSQLiteRepository(db.DB)

	adminBus, err := admin.New(admin.Config{Port: cfg.System.AdminNATSPort}, logger)
	if err != nil {
		slog.Error("failed to start admin command bus", "error", err)
		os.Exit(1)
	}
	defer adminBus.Stop()

	detector := video.NewDetector(logger)
	for _, cam := range cfg.EnabledCameras() {
		detector.WarnIfUnsupported(ctx, cam.ID, video.HWAccelType(cfg.System.HWAccel))
	}

	bus := broadcast.New(logger)

	sup := supervisor.New(cfg, repo, bus, adminBus, captureWorkerPath(cfg), logger)

	cfg.OnChange(func(*config.Config) { sup.RestartAll() })
	if err := adminBus.OnRestartAll(sup.RestartAll); err != nil {
		slog.Warn("failed to subscribe to admin restart_all subject", "error", err)
	}

	go sup.Run(ctx)

	for _, group := range cfg.AllStorageGroups() {
		worker := retention.New(group, cfg, repo, logger)
		go worker.Run(ctx)
	}

	demux, err := webrtc.NewDemux(cfg.System.WebRTCPort)
	if err != nil {
		slog.Error("failed to open webrtc udp demux", "error", err)
		os.Exit(1)
	}
	defer func() { _ = demux.Close() }()

	videoRouter := router.New(bus)
	webrtcServer := webrtc.NewServer(videoRouter, demux, cfg.System.WebRTCIPs, logger)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.System.WebRTCPort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      webrtcServer.Handler(allowedOrigins()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("webrtc signaling server starting", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webrtc signaling server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("webrtc signaling server shutdown error", "error", err)
	}

	slog.Info("exopticon core stopped")
}

// captureWorkerPath resolves the Capture Worker binary to spawn, defaulting
// to the sibling binary this daemon ships with.
func captureWorkerPath(cfg *config.Config) string {
	if cfg.System.CaptureWorker != "" {
		return cfg.System.CaptureWorker
	}
	return "captureworker"
}

// allowedOrigins returns the CORS allow-list for the signaling WebSocket
// endpoint, read from EXOPTICON_ALLOWED_ORIGINS as a comma-separated list.
// When the variable is unset or empty, every origin is allowed ("*").
func allowedOrigins() []string {
	if v := os.Getenv("EXOPTICON_ALLOWED_ORIGINS"); v != "" {
		return splitCommaList(v)
	}
	return []string{"*"}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// findConfigFile looks for the configuration document in the locations the
// corpus's Docker images conventionally mount it at.
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		dir := filepath.Dir(configPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Warn("failed to create config directory", "dir", dir, "error", err)
		}
		return configPath
	}

	locations := []string{
		"/config/config.yaml",
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	if _, err := os.Stat("/config"); err == nil {
		return "/config/config.yaml"
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
