package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/aposazhennikov/music-player-service/config"
	httpServer "github.com/aposazhennikov/music-player-service/http"
	"github.com/aposazhennikov/music-player-service/library"
	"github.com/aposazhennikov/music-player-service/logger"
	"github.com/aposazhennikov/music-player-service/playback"
	"github.com/aposazhennikov/music-player-service/player"
	"github.com/aposazhennikov/music-player-service/playlist"
	sentryhelper "github.com/aposazhennikov/music-player-service/sentry_helper"
	"github.com/aposazhennikov/music-player-service/service"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logConfig := logger.DefaultConfig()
	logConfig.Level = logger.LogLevel(cfg.Log.Level)
	logConfig.Format = cfg.Log.Format
	logConfig.DisableSampling = cfg.Log.DisableSampling
	log := logger.NewLogger(logConfig)
	slog.SetDefault(log)

	logger.LogConfigEvent(log, slog.LevelInfo, "Configuration loaded",
		slog.String("path", configPath),
		slog.String("addr", cfg.Server.Addr),
		slog.String("db_path", cfg.Library.DBPath),
		slog.Any("scan_directories", cfg.Library.ScanDirectories),
		slog.String("default_play_mode", cfg.Player.DefaultPlayMode))

	sentry, err := sentryhelper.Init(sentryhelper.Options{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     cfg.Sentry.Release,
	}, log)
	if err != nil {
		// Reporting is optional; keep running without it.
		log.Warn("Sentry disabled", slog.String("error", err.Error()))
	}
	defer sentry.SafeFlush(2 * time.Second)

	if dir := filepath.Dir(cfg.Library.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	lib, err := library.Open(cfg.Library.DBPath, log)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer func() {
		if err := lib.Close(); err != nil {
			log.Warn("Failed to close library", slog.String("error", err.Error()))
		}
	}()

	sink, closeSink, err := openSink(cfg.Player.Sink)
	if err != nil {
		return fmt.Errorf("open audio sink: %w", err)
	}
	defer closeSink()

	engineOpts := []player.Option{
		player.WithLogger(log),
		player.WithSink(sink),
		player.WithGain(cfg.Player.Volume),
		player.WithRealtime(cfg.Player.Realtime),
		player.WithPrepareTimeout(cfg.Player.PrepareTimeout),
	}
	if cfg.Player.Normalize {
		engineOpts = append(engineOpts, player.WithNormalizer(player.NewNormalizer(log)))
	}
	engine := player.New(engineOpts...)
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("Failed to close audio engine", slog.String("error", err.Error()))
		}
	}()

	ctrl := playback.New(engine, playlist.New(playlist.WithExtensions(cfg.Library.SupportedFormats)),
		playback.WithLogger(log),
		playback.WithAutoPlayNext(cfg.Player.AutoPlayNext),
		playback.WithTiming(playback.Timing{
			ResetSettle:     cfg.Player.ResetSettle,
			PrepareSettle:   cfg.Player.PrepareSettle,
			StopSettle:      cfg.Player.StopSettle,
			StopTimeout:     cfg.Player.StopTimeout,
			MaxErrorRetries: cfg.Player.MaxErrorRetries,
		}),
	)
	if err := ctrl.Initialize(); err != nil {
		return fmt.Errorf("initialize playback: %w", err)
	}

	hub := httpServer.NewHub(httpServer.DefaultClientBuffer, logger.WithComponent(log, "events"))
	svc := service.New(ctrl, lib, service.Options{
		EventQueueSize:    cfg.Service.EventQueueSize,
		HeartbeatInterval: cfg.Service.HeartbeatInterval,
		NextThrottle:      cfg.Service.NextThrottle,
		ScanDirectories:   cfg.Library.ScanDirectories,
		Extensions:        cfg.Library.SupportedFormats,
		DefaultPlayMode:   cfg.PlayMode(),
		Volume:            cfg.Player.Volume,
	}, service.WithLogger(log), service.WithSentry(sentry), service.WithPublisher(hub))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Startup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		svc.Run(ctx)
	}()

	if cfg.Library.Watch {
		startWatcher(ctx, &wg, cfg, svc, sentry, log)
	}

	server := httpServer.NewServer(svc, lib, hub, httpServer.WithLogger(log))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", slog.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		log.Error("HTTP server failed", slog.String("error", err.Error()))
		sentry.CaptureError(err, "http", "listen")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}

	// Run stops playback before returning.
	wg.Wait()
	log.Info("Music player stopped")
	return nil
}

// startWatcher follows the scan directories and feeds changes to svc.
// A directory that cannot be watched only disables watching.
func startWatcher(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, svc *service.Service,
	sentry *sentryhelper.SentryHelper, log *slog.Logger) {
	watcher, err := library.NewWatcher(cfg.Library.ScanDirectories, cfg.Library.SupportedFormats,
		library.WithDebounce(cfg.Library.WatchDebounce),
		library.WithWatchLogger(log),
		library.WithErrorHandler(func(err error) {
			sentry.CaptureError(err, "library", "watch")
		}),
	)
	if err != nil {
		log.Warn("Library watching disabled", slog.String("error", err.Error()))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()
		watcher.Run(ctx, func(ch library.Change) {
			svc.NotifyChange(ctx, ch)
		})
	}()
}

// openSink resolves the configured PCM destination.
func openSink(name string) (io.Writer, func(), error) {
	switch name {
	case "", "discard":
		return io.Discard, func() {}, nil
	case "stdout":
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
