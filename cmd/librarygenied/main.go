// Command librarygenied runs the LibraryGenie core as a standalone
// daemon: it opens the embedded store, wires the Scanner/SyncReconciler/
// AuthTokens services, and drives them from the orchestrator's background
// loop until a shutdown signal arrives. Host UI, playback, and the
// concrete LibraryProvider transport remain out of scope (spec §1) — this
// entrypoint only supports the in-memory fake provider for demo/dev runs
// and whatever LibraryProvider a host process wires in its place.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"

	"github.com/kcook98765/librarygenie/config"
	"github.com/kcook98765/librarygenie/httpclient"
	"github.com/kcook98765/librarygenie/internal/store"
	"github.com/kcook98765/librarygenie/models"
	"github.com/kcook98765/librarygenie/providers"
	"github.com/kcook98765/librarygenie/services/auth"
	"github.com/kcook98765/librarygenie/services/orchestrator"
	"github.com/kcook98765/librarygenie/services/scanner"
	"github.com/kcook98765/librarygenie/services/sync"
)

func main() {
	configPath := flag.String("config", "", "path to settings.json (env LIBRARYGENIE_CONFIG takes precedence if set)")
	flag.Parse()

	path := *configPath
	if env := os.Getenv("LIBRARYGENIE_CONFIG"); env != "" {
		path = env
	}
	if path == "" {
		path = filepath.Join("data", "settings.json")
	}

	cfgManager := config.NewManager(path)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("load settings: %v", err)
	}

	logger := setupLogging(settings.Log)
	slog.SetDefault(logger)

	db, err := store.Open(settings.Database.Path, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	provider, err := buildProvider(settings.Provider)
	if err != nil {
		log.Fatalf("build library provider: %v", err)
	}

	scanSvc, err := scanner.New(db, provider, scanner.Options{
		PageSize:             settings.Scanner.PageSize,
		MaxConcurrentFetches: settings.Scanner.MaxConcurrentFetches,
		HeavyCacheSize:       settings.Scanner.HeavyCacheSize,
	})
	if err != nil {
		log.Fatalf("build scanner: %v", err)
	}

	var syncSvc *sync.Service
	var authSvc *auth.Service
	if settings.Sync.Enabled && settings.Sync.RemoteBaseURL != "" {
		httpc := httpclient.New(time.Duration(settings.Sync.RequestTimeoutSeconds) * time.Second)
		authSvc = auth.New(db, httpc, auth.Options{ServerURL: settings.Sync.RemoteBaseURL})
		syncSvc = sync.New(db, httpc, sync.Options{
			ServerURL: settings.Sync.RemoteBaseURL,
			ChunkSize: settings.Sync.BatchSize,
			MaxConsecutiveFailures: settings.Sync.MaxRetries,
		})
	}

	svc := orchestrator.New(provider, scanSvc, syncSvc, authSvc, orchestrator.Options{
		FullScanInterval:  settings.Scanner.ScanInterval(),
		DeltaScanInterval: settings.Scanner.DeltaInterval(),
		SyncInterval:      time.Duration(settings.Sync.PollIntervalSeconds) * time.Second,
		MediaTypes:        enabledMediaTypes(settings),
		SyncEnabled:       settings.Sync.Enabled,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	logger.Info("shutdown signal received, stopping service loop")
	cancel()
	svc.Stop()
}

func setupLogging(cfg config.LogSettings) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	writer := io.Writer(os.Stdout)
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." && dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
}

// buildProvider selects the LibraryProvider implementation named by
// config. Only "fake" is available here: the real host-native transport
// is supplied by the host process embedding this core (spec §6.1), not
// by this standalone daemon.
func buildProvider(cfg config.ProviderSettings) (providers.Provider, error) {
	switch cfg.Kind {
	case "", "fake":
		return providers.NewFake(), nil
	default:
		return nil, fmt.Errorf("provider kind %q requires a host-supplied LibraryProvider; this daemon only wires the fake provider directly", cfg.Kind)
	}
}

// enabledMediaTypes applies scan.tv_episodes_enabled (spec §6.5) to the
// set of media types the orchestrator asks the Scanner to cover.
func enabledMediaTypes(s config.Settings) []models.MediaType {
	types := []models.MediaType{models.MediaTypeMovie}
	if s.Scanner.TVEpisodesEnabled {
		types = append(types, models.MediaTypeEpisode)
	}
	return types
}
