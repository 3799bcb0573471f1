package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strmsync/strmsync/internal/api"
	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/cleanup"
	"github.com/strmsync/strmsync/internal/config"
	"github.com/strmsync/strmsync/internal/database"
	"github.com/strmsync/strmsync/internal/emby"
	"github.com/strmsync/strmsync/internal/event"
	"github.com/strmsync/strmsync/internal/logging"
	"github.com/strmsync/strmsync/internal/openlist"
	"github.com/strmsync/strmsync/internal/qos"
	"github.com/strmsync/strmsync/internal/scanner"
	"github.com/strmsync/strmsync/internal/scheduler"
	"github.com/strmsync/strmsync/internal/strm"
	"github.com/strmsync/strmsync/internal/version"
	"github.com/strmsync/strmsync/internal/watcher"
	"github.com/strmsync/strmsync/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("SS_CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(loggingConfig(cfg))
	defer logManager.Close() //nolint:errcheck
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", slog.String("path", cfg.Database.Path))

	// Engine components. The limiter is the single funnel point for every
	// remote call.
	limiter := qos.New(cfg.QoS.QPS, cfg.QoS.MaxConcurrent, cfg.QoS.IntervalMs, logger)
	listClient := openlist.New(
		cfg.OpenList.Host,
		cfg.OpenList.Token,
		time.Duration(cfg.OpenList.Timeout)*time.Second,
		limiter,
		logger,
	)
	generator := strm.NewGenerator(strm.Config{
		OutputRoot:    cfg.Paths.Output,
		PathMapping:   cfg.PathMapping,
		Extensions:    cfg.Strm.Extensions,
		URLEncode:     cfg.Strm.URLEncode,
		KeepStructure: cfg.Strm.KeepStructure,
	}, logger)
	cacheService := cache.NewService(db)
	cleanupService := cleanup.NewService(cacheService, cfg.Paths.Output, logger)
	scannerService := scanner.NewService(listClient, generator, cacheService, scanner.Settings{
		Folders:     cfg.Paths.Source,
		Incremental: cfg.Incremental.Enabled,
		CheckMethod: cache.CheckMethod(cfg.Incremental.CheckMethod),
		MaxDepth:    -1,
	}, logger)

	eventBus := event.NewBus(logger, 256)
	go eventBus.Start()
	defer eventBus.Stop()
	scannerService.SetEventBus(eventBus)

	if cfg.Webhook.URL != "" {
		notifier := webhook.New(cfg.Webhook.URL, cfg.Webhook.Events, logger)
		for _, t := range []event.Type{
			event.ScanStarted, event.ScanCompleted, event.ScanFailed, event.ScanCancelled,
		} {
			eventBus.Subscribe(t, notifier.HandleEvent)
		}
	}

	var embyClient *emby.Client
	if cfg.Emby.Enabled && cfg.Emby.Host != "" {
		embyClient = emby.New(cfg.Emby.Host, cfg.Emby.APIKey, logger)
		if cfg.Emby.NotifyOnScan {
			libraryID := cfg.Emby.LibraryID
			scannerService.OnComplete(func(p scanner.Progress) {
				refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := embyClient.Refresh(refreshCtx, libraryID); err != nil {
					logger.Error("emby refresh after scan failed", "error", err)
				}
			})
		}
	}

	logger.Info("starting strmsync",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Schedule.Enabled {
		scanFn := func(ctx context.Context) error {
			_, err := scannerService.ScanAll(ctx, false)
			return err
		}
		sched := scheduler.New(scanFn,
			time.Duration(cfg.Schedule.IntervalMinutes)*time.Minute,
			cfg.Schedule.OnStartup, logger)
		go sched.Start(ctx)
	}

	// Hot-apply the settings that can change without a restart.
	configWatcher := watcher.New(configPath, func(newCfg *config.Config) {
		limiter.UpdateLimits(&newCfg.QoS.QPS, &newCfg.QoS.MaxConcurrent, &newCfg.QoS.IntervalMs)
		logManager.Reconfigure(loggingConfig(newCfg))
	}, logger)
	go configWatcher.Start(ctx)

	router := api.NewRouter(api.RouterDeps{
		Scanner:  scannerService,
		Limiter:  limiter,
		Cache:    cacheService,
		Cleanup:  cleanupService,
		Emby:     embyClient,
		Logger:   logger,
		BasePath: cfg.Server.BasePath,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("addr", addr), slog.String("base_path", cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	scannerService.Cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func loggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		FilePath:       cfg.Logging.FilePath,
		FileMaxSizeMB:  cfg.Logging.FileMaxSizeMB,
		FileMaxFiles:   cfg.Logging.FileMaxFiles,
		FileMaxAgeDays: cfg.Logging.FileMaxAgeDays,
	}
}
