// cmd/oracle/main.go
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/api"
	"github.com/InsightForge/oracle/internal/config"
	"github.com/InsightForge/oracle/internal/dispatch"
	"github.com/InsightForge/oracle/internal/events"
	"github.com/InsightForge/oracle/internal/model"
	"github.com/InsightForge/oracle/internal/orchestrator"
	"github.com/InsightForge/oracle/internal/ratelimit"
	"github.com/InsightForge/oracle/internal/registry"
	"github.com/InsightForge/oracle/internal/service"
	"github.com/InsightForge/oracle/internal/stream"
	"github.com/InsightForge/oracle/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Auth.ProviderSecret == "" {
		logger.Fatal("ORACLE_PROVIDER_SECRET is required")
	}

	// Result store: Postgres when a DSN is configured, in-memory
	// otherwise for development.
	var store analysis.Store
	if cfg.Database.DSN != "" {
		db, err := analysis.OpenPostgres(cfg.Database.DSN)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		pg := analysis.NewPostgresStore(db)
		if err := pg.Migrate(context.Background()); err != nil {
			logger.Fatal("migrate database", zap.Error(err))
		}
		store = pg
		logger.Info("using postgres result store")
	} else {
		store = analysis.NewMemoryStore()
		logger.Info("using in-memory result store")
	}

	bus := events.NewBus()
	eventLog := events.NewLogger(logger)
	bus.SubscribeAll(func(_ context.Context, e events.Event) {
		eventLog.Log(e)
	})

	dispatcher := dispatch.New(dispatch.Config{
		BaseDelay:   cfg.Dispatch.BaseDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Timeout:     cfg.Dispatch.Timeout,
	}, store, bus, logger)
	defer dispatcher.Close()

	client := model.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.Timeout, logger)
	orch := orchestrator.New(client, orchestrator.Config{
		TurnRetries: cfg.Analysis.TurnRetries,
		RetryDelay:  cfg.Analysis.RetryDelay,
	}, logger)

	reg := registry.New(logger)
	limiter := ratelimit.NewIntegrationLimiter(ratelimit.Config{
		RatePerSecond: cfg.RateLimit.RatePerSecond,
		Burst:         cfg.RateLimit.Burst,
	})

	svc := service.New(service.Config{
		Workers:  cfg.Analysis.Workers,
		SpoolDir: cfg.Analysis.SpoolDir,
	}, logger, reg, store, orch, dispatcher, bus, limiter)
	if err := svc.EnsureSpoolDir(); err != nil {
		logger.Fatal("create spool directory", zap.Error(err))
	}

	watch, err := watcher.New(logger)
	if err != nil {
		logger.Fatal("start change watcher", zap.Error(err))
	}
	streamer := stream.New(logger, watch)

	server := api.NewServer(cfg, logger, reg, svc, streamer)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		_ = watch.Close()
		<-streamer.Done()
	}()

	logger.Info("oracle analysis platform started",
		zap.Int("port", cfg.Server.Port),
		zap.String("model_backend", cfg.Model.BaseURL),
		zap.Int("workers", cfg.Analysis.Workers))

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
