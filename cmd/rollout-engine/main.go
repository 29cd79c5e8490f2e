package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantpilot/rollout-engine/internal/allocator"
	"github.com/quantpilot/rollout-engine/internal/api"
	"github.com/quantpilot/rollout-engine/internal/cache"
	"github.com/quantpilot/rollout-engine/internal/config"
	"github.com/quantpilot/rollout-engine/internal/controller"
	"github.com/quantpilot/rollout-engine/internal/intake"
	"github.com/quantpilot/rollout-engine/internal/metrics"
	"github.com/quantpilot/rollout-engine/internal/patterns"
	"github.com/quantpilot/rollout-engine/internal/repo"
	"github.com/quantpilot/rollout-engine/internal/reporting"
	"github.com/quantpilot/rollout-engine/internal/services"
	"github.com/quantpilot/rollout-engine/internal/store"
	"github.com/quantpilot/rollout-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting rollout-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	db, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	platformClient := repo.NewPlatformClient(
		cfg.Clients.Platform.BaseURL,
		cfg.Clients.Platform.PerformancePath,
		cfg.Clients.Platform.ValidationPath,
		cfg.Clients.Platform.AccountsPath,
		cfg.Clients.Platform.Timeout,
		cacheProvider,
		cfg.Cache.CohortPerformanceTTL,
		cfg.Cache.AccountsTTL,
	)

	ctrl := controller.New(logger, db, platformClient, allocator.New(logger), cfg.Pipeline)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Rebuild(ctx); err != nil {
		logger.Error("failed to rebuild controller state", slog.Any("error", err))
		os.Exit(1)
	}

	svc := services.NewRolloutService(logger, intake.New(logger, db), ctrl, reporting.NewReporter(logger, db), db).
		WithMiner(patterns.NewMiner(logger, db))

	server, err := api.NewServer(cfg.Server, api.NewHandlers(logger, svc).Router())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger, func(pipeline config.PipelineConfig) {
			if err := ctrl.ApplySettings(pipeline); err != nil {
				logger.Warn("rejected reloaded pipeline settings", slog.Any("error", err))
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pipeline loop exited", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("rollout-engine stopped")
}
