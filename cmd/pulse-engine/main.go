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

	"github.com/miradorstack/mirador-pulse/internal/api"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/pipeline"
	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
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
	logger.Info("starting mirador-pulse",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Backend))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	telemetry, err := newStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialise telemetry store", slog.Any("error", err))
		os.Exit(1)
	}
	defer telemetry.Close()

	pipe := pipeline.New(logger, telemetry, cfg)

	handler := api.NewHandler(logger, pipe, cfg)
	server, err := api.NewServer(cfg.Server, handler)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipe.Run(ctx)
	}()

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

	<-pipelineDone

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-pulse stopped")
}

// newStore builds the configured store backend. The valkey backend must be
// reachable at boot; the in-memory backend always succeeds.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "valkey":
		return store.NewValkeyStore(ctx, store.ValkeyConfig{
			Addr:           cfg.Store.Addr,
			Username:       cfg.Store.Username,
			Password:       cfg.Store.Password,
			DB:             cfg.Store.DB,
			DialTimeout:    cfg.Store.DialTimeout,
			ReadTimeout:    cfg.Store.ReadTimeout,
			WriteTimeout:   cfg.Store.WriteTimeout,
			MaxRetries:     cfg.Store.MaxRetries,
			TLS:            cfg.Store.TLS,
			SketchWidth:    cfg.Store.SketchWidth,
			SketchDepth:    cfg.Store.SketchDepth,
			FilterCapacity: cfg.Store.FilterCapacity,
		})
	default:
		return store.NewMemoryStore(store.MemoryConfig{
			SketchWidth: cfg.Store.SketchWidth,
			SketchDepth: cfg.Store.SketchDepth,
		}), nil
	}
}
