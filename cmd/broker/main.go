// Package main provides the broker application entry point: the stale-job
// reaper, the retention sweep, and the health/readiness/metrics surface.
//
// The admission/cancellation/retry contract (usecase.Broker) is a Go-level
// API an external ingress adapter calls directly; this process does not
// frame it over HTTP, so it has no handler here. The render worker pipeline
// lives in a separate process; see cmd/worker.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/renderflow/broker/internal/adapter/observability"
	asynqadp "github.com/renderflow/broker/internal/adapter/queue/asynq"
	"github.com/renderflow/broker/internal/adapter/repo/postgres"
	"github.com/renderflow/broker/internal/adapter/storage/s3"
	"github.com/renderflow/broker/internal/app"
	"github.com/renderflow/broker/internal/config"
	"github.com/renderflow/broker/internal/domain"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobs := postgres.NewJobRepo(pool)

	queue, err := asynqadp.New(cfg.RedisURL)
	if err != nil {
		slog.Error("queue init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var storage domain.StorageClient
	if cfg.ObjectStoreConfigured() {
		sc, err := s3.New(ctx, cfg)
		if err != nil {
			slog.Error("storage init failed", slog.Any("error", err))
			os.Exit(1)
		}
		storage = sc
	} else {
		storage = s3.NoopClient{}
		slog.Warn("object store not configured, using no-op storage client")
	}

	sweeper := app.NewStuckJobSweeper(jobs, cfg.ReaperMaxProcessingAge, cfg.ReaperInterval)
	go sweeper.Run(ctx)

	cleanup := postgres.NewCleanupService(postgres.NewPoolBeginner(pool), cfg.RetentionCompleted, cfg.RetentionFailed)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)

	checks := app.BuildReadinessChecks(jobs, queue, storage)
	router := app.BuildRouter(cfg, checks)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("broker listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
