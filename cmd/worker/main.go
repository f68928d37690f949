// Package main provides the worker application entry point: it leases
// render jobs from the per-tier asynq queues and runs them through the
// FETCH -> PREPARE -> BUNDLE -> RENDER -> UPLOAD -> COMPLETE pipeline.
// See cmd/broker for the admission/cancellation surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/renderflow/broker/internal/adapter/bundler"
	"github.com/renderflow/broker/internal/adapter/fetch"
	"github.com/renderflow/broker/internal/adapter/observability"
	asynqadp "github.com/renderflow/broker/internal/adapter/queue/asynq"
	redisadapter "github.com/renderflow/broker/internal/adapter/redis"
	"github.com/renderflow/broker/internal/adapter/renderer"
	"github.com/renderflow/broker/internal/adapter/repo/postgres"
	"github.com/renderflow/broker/internal/adapter/storage/s3"
	"github.com/renderflow/broker/internal/app"
	"github.com/renderflow/broker/internal/config"
	"github.com/renderflow/broker/internal/domain"
	"github.com/renderflow/broker/internal/worker"
)

// queueWeights mirrors domain.Tier.Priority(): lower priority value serves
// sooner, which asynq expresses as a higher relative weight.
var queueWeights = map[string]int{
	domain.TierEnterprise.QueueName(): 6,
	domain.TierPro.QueueName():        3,
	domain.TierFree.QueueName():       1,
}

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

	redisOpt, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := goredis.NewClient(redisOpt)
	defer rdb.Close()

	leaser := redisadapter.NewLeaser(rdb)
	ledger := redisadapter.NewCreditLedger(rdb)
	bus := redisadapter.NewEventBus(rdb, jobs)

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

	fetcher := fetch.New(cfg.FetchTimeout)
	bundlerClient := bundler.New(cfg.BundlerServiceURL, cfg.BundleTimeout)
	rendererClient := renderer.New(cfg.RendererServiceURL, cfg.RenderPollInterval)

	pipeline := worker.NewPipeline(cfg, jobs, leaser, ledger, bus, storage, fetcher, bundlerClient, rendererClient)

	sweeper := app.NewStuckJobSweeper(jobs, cfg.ReaperMaxProcessingAge, cfg.ReaperInterval)
	go sweeper.Run(ctx)

	asynqRedis, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url for asynq", slog.Any("error", err))
		os.Exit(1)
	}

	srv := asynq.NewServer(asynqRedis, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      queueWeights,
		// RetryDelayFunc mirrors domain.BackoffForAttempt (5s * 2^attempt,
		// spec §4.1/§7, scenario S5): n is the number of redeliveries asynq
		// has already attempted for this task, which tracks the job-level
		// RetryCount Pipeline.failStage bumps via Jobs.Requeue on each
		// retryable stage failure.
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(domain.BackoffForAttempt(n)) * time.Second
		},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(asynqadp.TaskRender, renderHandler(jobs, leaser, pipeline))

	go func() {
		slog.Info("worker running", slog.Int("concurrency", cfg.WorkerConcurrency))
		if err := srv.Run(mux); err != nil {
			slog.Error("worker server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	srv.Shutdown()
}

// renderHandler leases the job's per-owner concurrency slot before running
// the pipeline; a denied lease asks asynq to redeliver the task rather than
// burning a domain-level retry attempt.
func renderHandler(jobs domain.JobStore, leaser domain.Leaser, pipeline *worker.Pipeline) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload asynqadp.RenderPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("op=worker.decode_payload: %w", err)
		}

		job, err := jobs.Get(ctx, payload.JobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil // job was deleted by retention cleanup; drop the task
			}
			return fmt.Errorf("op=worker.get_job: %w", err)
		}
		if job.Status.Terminal() {
			return nil // cancelled or already finished between enqueue and delivery
		}

		acquired, err := leaser.Acquire(ctx, job.Tier, job.OwnerID, job.ID)
		if err != nil {
			return fmt.Errorf("op=worker.lease_acquire: %w", err)
		}
		if !acquired {
			return fmt.Errorf("op=worker.lease_denied: owner %s at tier %s concurrency cap", job.OwnerID, job.Tier)
		}

		if _, err := jobs.Lease(ctx, job.ID, false); err != nil {
			_ = leaser.Release(ctx, job.Tier, job.OwnerID, job.ID)
			return fmt.Errorf("op=worker.lease_mark: %w", err)
		}

		return pipeline.Run(ctx, job.ID)
	}
}
