package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/renderflow/broker/internal/adapter/observability"
	"github.com/renderflow/broker/internal/config"
	"github.com/renderflow/broker/internal/domain"
	"github.com/renderflow/broker/pkg/sanitize"
)

var tracer = otel.Tracer("worker.pipeline")

// Pipeline runs a leased job through FETCH -> BUNDLE -> RENDER -> (encode) ->
// UPLOAD -> COMPLETE, wrapping each outbound collaborator call in a circuit
// breaker so one flaky dependency can't cascade into constant retries.
type Pipeline struct {
	Jobs    domain.JobStore
	Leaser  domain.Leaser
	Ledger  domain.CreditLedger
	Bus     domain.EventBus
	Storage domain.StorageClient
	Fetcher domain.Fetcher
	Bundler domain.Bundler
	Renderer domain.Renderer

	breakers *observability.CircuitBreakerManager
	workDir  string
}

// NewPipeline wires a Pipeline from its collaborators.
func NewPipeline(cfg config.Config, jobs domain.JobStore, leaser domain.Leaser, ledger domain.CreditLedger, bus domain.EventBus, storage domain.StorageClient, fetcher domain.Fetcher, bundler domain.Bundler, renderer domain.Renderer) *Pipeline {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Pipeline{
		Jobs: jobs, Leaser: leaser, Ledger: ledger, Bus: bus, Storage: storage,
		Fetcher: fetcher, Bundler: bundler, Renderer: renderer,
		breakers: observability.NewCircuitBreakerManager(),
		workDir:  workDir,
	}
}

// errRetryLater signals the caller (the asynq task handler) that the job
// was moved back to queued and the task should be redelivered through
// asynq's own retry/backoff rather than processed further here.
var errRetryLater = fmt.Errorf("job requeued for retry")

// errCancelled signals the caller that the job was cooperatively cancelled
// at a stage boundary and no further work (including upload) should run.
var errCancelled = fmt.Errorf("job cancelled")

// Run executes one leased job end to end, releasing its lease and cleaning
// up its temp workspace (testable property 7) regardless of outcome. It
// returns errRetryLater when the job was requeued so the asynq handler can
// ask asynq to redeliver the task, and errCancelled when a cancellation was
// acknowledged at a stage boundary; any other error is unexpected. A nil
// return means the job reached a terminal state (completed or permanently
// failed).
func (p *Pipeline) Run(ctx context.Context, jobID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	job, err := p.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	defer p.Leaser.Release(ctx, job.Tier, job.OwnerID, job.ID)

	dir, err := os.MkdirTemp(p.workDir, fmt.Sprintf("renderflow-%s-", job.ID))
	if err != nil {
		p.fail(ctx, job, domain.CodeError, err)
		return nil
	}
	defer os.RemoveAll(dir)

	start := time.Now()
	reporter := newProgressReporter(job.ID, job.OwnerID, p.Jobs, p.Bus)
	reporter.forceReport(ctx, 0, job.Settings.DurationFrames)
	observability.StartProcessingJob(string(job.Tier))
	_ = p.Bus.Publish(ctx, domain.Event{Type: "started", JobID: job.ID, OwnerID: job.OwnerID, StartedAt: job.StartedAt})

	if p.checkCancelled(ctx, job) {
		return errCancelled
	}

	bundleURL, err := p.fetchAndBundle(ctx, job, dir)
	if err != nil {
		return p.failStage(ctx, job, err)
	}

	if p.checkCancelled(ctx, job) {
		return errCancelled
	}

	if err := p.render(ctx, job, bundleURL, dir, reporter); err != nil {
		return p.failStage(ctx, job, err)
	}

	if p.checkCancelled(ctx, job) {
		return errCancelled
	}

	if _, err := p.Jobs.TransitionToEncoding(ctx, job.ID); err != nil {
		return err
	}
	reporter.forceReport(ctx, job.Settings.DurationFrames, job.Settings.DurationFrames)

	if p.checkCancelled(ctx, job) {
		return errCancelled
	}

	outputPath := filepath.Join(dir, "output."+job.Settings.Format.Ext())
	outputURL, size, err := p.upload(ctx, job, outputPath)
	if err != nil {
		return p.failStage(ctx, job, err)
	}

	p.complete(ctx, job, outputURL, size, time.Since(start))
	return nil
}

// checkCancelled re-reads the job's cancel flag at a stage boundary (spec
// §4.4). If a cancellation was requested cooperatively while this job was
// processing or encoding, it acknowledges the transition to cancelled,
// refunds any charged credits, and publishes the cancelled event; uploads
// are skipped by returning before the caller reaches the UPLOAD stage.
func (p *Pipeline) checkCancelled(ctx context.Context, job *domain.Job) bool {
	current, err := p.Jobs.Get(ctx, job.ID)
	if err != nil || current.CancelRequestedAt == nil {
		return false
	}

	if _, err := p.Jobs.AckCancel(ctx, job.ID); err != nil {
		return false
	}
	if job.CreditsCharged > 0 {
		if _, rerr := p.Ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, job.ID); rerr == nil {
			if bal, berr := p.Ledger.Balance(ctx, job.OwnerID); berr == nil {
				_ = p.Bus.PublishCreditsUpdated(ctx, job.OwnerID, bal)
			}
		}
	}
	_ = p.Bus.Publish(ctx, domain.Event{Type: "cancelled", JobID: job.ID, OwnerID: job.OwnerID})
	return true
}

func (p *Pipeline) fetchAndBundle(ctx context.Context, job *domain.Job, dir string) (string, error) {
	var code []byte
	err := p.withBreaker(ctx, "fetch", func() error {
		var fetchErr error
		code, fetchErr = p.fetchWithRetry(ctx, job.CodeURL)
		return fetchErr
	})
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageFetching, Kind: domain.CodeError, Err: err}
	}

	entryFile := filepath.Join(dir, "entry.js")
	if err := os.WriteFile(entryFile, code, 0o644); err != nil {
		return "", &domain.StageError{Stage: domain.StagePreparing, Kind: domain.CodeError, Err: err}
	}

	var bundle domain.BundleResult
	err = p.withBreaker(ctx, "bundle", func() error {
		var bundleErr error
		bundle, bundleErr = p.Bundler.Bundle(ctx, dir, entryFile)
		return bundleErr
	})
	if err != nil {
		return "", &domain.StageError{Stage: domain.StageBundling, Kind: domain.BundleError, Err: err}
	}
	return bundle.BundleURL, nil
}

// fetchWithRetry applies a short exponential backoff across FETCH errors,
// distinct from the job-level backoff in domain.BackoffForAttempt.
func (p *Pipeline) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	op := func() error {
		b, err := p.Fetcher.Fetch(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	expo.MaxInterval = time.Second
	bo := backoff.WithMaxRetries(expo, 3)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Pipeline) render(ctx context.Context, job *domain.Job, bundleURL, dir string, reporter *progressReporter) error {
	req := domain.RenderRequest{
		BundleURL:   bundleURL,
		Composition: "main",
		Settings:    job.Settings,
		OutputPath:  filepath.Join(dir, "output."+job.Settings.Format.Ext()),
		OnFrame: func(currentFrame, totalFrames int) {
			reporter.Report(ctx, currentFrame, totalFrames)
		},
	}
	err := p.withBreaker(ctx, "render", func() error {
		return p.Renderer.Render(ctx, req)
	})
	if err != nil {
		return &domain.StageError{Stage: domain.StageRendering, Kind: domain.RenderError, Err: err}
	}
	return nil
}

func (p *Pipeline) upload(ctx context.Context, job *domain.Job, outputPath string) (string, int64, error) {
	var url string
	err := p.withBreaker(ctx, "upload", func() error {
		var uploadErr error
		url, uploadErr = p.Storage.Upload(ctx, outputPath, uploadKey(job), job.Settings.Format.ContentType())
		return uploadErr
	})
	if err != nil {
		return "", 0, &domain.StageError{Stage: domain.StageUploading, Kind: domain.UploadError, Err: err}
	}
	info, err := os.Stat(outputPath)
	if err != nil {
		return "", 0, &domain.StageError{Stage: domain.StageUploading, Kind: domain.UploadError, Err: err}
	}
	return url, info.Size(), nil
}

func uploadKey(job *domain.Job) string {
	return fmt.Sprintf("renders/%s/%s/output.%s", job.OwnerID, job.ID, job.Settings.Format.Ext())
}

func (p *Pipeline) withBreaker(ctx context.Context, name string, fn func() error) error {
	cb := p.breakers.GetOrCreate(name, 5, 30*time.Second)
	return cb.Call(fn)
}

func (p *Pipeline) complete(ctx context.Context, job *domain.Job, outputURL string, size int64, duration time.Duration) {
	updated, err := p.Jobs.Complete(ctx, job.ID, outputURL, size)
	if err != nil {
		return
	}
	observability.CompleteJob(string(job.Tier), duration)
	_ = p.Bus.Publish(ctx, domain.Event{
		Type: "completed", JobID: job.ID, OwnerID: job.OwnerID,
		CompletedAt: updated.CompletedAt, OutputURL: outputURL, FileSize: size,
		DurationMS: duration.Milliseconds(),
	})
}

// failStage classifies a *domain.StageError into the job's terminal failure
// or a requeue, depending on the error kind's retry policy.
func (p *Pipeline) failStage(ctx context.Context, job *domain.Job, err error) error {
	stageErr, ok := err.(*domain.StageError)
	kind := domain.CodeError
	if ok {
		kind = stageErr.Kind
	}
	if kind.ShouldRetry(job.RetryCount) {
		if _, rerr := p.Jobs.Requeue(ctx, job.ID); rerr != nil {
			return rerr
		}
		return errRetryLater
	}
	p.fail(ctx, job, kind, err)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job *domain.Job, kind domain.ErrorKind, err error) {
	detail := sanitize.ErrorDetail(err.Error())
	updated, ferr := p.Jobs.Fail(ctx, job.ID, kind, detail)
	if ferr != nil {
		return
	}
	observability.FailJob(string(job.Tier), string(kind))
	if job.CreditsCharged > 0 {
		if _, err := p.Ledger.Refund(ctx, job.OwnerID, job.CreditsCharged, job.ID); err == nil {
			if bal, err := p.Ledger.Balance(ctx, job.OwnerID); err == nil {
				_ = p.Bus.PublishCreditsUpdated(ctx, job.OwnerID, bal)
			}
		}
	}
	_ = p.Bus.Publish(ctx, domain.Event{
		Type: "failed", JobID: job.ID, OwnerID: job.OwnerID,
		CompletedAt: updated.CompletedAt, ErrorKind: kind, ErrorDetail: detail,
	})
}
