// Package usecase orchestrates the broker's admission, cancellation, and
// retry operations over the domain ports (spec §4.1).
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/renderflow/broker/internal/adapter/observability"
	"github.com/renderflow/broker/internal/domain"
)

var tracer = otel.Tracer("usecase.broker")

// Broker is the Go-level admission/cancellation/retry contract (spec §6.1).
// No HTTP route framing lives here; an external ingress adapter calls these
// methods directly.
type Broker struct {
	Jobs    domain.JobStore
	Queue   domain.TierQueueBus
	Ledger  domain.CreditLedger
	Bus     domain.EventBus
	Pricing domain.PricingFunc

	// FreeTierHeightLimit and FreeTierDailyLimit implement the free-tier
	// gates from spec §4.1; exposed as fields rather than constants so tests
	// can exercise the boundary without depending on package-level state.
	FreeTierHeightLimit int
	FreeTierDailyLimit  int
}

// NewBroker wires a Broker from its collaborators, applying the default
// free-tier gates (height <= 720, 3 renders/day).
func NewBroker(jobs domain.JobStore, queue domain.TierQueueBus, ledger domain.CreditLedger, bus domain.EventBus, pricing domain.PricingFunc) *Broker {
	return &Broker{
		Jobs: jobs, Queue: queue, Ledger: ledger, Bus: bus, Pricing: pricing,
		FreeTierHeightLimit: 720,
		FreeTierDailyLimit:  3,
	}
}

// Submit admits a render request (spec §4.1 submit). Step ordering matters:
// the ledger deduction (step 5) happens before the job row is created (step
// 6) and the job is enqueued (step 7), so a crash between 6 and 7 leaves a
// `queued` row the queue has never heard of. The stale-job reaper only scans
// `processing` rows, so such a row stays queued until Enqueue is run for it
// again; Enqueue is idempotent by job id.
func (b *Broker) Submit(ctx context.Context, owner domain.Owner, req domain.SubmitRequest) (*domain.Job, error) {
	ctx, span := tracer.Start(ctx, "broker.submit")
	defer span.End()

	if err := req.Settings.Validate(); err != nil {
		return nil, err
	}

	tier := owner.Tier
	if tier == "" {
		tier = domain.ResolveTier(owner.Plan)
	}

	if tier == domain.TierFree {
		if req.Settings.Height > b.FreeTierHeightLimit {
			return nil, fmt.Errorf("op=broker.submit: %w", domain.ErrQuotaResolution)
		}
		count, err := b.Jobs.DailyCount(ctx, owner.ID)
		if err != nil {
			return nil, fmt.Errorf("op=broker.submit.daily_count: %w", err)
		}
		if count >= b.FreeTierDailyLimit {
			return nil, fmt.Errorf("op=broker.submit: %w", domain.ErrQuotaDaily)
		}
	}

	cost := b.Pricing(req.Settings)
	if owner.Credits < cost {
		return nil, fmt.Errorf("op=broker.submit: %w", domain.ErrInsufficientCredits)
	}

	// Pre-generate the job id so the ledger deduction (step 5) can be keyed
	// by it before the row exists (step 6), matching a single idempotency
	// ref across this submission's deduct and any later refund.
	jobID := uuid.NewString()

	newBalance, err := b.Ledger.Deduct(ctx, owner.ID, cost, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=broker.submit.deduct: %w", err)
	}
	_ = b.Bus.PublishCreditsUpdated(ctx, owner.ID, newBalance)

	job := &domain.Job{
		ID:               jobID,
		OwnerID:          owner.ID,
		ProjectID:        req.ProjectID,
		CodeURL:          req.CodeURL,
		AssetRefs:        req.Assets,
		Settings:         req.Settings,
		CompositionProps: req.CompositionProps,
		Tier:             tier,
		Status:           domain.JobQueued,
		CreditsCharged:   cost,
		MaxRetries:       domain.UploadError.MaxRetries(),
	}
	if err := b.Jobs.Create(ctx, job); err != nil {
		if _, rerr := b.Ledger.Refund(ctx, owner.ID, cost, job.ID); rerr == nil {
			if bal, err := b.Ledger.Balance(ctx, owner.ID); err == nil {
				_ = b.Bus.PublishCreditsUpdated(ctx, owner.ID, bal)
			}
		}
		return nil, fmt.Errorf("op=broker.submit.create: %w", err)
	}

	bullmqID, err := b.Queue.Enqueue(ctx, job.ID, tier, 0)
	if err != nil {
		// The job row already exists in `queued`. The reaper only scans
		// `processing` rows, so it does not pick this one up; the row stays
		// queued until Enqueue is run for it again. Surface the error so the
		// caller can retry the submission path.
		return job, fmt.Errorf("op=broker.submit.enqueue: %w", err)
	}
	job.BullmqID = bullmqID
	observability.EnqueueJob(string(tier))
	return job, nil
}

// Cancel implements spec §4.1 cancel: immediate for queued jobs, cooperative
// for processing/encoding ones, with an idempotent refund either way.
func (b *Broker) Cancel(ctx context.Context, ownerID, jobID string) error {
	ctx, span := tracer.Start(ctx, "broker.cancel")
	defer span.End()

	job, err := b.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return fmt.Errorf("op=broker.cancel: %w", domain.ErrConflict)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("op=broker.cancel: %w", domain.ErrConflict)
	}

	updated, err := b.Jobs.Cancel(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=broker.cancel: %w", err)
	}

	if updated.Status == domain.JobCancelled {
		if job.BullmqID != "" {
			_ = b.Queue.Remove(ctx, job.Tier, job.BullmqID)
		}
		if job.CreditsCharged > 0 {
			if newBalance, err := b.Ledger.Refund(ctx, ownerID, job.CreditsCharged, jobID); err == nil {
				_ = b.Bus.PublishCreditsUpdated(ctx, ownerID, newBalance)
			}
		}
		_ = b.Bus.Publish(ctx, domain.Event{Type: "cancelled", JobID: jobID, OwnerID: ownerID})
	}
	// If still processing/encoding, RequestCancel already flagged
	// cancel_requested_at; the worker observes it at the next stage boundary
	// and performs the terminal transition (and refund) itself via
	// Pipeline.checkCancelled (JobStore.AckCancel).
	return nil
}

// Retry re-enqueues a job the worker reported as failed with a retryable
// error kind, applying the exponential backoff from domain.BackoffForAttempt
// (spec §4.1 retries).
func (b *Broker) Retry(ctx context.Context, jobID string, kind domain.ErrorKind, attempt int) error {
	ctx, span := tracer.Start(ctx, "broker.retry")
	defer span.End()

	job, err := b.Jobs.Requeue(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=broker.retry.requeue: %w", err)
	}
	delay := time.Duration(domain.BackoffForAttempt(attempt)) * time.Second
	if _, err := b.Queue.Enqueue(ctx, job.ID, job.Tier, delay); err != nil {
		return fmt.Errorf("op=broker.retry.enqueue: %w", err)
	}
	return nil
}
