// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/renderflow/broker/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo persists and loads render jobs from PostgreSQL using a minimal pgx
// pool, implementing domain.JobStore.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_id, project_id, code_url, asset_refs, settings, composition_props,
	tier, status, retry_count, max_retries, credits_charged, progress, current_frame, total_frames,
	output_url, output_size_bytes, error_kind, error_detail, cancel_requested_at,
	queued_at, started_at, completed_at, bullmq_id, epoch, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var assetRefs, settings, props []byte
	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.ProjectID, &j.CodeURL, &assetRefs, &settings, &props,
		&j.Tier, &j.Status, &j.RetryCount, &j.MaxRetries, &j.CreditsCharged, &j.Progress, &j.CurrentFrame, &j.TotalFrames,
		&j.OutputURL, &j.OutputSizeBytes, &j.ErrorKind, &j.ErrorDetail, &j.CancelRequestedAt,
		&j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.BullmqID, &j.Epoch, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(assetRefs) > 0 {
		if err := json.Unmarshal(assetRefs, &j.AssetRefs); err != nil {
			return nil, fmt.Errorf("op=job.scan.asset_refs: %w", err)
		}
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &j.Settings); err != nil {
			return nil, fmt.Errorf("op=job.scan.settings: %w", err)
		}
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &j.CompositionProps); err != nil {
			return nil, fmt.Errorf("op=job.scan.composition_props: %w", err)
		}
	}
	return &j, nil
}

// Create inserts a new job, generating its id if empty.
func (r *JobRepo) Create(ctx context.Context, j *domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if j.Status == "" {
		j.Status = domain.JobQueued
	}
	if j.QueuedAt.IsZero() {
		j.QueuedAt = now
	}
	j.UpdatedAt = now
	j.Epoch = 1

	assetRefs, err := json.Marshal(j.AssetRefs)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal_assets: %w", err)
	}
	settings, err := json.Marshal(j.Settings)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal_settings: %w", err)
	}
	props, err := json.Marshal(j.CompositionProps)
	if err != nil {
		return fmt.Errorf("op=job.create.marshal_props: %w", err)
	}

	q := `INSERT INTO jobs (` + jobColumns + `) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26
	)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.OwnerID, j.ProjectID, j.CodeURL, assetRefs, settings, props,
		j.Tier, j.Status, j.RetryCount, j.MaxRetries, j.CreditsCharged, j.Progress, j.CurrentFrame, j.TotalFrames,
		j.OutputURL, j.OutputSizeBytes, j.ErrorKind, j.ErrorDetail, j.CancelRequestedAt,
		j.QueuedAt, j.StartedAt, j.CompletedAt, j.BullmqID, j.Epoch, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// Lease performs the queued -> processing transition. When isRelease is
// true (visibility-timeout re-lease) RetryCount is incremented.
func (r *JobRepo) Lease(ctx context.Context, id string, isRelease bool) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Lease")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, started_at=COALESCE(started_at,$3), updated_at=$3, epoch=epoch+1,
		retry_count = CASE WHEN $4 THEN retry_count+1 ELSE retry_count END
		WHERE id=$1 AND status IN ('queued','processing') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobProcessing, now, isRelease))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.lease: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.lease: %w", err)
	}
	return j, nil
}

// TransitionToEncoding moves processing -> encoding.
func (r *JobRepo) TransitionToEncoding(ctx context.Context, id string) (*domain.Job, error) {
	return r.transition(ctx, id, []string{"processing"}, domain.JobEncoding, nil)
}

// Complete finalizes encoding|processing -> completed.
func (r *JobRepo) Complete(ctx context.Context, id string, outputURL string, outputSize int64) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, output_url=$3, output_size_bytes=$4, progress=100,
		completed_at=$5, updated_at=$5, epoch=epoch+1
		WHERE id=$1 AND status IN ('processing','encoding') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobCompleted, outputURL, outputSize, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.complete: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.complete: %w", err)
	}
	return j, nil
}

// Fail finalizes -> failed, recording the classified error.
func (r *JobRepo) Fail(ctx context.Context, id string, kind domain.ErrorKind, detail string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, error_kind=$3, error_detail=$4, completed_at=$5, updated_at=$5, epoch=epoch+1
		WHERE id=$1 AND status NOT IN ('completed','failed','cancelled') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobFailed, kind, detail, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.fail: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.fail: %w", err)
	}
	return j, nil
}

// Cancel finalizes queued|processing|encoding -> cancelled. A queued job is
// cancelled immediately; a processing/encoding job is flagged via
// CancelRequestedAt and left for the worker to acknowledge.
func (r *JobRepo) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, completed_at=$3, updated_at=$3, epoch=epoch+1
		WHERE id=$1 AND status='queued' RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobCancelled, now))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("op=job.cancel: %w", err)
	}
	return r.RequestCancel(ctx, id)
}

// RequestCancel flags a processing/encoding job for cooperative abort
// without performing the terminal transition itself.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET cancel_requested_at=$2, updated_at=$2, epoch=epoch+1
		WHERE id=$1 AND status IN ('processing','encoding') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.request_cancel: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return j, nil
}

// AckCancel finalizes a processing/encoding job the worker observed
// CancelRequestedAt on into cancelled, acknowledging the cooperative
// cancellation request (spec §4.3/§4.4).
func (r *JobRepo) AckCancel(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AckCancel")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, completed_at=$3, updated_at=$3, epoch=epoch+1
		WHERE id=$1 AND status IN ('processing','encoding') RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobCancelled, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.ack_cancel: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.ack_cancel: %w", err)
	}
	return j, nil
}

// Requeue moves processing -> queued for a job being retried.
func (r *JobRepo) Requeue(ctx context.Context, id string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()

	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, retry_count=retry_count+1, queued_at=$3, updated_at=$3, epoch=epoch+1
		WHERE id=$1 AND status='processing' RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, domain.JobQueued, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.requeue: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.requeue: %w", err)
	}
	return j, nil
}

func (r *JobRepo) transition(ctx context.Context, id string, fromStatuses []string, to domain.JobStatus, extra map[string]any) (*domain.Job, error) {
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, updated_at=$3, epoch=epoch+1 WHERE id=$1 AND status=ANY($4) RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, to, now, fromStatuses))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=job.transition: %w", domain.ErrConflict)
		}
		return nil, fmt.Errorf("op=job.transition: %w", err)
	}
	return j, nil
}

// UpdateProgress persists the latest progress snapshot without touching Status.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, currentFrame, totalFrames int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()

	pct := domain.ComputeProgress(currentFrame, totalFrames)
	q := `UPDATE jobs SET current_frame=$2, total_frames=$3, progress=$4, updated_at=$5 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, currentFrame, totalFrames, pct, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// ListWithFilters returns a paginated list of jobs, optionally filtered by
// owner and status.
func (r *JobRepo) ListWithFilters(ctx context.Context, offset, limit int, ownerID, status string) ([]*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListWithFilters")
	defer span.End()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE ($3 = '' OR owner_id = $3) AND ($4 = '' OR status = $4)
		ORDER BY queued_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset, ownerID, status)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_with_filters: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_with_filters_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_with_filters_rows: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in the given status.
func (r *JobRepo) CountByStatus(ctx context.Context, status string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()

	q := `SELECT COUNT(*) FROM jobs WHERE status = $1`
	var count int64
	if err := r.Pool.QueryRow(ctx, q, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return count, nil
}

// GetAverageProcessingTime returns the average wall-clock time completed
// jobs spent between queuing and completion.
func (r *JobRepo) GetAverageProcessingTime(ctx context.Context) (time.Duration, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetAverageProcessingTime")
	defer span.End()

	q := `SELECT AVG(EXTRACT(EPOCH FROM (completed_at - queued_at))) FROM jobs WHERE status = $1`
	var avgSeconds *float64
	if err := r.Pool.QueryRow(ctx, q, domain.JobCompleted).Scan(&avgSeconds); err != nil {
		return 0, fmt.Errorf("op=job.avg_processing_time: %w", err)
	}
	if avgSeconds == nil {
		return 0, nil
	}
	return time.Duration(*avgSeconds * float64(time.Second)), nil
}

// DailyCount reports how many non-cancelled jobs an owner submitted in the
// current UTC day, for the free-tier daily quota gate.
func (r *JobRepo) DailyCount(ctx context.Context, ownerID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DailyCount")
	defer span.End()

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	q := `SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND status != 'cancelled' AND queued_at >= $2`
	var count int
	if err := r.Pool.QueryRow(ctx, q, ownerID, startOfDay).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.daily_count: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes terminal jobs older than cutoff.
func (r *JobRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteOlderThan")
	defer span.End()

	q := `DELETE FROM jobs WHERE status IN ('completed','failed','cancelled') AND updated_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies the pool can serve a trivial query.
func (r *JobRepo) Ping(ctx context.Context) error {
	var one int
	if err := r.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("op=job.ping: %w", err)
	}
	return nil
}
