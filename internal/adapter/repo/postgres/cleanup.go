package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the minimal transaction surface CleanupService needs.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a Tx, implemented by *pgxpool.Pool via poolBeginner.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

type poolBeginner struct{ pool *pgxpool.Pool }

// NewPoolBeginner adapts a *pgxpool.Pool to Beginner.
func NewPoolBeginner(pool *pgxpool.Pool) Beginner { return poolBeginner{pool: pool} }

func (p poolBeginner) Begin(ctx context.Context) (Tx, error) {
	return p.pool.Begin(ctx)
}

// CleanupService enforces the render job retention policy (SPEC_FULL.md §4
// data retention sweep): terminal jobs older than the owning status's
// retention window are deleted from the jobs table.
type CleanupService struct {
	Pool               Beginner
	RetentionCompleted time.Duration
	RetentionFailed    time.Duration
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool Beginner, retentionCompleted, retentionFailed time.Duration) *CleanupService {
	if retentionCompleted <= 0 {
		retentionCompleted = 24 * time.Hour
	}
	if retentionFailed <= 0 {
		retentionFailed = 7 * 24 * time.Hour
	}
	return &CleanupService{Pool: pool, RetentionCompleted: retentionCompleted, RetentionFailed: retentionFailed}
}

// CleanupOldData deletes terminal jobs past their retention window.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	completedCutoff := time.Now().Add(-s.RetentionCompleted)
	failedCutoff := time.Now().Add(-s.RetentionFailed)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedCompleted int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM jobs
			WHERE status = 'completed' AND completed_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, completedCutoff).Scan(&deletedCompleted)
	if err != nil {
		slog.Debug("no completed jobs to delete", slog.Any("error", err))
	}

	var deletedFailed int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM jobs
			WHERE status IN ('failed', 'cancelled') AND updated_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, failedCutoff).Scan(&deletedFailed)
	if err != nil {
		slog.Debug("no failed/cancelled jobs to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("job retention cleanup completed",
		slog.Int64("deleted_completed", deletedCompleted),
		slog.Int64("deleted_failed_or_cancelled", deletedFailed),
		slog.Time("completed_cutoff", completedCutoff),
		slog.Time("failed_cutoff", failedCutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
