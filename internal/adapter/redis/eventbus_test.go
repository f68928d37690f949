package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	redisadapter "github.com/renderflow/broker/internal/adapter/redis"
	"github.com/renderflow/broker/internal/domain"
)

// fakeJobStore is a minimal domain.JobStore stub exercising only Get, which
// is all EventBus.Subscribe needs for its ownership check.
type fakeJobStore struct {
	jobs map[string]*domain.Job
}

func (f *fakeJobStore) Create(ctx context.Context, job *domain.Job) error { return nil }
func (f *fakeJobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) Lease(ctx context.Context, id string, isRelease bool) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) TransitionToEncoding(ctx context.Context, id string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Complete(ctx context.Context, id, outputURL string, outputSize int64) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Fail(ctx context.Context, id string, kind domain.ErrorKind, detail string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Cancel(ctx context.Context, id string) (*domain.Job, error) { return nil, nil }
func (f *fakeJobStore) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) AckCancel(ctx context.Context, id string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Requeue(ctx context.Context, id string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) UpdateProgress(ctx context.Context, id string, currentFrame, totalFrames int) error {
	return nil
}
func (f *fakeJobStore) ListWithFilters(ctx context.Context, offset, limit int, ownerID, status string) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) CountByStatus(ctx context.Context, status string) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) GetAverageProcessingTime(ctx context.Context) (time.Duration, error) {
	return 0, nil
}
func (f *fakeJobStore) DailyCount(ctx context.Context, ownerID string) (int, error) { return 0, nil }
func (f *fakeJobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) Ping(ctx context.Context) error { return nil }

func TestEventBus_SubscribePublishUnsubscribe(t *testing.T) {
	rdb := newTestClient(t)
	jobs := &fakeJobStore{jobs: map[string]*domain.Job{
		"job1": {ID: "job1", OwnerID: "owner1"},
	}}
	bus := redisadapter.NewEventBus(rdb, jobs)
	ctx := context.Background()

	require.NoError(t, bus.Subscribe(ctx, "owner1", "job1"))
	// Resubscribing (reconnect) is idempotent.
	require.NoError(t, bus.Subscribe(ctx, "owner1", "job1"))

	require.NoError(t, bus.Publish(ctx, domain.Event{Type: "progress", JobID: "job1", Percentage: 50}))
	require.NoError(t, bus.PublishCreditsUpdated(ctx, "owner1", 42))

	time.Sleep(10 * time.Millisecond)

	require.NoError(t, bus.Unsubscribe(ctx, "owner1", "job1"))
	require.NoError(t, bus.Unsubscribe(ctx, "owner1", "job1"))
}

func TestEventBus_SubscribeRejectsWrongOwner(t *testing.T) {
	rdb := newTestClient(t)
	jobs := &fakeJobStore{jobs: map[string]*domain.Job{
		"job1": {ID: "job1", OwnerID: "owner1"},
	}}
	bus := redisadapter.NewEventBus(rdb, jobs)
	ctx := context.Background()

	err := bus.Subscribe(ctx, "owner2", "job1")
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestEventBus_SubscribeUnknownJob(t *testing.T) {
	rdb := newTestClient(t)
	jobs := &fakeJobStore{jobs: map[string]*domain.Job{}}
	bus := redisadapter.NewEventBus(rdb, jobs)
	ctx := context.Background()

	err := bus.Subscribe(ctx, "owner1", "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
