// Package asynqadp adapts asynq's Redis-backed task queues into the
// per-tier priority FIFO the broker depends on (spec §4.2).
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/renderflow/broker/internal/adapter/observability"
	"github.com/renderflow/broker/internal/domain"
)

// TaskRender is the asynq task type name the worker pool subscribes to.
const TaskRender = "render_job"

// RenderPayload is the task body enqueued for a render job. The worker looks
// up the full domain.Job by ID rather than carrying it on the wire.
type RenderPayload struct {
	JobID string `json:"job_id"`
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type inspectorAPI interface {
	GetQueueInfo(qname string) (*asynq.QueueInfo, error)
	DeleteTask(qname, id string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Queue implements domain.TierQueueBus over asynq's three priority queues,
// one per domain.Tier (render:free, render:pro, render:enterprise).
type Queue struct {
	client    enqueuer
	inspector inspectorAPI
	rdb       pinger
}

// New dials Redis and builds a Queue backed by the real asynq client and
// inspector.
func New(redisURL string) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	rc, ok := opt.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("op=queue.new: unexpected redis client type")
	}
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		rdb:       rc,
	}, nil
}

// NewWithClient builds a Queue from already-constructed collaborators, for
// tests that want to avoid a live Redis dependency.
func NewWithClient(client enqueuer, inspector inspectorAPI, rdb pinger) *Queue {
	return &Queue{client: client, inspector: inspector, rdb: rdb}
}

// Enqueue places jobID onto its tier's queue, optionally delayed (used by
// the retry backoff schedule in domain.BackoffForAttempt). The task ID is
// pinned to jobID so a duplicate Enqueue for the same job is rejected by
// asynq rather than double-queuing it.
func (q *Queue) Enqueue(ctx context.Context, jobID string, tier domain.Tier, delay time.Duration) (string, error) {
	body, err := json.Marshal(RenderPayload{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue.marshal: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(tier.QueueName()),
		asynq.TaskID(jobID),
		asynq.Retention(24 * time.Hour),
		// asynq's own retry count is only the delivery vehicle; the domain
		// layer (ErrorKind.ShouldRetry) decides when a job is terminally
		// failed and stops asking for redelivery, so this ceiling just needs
		// to be high enough to never be the bottleneck.
		asynq.MaxRetry(10),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskRender, body), opts...)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob(string(tier))
	return info.ID, nil
}

// Remove cancels a not-yet-started task, used when a queued job is cancelled
// before a worker picks it up.
func (q *Queue) Remove(ctx context.Context, tier domain.Tier, bullmqID string) error {
	if err := q.inspector.DeleteTask(tier.QueueName(), bullmqID); err != nil {
		return fmt.Errorf("op=queue.remove: %w", err)
	}
	return nil
}

// Counts reports the tier queue's waiting/active/completed/failed/delayed
// task counts.
func (q *Queue) Counts(ctx context.Context, tier domain.Tier) (waiting, active, completed, failed, delayed int64, err error) {
	info, err := q.inspector.GetQueueInfo(tier.QueueName())
	if err != nil {
		return 0, 0, 0, 0, 0, fmt.Errorf("op=queue.counts: %w", err)
	}
	return int64(info.Pending), int64(info.Active), int64(info.Completed), int64(info.Failed), int64(info.Scheduled), nil
}

// Ping checks the underlying Redis connection backing the queue.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx); err != nil {
		return fmt.Errorf("op=queue.ping: %w", err)
	}
	return nil
}
