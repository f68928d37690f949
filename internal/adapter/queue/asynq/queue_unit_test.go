package asynqadp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	asynqadp "github.com/renderflow/broker/internal/adapter/queue/asynq"
	"github.com/renderflow/broker/internal/domain"
)

type fakeClient struct{ wantErr bool }

func (f fakeClient) EnqueueContext(_ context.Context, _ *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.wantErr {
		return nil, errors.New("enqueue fail")
	}
	return &asynq.TaskInfo{ID: "job-1"}, nil
}

type fakeInspector struct {
	info      *asynq.QueueInfo
	deleteErr error
	queueErr  error
}

func (f fakeInspector) GetQueueInfo(qname string) (*asynq.QueueInfo, error) {
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return f.info, nil
}

func (f fakeInspector) DeleteTask(qname, id string) error { return f.deleteErr }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestQueue_Enqueue_Unit(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{}, fakePinger{})
	id, err := q.Enqueue(context.Background(), "job-1", domain.TierPro, 0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if id == "" {
		t.Fatalf("expected id")
	}
}

func TestQueue_Enqueue_WithDelay(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{}, fakePinger{})
	_, err := q.Enqueue(context.Background(), "job-1", domain.TierFree, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestQueue_Enqueue_Error(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{wantErr: true}, fakeInspector{}, fakePinger{})
	_, err := q.Enqueue(context.Background(), "job-1", domain.TierFree, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestQueue_Remove(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{}, fakePinger{})
	if err := q.Remove(context.Background(), domain.TierEnterprise, "job-1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestQueue_Remove_Error(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{deleteErr: errors.New("boom")}, fakePinger{})
	if err := q.Remove(context.Background(), domain.TierEnterprise, "job-1"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestQueue_Counts(t *testing.T) {
	info := &asynq.QueueInfo{Pending: 2, Active: 1, Completed: 5, Failed: 1, Scheduled: 3}
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{info: info}, fakePinger{})
	waiting, active, completed, failed, delayed, err := q.Counts(context.Background(), domain.TierFree)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if waiting != 2 || active != 1 || completed != 5 || failed != 1 || delayed != 3 {
		t.Fatalf("unexpected counts: %d %d %d %d %d", waiting, active, completed, failed, delayed)
	}
}

func TestQueue_Counts_Error(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{queueErr: errors.New("down")}, fakePinger{})
	_, _, _, _, _, err := q.Counts(context.Background(), domain.TierFree)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestQueue_Ping(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{}, fakePinger{})
	if err := q.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestQueue_Ping_Error(t *testing.T) {
	q := asynqadp.NewWithClient(fakeClient{}, fakeInspector{}, fakePinger{err: errors.New("unreachable")})
	if err := q.Ping(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
