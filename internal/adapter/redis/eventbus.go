package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/renderflow/broker/internal/domain"
)

// EventBus fans out job lifecycle events over Redis pub/sub, keyed by
// per-job "rooms" and a global credits channel (spec §4.6).
type EventBus struct {
	rdb  *redis.Client
	jobs domain.JobStore

	mu   sync.Mutex
	subs map[string]*roomSub
}

type roomSub struct {
	refCount int
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
}

// NewEventBus constructs an EventBus. jobs is consulted on every Subscribe
// to authorise that the job belongs to the subscribing owner (spec §4.6).
func NewEventBus(rdb *redis.Client, jobs domain.JobStore) *EventBus {
	return &EventBus{rdb: rdb, jobs: jobs, subs: map[string]*roomSub{}}
}

func roomChannel(jobID string) string    { return "job:" + jobID }
func creditsChannel(ownerID string) string { return "credits:" + ownerID }

// Subscribe authorises that jobID belongs to ownerID, then joins the
// per-job room. It is idempotent: a reconnecting client resubscribing to a
// room it already holds is a no-op ref-count bump.
func (b *EventBus) Subscribe(ctx context.Context, ownerID, jobID string) error {
	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=eventbus.subscribe: %w", err)
	}
	if job.OwnerID != ownerID {
		return fmt.Errorf("op=eventbus.subscribe: %w", domain.ErrForbidden)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := ownerID + ":" + jobID
	if sub, ok := b.subs[key]; ok {
		sub.refCount++
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(subCtx, roomChannel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("op=eventbus.subscribe: %w", err)
	}
	b.subs[key] = &roomSub{refCount: 1, pubsub: ps, cancel: cancel}
	return nil
}

// Unsubscribe leaves the per-job room once its ref count drops to zero.
func (b *EventBus) Unsubscribe(ctx context.Context, ownerID, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := ownerID + ":" + jobID
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	sub.refCount--
	if sub.refCount > 0 {
		return nil
	}
	delete(b.subs, key)
	sub.cancel()
	return sub.pubsub.Close()
}

// Publish broadcasts a job event to its room.
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=eventbus.publish.marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, roomChannel(event.JobID), payload).Err(); err != nil {
		return fmt.Errorf("op=eventbus.publish: %w", err)
	}
	return nil
}

// PublishCreditsUpdated broadcasts the owner's new balance on their global
// credits channel.
func (b *EventBus) PublishCreditsUpdated(ctx context.Context, ownerID string, balance int64) error {
	event := domain.Event{Type: "credits_updated", OwnerID: ownerID, Balance: balance}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=eventbus.publish_credits.marshal: %w", err)
	}
	if err := b.rdb.Publish(ctx, creditsChannel(ownerID), payload).Err(); err != nil {
		return fmt.Errorf("op=eventbus.publish_credits: %w", err)
	}
	return nil
}
