package domain

import (
	"context"
	"time"
)

// Owner is the minimal view of a submitting principal the broker needs.
// Resolution of the full principal (auth, plan lookup) is out of scope;
// callers pass this in already resolved.
type Owner struct {
	ID     string
	Plan   string
	Tier   Tier
	Credits int64
}

// SubmitRequest is the broker's Go-level contract for job admission.
// HTTP route framing/validation around this is out of scope.
type SubmitRequest struct {
	ProjectID        string
	CodeURL          string
	Assets           []AssetRef
	Settings         Settings
	CompositionProps map[string]any
}

// PricingFunc computes the credit cost of a render from its settings. The
// core never resolves pricing policy itself; it only consumes this function.
type PricingFunc func(Settings) int64

// JobStore is the authoritative lifecycle record. Implementations
// must serialize transitions per job (row lock or epoch CAS) and reject any
// transition out of a terminal state with ErrConflict.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// Lease performs the only queued -> processing transition, incrementing
	// RetryCount when isRelease is true (visibility-timeout re-lease).
	Lease(ctx context.Context, id string, isRelease bool) (*Job, error)

	// TransitionToEncoding moves processing -> encoding.
	TransitionToEncoding(ctx context.Context, id string) (*Job, error)

	// Complete finalizes encoding|processing -> completed.
	Complete(ctx context.Context, id string, outputURL string, outputSize int64) (*Job, error)

	// Fail finalizes -> failed, recording the classified error.
	Fail(ctx context.Context, id string, kind ErrorKind, detail string) (*Job, error)

	// Cancel finalizes queued|processing|encoding -> cancelled. If the job is
	// not queued, CancelRequestedAt is set instead and the cooperative worker
	// acknowledges the transition itself via AckCancel.
	Cancel(ctx context.Context, id string) (*Job, error)

	// RequestCancel flags a processing/encoding job for cooperative abort
	// without itself performing the terminal transition.
	RequestCancel(ctx context.Context, id string) (*Job, error)

	// AckCancel finalizes processing|encoding -> cancelled once the worker
	// has observed CancelRequestedAt at a stage boundary (spec §4.3/§4.4).
	AckCancel(ctx context.Context, id string) (*Job, error)

	// Requeue moves processing -> queued for a job being retried, bumping
	// RetryCount.
	Requeue(ctx context.Context, id string) (*Job, error)

	// UpdateProgress persists the latest progress snapshot; it does not
	// change Status.
	UpdateProgress(ctx context.Context, id string, currentFrame, totalFrames int) error

	// ListWithFilters supports observability/admin listing (retained since
	// only its UI consumer is out of scope, not the listing itself).
	ListWithFilters(ctx context.Context, offset, limit int, ownerID, status string) ([]*Job, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	GetAverageProcessingTime(ctx context.Context) (time.Duration, error)

	// DailyCount reports how many non-cancelled jobs an owner submitted in
	// the current UTC day, for the free-tier quota gate.
	DailyCount(ctx context.Context, ownerID string) (int, error)

	// DeleteOlderThan removes terminal jobs older than cutoff (retention
	// sweep).
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// LeasedJob is what a tier queue hands back on a successful lease.
type LeasedJob struct {
	JobID    string
	Tier     Tier
	BullmqID string
}

// TierQueueBus is the priority-ordered per-tier FIFO.
type TierQueueBus interface {
	Enqueue(ctx context.Context, jobID string, tier Tier, delay time.Duration) (bullmqID string, err error)
	Remove(ctx context.Context, tier Tier, bullmqID string) error
	Counts(ctx context.Context, tier Tier) (waiting, active, completed, failed, delayed int64, err error)
	Ping(ctx context.Context) error
}

// Leaser hands out per-(tier,owner) concurrency-gated leases and receives
// lease completion/failure acks from the worker pool.
type Leaser interface {
	Acquire(ctx context.Context, tier Tier, ownerID, jobID string) (acquired bool, err error)
	Release(ctx context.Context, tier Tier, ownerID, jobID string) error
}

// CreditLedger is the pluggable ledger adapter. The free-tier daily quota is
// derived from JobStore.DailyCount (job state), not tracked here, so a
// submit-then-cancel never pins a slot it shouldn't (spec §3, §4.1).
type CreditLedger interface {
	Deduct(ctx context.Context, ownerID string, amount int64, ref string) (newBalance int64, err error)
	Refund(ctx context.Context, ownerID string, amount int64, ref string) (newBalance int64, err error)
	Balance(ctx context.Context, ownerID string) (int64, error)
}

// Event is a realtime fan-out payload.
type Event struct {
	Type        string // started|progress|completed|failed|cancelled|credits_updated
	JobID       string
	OwnerID     string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CurrentFrame int
	TotalFrames  int
	Percentage   int
	Stage        Stage
	OutputURL    string
	FileSize     int64
	DurationMS   int64
	ErrorKind    ErrorKind
	ErrorDetail  string
	Balance      int64
}

// EventBus is the realtime fan-out bus.
type EventBus interface {
	Subscribe(ctx context.Context, ownerID, jobID string) error
	Unsubscribe(ctx context.Context, ownerID, jobID string) error
	Publish(ctx context.Context, event Event) error
	PublishCreditsUpdated(ctx context.Context, ownerID string, balance int64) error
}

// StorageClient is the object storage adapter. A degraded
// implementation returning placeholder URLs is acceptable when storage
// credentials are absent.
type StorageClient interface {
	Upload(ctx context.Context, localPath, key, contentType string) (publicURL string, err error)
	Delete(ctx context.Context, key string) error
	PresignedPut(ctx context.Context, key, contentType string, ttl time.Duration) (url string, err error)
	PublicURL(key string) string
	Ping(ctx context.Context) error
}

// BundleResult is what the external bundler returns for a prepared workspace.
type BundleResult struct {
	BundleURL string
}

// Bundler invokes the external code bundler for the BUNDLE stage. The
// core never implements bundling itself; it only calls this collaborator.
type Bundler interface {
	Bundle(ctx context.Context, workDir, entryFile string) (BundleResult, error)
}

// FrameCallback reports a rendered frame index to the progress reporter.
type FrameCallback func(currentFrame, totalFrames int)

// RenderRequest is the renderer invocation contract for the RENDER stage.
type RenderRequest struct {
	BundleURL      string
	Composition    string
	Settings       Settings
	OutputPath     string
	OnFrame        FrameCallback
	GPUDisabled    bool
}

// Renderer invokes the external headless render engine for the RENDER
// stage. The core never implements rendering itself.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) error
}

// Fetcher retrieves the user-supplied composition code for the FETCH
// stage, isolated behind an interface so the worker pipeline is testable
// without real network I/O.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
