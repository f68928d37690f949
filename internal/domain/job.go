// Package domain defines the core entities, state machine, and ports of the
// render job broker. It has no dependency on any concrete adapter.
package domain

import "time"

// Tier is the subscription-level routing key for a job.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ResolveTier maps an owner's raw plan name to a queue tier.
func ResolveTier(plan string) Tier {
	switch plan {
	case "enterprise", "team":
		return TierEnterprise
	case "pro":
		return TierPro
	default:
		return TierFree
	}
}

// Priority returns the tier's queue priority; lower values are served sooner.
func (t Tier) Priority() int {
	switch t {
	case TierEnterprise:
		return 1
	case TierPro:
		return 5
	default:
		return 10
	}
}

// ConcurrencyCap is the maximum number of concurrent leases a single owner
// may hold within this tier.
func (t Tier) ConcurrencyCap() int {
	switch t {
	case TierEnterprise:
		return 10
	case TierPro:
		return 3
	default:
		return 1
	}
}

// QueueName returns the tier queue's wire name, e.g. "render:pro".
func (t Tier) QueueName() string {
	return "render:" + string(t)
}

// JobStatus is a node in the job state machine.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobEncoding   JobStatus = "encoding"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether status is absorbing: no further transition is legal.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Format is the requested output container.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatGIF  Format = "gif"
)

// ContentType returns the MIME type used for the upload stage.
func (f Format) ContentType() string {
	switch f {
	case FormatWebM:
		return "video/webm"
	case FormatGIF:
		return "image/gif"
	default:
		return "video/mp4"
	}
}

// Codec returns the render codec implied by the output format.
func (f Format) Codec() string {
	switch f {
	case FormatWebM:
		return "vp9"
	case FormatGIF:
		return "gif"
	default:
		return "h264"
	}
}

// Ext returns the output file extension, identical to the format name.
func (f Format) Ext() string { return string(f) }

// Settings is the render configuration supplied at submission.
type Settings struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FPS            int    `json:"fps"`
	DurationFrames int    `json:"duration_frames"`
	Format         Format `json:"format"`
}

// Validate enforces settings bounds. It is the one real input boundary the
// core owns (the rest of request validation is out of scope).
func (s Settings) Validate() error {
	switch {
	case s.Width < 1 || s.Width > 3840:
		return fieldErr("settings.width", s.Width)
	case s.Height < 1 || s.Height > 2160:
		return fieldErr("settings.height", s.Height)
	case s.FPS < 1 || s.FPS > 120:
		return fieldErr("settings.fps", s.FPS)
	case s.DurationFrames < 1 || s.DurationFrames > 108000:
		return fieldErr("settings.duration_frames", s.DurationFrames)
	}
	switch s.Format {
	case FormatMP4, FormatWebM, FormatGIF:
	default:
		return fieldErr("settings.format", s.Format)
	}
	return nil
}

// AssetRef is a named input asset supplied alongside the composition code.
type AssetRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Job is the unit of render work tracked by the broker end to end.
type Job struct {
	ID       string
	OwnerID  string
	ProjectID string

	CodeURL          string
	AssetRefs        []AssetRef
	Settings         Settings
	CompositionProps map[string]any

	Tier   Tier
	Status JobStatus

	RetryCount int
	MaxRetries int

	CreditsCharged int64

	Progress     int
	CurrentFrame int
	TotalFrames  int

	OutputURL       string
	OutputSizeBytes int64

	ErrorKind   ErrorKind
	ErrorDetail string

	CancelRequestedAt *time.Time

	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	// BullmqID is the broker-local queue handle (naming kept from the
	// teacher's queue vocabulary) used to map tier-queue task state back to
	// this row.
	BullmqID string

	// Epoch is incremented on every persisted transition and used as a
	// compare-and-set guard against concurrent writers.
	Epoch int64
}

// ComputeProgress derives the percentage field: floor division, clamped to
// 100, and zero when there are no frames yet.
func ComputeProgress(currentFrame, totalFrames int) int {
	if totalFrames <= 0 {
		return 0
	}
	pct := (100 * currentFrame) / totalFrames
	if pct > 100 {
		pct = 100
	}
	return pct
}

func fieldErr(name string, v any) error {
	return &ValidationError{Field: name, Value: v}
}
