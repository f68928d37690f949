// Package worker runs the six-stage render pipeline: FETCH, BUNDLE, RENDER,
// (encode), UPLOAD, COMPLETE.
package worker

import (
	"context"
	"time"

	"github.com/renderflow/broker/internal/adapter/observability"
	"github.com/renderflow/broker/internal/domain"
)

// progressReporter throttles frame progress emissions for a single job: a
// non-forced record is only emitted once at least 5 frames or 2 seconds
// have passed since the last one.
type progressReporter struct {
	jobID       string
	ownerID     string
	jobs        domain.JobStore
	bus         domain.EventBus
	lastFrame   int
	lastEmitAt  time.Time
	minInterval time.Duration
	minFrames   int
	now         func() time.Time
}

func newProgressReporter(jobID, ownerID string, jobs domain.JobStore, bus domain.EventBus) *progressReporter {
	return &progressReporter{
		jobID:       jobID,
		ownerID:     ownerID,
		jobs:        jobs,
		bus:         bus,
		minInterval: 2 * time.Second,
		minFrames:   5,
		now:         time.Now,
	}
}

// Report is wired as a domain.FrameCallback into the renderer invocation. It
// persists the latest frame snapshot and publishes a throttled progress
// event, skipping the publish (but never the persist) when neither threshold
// is crossed.
func (p *progressReporter) Report(ctx context.Context, currentFrame, totalFrames int) {
	if err := p.jobs.UpdateProgress(ctx, p.jobID, currentFrame, totalFrames); err != nil {
		return
	}
	p.maybeEmit(ctx, currentFrame, totalFrames, false)
}

// forceReport always emits regardless of the frame/time throttle. The
// pipeline calls it when a run starts and when rendering has finished,
// before the encoding transition.
func (p *progressReporter) forceReport(ctx context.Context, currentFrame, totalFrames int) {
	p.maybeEmit(ctx, currentFrame, totalFrames, true)
}

func (p *progressReporter) maybeEmit(ctx context.Context, currentFrame, totalFrames int, forced bool) {
	now := p.now()
	crossedFrames := currentFrame-p.lastFrame >= p.minFrames
	crossedTime := now.Sub(p.lastEmitAt) >= p.minInterval
	if !forced && !crossedFrames && !crossedTime {
		return
	}
	p.lastFrame = currentFrame
	p.lastEmitAt = now

	observability.RecordProgressEmission(string(domain.StageRendering))
	_ = p.bus.Publish(ctx, domain.Event{
		Type:         "progress",
		JobID:        p.jobID,
		OwnerID:      p.ownerID,
		CurrentFrame: currentFrame,
		TotalFrames:  totalFrames,
		Percentage:   domain.ComputeProgress(currentFrame, totalFrames),
		Stage:        domain.StageRendering,
	})
}
