package digest

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
)

// Enqueuer subscribes to frame lifecycle notifications and queues closed
// frames for narrative enrichment.
//
// Enqueueing is an idempotent upsert keyed by frame ID, so a frame observed
// closed more than once never produces duplicate narratives.
type Enqueuer struct {
	store   store.Store
	drainer *Drainer
	logger  *log.Logger
}

// NewEnqueuer creates a queue listener. The drainer may be nil; without one,
// jobs accumulate until some other component drains them.
func NewEnqueuer(s store.Store, drainer *Drainer, logger *log.Logger) *Enqueuer {
	if logger == nil {
		logger = log.Default()
	}
	return &Enqueuer{
		store:   s,
		drainer: drainer,
		logger:  logger.With("component", "digest-queue"),
	}
}

// OnFrameCreated implements core.Listener.
func (e *Enqueuer) OnFrameCreated(ctx context.Context, frame *core.Frame) {}

// OnEventAppended implements core.Listener. Activity postpones draining so
// enrichment runs while the assistant is quiet.
func (e *Enqueuer) OnEventAppended(ctx context.Context, frame *core.Frame, event *core.Event) {
	if e.drainer != nil {
		e.drainer.Touch()
	}
}

// OnFrameClosed implements core.Listener. It upserts a narrative job at a
// priority derived from the deterministic digest.
func (e *Enqueuer) OnFrameClosed(ctx context.Context, frame *core.Frame) {
	if frame.Digest == nil || frame.Digest.Record == nil {
		return
	}

	job := &store.DigestJob{
		FrameID:    frame.ID,
		Priority:   JobPriority(frame.Digest.Record),
		Status:     store.JobPending,
		EnqueuedAt: *frame.ClosedAt,
	}
	if err := e.store.EnqueueJob(ctx, job); err != nil {
		e.logger.Error("enqueue narrative job", "frame", frame.ID, "err", err)
		return
	}

	if e.drainer != nil {
		e.drainer.Touch()
	}
}

// JobPriority maps a deterministic digest to an enrichment priority.
//
// Frames with several decisions or repeated errors are the ones worth
// narrating first; trivial frames wait.
func JobPriority(record *core.DigestRecord) int {
	if len(record.Decisions) >= 3 || len(record.Errors) >= 2 {
		return store.JobPriorityHigh
	}
	if len(record.Decisions) >= 1 || record.EventCount >= 20 {
		return store.JobPriorityNormal
	}
	return store.JobPriorityLow
}
