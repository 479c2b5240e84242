// Package store provides interfaces and types for persistent storage backends.
//
// It defines the Store interface that all backends must satisfy: durable CRUD
// over frames, events, anchors, and hierarchy nodes, the narrative work queue,
// and transactional batch execution used by the frame manager to keep every
// mutating call all-or-nothing.
package store

import (
	"context"
	"time"

	"github.com/stackmem/stackmem-go/pkg/core"
)

// DigestJobStatus is the lifecycle state of a narrative enrichment job.
type DigestJobStatus string

const (
	// JobPending marks a job waiting to be drained.
	JobPending DigestJobStatus = "pending"

	// JobDone marks a job whose narrative was generated and stored.
	JobDone DigestJobStatus = "done"

	// JobFailed marks a job that exhausted its retries. The deterministic
	// digest is unaffected.
	JobFailed DigestJobStatus = "failed"
)

// Narrative job priorities, drained high-to-low then FIFO.
const (
	JobPriorityLow    = 0
	JobPriorityNormal = 1
	JobPriorityHigh   = 2
)

// DigestJob is one durable narrative enrichment work item.
//
// Jobs are keyed by frame ID: enqueueing the same frame twice is an upsert,
// so drains never produce duplicate narratives.
type DigestJob struct {
	// FrameID is the closed frame awaiting enrichment (primary key).
	FrameID int64

	// Priority is one of JobPriorityHigh/Normal/Low.
	Priority int

	// Attempts counts provider calls made for this job so far.
	Attempts int

	// Status is the job lifecycle state.
	Status DigestJobStatus

	// EnqueuedAt orders jobs FIFO within a priority.
	EnqueuedAt time.Time

	// LastError holds the most recent provider failure, if any.
	LastError string
}

// Store defines the interface for persistent storage backends.
//
// All backends (SQLite, PostgreSQL, MySQL) must implement this interface.
// Reads outside a batch see committed state only; every mutation performed
// by the frame manager goes through ExecBatch so state checks and writes
// share one transaction.
type Store interface {
	// GetFrame retrieves a frame by ID.
	GetFrame(ctx context.Context, id int64) (*core.Frame, error)

	// ActiveFrames returns the open frames for a run ordered root→leaf
	// (depth ascending). The result is the "hot stack".
	ActiveFrames(ctx context.Context, runID string) ([]*core.Frame, error)

	// ClosedFrames returns closed frames for a run, most recent first.
	// A zero since returns all; limit ≤ 0 means no limit.
	ClosedFrames(ctx context.Context, runID string, since time.Time, limit int) ([]*core.Frame, error)

	// AppendNarrative sets the narrative portion of a closed frame's
	// digest. The deterministic portion is never rewritten.
	AppendNarrative(ctx context.Context, frameID int64, narrative string) error

	// ListEvents returns a frame's events in seq order.
	ListEvents(ctx context.Context, frameID int64) ([]*core.Event, error)

	// ListAnchors returns a frame's anchors in priority-descending order
	// (ties broken by creation order).
	ListAnchors(ctx context.Context, frameID int64) ([]*core.Anchor, error)

	// ReplaceHierarchy swaps the stored tree for the given nodes in one
	// transaction. Index builds replace whole trees at once; on failure
	// the previous tree remains intact and readable.
	ReplaceHierarchy(ctx context.Context, nodes []*core.HierarchyNode) error

	// GetNode retrieves a hierarchy node by ID.
	GetNode(ctx context.Context, id int64) (*core.HierarchyNode, error)

	// Children returns a node's direct children.
	Children(ctx context.Context, parentID int64) ([]*core.HierarchyNode, error)

	// Root returns the encyclopedia root, or core.ErrNotFound when no
	// tree has been built.
	Root(ctx context.Context) (*core.HierarchyNode, error)

	// TouchNode increments a node's access counter. Best-effort
	// bookkeeping: failures are not fatal to retrieval.
	TouchNode(ctx context.Context, id int64) error

	// ClearHierarchy removes all hierarchy nodes (rebuilds replace the tree).
	ClearHierarchy(ctx context.Context) error

	// EnqueueJob upserts a narrative job keyed by frame ID. Re-enqueueing
	// a pending job may raise its priority but never duplicates it.
	EnqueueJob(ctx context.Context, job *DigestJob) error

	// PendingJobs returns pending jobs ordered priority-descending then
	// FIFO, up to limit.
	PendingJobs(ctx context.Context, limit int) ([]*DigestJob, error)

	// MarkJobDone finalizes a job after a stored narrative.
	MarkJobDone(ctx context.Context, frameID int64) error

	// MarkJobFailed records a provider failure. When permanent is true the
	// job is marked failed and never retried; otherwise the attempt count
	// is incremented and the job stays pending.
	MarkJobFailed(ctx context.Context, frameID int64, permanent bool, lastError string) error

	// ExecBatch runs fn inside a single transaction. If fn returns an
	// error the transaction is rolled back and the store is unchanged.
	ExecBatch(ctx context.Context, fn func(Batch) error) error

	// Close closes the store and releases resources.
	Close() error
}

// Batch is the transactional surface handed to ExecBatch callbacks.
//
// It exposes the mutating operations plus the reads the frame manager needs
// for stack-discipline checks, all against the same transaction, so seq
// assignment and state checks for one frame never interleave with other
// writers.
type Batch interface {
	// InsertFrame writes a new frame.
	InsertFrame(frame *core.Frame) error

	// InsertEvent writes a new event. The caller assigns Seq from
	// NextEventSeq inside the same batch.
	InsertEvent(event *core.Event) error

	// InsertAnchor writes a new anchor.
	InsertAnchor(anchor *core.Anchor) error

	// GetFrame reads a frame within the transaction.
	GetFrame(id int64) (*core.Frame, error)

	// ActiveLeaf returns the deepest active frame for a run, or
	// core.ErrNotFound when the stack is empty.
	ActiveLeaf(runID string) (*core.Frame, error)

	// CountActiveChildren counts a frame's active children.
	CountActiveChildren(frameID int64) (int, error)

	// NextEventSeq returns the next seq value for a frame, strictly
	// greater than every seq ever assigned to it.
	NextEventSeq(frameID int64) (int64, error)

	// ListEvents returns a frame's events in seq order, including events
	// inserted earlier in the same batch.
	ListEvents(frameID int64) ([]*core.Event, error)

	// ListAnchors returns a frame's anchors in priority-descending order,
	// including anchors inserted earlier in the same batch.
	ListAnchors(frameID int64) ([]*core.Anchor, error)

	// CloseFrame transitions a frame to closed, setting outputs, the
	// deterministic digest, and the close timestamp in one statement.
	CloseFrame(id int64, outputs map[string]interface{}, digest *core.Digest, closedAt time.Time) error
}
