// Package core provides the shared data model, error taxonomy, configuration,
// and lifecycle notification bus for the stackmem engine.
package core

import "time"

// FrameState is the lifecycle state of a frame.
//
// A frame is created active and transitions to closed exactly once.
// The transition is terminal: closed frames are never reopened.
type FrameState string

const (
	// FrameActive marks a frame that is still accepting events and children.
	FrameActive FrameState = "active"

	// FrameClosed marks a frame whose work is finished. Closed frames are
	// immutable except for narrative digest enrichment.
	FrameClosed FrameState = "closed"
)

// FrameType classifies the unit of work a frame represents.
type FrameType string

const (
	// FrameSession is a top-level interaction session (usually the root).
	FrameSession FrameType = "session"

	// FrameTask is a named piece of work within a session.
	FrameTask FrameType = "task"

	// FrameSubtask is a nested step inside a task.
	FrameSubtask FrameType = "subtask"

	// FrameTool scopes a single tool invocation.
	FrameTool FrameType = "tool"

	// FrameRecovery is opened by the compaction handler to re-inject
	// preserved context after an external context-window truncation.
	FrameRecovery FrameType = "recovery"
)

// ValidFrameType reports whether t is a known frame type.
func ValidFrameType(t FrameType) bool {
	switch t {
	case FrameSession, FrameTask, FrameSubtask, FrameTool, FrameRecovery:
		return true
	}
	return false
}

// Frame is a scoped unit of work with an open/closed lifecycle.
//
// Active frames form a stack: exactly one root-to-leaf path, never a tree
// with multiple open branches. Depth(f) == Depth(parent(f)) + 1, and a frame
// may only close once all of its children are closed.
//
// Frames are created by the frame manager and never mutated afterwards,
// except for the single active→closed transition (which also sets ClosedAt,
// Outputs, and the deterministic digest) and the later, optional narrative
// enrichment appended to the digest.
type Frame struct {
	// ID is the unique identifier of the frame.
	ID int64 `json:"id"`

	// ParentID is a non-owning reference to the parent frame (0 for roots).
	ParentID int64 `json:"parent_id,omitempty"`

	// RunID identifies the project/run this frame belongs to.
	RunID string `json:"run_id"`

	// Type classifies the unit of work.
	Type FrameType `json:"type"`

	// Name is a human-readable label, e.g. "fix-bug".
	Name string `json:"name"`

	// State is the lifecycle state (active or closed).
	State FrameState `json:"state"`

	// Depth is the distance from the root frame (root = 0).
	Depth int `json:"depth"`

	// Inputs captures the context the frame was opened with.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Outputs captures the result the frame was closed with.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Digest is set once when the frame closes (nil while active).
	Digest *Digest `json:"digest,omitempty"`

	// CreatedAt is when the frame was opened.
	CreatedAt time.Time `json:"created_at"`

	// ClosedAt is when the frame was closed (nil while active).
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// Event is an append-only log entry owned by a frame.
//
// Seq is strictly increasing within a frame, assigned inside the store
// transaction so concurrent appends never duplicate or reuse a value.
type Event struct {
	// ID is the unique identifier of the event.
	ID int64 `json:"id"`

	// FrameID references the owning frame (weak reference, not ownership
	// transfer: events survive independently of frame digests).
	FrameID int64 `json:"frame_id"`

	// Seq is the position of the event within its frame, starting at 1.
	Seq int64 `json:"seq"`

	// EventType classifies the event, e.g. "tool_call", "file_op",
	// "error", "test", "message".
	EventType string `json:"event_type"`

	// Payload holds the event body as structured data.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"ts"`
}

// Common event types recognized by the digest generator and the compaction
// handler. Callers may append arbitrary types; unknown types pass through
// untouched.
const (
	EventToolCall = "tool_call"
	EventFileOp   = "file_op"
	EventError    = "error"
	EventTest     = "test"
	EventMessage  = "message"
)

// AnchorType classifies a pinned fact attached to a frame.
type AnchorType string

const (
	// AnchorFact pins a plain fact worth keeping in context.
	AnchorFact AnchorType = "FACT"

	// AnchorDecision pins a decision that was made and why.
	AnchorDecision AnchorType = "DECISION"

	// AnchorConstraint pins a constraint that must keep holding.
	AnchorConstraint AnchorType = "CONSTRAINT"

	// AnchorRisk pins a known risk or hazard.
	AnchorRisk AnchorType = "RISK"
)

// ValidAnchorType reports whether t is a known anchor type.
func ValidAnchorType(t AnchorType) bool {
	switch t {
	case AnchorFact, AnchorDecision, AnchorConstraint, AnchorRisk:
		return true
	}
	return false
}

// MaxAnchorPriority is the highest (most important) anchor priority.
const MaxAnchorPriority = 10

// Anchor is a pinned, prioritized fact attached to a frame.
//
// Anchors are read in priority-descending order. Priority 10 is reserved
// by convention for compaction-defense snapshots.
type Anchor struct {
	// ID is the unique identifier of the anchor.
	ID int64 `json:"id"`

	// FrameID references the owning frame.
	FrameID int64 `json:"frame_id"`

	// Type is the anchor classification (FACT, DECISION, CONSTRAINT, RISK).
	Type AnchorType `json:"type"`

	// Text is the pinned content, stored verbatim.
	Text string `json:"text"`

	// Priority orders anchors on read, 0 (lowest) to 10 (highest).
	Priority int `json:"priority"`

	// Metadata holds additional structured context.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the anchor was pinned.
	CreatedAt time.Time `json:"created_at"`
}

// Digest is the structured-plus-narrative summary produced when a frame
// closes.
//
// Text and Record are produced deterministically and synchronously at close
// time; Narrative is appended later by the asynchronous enrichment queue and
// may stay empty forever if the provider never succeeds.
type Digest struct {
	// Text is the deterministic, fixed-template rendering.
	Text string `json:"text"`

	// Record is the deterministic structured summary.
	Record *DigestRecord `json:"record"`

	// Narrative is the optional LLM enrichment appended below Text.
	Narrative string `json:"narrative,omitempty"`
}

// ExitStatus is the overall outcome of a closed frame.
type ExitStatus string

const (
	ExitSuccess   ExitStatus = "success"
	ExitFailure   ExitStatus = "failure"
	ExitPartial   ExitStatus = "partial"
	ExitCancelled ExitStatus = "cancelled"
)

// FileOp is a file operation kind extracted from events.
type FileOp string

const (
	FileRead   FileOp = "read"
	FileModify FileOp = "modify"
	FileDelete FileOp = "delete"
	FileCreate FileOp = "create"
)

// FileTouch records one file the frame touched and the strongest
// operation observed for it (delete > create > modify > read).
type FileTouch struct {
	Path string `json:"path"`
	Op   FileOp `json:"op"`
}

// TestOutcome summarizes test signals observed in a frame's events.
type TestOutcome struct {
	// Detected is false when no test signal was found at all.
	Detected bool `json:"detected"`
	Passed   int  `json:"passed"`
	Failed   int  `json:"failed"`
	Skipped  int  `json:"skipped"`
}

// ErrorOccurrence is a deduplicated error observed in a frame's events,
// keyed by type plus message prefix.
type ErrorOccurrence struct {
	Type          string `json:"type"`
	MessagePrefix string `json:"message_prefix"`

	// Count is how many times the same error repeated.
	Count int `json:"count"`

	// Resolved is true when a resolution signal was detected for the error.
	Resolved bool `json:"resolved"`
}

// DigestRecord is the structured half of a deterministic digest.
//
// Identical event sequences always produce identical records; nothing in
// here depends on the narrative enrichment step.
type DigestRecord struct {
	FrameID   int64     `json:"frame_id"`
	FrameName string    `json:"frame_name"`
	FrameType FrameType `json:"frame_type"`

	// Files are the touched files with conflict-resolved operations,
	// sorted by path.
	Files []FileTouch `json:"files,omitempty"`

	Tests TestOutcome `json:"tests"`

	// Errors are deduplicated occurrences in order of first appearance.
	Errors []ErrorOccurrence `json:"errors,omitempty"`

	// ToolCalls is a histogram of tool name to invocation count.
	ToolCalls map[string]int `json:"tool_calls,omitempty"`

	// ToolCallCount is the total number of tool_call events.
	ToolCallCount int `json:"tool_call_count"`

	// AnchorCounts is a histogram of anchor type to count.
	AnchorCounts map[AnchorType]int `json:"anchor_counts,omitempty"`

	// Decisions, Constraints, and Risks are verbatim anchor texts in
	// priority-descending order.
	Decisions   []string `json:"decisions,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Risks       []string `json:"risks,omitempty"`

	// Duration is the wall-clock time the frame was open.
	Duration time.Duration `json:"duration"`

	ExitStatus ExitStatus `json:"exit_status"`

	// EventCount is the total number of events scanned.
	EventCount int `json:"event_count"`
}

// HierarchyLevel names one of the five levels of the retrieval index.
type HierarchyLevel string

const (
	LevelEncyclopedia HierarchyLevel = "encyclopedia"
	LevelChapter      HierarchyLevel = "chapter"
	LevelSection      HierarchyLevel = "section"
	LevelParagraph    HierarchyLevel = "paragraph"
	LevelAtom         HierarchyLevel = "atom"
)

// NodeMetadata carries non-structural statistics for a hierarchy node.
//
// AccessCount is the only field ever updated after a build pass; it is
// non-critical bookkeeping and may race harmlessly with readers.
type NodeMetadata struct {
	// CompressionRatio is compressed/raw size for compressed leaves
	// (1.0 when stored uncompressed).
	CompressionRatio float64 `json:"compression_ratio"`

	// SemanticDensity is unique terms per token, rolled up as a mean
	// for interior nodes.
	SemanticDensity float64 `json:"semantic_density"`

	// AccessCount tracks retrieval traversals through this node.
	AccessCount int64 `json:"access_count"`
}

// HierarchyNode is one node of the 5-level progressive-summarization tree.
//
// Interior nodes hold template-generated summaries and statistics rolled up
// from their children; a non-leaf node's TokenCount always equals the sum of
// its children's. Raw content lives only at atom leaves and is compressed
// above a configurable size threshold.
type HierarchyNode struct {
	// ID is the unique identifier of the node.
	ID int64 `json:"id"`

	// Level places the node in the 5-level tree.
	Level HierarchyLevel `json:"level"`

	// ParentID references the parent node (0 for the encyclopedia root).
	ParentID int64 `json:"parent_id,omitempty"`

	// Title is a short template-generated label.
	Title string `json:"title"`

	// Summary is a template-generated description (never verbatim content).
	Summary string `json:"summary"`

	// ChildCount is the number of direct children.
	ChildCount int `json:"child_count"`

	// TokenCount is the estimated token weight of the subtree.
	TokenCount int `json:"token_count"`

	// Score is the rolled-up relevance score of the subtree.
	Score float64 `json:"score"`

	// TimeStart and TimeEnd bound the trace timestamps under this node.
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`

	// Content is raw leaf content (atom level only), possibly compressed.
	Content []byte `json:"content,omitempty"`

	// Compressed marks Content as gzip-compressed.
	Compressed bool `json:"compressed,omitempty"`

	// Metadata carries compression, density, and access statistics.
	Metadata NodeMetadata `json:"metadata"`
}

// IsLeaf reports whether the node stores raw content.
func (n *HierarchyNode) IsLeaf() bool {
	return n.Level == LevelAtom
}
