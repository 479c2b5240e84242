// Package frame implements the frame stack manager.
//
// The manager owns the lifecycle of frames, events, and anchors. Active
// frames for a run always form a single root-to-leaf path: creating a frame
// pushes onto the current leaf, and a frame may only close once every child
// is closed. Every mutation runs inside one store transaction, so a failed
// call leaves no partial state behind.
package frame

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
)

// Digester produces the deterministic digest written when a frame closes.
//
// Implementations must be pure over their inputs: the same frame, events,
// anchors, and close time always yield the same digest.
type Digester interface {
	Generate(frame *core.Frame, events []*core.Event, anchors []*core.Anchor, closedAt time.Time) (*core.Digest, error)
}

// Manager coordinates frame lifecycle operations against a store.
type Manager struct {
	store    store.Store
	node     *snowflake.Node
	bus      *core.Bus
	digester Digester
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets the lifecycle notification bus. Without one, notifications
// are silently dropped.
func WithBus(bus *core.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithDigester sets the digest generator invoked on close.
func WithDigester(d Digester) Option {
	return func(m *Manager) {
		m.digester = d
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a frame manager on top of the given store.
func NewManager(s store.Store, opts ...Option) (*Manager, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, core.NewEngineError("NewManager", err)
	}

	m := &Manager{
		store: s,
		node:  node,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateOption configures frame creation.
type CreateOption func(*createOptions)

type createOptions struct {
	parentID int64
	inputs   map[string]interface{}
}

// WithParent pins the new frame under an explicit parent. The parent must be
// the current active leaf; pushing anywhere else would fork the stack.
func WithParent(parentID int64) CreateOption {
	return func(o *createOptions) {
		o.parentID = parentID
	}
}

// WithInputs attaches the opening context of the frame.
func WithInputs(inputs map[string]interface{}) CreateOption {
	return func(o *createOptions) {
		o.inputs = inputs
	}
}

// CreateFrame opens a new frame and pushes it onto the run's stack.
//
// The first frame of a run becomes the root at depth 0. Every later frame
// becomes a child of the current active leaf at depth leaf+1. An explicit
// parent that is not the current leaf is rejected with core.ErrState.
func (m *Manager) CreateFrame(ctx context.Context, runID string, frameType core.FrameType, name string, opts ...CreateOption) (*core.Frame, error) {
	const op = "CreateFrame"

	if runID == "" {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: run id is required", core.ErrValidation))
	}
	if name == "" {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: frame name is required", core.ErrValidation))
	}
	if !core.ValidFrameType(frameType) {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: unknown frame type %q", core.ErrValidation, frameType))
	}

	options := &createOptions{}
	for _, opt := range opts {
		opt(options)
	}

	frame := &core.Frame{
		ID:        m.node.Generate().Int64(),
		RunID:     runID,
		Type:      frameType,
		Name:      name,
		State:     core.FrameActive,
		Inputs:    options.inputs,
		CreatedAt: m.now().UTC(),
	}

	err := m.store.ExecBatch(ctx, func(b store.Batch) error {
		leaf, err := b.ActiveLeaf(runID)
		switch {
		case err == core.ErrNotFound:
			if options.parentID != 0 {
				return fmt.Errorf("%w: parent %d is not on the active stack", core.ErrState, options.parentID)
			}
			frame.ParentID = 0
			frame.Depth = 0
		case err != nil:
			return err
		default:
			if options.parentID != 0 && options.parentID != leaf.ID {
				return fmt.Errorf("%w: parent %d is not the active leaf", core.ErrState, options.parentID)
			}
			frame.ParentID = leaf.ID
			frame.Depth = leaf.Depth + 1
		}
		return b.InsertFrame(frame)
	})
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	if m.bus != nil {
		m.bus.NotifyFrameCreated(ctx, frame)
	}
	return frame, nil
}

// AddEvent appends an event to an active frame.
//
// Seq is assigned inside the transaction, so concurrent appends to the same
// frame always receive distinct, strictly increasing values.
func (m *Manager) AddEvent(ctx context.Context, frameID int64, eventType string, payload map[string]interface{}) (*core.Event, error) {
	const op = "AddEvent"

	if eventType == "" {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: event type is required", core.ErrValidation))
	}

	event := &core.Event{
		ID:        m.node.Generate().Int64(),
		FrameID:   frameID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: m.now().UTC(),
	}

	var owner *core.Frame
	err := m.store.ExecBatch(ctx, func(b store.Batch) error {
		frame, err := b.GetFrame(frameID)
		if err != nil {
			return err
		}
		if frame.State != core.FrameActive {
			return fmt.Errorf("%w: frame %d is closed", core.ErrState, frameID)
		}
		owner = frame

		seq, err := b.NextEventSeq(frameID)
		if err != nil {
			return err
		}
		event.Seq = seq
		return b.InsertEvent(event)
	})
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	if m.bus != nil {
		m.bus.NotifyEventAppended(ctx, owner, event)
	}
	return event, nil
}

// AddAnchor pins a prioritized fact to an active frame.
func (m *Manager) AddAnchor(ctx context.Context, frameID int64, anchorType core.AnchorType, text string, priority int, metadata map[string]interface{}) (*core.Anchor, error) {
	const op = "AddAnchor"

	if !core.ValidAnchorType(anchorType) {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: unknown anchor type %q", core.ErrValidation, anchorType))
	}
	if text == "" {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: anchor text is required", core.ErrValidation))
	}
	if priority < 0 || priority > core.MaxAnchorPriority {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: priority %d out of range [0, %d]", core.ErrValidation, priority, core.MaxAnchorPriority))
	}

	anchor := &core.Anchor{
		ID:        m.node.Generate().Int64(),
		FrameID:   frameID,
		Type:      anchorType,
		Text:      text,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: m.now().UTC(),
	}

	err := m.store.ExecBatch(ctx, func(b store.Batch) error {
		frame, err := b.GetFrame(frameID)
		if err != nil {
			return err
		}
		if frame.State != core.FrameActive {
			return fmt.Errorf("%w: frame %d is closed", core.ErrState, frameID)
		}
		return b.InsertAnchor(anchor)
	})
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	return anchor, nil
}

// CloseFrame pops a frame off the stack.
//
// The frame must be active with no active children. The deterministic digest
// is generated from the frame's full event and anchor history, read inside
// the same transaction as the state transition, so an event appended
// concurrently is either in the digest or rejected against the closed frame.
// The returned frame carries the digest and close timestamp.
func (m *Manager) CloseFrame(ctx context.Context, frameID int64, outputs map[string]interface{}) (*core.Frame, error) {
	const op = "CloseFrame"

	closedAt := m.now().UTC()

	var closed *core.Frame
	err := m.store.ExecBatch(ctx, func(b store.Batch) error {
		frame, err := b.GetFrame(frameID)
		if err != nil {
			return err
		}
		if frame.State != core.FrameActive {
			return fmt.Errorf("%w: frame %d is already closed", core.ErrState, frameID)
		}

		active, err := b.CountActiveChildren(frameID)
		if err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("%w: frame %d has %d active children", core.ErrState, frameID, active)
		}

		events, err := b.ListEvents(frameID)
		if err != nil {
			return err
		}
		anchors, err := b.ListAnchors(frameID)
		if err != nil {
			return err
		}

		frame.Outputs = outputs

		digest := &core.Digest{}
		if m.digester != nil {
			digest, err = m.digester.Generate(frame, events, anchors, closedAt)
			if err != nil {
				return err
			}
		}

		if err := b.CloseFrame(frameID, outputs, digest, closedAt); err != nil {
			return err
		}

		frame.State = core.FrameClosed
		frame.Digest = digest
		frame.ClosedAt = &closedAt
		closed = frame
		return nil
	})
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	if m.bus != nil {
		m.bus.NotifyFrameClosed(ctx, closed)
	}
	return closed, nil
}

// GetFrame retrieves a frame by ID.
func (m *Manager) GetFrame(ctx context.Context, frameID int64) (*core.Frame, error) {
	frame, err := m.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, core.NewEngineError("GetFrame", err)
	}
	return frame, nil
}

// ActivePath returns the run's open frames ordered root to leaf.
func (m *Manager) ActivePath(ctx context.Context, runID string) ([]*core.Frame, error) {
	frames, err := m.store.ActiveFrames(ctx, runID)
	if err != nil {
		return nil, core.NewEngineError("ActivePath", err)
	}
	return frames, nil
}

// ClosedFrames returns up to limit of the run's closed frames, most recent
// first.
func (m *Manager) ClosedFrames(ctx context.Context, runID string, limit int) ([]*core.Frame, error) {
	frames, err := m.store.ClosedFrames(ctx, runID, time.Time{}, limit)
	if err != nil {
		return nil, core.NewEngineError("ClosedFrames", err)
	}
	return frames, nil
}

// StackDepth returns the number of open frames for a run.
func (m *Manager) StackDepth(ctx context.Context, runID string) (int, error) {
	frames, err := m.store.ActiveFrames(ctx, runID)
	if err != nil {
		return 0, core.NewEngineError("StackDepth", err)
	}
	return len(frames), nil
}

// Events returns a frame's events in append order.
func (m *Manager) Events(ctx context.Context, frameID int64) ([]*core.Event, error) {
	events, err := m.store.ListEvents(ctx, frameID)
	if err != nil {
		return nil, core.NewEngineError("Events", err)
	}
	return events, nil
}

// Anchors returns a frame's anchors in priority order.
func (m *Manager) Anchors(ctx context.Context, frameID int64) ([]*core.Anchor, error) {
	anchors, err := m.store.ListAnchors(ctx, frameID)
	if err != nil {
		return nil, core.NewEngineError("Anchors", err)
	}
	return anchors, nil
}
