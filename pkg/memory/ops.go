package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stackmem/stackmem-go/pkg/compaction"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/frame"
	"github.com/stackmem/stackmem-go/pkg/hierarchy"
	"github.com/stackmem/stackmem-go/pkg/router"
)

// runSet tracks the run IDs this client has touched, for scheduled rebuilds.
type runSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newRunSet() *runSet {
	return &runSet{ids: make(map[string]struct{})}
}

func (r *runSet) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = struct{}{}
}

func (r *runSet) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TargetOption addresses an operation at a specific frame instead of the
// active leaf.
type TargetOption func(*targetOptions)

type targetOptions struct {
	frameID int64
}

// OnFrame targets an explicit frame.
func OnFrame(frameID int64) TargetOption {
	return func(o *targetOptions) {
		o.frameID = frameID
	}
}

// resolveTarget returns the explicit target or the run's active leaf.
func (c *Client) resolveTarget(ctx context.Context, runID string, opts []TargetOption) (int64, error) {
	options := &targetOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.frameID != 0 {
		return options.frameID, nil
	}

	path, err := c.manager.ActivePath(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(path) == 0 {
		return 0, fmt.Errorf("%w: run %s has no active frame", core.ErrState, runID)
	}
	return path[len(path)-1].ID, nil
}

// CreateFrame pushes a new frame onto the run's stack.
func (c *Client) CreateFrame(ctx context.Context, runID string, frameType core.FrameType, name string, opts ...frame.CreateOption) (*core.Frame, error) {
	f, err := c.manager.CreateFrame(ctx, runID, frameType, name, opts...)
	if err != nil {
		return nil, err
	}
	c.runs.add(runID)
	return f, nil
}

// AddEvent appends an event, targeting the active leaf by default.
func (c *Client) AddEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}, opts ...TargetOption) (*core.Event, error) {
	frameID, err := c.resolveTarget(ctx, runID, opts)
	if err != nil {
		return nil, core.NewEngineError("AddEvent", err)
	}
	return c.manager.AddEvent(ctx, frameID, eventType, payload)
}

// AddAnchor pins a fact, targeting the active leaf by default. Decision
// anchors are also journaled for compaction defense.
func (c *Client) AddAnchor(ctx context.Context, runID string, anchorType core.AnchorType, text string, priority int, metadata map[string]interface{}, opts ...TargetOption) (*core.Anchor, error) {
	frameID, err := c.resolveTarget(ctx, runID, opts)
	if err != nil {
		return nil, core.NewEngineError("AddAnchor", err)
	}

	anchor, err := c.manager.AddAnchor(ctx, frameID, anchorType, text, priority, metadata)
	if err != nil {
		return nil, err
	}
	if anchorType == core.AnchorDecision {
		c.compactor.NoteDecision(runID, text)
	}
	return anchor, nil
}

// CloseFrame pops a frame, targeting the active leaf by default. The
// deterministic digest is generated and committed with the close.
func (c *Client) CloseFrame(ctx context.Context, runID string, outputs map[string]interface{}, opts ...TargetOption) (*core.Frame, error) {
	frameID, err := c.resolveTarget(ctx, runID, opts)
	if err != nil {
		return nil, core.NewEngineError("CloseFrame", err)
	}
	return c.manager.CloseFrame(ctx, frameID, outputs)
}

// GetFrame retrieves a frame by ID.
func (c *Client) GetFrame(ctx context.Context, frameID int64) (*core.Frame, error) {
	return c.manager.GetFrame(ctx, frameID)
}

// GetDigest returns a closed frame's digest.
func (c *Client) GetDigest(ctx context.Context, frameID int64) (*core.Digest, error) {
	f, err := c.manager.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if f.Digest == nil {
		return nil, core.NewEngineError("GetDigest",
			fmt.Errorf("%w: frame %d is still active", core.ErrState, frameID))
	}
	return f.Digest, nil
}

// ActivePath returns the run's open frames, root to leaf.
func (c *Client) ActivePath(ctx context.Context, runID string) ([]*core.Frame, error) {
	return c.manager.ActivePath(ctx, runID)
}

// StackDepth returns the number of open frames for a run.
func (c *Client) StackDepth(ctx context.Context, runID string) (int, error) {
	return c.manager.StackDepth(ctx, runID)
}

// Events returns a frame's event log in order.
func (c *Client) Events(ctx context.Context, frameID int64) ([]*core.Event, error) {
	return c.manager.Events(ctx, frameID)
}

// Anchors returns a frame's anchors, highest priority first.
func (c *Client) Anchors(ctx context.Context, frameID int64) ([]*core.Anchor, error) {
	return c.manager.Anchors(ctx, frameID)
}

// ForceEnrich drains one batch of pending narrative jobs immediately.
func (c *Client) ForceEnrich(ctx context.Context) error {
	if c.drainer == nil {
		return core.NewEngineError("ForceEnrich",
			fmt.Errorf("%w: narrative enrichment is not enabled", core.ErrState))
	}
	return c.drainer.ForceDrain(ctx)
}

// DetectModel resolves and activates a model profile from signals.
func (c *Client) DetectModel(signals compaction.Signals) compaction.Detection {
	return c.compactor.DetectModel(signals)
}

// TokenCount returns the run's current context estimate.
func (c *Client) TokenCount(runID string) int {
	return c.compactor.TokenCount(runID)
}

// ResetTokenCount clears the run's context estimate.
func (c *Client) ResetTokenCount(runID string) {
	c.compactor.ResetTokenCount(runID)
}

// RestoreContext re-injects the latest snapshot through a recovery frame.
func (c *Client) RestoreContext(ctx context.Context, runID string) (*core.Frame, error) {
	return c.compactor.RestoreContext(ctx, runID)
}

// BuildIndex rebuilds the retrieval index from a run's closed frames.
func (c *Client) BuildIndex(ctx context.Context, runID string) (*core.HierarchyNode, error) {
	frames, err := c.manager.ClosedFrames(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return c.builder.Build(ctx, hierarchy.TracesFromFrames(frames))
}

// Retrieve descends the retrieval index under a token budget.
func (c *Client) Retrieve(ctx context.Context, query string, maxDepth, budget int) (*hierarchy.Result, error) {
	return c.builder.Retrieve(ctx, query, maxDepth, budget)
}

// RegisterTier adds a routing target.
func (c *Client) RegisterTier(tier *router.Tier) error {
	return c.router.RegisterTier(tier)
}

// Route executes an operation through the query router.
func (c *Client) Route(ctx context.Context, op string, qctx *router.QueryContext, exec router.Executor) (interface{}, error) {
	return c.router.Route(ctx, op, qctx, exec)
}

// SubscribeRouterEvents registers a routing observability callback.
func (c *Client) SubscribeRouterEvents(fn func(router.Event)) {
	c.router.Subscribe(fn)
}

// RouterStats returns the router's per-tier counters.
func (c *Client) RouterStats() map[string]map[string]router.OpStats {
	return c.router.Stats()
}
