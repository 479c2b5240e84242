package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/frame"
)

// Zone is the context pressure level of a run.
type Zone int

const (
	ZoneNone Zone = iota
	ZoneWarn
	ZoneCritical
	ZoneCompaction
)

// String returns the zone label used in snapshot metadata.
func (z Zone) String() string {
	switch z {
	case ZoneWarn:
		return "warn"
	case ZoneCritical:
		return "critical"
	case ZoneCompaction:
		return "compaction"
	}
	return "none"
}

// compactionPhrases are the signatures of an externally truncated context.
var compactionPhrases = []string{
	"context truncated",
	"conversation compacted",
	"context window exceeded",
	"earlier messages removed",
	"summary of previous conversation",
	"conversation history was summarized",
}

// DetectCompactionEvent reports whether a message text carries a known
// external compaction signature.
func DetectCompactionEvent(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range compactionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// runState is the per-run accounting the handler maintains.
type runState struct {
	tokens  int
	zone    Zone
	journal *journal
}

// Handler watches event traffic and pins defensive snapshots before the
// assistant's context window forces a lossy compaction.
//
// It implements core.Listener. Each zone crossing (warn, critical,
// compaction) produces exactly one priority-10 snapshot anchor on the frame
// that triggered it; later snapshots supersede earlier ones for restore but
// all remain in the log.
type Handler struct {
	manager  *frame.Manager
	registry *Registry
	logger   *log.Logger

	charsPerToken float64

	mu      sync.Mutex
	profile *ModelProfile
	runs    map[string]*runState
}

// NewHandler creates a compaction handler using the registry's fallback
// profile until detection improves on it.
func NewHandler(manager *frame.Manager, registry *Registry, cfg core.CompactionConfig, logger *log.Logger) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.DefaultProfile != "" {
		registry.SetFallback(cfg.DefaultProfile)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		manager:       manager,
		registry:      registry,
		logger:        logger.With("component", "compaction"),
		charsPerToken: cfg.CharsPerToken,
		profile:       registry.Fallback(),
		runs:          make(map[string]*runState),
	}
}

// UseProfile pins the active model profile, e.g. after DetectModel.
func (h *Handler) UseProfile(p *ModelProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profile = p
}

// Profile returns the active model profile.
func (h *Handler) Profile() *ModelProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profile
}

// DetectModel resolves a profile from signals and makes it active.
func (h *Handler) DetectModel(signals Signals) Detection {
	det := h.registry.DetectModel(signals)
	h.UseProfile(det.Profile)
	return det
}

// OnFrameCreated implements core.Listener.
func (h *Handler) OnFrameCreated(ctx context.Context, f *core.Frame) {}

// OnFrameClosed implements core.Listener.
func (h *Handler) OnFrameClosed(ctx context.Context, f *core.Frame) {}

// OnEventAppended implements core.Listener. It grows the run's token
// estimate by the event's serialized size, journals the event, and pins a
// snapshot anchor when a new pressure zone is entered.
func (h *Handler) OnEventAppended(ctx context.Context, f *core.Frame, event *core.Event) {
	h.mu.Lock()
	state := h.state(f.RunID)
	state.tokens += h.estimateEvent(event)
	state.journal.observe(event)

	if event.EventType == core.EventMessage {
		if text, ok := event.Payload["text"].(string); ok && DetectCompactionEvent(text) {
			h.mu.Unlock()
			h.logger.Warn("external compaction detected", "run", f.RunID, "frame", f.ID)
			return
		}
	}

	zone := h.zoneFor(state.tokens)
	crossed := zone > state.zone
	if crossed {
		state.zone = zone
	}
	items := state.journal.items()
	tokens := state.tokens
	h.mu.Unlock()

	if !crossed {
		return
	}
	h.snapshot(ctx, f, zone, tokens, items)
}

// state returns the accounting for a run, creating it lazily. Callers hold
// h.mu.
func (h *Handler) state(runID string) *runState {
	s, ok := h.runs[runID]
	if !ok {
		s = &runState{journal: newJournal()}
		h.runs[runID] = s
	}
	return s
}

func (h *Handler) estimateEvent(event *core.Event) int {
	size := len(event.EventType)
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			size += len(data)
		}
	}
	cpt := h.charsPerToken
	if cpt <= 0 {
		cpt = h.profile.CharsPerToken
	}
	if cpt <= 0 {
		cpt = 4
	}
	return int(float64(size)/cpt) + 1
}

func (h *Handler) zoneFor(tokens int) Zone {
	window := float64(h.profile.ContextWindow)
	used := float64(tokens)
	switch {
	case used >= window*h.profile.CompactionFraction:
		return ZoneCompaction
	case used >= window*h.profile.CriticalFraction:
		return ZoneCritical
	case used >= window*h.profile.WarnFraction:
		return ZoneWarn
	}
	return ZoneNone
}

// snapshot pins the journal as a priority-10 anchor on the triggering frame.
func (h *Handler) snapshot(ctx context.Context, f *core.Frame, zone Zone, tokens int, items []string) {
	itemsAny := make([]interface{}, len(items))
	for i, item := range items {
		itemsAny[i] = item
	}

	text := fmt.Sprintf("context snapshot (%s zone, ~%d tokens): %d preserved items",
		zone, tokens, len(items))
	_, err := h.manager.AddAnchor(ctx, f.ID, core.AnchorFact, text, core.MaxAnchorPriority,
		map[string]interface{}{
			"snapshot": true,
			"zone":     zone.String(),
			"tokens":   tokens,
			"items":    itemsAny,
		})
	if err != nil {
		h.logger.Error("pin snapshot anchor", "run", f.RunID, "frame", f.ID, "err", err)
		return
	}
	h.logger.Info("snapshot pinned", "run", f.RunID, "zone", zone.String(), "items", len(items))
}

// NoteDecision journals a decision anchor so it survives into snapshots.
func (h *Handler) NoteDecision(runID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(runID).journal.addDecision(text)
}

// TokenCount returns the current estimate for a run.
func (h *Handler) TokenCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.runs[runID]; ok {
		return s.tokens
	}
	return 0
}

// CurrentZone returns the run's pressure zone.
func (h *Handler) CurrentZone(runID string) Zone {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.runs[runID]; ok {
		return s.zone
	}
	return ZoneNone
}

// ResetTokenCount clears the estimate after a restore or a fresh context.
// The journal resets with it; preserved state lives in the snapshot anchors.
func (h *Handler) ResetTokenCount(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.runs[runID]; ok {
		s.tokens = 0
		s.zone = ZoneNone
		s.journal = newJournal()
	}
}

// RestoreContext re-injects the most recent snapshot after an external
// compaction.
//
// It opens a recovery frame on the run's stack and pins every preserved item
// as a top-priority anchor, then resets the token estimate. Restoring with
// no snapshot available is a state error.
func (h *Handler) RestoreContext(ctx context.Context, runID string) (*core.Frame, error) {
	const op = "RestoreContext"

	items, err := h.latestSnapshot(ctx, runID)
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	recovery, err := h.manager.CreateFrame(ctx, runID, core.FrameRecovery, "context-restore",
		frame.WithInputs(map[string]interface{}{"restored_items": len(items)}))
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}

	for _, item := range items {
		_, err := h.manager.AddAnchor(ctx, recovery.ID, core.AnchorFact, item,
			core.MaxAnchorPriority, map[string]interface{}{"restored": true})
		if err != nil {
			return nil, core.NewEngineError(op, err)
		}
	}

	h.ResetTokenCount(runID)
	h.logger.Info("context restored", "run", runID, "items", len(items))
	return recovery, nil
}

// latestSnapshot finds the newest snapshot anchor on the run's frames.
func (h *Handler) latestSnapshot(ctx context.Context, runID string) ([]string, error) {
	frames, err := h.manager.ActivePath(ctx, runID)
	if err != nil {
		return nil, err
	}
	closed, err := h.closedFrames(ctx, runID)
	if err != nil {
		return nil, err
	}
	frames = append(frames, closed...)

	var (
		found bool
		items []string
		best  *core.Anchor
	)
	for _, f := range frames {
		anchors, err := h.manager.Anchors(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		for _, anchor := range anchors {
			if isSnap, _ := anchor.Metadata["snapshot"].(bool); !isSnap {
				continue
			}
			if best == nil || anchor.CreatedAt.After(best.CreatedAt) {
				best = anchor
				items = snapshotItems(anchor)
				found = true
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no snapshot available for run %s", core.ErrState, runID)
	}
	return items, nil
}

func (h *Handler) closedFrames(ctx context.Context, runID string) ([]*core.Frame, error) {
	frames, err := h.manager.ClosedFrames(ctx, runID, 50)
	if err != nil {
		return nil, err
	}
	return frames, nil
}

// snapshotItems decodes the preserved items from anchor metadata. JSON
// round-trips lists as []interface{}.
func snapshotItems(anchor *core.Anchor) []string {
	raw, ok := anchor.Metadata["items"].([]interface{})
	if !ok {
		return nil
	}
	items := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			items = append(items, s)
		}
	}
	return items
}
