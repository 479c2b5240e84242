package compaction_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/compaction"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/digest"
	"github.com/stackmem/stackmem-go/pkg/frame"
	"github.com/stackmem/stackmem-go/pkg/store/sqlite"
)

func newHandler(t *testing.T) (*compaction.Handler, *frame.Manager) {
	t.Helper()

	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "compaction.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	bus := core.NewBus()
	manager, err := frame.NewManager(client,
		frame.WithBus(bus), frame.WithDigester(digest.NewGenerator()))
	require.NoError(t, err)

	handler := compaction.NewHandler(manager, compaction.NewRegistry(),
		core.CompactionConfig{}, nil)
	bus.Subscribe(handler)
	return handler, manager
}

// bulkText is sized so the default 200k-window profile estimates roughly
// chars/4 tokens for the carrying event.
func bulkText(chars int) string {
	return strings.Repeat("a", chars)
}

func snapshotAnchors(t *testing.T, manager *frame.Manager, frameID int64) []*core.Anchor {
	t.Helper()
	anchors, err := manager.Anchors(context.Background(), frameID)
	require.NoError(t, err)

	var snaps []*core.Anchor
	for _, a := range anchors {
		if isSnap, _ := a.Metadata["snapshot"].(bool); isSnap {
			snaps = append(snaps, a)
		}
	}
	return snaps
}

func TestZoneCrossingPinsExactlyOneSnapshot(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	// 620k chars estimate to ~155k tokens, past the 150k warn line of the
	// default 200k-window profile.
	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(620_000)})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, handler.TokenCount("run-1"), 150_000)
	assert.Equal(t, compaction.ZoneWarn, handler.CurrentZone("run-1"))

	snaps := snapshotAnchors(t, manager, f.ID)
	require.Len(t, snaps, 1)
	assert.Equal(t, core.MaxAnchorPriority, snaps[0].Priority)
	assert.Equal(t, "warn", snaps[0].Metadata["zone"])

	// Staying inside the warn zone never re-pins.
	for i := 0; i < 5; i++ {
		_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
			map[string]interface{}{"text": "still working"})
		require.NoError(t, err)
	}
	assert.Len(t, snapshotAnchors(t, manager, f.ID), 1)

	// Crossing into critical pins a second snapshot.
	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(80_000)})
	require.NoError(t, err)

	assert.Equal(t, compaction.ZoneCritical, handler.CurrentZone("run-1"))
	snaps = snapshotAnchors(t, manager, f.ID)
	require.Len(t, snaps, 2)
}

func TestSnapshotJournalDeduplicates(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	// Duplicate inputs collapse to one journal item each.
	for i := 0; i < 3; i++ {
		_, err = manager.AddEvent(ctx, f.ID, core.EventFileOp,
			map[string]interface{}{"path": "a.go", "op": "modify"})
		require.NoError(t, err)
	}
	_, err = manager.AddEvent(ctx, f.ID, core.EventError,
		map[string]interface{}{"type": "test", "message": "boom"})
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, f.ID, core.EventToolCall,
		map[string]interface{}{"tool": "build", "status": "success"})
	require.NoError(t, err)
	handler.NoteDecision("run-1", "use sqlite")
	handler.NoteDecision("run-1", "use sqlite")

	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(620_000)})
	require.NoError(t, err)

	snaps := snapshotAnchors(t, manager, f.ID)
	require.Len(t, snaps, 1)

	raw, ok := snaps[0].Metadata["items"].([]interface{})
	require.True(t, ok)
	items := make([]string, 0, len(raw))
	for _, v := range raw {
		items = append(items, v.(string))
	}
	assert.ElementsMatch(t, []string{
		"file modify: a.go",
		"error test: boom (resolved)",
		"tool used: build (ok)",
		"decision: use sqlite",
	}, items)
}

func TestRestoreContext(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = manager.AddEvent(ctx, f.ID, core.EventFileOp,
		map[string]interface{}{"path": "a.go", "op": "modify"})
	require.NoError(t, err)
	handler.NoteDecision("run-1", "keep the v1 schema")
	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(620_000)})
	require.NoError(t, err)
	require.Len(t, snapshotAnchors(t, manager, f.ID), 1)

	recovery, err := handler.RestoreContext(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.FrameRecovery, recovery.Type)
	assert.Equal(t, "context-restore", recovery.Name)
	assert.Equal(t, f.ID, recovery.ParentID)

	anchors, err := manager.Anchors(ctx, recovery.ID)
	require.NoError(t, err)
	texts := make([]string, 0, len(anchors))
	for _, a := range anchors {
		assert.Equal(t, core.MaxAnchorPriority, a.Priority)
		assert.Equal(t, true, a.Metadata["restored"])
		texts = append(texts, a.Text)
	}
	assert.ElementsMatch(t, []string{
		"file modify: a.go",
		"decision: keep the v1 schema",
	}, texts)

	// The estimate resets so the fresh context starts clean.
	assert.Equal(t, 0, handler.TokenCount("run-1"))
	assert.Equal(t, compaction.ZoneNone, handler.CurrentZone("run-1"))
}

func TestRestoreContextWithoutSnapshot(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	_, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = handler.RestoreContext(ctx, "run-1")
	assert.True(t, errors.Is(err, core.ErrState))
}

func TestRestoreFindsSnapshotOnClosedFrame(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	_, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	task, err := manager.CreateFrame(ctx, "run-1", core.FrameTask, "heavy-task")
	require.NoError(t, err)

	_, err = manager.AddEvent(ctx, task.ID, core.EventFileOp,
		map[string]interface{}{"path": "b.go", "op": "create"})
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, task.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(620_000)})
	require.NoError(t, err)
	require.Len(t, snapshotAnchors(t, manager, task.ID), 1)

	_, err = manager.CloseFrame(ctx, task.ID, nil)
	require.NoError(t, err)

	recovery, err := handler.RestoreContext(ctx, "run-1")
	require.NoError(t, err)

	anchors, err := manager.Anchors(ctx, recovery.ID)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "file create: b.go", anchors[0].Text)
}

func TestExternalCompactionDetectionSkipsAccounting(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": "system: context truncated " + bulkText(620_000)})
	require.NoError(t, err)

	// The event still counts toward the estimate but no snapshot is pinned
	// off it; the caller is expected to restore instead.
	assert.Len(t, snapshotAnchors(t, manager, f.ID), 0)
	assert.Greater(t, handler.TokenCount("run-1"), 0)
}

func TestUseProfileChangesZoneThresholds(t *testing.T) {
	handler, manager := newHandler(t)
	ctx := context.Background()

	small, ok := compaction.NewRegistry().Get("small")
	require.True(t, ok)
	handler.UseProfile(small)
	assert.Equal(t, "small", handler.Profile().Name)

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	// ~25k tokens is nothing for the default profile but deep into the
	// small profile's 32k window.
	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage,
		map[string]interface{}{"text": bulkText(100_000)})
	require.NoError(t, err)

	assert.Equal(t, compaction.ZoneWarn, handler.CurrentZone("run-1"))
	assert.Len(t, snapshotAnchors(t, manager, f.ID), 1)
}

func TestDetectModelActivatesProfile(t *testing.T) {
	handler, _ := newHandler(t)

	det := handler.DetectModel(compaction.Signals{ExplicitModel: "large"})
	assert.InDelta(t, 0.95, det.Confidence, 1e-9)
	assert.Equal(t, "large", handler.Profile().Name)
}
