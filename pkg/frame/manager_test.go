package frame_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/digest"
	"github.com/stackmem/stackmem-go/pkg/frame"
	"github.com/stackmem/stackmem-go/pkg/store/sqlite"
)

func newManager(t *testing.T, opts ...frame.Option) *frame.Manager {
	t.Helper()

	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "frames.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	opts = append([]frame.Option{frame.WithDigester(digest.NewGenerator())}, opts...)
	manager, err := frame.NewManager(client, opts...)
	require.NoError(t, err)
	return manager
}

func TestCreateFrameDepthInvariant(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	root, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, int64(0), root.ParentID)

	task, err := manager.CreateFrame(ctx, "run-1", core.FrameTask, "task")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Depth)
	assert.Equal(t, root.ID, task.ParentID)

	sub, err := manager.CreateFrame(ctx, "run-1", core.FrameSubtask, "subtask")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Depth)
	assert.Equal(t, task.ID, sub.ParentID)

	path, err := manager.ActivePath(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, path, 3)
	for i, f := range path {
		assert.Equal(t, i, f.Depth)
		if i > 0 {
			assert.Equal(t, path[i-1].ID, f.ParentID)
		}
	}
}

func TestCreateFrameValidation(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	_, err := manager.CreateFrame(ctx, "", core.FrameSession, "session")
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = manager.CreateFrame(ctx, "run-1", core.FrameSession, "")
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = manager.CreateFrame(ctx, "run-1", "workflow", "name")
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestCreateFrameRejectsForkedStack(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	root, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	_, err = manager.CreateFrame(ctx, "run-1", core.FrameTask, "task")
	require.NoError(t, err)

	// The root is no longer the leaf; pushing under it would fork.
	_, err = manager.CreateFrame(ctx, "run-1", core.FrameTask, "sibling",
		frame.WithParent(root.ID))
	assert.True(t, errors.Is(err, core.ErrState))

	depth, err := manager.StackDepth(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCloseFrameWithActiveChild(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	root, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	_, err = manager.CreateFrame(ctx, "run-1", core.FrameTask, "task")
	require.NoError(t, err)

	_, err = manager.CloseFrame(ctx, root.ID, nil)
	assert.True(t, errors.Is(err, core.ErrState))

	// State must be untouched.
	reloaded, err := manager.GetFrame(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FrameActive, reloaded.State)
	assert.Nil(t, reloaded.ClosedAt)
	assert.Nil(t, reloaded.Digest)

	depth, err := manager.StackDepth(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCloseFrameTwice(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = manager.CloseFrame(ctx, f.ID, nil)
	require.NoError(t, err)

	_, err = manager.CloseFrame(ctx, f.ID, nil)
	assert.True(t, errors.Is(err, core.ErrState))
}

func TestAddEventToClosedFrame(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	_, err = manager.CloseFrame(ctx, f.ID, nil)
	require.NoError(t, err)

	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage, nil)
	assert.True(t, errors.Is(err, core.ErrState))
}

func TestAddAnchorValidation(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = manager.AddAnchor(ctx, f.ID, "NOTE", "text", 5, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = manager.AddAnchor(ctx, f.ID, core.AnchorFact, "", 5, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = manager.AddAnchor(ctx, f.ID, core.AnchorFact, "text", 11, nil)
	assert.True(t, errors.Is(err, core.ErrValidation))

	anchors, err := manager.Anchors(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, anchors, "rejected anchors leave no partial state")
}

func TestAnchorsPriorityOrder(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = manager.AddAnchor(ctx, f.ID, core.AnchorFact, "low", 2, nil)
	require.NoError(t, err)
	_, err = manager.AddAnchor(ctx, f.ID, core.AnchorDecision, "high", 9, nil)
	require.NoError(t, err)
	_, err = manager.AddAnchor(ctx, f.ID, core.AnchorRisk, "mid", 5, nil)
	require.NoError(t, err)

	anchors, err := manager.Anchors(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, anchors, 3)
	assert.Equal(t, "high", anchors[0].Text)
	assert.Equal(t, "mid", anchors[1].Text)
	assert.Equal(t, "low", anchors[2].Text)
}

func TestConcurrentEventSeq(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.AddEvent(ctx, f.ID, core.EventMessage,
				map[string]interface{}{"text": "hello"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := manager.Events(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, events, n)

	seen := make(map[int64]bool)
	var last int64
	for _, e := range events {
		assert.False(t, seen[e.Seq], "seq %d duplicated", e.Seq)
		seen[e.Seq] = true
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}
}

func TestFixBugScenario(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	_, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	task, err := manager.CreateFrame(ctx, "run-1", core.FrameTask, "fix-bug")
	require.NoError(t, err)

	_, err = manager.AddEvent(ctx, task.ID, core.EventToolCall,
		map[string]interface{}{"tool": "grep"})
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, task.ID, core.EventToolCall,
		map[string]interface{}{"tool": "edit"})
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, task.ID, core.EventError,
		map[string]interface{}{"type": "test", "message": "TestFoo still failing"})
	require.NoError(t, err)

	closed, err := manager.CloseFrame(ctx, task.ID, nil)
	require.NoError(t, err)

	require.NotNil(t, closed.Digest)
	require.NotNil(t, closed.Digest.Record)
	assert.Equal(t, 2, closed.Digest.Record.ToolCallCount)
	require.Len(t, closed.Digest.Record.Errors, 1)
	assert.Equal(t, core.ExitFailure, closed.Digest.Record.ExitStatus)
	assert.NotEmpty(t, closed.Digest.Text)

	depth, err := manager.StackDepth(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDigestPersistedWithClose(t *testing.T) {
	manager := newManager(t)
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, f.ID, core.EventToolCall,
		map[string]interface{}{"tool": "bash"})
	require.NoError(t, err)

	_, err = manager.CloseFrame(ctx, f.ID, map[string]interface{}{"done": true})
	require.NoError(t, err)

	reloaded, err := manager.GetFrame(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, core.FrameClosed, reloaded.State)
	require.NotNil(t, reloaded.Digest)
	assert.NotEmpty(t, reloaded.Digest.Text)
	require.NotNil(t, reloaded.Digest.Record)
	assert.Equal(t, 1, reloaded.Digest.Record.ToolCallCount)
	assert.NotNil(t, reloaded.ClosedAt)
	assert.Equal(t, true, reloaded.Outputs["done"])
}

type recordingListener struct {
	mu      sync.Mutex
	created []int64
	closed  []int64
	events  []int64
}

func (l *recordingListener) OnFrameCreated(ctx context.Context, f *core.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, f.ID)
}

func (l *recordingListener) OnFrameClosed(ctx context.Context, f *core.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, f.ID)
}

func (l *recordingListener) OnEventAppended(ctx context.Context, f *core.Frame, e *core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.ID)
}

func TestBusNotifications(t *testing.T) {
	bus := core.NewBus()
	listener := &recordingListener{}
	bus.Subscribe(listener)

	manager := newManager(t, frame.WithBus(bus))
	ctx := context.Background()

	f, err := manager.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	_, err = manager.AddEvent(ctx, f.ID, core.EventMessage, nil)
	require.NoError(t, err)
	_, err = manager.CloseFrame(ctx, f.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{f.ID}, listener.created)
	assert.Equal(t, []int64{f.ID}, listener.closed)
	assert.Len(t, listener.events, 1)

	// Failed operations never notify.
	_, err = manager.CloseFrame(ctx, f.ID, nil)
	require.Error(t, err)
	assert.Len(t, listener.closed, 1)
}
