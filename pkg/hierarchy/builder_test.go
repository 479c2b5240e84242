package hierarchy_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/hierarchy"
	"github.com/stackmem/stackmem-go/pkg/store"
	"github.com/stackmem/stackmem-go/pkg/store/sqlite"
)

func newBuilder(t *testing.T) (*hierarchy.Builder, *sqlite.Client) {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "hierarchy.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	builder, err := hierarchy.NewBuilder(client, core.HierarchyConfig{}, nil)
	require.NoError(t, err)
	return builder, client
}

func taskTraces(n int, base time.Time) []*hierarchy.Trace {
	traces := make([]*hierarchy.Trace, n)
	for i := 0; i < n; i++ {
		traces[i] = &hierarchy.Trace{
			ID:        int64(i + 1),
			Type:      "task",
			Title:     fmt.Sprintf("task-%d", i+1),
			Content:   fmt.Sprintf("worked on task %d, touched files and ran tests", i+1),
			Score:     0.5,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return traces
}

func TestBuildRejectsEmpty(t *testing.T) {
	builder, _ := newBuilder(t)
	_, err := builder.Build(context.Background(), nil)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestBuildStructureAndRollup(t *testing.T) {
	builder, client := newBuilder(t)
	ctx := context.Background()

	root, err := builder.Build(ctx, taskTraces(25, time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, core.LevelEncyclopedia, root.Level)

	// 25 same-type traces minutes apart stay in one chapter; the paragraph
	// cap of 20 splits them 13/12 under a single section.
	chapters, err := client.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Equal(t, core.LevelChapter, chapters[0].Level)

	sections, err := client.Children(ctx, chapters[0].ID)
	require.NoError(t, err)
	require.Len(t, sections, 1)

	paragraphs, err := client.Children(ctx, sections[0].ID)
	require.NoError(t, err)
	require.Len(t, paragraphs, 2)

	atomTotal := 0
	for _, p := range paragraphs {
		atoms, err := client.Children(ctx, p.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(atoms), 20)
		atomTotal += len(atoms)
	}
	assert.Equal(t, 25, atomTotal)

	verifyRollup(t, client, root)
}

// verifyRollup walks the tree checking that every interior node's statistics
// are exactly the aggregate of its children.
func verifyRollup(t *testing.T, client *sqlite.Client, node *core.HierarchyNode) {
	t.Helper()
	if node.IsLeaf() {
		return
	}

	children, err := client.Children(context.Background(), node.ID)
	require.NoError(t, err)
	require.Equal(t, node.ChildCount, len(children))

	tokenSum := 0
	for _, child := range children {
		tokenSum += child.TokenCount
		assert.False(t, child.TimeStart.Before(node.TimeStart))
		assert.False(t, child.TimeEnd.After(node.TimeEnd))
		verifyRollup(t, client, child)
	}
	assert.Equal(t, node.TokenCount, tokenSum, "node %d (%s)", node.ID, node.Level)
}

func TestBuildReplacesPreviousIndex(t *testing.T) {
	builder, client := newBuilder(t)
	ctx := context.Background()

	first, err := builder.Build(ctx, taskTraces(5, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	second, err := builder.Build(ctx, taskTraces(3, time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = client.GetNode(ctx, first.ID)
	assert.True(t, errors.Is(err, core.ErrNotFound), "old tree is gone")

	root, err := client.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, root.ID)
}

// flakyStore injects rebuild failures while delegating everything else.
type flakyStore struct {
	store.Store
	failReplace bool
}

func (s *flakyStore) ReplaceHierarchy(ctx context.Context, nodes []*core.HierarchyNode) error {
	if s.failReplace {
		return errors.New("disk full")
	}
	return s.Store.ReplaceHierarchy(ctx, nodes)
}

func TestBuildFailureKeepsPreviousIndex(t *testing.T) {
	_, client := newBuilder(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: client}
	builder, err := hierarchy.NewBuilder(flaky, core.HierarchyConfig{}, nil)
	require.NoError(t, err)

	first, err := builder.Build(ctx, taskTraces(5, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	flaky.failReplace = true
	_, err = builder.Build(ctx, taskTraces(3, time.Now().Add(-time.Hour)))
	require.Error(t, err)

	// The failed rebuild must not have torn down the old tree.
	root, err := client.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, root.ID)

	result, err := builder.Retrieve(ctx, "task", 4, 0)
	require.NoError(t, err, "retrieval keeps serving the previous index")
	assert.NotEmpty(t, result.Path)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	builder, _ := newBuilder(t)
	_, err := builder.Retrieve(context.Background(), "anything", 4, 0)
	assert.True(t, errors.Is(err, core.ErrState))
}

func TestRetrieveFollowsKeywords(t *testing.T) {
	builder, _ := newBuilder(t)
	ctx := context.Background()
	now := time.Now()

	flakyContent := strings.Repeat("TestFoo timed out waiting for the flaky fixture. ", 60)
	traces := []*hierarchy.Trace{
		{
			ID: 1, Type: "task", Title: "deploy-api",
			Content:   "rolled the api deployment, no incidents",
			Score:     0.5,
			Timestamp: now.Add(-time.Hour),
		},
		{
			ID: 2, Type: "task", Title: "deploy-worker",
			Content:   "rolled the worker deployment",
			Score:     0.5,
			Timestamp: now.Add(-70 * time.Minute),
		},
		{
			ID: 3, Type: "subtask", Title: "flaky-test-fix",
			Content:   flakyContent,
			Score:     0.8,
			Timestamp: now.Add(-72 * time.Hour),
		},
	}

	_, err := builder.Build(ctx, traces)
	require.NoError(t, err)

	result, err := builder.Retrieve(ctx, "flaky test", 4, 0)
	require.NoError(t, err)

	// The descent reaches the atom for the matching trace.
	require.NotEmpty(t, result.Path)
	leaf := result.Path[len(result.Path)-1]
	assert.Equal(t, core.LevelAtom, leaf.Level)
	assert.Equal(t, "flaky-test-fix", leaf.Title)

	// Content above the compression threshold round-trips through gzip.
	assert.True(t, leaf.Compressed)
	assert.Less(t, leaf.Metadata.CompressionRatio, 1.0)
	assert.Equal(t, flakyContent, result.Content)

	assert.Greater(t, result.SpaceReduction, 1.0)
	assert.Greater(t, result.MeanDensity, 0.0)
}

func TestRetrieveHonorsBudget(t *testing.T) {
	builder, _ := newBuilder(t)
	ctx := context.Background()

	_, err := builder.Build(ctx, taskTraces(25, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	// The single chapter weighs ~300 tokens; 400 admits it but nothing below.
	budget := 400
	result, err := builder.Retrieve(ctx, "task", 4, budget)
	require.NoError(t, err)
	require.Greater(t, len(result.Path), 1, "budget admits at least the chapter")

	surfaced := 0
	for _, node := range result.Path[1:] {
		surfaced += node.TokenCount
	}
	assert.LessOrEqual(t, surfaced, budget)

	// A budget below every chapter's weight stops the descent at the root.
	tiny, err := builder.Retrieve(ctx, "task", 4, 1)
	require.NoError(t, err)
	assert.Len(t, tiny.Path, 1)
	assert.Empty(t, tiny.Content)
	assert.InDelta(t, 1.0, tiny.SpaceReduction, 1e-9)
}

func TestRetrieveMarksNodesHot(t *testing.T) {
	builder, client := newBuilder(t)
	ctx := context.Background()

	_, err := builder.Build(ctx, taskTraces(3, time.Now().Add(-time.Hour)))
	require.NoError(t, err)

	result, err := builder.Retrieve(ctx, "task", 4, 0)
	require.NoError(t, err)
	require.Greater(t, len(result.Path), 1)

	touched, err := client.GetNode(ctx, result.Path[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched.Metadata.AccessCount)
}

func TestTracesFromFrames(t *testing.T) {
	closedAt := time.Now().Add(-time.Hour)
	frames := []*core.Frame{
		{
			ID: 1, Type: core.FrameTask, Name: "clean-run", State: core.FrameClosed,
			Digest:   &core.Digest{Text: "all good", Record: &core.DigestRecord{ExitStatus: core.ExitSuccess}},
			ClosedAt: &closedAt,
		},
		{
			ID: 2, Type: core.FrameTask, Name: "bad-run", State: core.FrameClosed,
			Digest: &core.Digest{
				Text:      "it broke",
				Narrative: "the cache was stale",
				Record: &core.DigestRecord{
					ExitStatus: core.ExitFailure,
					Decisions:  []string{"rebuild cache", "add ttl"},
				},
			},
			ClosedAt: &closedAt,
		},
		{ID: 3, Type: core.FrameTask, Name: "still-open", State: core.FrameActive},
		{ID: 4, Type: core.FrameTask, Name: "no-digest", State: core.FrameClosed, ClosedAt: &closedAt},
	}

	traces := hierarchy.TracesFromFrames(frames)
	require.Len(t, traces, 2)

	assert.Equal(t, "clean-run", traces[0].Title)
	assert.InDelta(t, 0.5, traces[0].Score, 1e-9)

	// Failures score higher, decisions add on top.
	assert.Equal(t, "bad-run", traces[1].Title)
	assert.InDelta(t, 0.9, traces[1].Score, 1e-9)
	assert.Equal(t, "it broke\nthe cache was stale", traces[1].Content)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	builder, _ := newBuilder(t)
	source := func(ctx context.Context) ([]*hierarchy.Trace, error) { return nil, nil }

	_, err := hierarchy.NewScheduler(builder, source, "not a cron line", nil)
	assert.Error(t, err)

	s, err := hierarchy.NewScheduler(builder, source, "*/10 * * * *", nil)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
