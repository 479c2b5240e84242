package memory_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/memory"
	"github.com/stackmem/stackmem-go/pkg/summarizer"
)

func newTestClient(t *testing.T, opts ...memory.Option) *memory.Client {
	t.Helper()
	client, err := memory.NewClient(&core.Config{
		Store: core.StoreConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path": filepath.Join(t.TempDir(), "memory.db"),
			},
		},
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := memory.NewClient(nil)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	_, err = memory.NewClient(&core.Config{})
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	_, err = memory.NewClient(&core.Config{
		Store: core.StoreConfig{Provider: "cassandra"},
	})
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestClientFrameLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	session, err := client.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)
	task, err := client.CreateFrame(ctx, "run-1", core.FrameTask, "fix-bug")
	require.NoError(t, err)

	// Events land on the active leaf when no target is given.
	event, err := client.AddEvent(ctx, "run-1", core.EventToolCall,
		map[string]interface{}{"tool": "bash"})
	require.NoError(t, err)
	assert.Equal(t, task.ID, event.FrameID)

	// An explicit target overrides the leaf.
	event, err = client.AddEvent(ctx, "run-1", core.EventMessage,
		map[string]interface{}{"text": "session note"}, memory.OnFrame(session.ID))
	require.NoError(t, err)
	assert.Equal(t, session.ID, event.FrameID)

	closed, err := client.CloseFrame(ctx, "run-1", map[string]interface{}{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, task.ID, closed.ID)
	require.NotNil(t, closed.Digest)
	assert.Equal(t, 1, closed.Digest.Record.ToolCallCount)

	digest, err := client.GetDigest(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, digest.Text)

	// Digests exist only after close.
	_, err = client.GetDigest(ctx, session.ID)
	assert.True(t, errors.Is(err, core.ErrState))

	depth, err := client.StackDepth(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestClientOperationsNeedActiveFrame(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.AddEvent(ctx, "empty-run", core.EventMessage, nil)
	assert.True(t, errors.Is(err, core.ErrState))

	_, err = client.CloseFrame(ctx, "empty-run", nil)
	assert.True(t, errors.Is(err, core.ErrState))
}

func TestClientDecisionAnchorsFeedSnapshots(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	f, err := client.CreateFrame(ctx, "run-1", core.FrameSession, "session")
	require.NoError(t, err)

	_, err = client.AddAnchor(ctx, "run-1", core.AnchorDecision,
		"pin the schema version", 8, nil)
	require.NoError(t, err)

	// Crossing the warn zone pins a snapshot carrying the journaled decision.
	_, err = client.AddEvent(ctx, "run-1", core.EventMessage,
		map[string]interface{}{"text": strings.Repeat("a", 620_000)})
	require.NoError(t, err)

	anchors, err := client.Anchors(ctx, f.ID)
	require.NoError(t, err)

	var snapshot *core.Anchor
	for _, a := range anchors {
		if isSnap, _ := a.Metadata["snapshot"].(bool); isSnap {
			snapshot = a
		}
	}
	require.NotNil(t, snapshot)
	items, ok := snapshot.Metadata["items"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, items, "decision: pin the schema version")
}

func TestClientForceEnrichDisabled(t *testing.T) {
	client := newTestClient(t)
	err := client.ForceEnrich(context.Background())
	assert.True(t, errors.Is(err, core.ErrState))
}

type staticProvider struct{}

func (staticProvider) GenerateNarrative(ctx context.Context, req *summarizer.Request) (*summarizer.Narrative, error) {
	return &summarizer.Narrative{Summary: "narrated " + req.FrameName}, nil
}
func (staticProvider) GetProviderName() string { return "static" }

func TestClientNarrativeEnrichment(t *testing.T) {
	client, err := memory.NewClient(&core.Config{
		Store: core.StoreConfig{
			Provider: "sqlite",
			Config: map[string]interface{}{
				"db_path": filepath.Join(t.TempDir(), "memory.db"),
			},
		},
		Narrative: &core.NarrativeConfig{
			Enabled:   true,
			Provider:  "openai",
			IdleDelay: time.Hour, // drain manually
		},
	}, memory.WithSummarizer(staticProvider{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	f, err := client.CreateFrame(ctx, "run-1", core.FrameTask, "fix-bug")
	require.NoError(t, err)
	_, err = client.AddAnchor(ctx, "run-1", core.AnchorDecision, "keep it simple", 5, nil)
	require.NoError(t, err)
	_, err = client.CloseFrame(ctx, "run-1", nil)
	require.NoError(t, err)

	require.NoError(t, client.ForceEnrich(ctx))

	digest, err := client.GetDigest(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "narrated fix-bug", digest.Narrative)
}

func TestClientRetrievalRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	for _, name := range []string{"fix-login", "tune-cache", "flaky-test"} {
		_, err := client.CreateFrame(ctx, "run-1", core.FrameTask, name)
		require.NoError(t, err)
		_, err = client.AddEvent(ctx, "run-1", core.EventToolCall,
			map[string]interface{}{"tool": "bash"})
		require.NoError(t, err)
		_, err = client.CloseFrame(ctx, "run-1", nil)
		require.NoError(t, err)
	}

	root, err := client.BuildIndex(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.LevelEncyclopedia, root.Level)

	result, err := client.Retrieve(ctx, "flaky test", 4, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Path)
}

func TestClientBuildIndexEmptyRun(t *testing.T) {
	client := newTestClient(t)
	_, err := client.BuildIndex(context.Background(), "nothing-closed")
	assert.True(t, errors.Is(err, core.ErrValidation))
}
