package digest_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/digest"
	"github.com/stackmem/stackmem-go/pkg/store"
	"github.com/stackmem/stackmem-go/pkg/store/sqlite"
	"github.com/stackmem/stackmem-go/pkg/summarizer"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    []string
	generate func(req *summarizer.Request) (*summarizer.Narrative, error)
}

func (p *fakeProvider) GenerateNarrative(ctx context.Context, req *summarizer.Request) (*summarizer.Narrative, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.FrameName)
	p.mu.Unlock()
	if p.generate != nil {
		return p.generate(req)
	}
	return &summarizer.Narrative{Summary: "summarized " + req.FrameName}, nil
}

func (p *fakeProvider) GetProviderName() string { return "fake" }

func (p *fakeProvider) callNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func newDrainerStore(t *testing.T) *sqlite.Client {
	t.Helper()
	client, err := sqlite.NewClient(&sqlite.Config{
		DBPath: filepath.Join(t.TempDir(), "drainer.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// closedFrame persists a closed frame with a minimal digest and returns its ID.
func closedFrame(t *testing.T, client *sqlite.Client, id int64, name string) int64 {
	t.Helper()
	ctx := context.Background()
	err := client.ExecBatch(ctx, func(b store.Batch) error {
		if err := b.InsertFrame(&core.Frame{
			ID: id, RunID: "run-1", Type: core.FrameTask, Name: name,
			State: core.FrameActive, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		d := &core.Digest{
			Text:   "frame " + name + " finished",
			Record: &core.DigestRecord{FrameID: id, Decisions: []string{"a decision"}},
		}
		return b.CloseFrame(id, nil, d, time.Now().UTC())
	})
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, client *sqlite.Client, frameID int64, priority int) {
	t.Helper()
	require.NoError(t, client.EnqueueJob(context.Background(), &store.DigestJob{
		FrameID:    frameID,
		Priority:   priority,
		Status:     store.JobPending,
		EnqueuedAt: time.Now().UTC(),
	}))
}

func TestForceDrainAppendsNarrative(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	id := closedFrame(t, client, 1, "fix-bug")
	enqueue(t, client, id, store.JobPriorityNormal)

	provider := &fakeProvider{}
	drainer := digest.NewDrainer(client, provider, nil, nil)
	require.NoError(t, drainer.ForceDrain(ctx))

	frame, err := client.GetFrame(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, frame.Digest)
	assert.Equal(t, "summarized fix-bug", frame.Digest.Narrative)
	assert.Equal(t, "frame fix-bug finished", frame.Digest.Text, "deterministic text untouched")

	jobs, err := client.PendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestForceDrainBoundedRetries(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	id := closedFrame(t, client, 1, "fix-bug")
	enqueue(t, client, id, store.JobPriorityNormal)

	provider := &fakeProvider{
		generate: func(req *summarizer.Request) (*summarizer.Narrative, error) {
			return nil, errors.New("provider down")
		},
	}
	drainer := digest.NewDrainer(client, provider,
		&core.NarrativeConfig{MaxRetries: 3}, nil)

	// Two failures leave the job pending with counted attempts.
	for want := 1; want <= 2; want++ {
		require.NoError(t, drainer.ForceDrain(ctx))
		jobs, err := client.PendingJobs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, want, jobs[0].Attempts)
		assert.Equal(t, "provider down", jobs[0].LastError)
	}

	// The third exhausts the budget; the job never drains again.
	require.NoError(t, drainer.ForceDrain(ctx))
	jobs, err := client.PendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Len(t, provider.callNames(), 3)

	frame, err := client.GetFrame(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, frame.Digest.Narrative, "digest stays deterministic-only")
}

func TestForceDrainDropsJobsWithoutDigest(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	// A job pointing at a frame that never produced a digest cannot succeed.
	require.NoError(t, client.ExecBatch(ctx, func(b store.Batch) error {
		return b.InsertFrame(&core.Frame{
			ID: 1, RunID: "run-1", Type: core.FrameTask, Name: "open",
			State: core.FrameActive, CreatedAt: time.Now().UTC(),
		})
	}))
	enqueue(t, client, 1, store.JobPriorityNormal)

	provider := &fakeProvider{}
	drainer := digest.NewDrainer(client, provider, nil, nil)
	require.NoError(t, drainer.ForceDrain(ctx))

	assert.Empty(t, provider.callNames(), "provider never called")
	jobs, err := client.PendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "dropped permanently on first sight")
}

func TestForceDrainPriorityOrder(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	low := closedFrame(t, client, 1, "trivial")
	high := closedFrame(t, client, 2, "important")
	enqueue(t, client, low, store.JobPriorityLow)
	enqueue(t, client, high, store.JobPriorityHigh)

	provider := &fakeProvider{}
	drainer := digest.NewDrainer(client, provider, nil, nil)
	require.NoError(t, drainer.ForceDrain(ctx))

	assert.Equal(t, []string{"important", "trivial"}, provider.callNames())
}

func TestDrainerBackgroundLoop(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	id := closedFrame(t, client, 1, "fix-bug")
	enqueue(t, client, id, store.JobPriorityNormal)

	provider := &fakeProvider{}
	drainer := digest.NewDrainer(client, provider,
		&core.NarrativeConfig{IdleDelay: 20 * time.Millisecond}, nil)
	drainer.Start()
	defer drainer.Stop()

	require.Eventually(t, func() bool {
		frame, err := client.GetFrame(ctx, id)
		return err == nil && frame.Digest.Narrative != ""
	}, 2*time.Second, 10*time.Millisecond, "idle timer drains the queue")
}

func TestDrainerRestart(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	provider := &fakeProvider{}
	drainer := digest.NewDrainer(client, provider,
		&core.NarrativeConfig{IdleDelay: 20 * time.Millisecond}, nil)

	drainer.Start()
	drainer.Stop()

	// A second lifecycle works against fresh loop channels.
	id := closedFrame(t, client, 1, "fix-bug")
	enqueue(t, client, id, store.JobPriorityNormal)
	drainer.Start()
	defer drainer.Stop()

	require.Eventually(t, func() bool {
		frame, err := client.GetFrame(ctx, id)
		return err == nil && frame.Digest.Narrative != ""
	}, 2*time.Second, 10*time.Millisecond, "restarted loop still drains")
}

func TestEnqueuerOnFrameClosed(t *testing.T) {
	client := newDrainerStore(t)
	ctx := context.Background()

	closedAt := time.Now().UTC()
	frame := &core.Frame{
		ID: 7, RunID: "run-1", Type: core.FrameTask, Name: "fix-bug",
		State: core.FrameClosed, ClosedAt: &closedAt,
		Digest: &core.Digest{
			Text:   "done",
			Record: &core.DigestRecord{Decisions: []string{"a", "b", "c"}},
		},
	}

	enqueuer := digest.NewEnqueuer(client, nil, nil)
	enqueuer.OnFrameClosed(ctx, frame)
	enqueuer.OnFrameClosed(ctx, frame)

	jobs, err := client.PendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "re-observed close never duplicates the job")
	assert.Equal(t, int64(7), jobs[0].FrameID)
	assert.Equal(t, store.JobPriorityHigh, jobs[0].Priority)

	// Frames without a digest are not narratable.
	enqueuer.OnFrameClosed(ctx, &core.Frame{ID: 8, State: core.FrameClosed, ClosedAt: &closedAt})
	jobs, err = client.PendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
