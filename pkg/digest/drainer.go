package digest

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
	"github.com/stackmem/stackmem-go/pkg/summarizer"
)

const (
	defaultIdleDelay      = 30 * time.Second
	defaultBatchSize      = 8
	defaultMaxRetries     = 3
	defaultRequestTimeout = 30 * time.Second
)

// Drainer works the narrative queue in the background.
//
// It wakes after an idle period with no frame activity, takes a batch of
// pending jobs in priority-then-FIFO order, and calls the summarization
// provider for each. Every Touch resets the idle timer, so drains happen in
// quiet moments. ForceDrain runs a drain immediately regardless of the timer.
type Drainer struct {
	store    store.Store
	provider summarizer.Provider
	logger   *log.Logger

	idleDelay      time.Duration
	batchSize      int
	maxRetries     int
	requestTimeout time.Duration
	maxTokens      int

	mu      sync.Mutex
	running bool

	poke chan struct{}

	// stop and done belong to the current loop; Start replaces them so a
	// stopped drainer can be restarted.
	stop chan struct{}
	done chan struct{}
}

// NewDrainer creates a drainer from the narrative configuration. Zero config
// values fall back to defaults.
func NewDrainer(s store.Store, provider summarizer.Provider, cfg *core.NarrativeConfig, logger *log.Logger) *Drainer {
	if logger == nil {
		logger = log.Default()
	}

	d := &Drainer{
		store:          s,
		provider:       provider,
		logger:         logger.With("component", "digest-drainer"),
		idleDelay:      defaultIdleDelay,
		batchSize:      defaultBatchSize,
		maxRetries:     defaultMaxRetries,
		requestTimeout: defaultRequestTimeout,
		poke:           make(chan struct{}, 1),
	}
	if cfg != nil {
		if cfg.IdleDelay > 0 {
			d.idleDelay = cfg.IdleDelay
		}
		if cfg.BatchSize > 0 {
			d.batchSize = cfg.BatchSize
		}
		if cfg.MaxRetries > 0 {
			d.maxRetries = cfg.MaxRetries
		}
		if cfg.RequestTimeout > 0 {
			d.requestTimeout = cfg.RequestTimeout
		}
		d.maxTokens = cfg.MaxTokens
	}
	return d
}

// Start launches the background loop. Calling Start twice is a no-op, and a
// drainer stopped earlier may be started again.
func (d *Drainer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.stop, d.done)
}

// Stop terminates the background loop and waits for it to exit.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stop, done := d.stop, d.done
	d.mu.Unlock()

	close(stop)
	<-done
}

// Touch resets the idle timer. Safe to call from any goroutine; never blocks.
func (d *Drainer) Touch() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

func (d *Drainer) loop(stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(d.idleDelay)
	defer timer.Stop()

	for {
		select {
		case <-d.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.idleDelay)

		case <-timer.C:
			if err := d.ForceDrain(context.Background()); err != nil {
				d.logger.Error("drain", "err", err)
			}
			timer.Reset(d.idleDelay)

		case <-stop:
			return
		}
	}
}

// ForceDrain processes one batch of pending jobs immediately.
func (d *Drainer) ForceDrain(ctx context.Context) error {
	jobs, err := d.store.PendingJobs(ctx, d.batchSize)
	if err != nil {
		return core.NewEngineError("ForceDrain", err)
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return core.NewEngineError("ForceDrain", ctx.Err())
		default:
		}
		d.process(ctx, job)
	}
	return nil
}

func (d *Drainer) process(ctx context.Context, job *store.DigestJob) {
	frame, err := d.store.GetFrame(ctx, job.FrameID)
	if err != nil {
		d.logger.Error("load frame for narrative", "frame", job.FrameID, "err", err)
		d.fail(ctx, job, err.Error())
		return
	}
	if frame.Digest == nil {
		// A job without a digest can never succeed.
		d.logger.Warn("frame has no digest, dropping job", "frame", job.FrameID)
		_ = d.store.MarkJobFailed(ctx, job.FrameID, true, "frame has no digest")
		return
	}

	req := &summarizer.Request{
		FrameName:  frame.Name,
		FrameType:  string(frame.Type),
		DigestText: frame.Digest.Text,
		MaxTokens:  d.maxTokens,
	}
	if frame.Digest.Record != nil {
		req.Decisions = frame.Digest.Record.Decisions
	}

	callCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	narrative, err := d.provider.GenerateNarrative(callCtx, req)
	cancel()
	if err != nil {
		d.logger.Warn("narrative generation failed",
			"frame", job.FrameID, "attempt", job.Attempts+1, "err", err)
		d.fail(ctx, job, err.Error())
		return
	}

	if err := d.store.AppendNarrative(ctx, job.FrameID, narrative.Render()); err != nil {
		d.logger.Error("store narrative", "frame", job.FrameID, "err", err)
		d.fail(ctx, job, err.Error())
		return
	}
	if err := d.store.MarkJobDone(ctx, job.FrameID); err != nil {
		d.logger.Error("finalize narrative job", "frame", job.FrameID, "err", err)
		return
	}
	d.logger.Info("narrative appended", "frame", job.FrameID, "provider", d.provider.GetProviderName())
}

// fail records a failed attempt, marking the job permanently failed once the
// retry budget is exhausted. The deterministic digest is unaffected.
func (d *Drainer) fail(ctx context.Context, job *store.DigestJob, reason string) {
	permanent := job.Attempts+1 >= d.maxRetries
	if permanent {
		d.logger.Error("narrative job permanently failed",
			"frame", job.FrameID, "attempts", job.Attempts+1)
	}
	if err := d.store.MarkJobFailed(ctx, job.FrameID, permanent, reason); err != nil {
		d.logger.Error("record job failure", "frame", job.FrameID, "err", err)
	}
}
