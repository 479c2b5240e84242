package hierarchy

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/stackmem/stackmem-go/pkg/core"
)

// TraceSource supplies the traces for a scheduled rebuild, typically the
// recently closed frames.
type TraceSource func(ctx context.Context) ([]*Trace, error)

// Scheduler rebuilds the index on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
}

// NewScheduler wires a builder to a cron expression. The schedule uses the
// standard 5-field cron format.
func NewScheduler(builder *Builder, source TraceSource, schedule string, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "hierarchy-scheduler")

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		traces, err := source(ctx)
		if err != nil {
			logger.Error("load traces for rebuild", "err", err)
			return
		}
		if len(traces) == 0 {
			logger.Debug("no traces, skipping rebuild")
			return
		}
		if _, err := builder.Build(ctx, traces); err != nil {
			logger.Error("scheduled rebuild", "err", err)
		}
	})
	if err != nil {
		return nil, core.NewEngineError("NewScheduler", err)
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, waiting for a running rebuild to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
