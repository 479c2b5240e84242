// Package memory provides the client facade of the stackmem engine.
//
// A Client wires the persistent store, frame manager, digest pipeline,
// compaction handler, retrieval index, and query router into one surface.
package memory

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/stackmem/stackmem-go/pkg/compaction"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/digest"
	"github.com/stackmem/stackmem-go/pkg/frame"
	"github.com/stackmem/stackmem-go/pkg/hierarchy"
	"github.com/stackmem/stackmem-go/pkg/router"
	"github.com/stackmem/stackmem-go/pkg/store"
	"github.com/stackmem/stackmem-go/pkg/store/mysql"
	"github.com/stackmem/stackmem-go/pkg/store/postgres"
	"github.com/stackmem/stackmem-go/pkg/store/sqlite"
	"github.com/stackmem/stackmem-go/pkg/summarizer"
	"github.com/stackmem/stackmem-go/pkg/summarizer/openai"
)

// Client is the stackmem engine facade.
type Client struct {
	config *core.Config
	logger *log.Logger

	store     store.Store
	bus       *core.Bus
	manager   *frame.Manager
	drainer   *digest.Drainer
	compactor *compaction.Handler
	builder   *hierarchy.Builder
	scheduler *hierarchy.Scheduler
	router    *router.Router

	runs *runSet
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger     *log.Logger
	store      store.Store
	summarizer summarizer.Provider
	registry   *compaction.Registry
}

// WithLogger sets the logger shared by all background components.
func WithLogger(logger *log.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithStore overrides the configured store backend.
func WithStore(s store.Store) Option {
	return func(o *clientOptions) {
		o.store = s
	}
}

// WithSummarizer overrides the configured narrative provider.
func WithSummarizer(p summarizer.Provider) Option {
	return func(o *clientOptions) {
		o.summarizer = p
	}
}

// WithProfileRegistry injects a custom model-profile registry.
func WithProfileRegistry(r *compaction.Registry) Option {
	return func(o *clientOptions) {
		o.registry = r
	}
}

// NewClient creates and wires a stackmem client from the configuration.
func NewClient(config *core.Config, opts ...Option) (*Client, error) {
	const op = "NewClient"

	if config == nil {
		return nil, core.NewEngineError(op, core.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := &clientOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "stackmem"})
	}

	s := options.store
	if s == nil {
		var err error
		s, err = initStore(config.Store)
		if err != nil {
			return nil, err
		}
	}

	client := &Client{
		config: config,
		logger: logger,
		store:  s,
		bus:    core.NewBus(),
		runs:   newRunSet(),
	}

	generator := digest.NewGenerator()
	manager, err := frame.NewManager(s,
		frame.WithBus(client.bus),
		frame.WithDigester(generator))
	if err != nil {
		client.cleanup()
		return nil, err
	}
	client.manager = manager

	if config.Narrative != nil && config.Narrative.Enabled {
		provider := options.summarizer
		if provider == nil {
			provider, err = initSummarizer(config.Narrative)
			if err != nil {
				client.cleanup()
				return nil, err
			}
		}
		client.drainer = digest.NewDrainer(s, provider, config.Narrative, logger)
		client.drainer.Start()
	}
	// The enqueuer runs even without a drainer so jobs persist for later.
	client.bus.Subscribe(digest.NewEnqueuer(s, client.drainer, logger))

	client.compactor = compaction.NewHandler(manager, options.registry, config.Compaction, logger)
	client.bus.Subscribe(client.compactor)

	client.builder, err = hierarchy.NewBuilder(s, config.Hierarchy, logger)
	if err != nil {
		client.cleanup()
		return nil, err
	}
	if schedule := config.Hierarchy.RebuildSchedule; schedule != "" {
		client.scheduler, err = hierarchy.NewScheduler(client.builder, client.traceSource, schedule, logger)
		if err != nil {
			client.cleanup()
			return nil, err
		}
		client.scheduler.Start()
	}

	client.router, err = router.NewRouter(config.Router, logger)
	if err != nil {
		client.cleanup()
		return nil, err
	}

	return client, nil
}

// initStore creates the configured store backend.
func initStore(cfg core.StoreConfig) (store.Store, error) {
	const op = "initStore"

	switch cfg.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{
			DBPath: getStringConfig(cfg.Config, "db_path", "./stackmem.db"),
		})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:     getStringConfig(cfg.Config, "host", "localhost"),
			Port:     getIntConfig(cfg.Config, "port", 5432),
			User:     getStringConfig(cfg.Config, "user", "postgres"),
			Password: getStringConfig(cfg.Config, "password", ""),
			DBName:   getStringConfig(cfg.Config, "db_name", "stackmem"),
			SSLMode:  getStringConfig(cfg.Config, "ssl_mode", "disable"),
		})
	case "mysql":
		return mysql.NewClient(&mysql.Config{
			Host:     getStringConfig(cfg.Config, "host", "127.0.0.1"),
			Port:     getIntConfig(cfg.Config, "port", 3306),
			User:     getStringConfig(cfg.Config, "user", "root"),
			Password: getStringConfig(cfg.Config, "password", ""),
			DBName:   getStringConfig(cfg.Config, "db_name", "stackmem"),
		})
	default:
		return nil, core.NewEngineError(op,
			fmt.Errorf("%w: unsupported store provider %q", core.ErrInvalidConfig, cfg.Provider))
	}
}

// initSummarizer creates the configured narrative provider.
func initSummarizer(cfg *core.NarrativeConfig) (summarizer.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(&openai.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, core.NewEngineError("initSummarizer",
			fmt.Errorf("%w: unsupported narrative provider %q", core.ErrInvalidConfig, cfg.Provider))
	}
}

// traceSource feeds scheduled index rebuilds from every run this client has
// touched.
func (c *Client) traceSource(ctx context.Context) ([]*hierarchy.Trace, error) {
	var traces []*hierarchy.Trace
	for _, runID := range c.runs.list() {
		frames, err := c.manager.ClosedFrames(ctx, runID, 0)
		if err != nil {
			return nil, err
		}
		traces = append(traces, hierarchy.TracesFromFrames(frames)...)
	}
	return traces, nil
}

// cleanup releases whatever was wired before a constructor failure.
func (c *Client) cleanup() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.drainer != nil {
		c.drainer.Stop()
	}
	if c.router != nil {
		c.router.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

// Close stops background work and releases resources. Pending narrative
// jobs stay durable in the store.
func (c *Client) Close() error {
	c.cleanup()
	return nil
}

func getStringConfig(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// getIntConfig tolerates JSON's float64 numbers.
func getIntConfig(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
