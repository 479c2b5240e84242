package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/stackmem/stackmem-go/pkg/core"
)

// deprioritizePenalty pushes over-capacity tiers behind every normally
// scored tier without excluding them.
const deprioritizePenalty = 1000.0

// Executor runs the routed operation against one tier.
type Executor func(ctx context.Context, tier *Tier) (interface{}, error)

// Router scores tiers against query contexts and executes with sequential
// fallback.
type Router struct {
	logger *log.Logger

	cache    *ristretto.Cache
	cacheTTL time.Duration
	salt     string

	mu          sync.RWMutex
	tiers       []*Tier
	subscribers []func(Event)
	stats       map[string]map[string]*OpStats
}

// OpStats are the per-tier, per-query-type execution counters.
type OpStats struct {
	Count      int64
	Failures   int64
	AvgLatency time.Duration
}

// NewRouter creates a router. A zero CacheTTL disables decision caching.
func NewRouter(cfg core.RouterConfig, logger *log.Logger) (*Router, error) {
	if logger == nil {
		logger = log.Default()
	}

	r := &Router{
		logger:   logger.With("component", "router"),
		cacheTTL: cfg.CacheTTL,
		salt:     uuid.NewString(),
		stats:    make(map[string]map[string]*OpStats),
	}

	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: size * 10,
			MaxCost:     size,
			BufferItems: 64,
		})
		if err != nil {
			return nil, core.NewEngineError("NewRouter", err)
		}
		r.cache = cache
	}

	return r, nil
}

// RegisterTier adds a routing target. Names must be unique.
func (r *Router) RegisterTier(tier *Tier) error {
	if tier.Name == "" {
		return core.NewEngineError("RegisterTier",
			fmt.Errorf("%w: tier name is required", core.ErrValidation))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tiers {
		if t.Name == tier.Name {
			return core.NewEngineError("RegisterTier",
				fmt.Errorf("%w: tier %q already registered", core.ErrValidation, tier.Name))
		}
	}
	r.tiers = append(r.tiers, tier)
	return nil
}

// Subscribe registers a callback for decision and outcome events.
func (r *Router) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Route executes op against the best tier for qctx, falling back through the
// remaining tiers in score order.
//
// With zero registered tiers, or zero tiers carrying the required features,
// the executor is never invoked and a routing error returns immediately.
// When every tier fails, the returned error wraps the primary (first) tier's
// original error.
func (r *Router) Route(ctx context.Context, op string, qctx *QueryContext, exec Executor) (interface{}, error) {
	const routeOp = "Route"

	r.mu.RLock()
	tiers := make([]*Tier, len(r.tiers))
	copy(tiers, r.tiers)
	r.mu.RUnlock()

	if len(tiers) == 0 {
		return nil, core.NewEngineError(routeOp,
			fmt.Errorf("%w: no tiers registered", core.ErrRouting))
	}

	eligible := tiers[:0:0]
	for _, tier := range tiers {
		if tier.hasFeatures(qctx.RequiredFeatures) {
			eligible = append(eligible, tier)
		}
	}
	if len(eligible) == 0 {
		return nil, core.NewEngineError(routeOp,
			fmt.Errorf("%w: no tier offers features %v", core.ErrRouting, qctx.RequiredFeatures))
	}

	ordered, fromCache := r.decide(ctx, op, qctx, eligible)
	r.emit(Event{
		Kind:      EventDecision,
		Op:        op,
		QueryType: qctx.QueryType,
		Order:     tierNames(ordered),
		FromCache: fromCache,
	})

	var primaryErr error
	for i, tier := range ordered {
		start := time.Now()
		result, err := exec(ctx, tier)
		latency := time.Since(start)

		r.record(tier.Name, qctx.QueryType, latency, err)
		r.emit(Event{
			Kind:      EventOutcome,
			Op:        op,
			QueryType: qctx.QueryType,
			Tier:      tier.Name,
			Err:       err,
			Latency:   latency,
		})

		if err == nil {
			if i > 0 {
				r.logger.Info("served by fallback tier", "op", op, "tier", tier.Name, "attempt", i+1)
			}
			return result, nil
		}
		if primaryErr == nil {
			primaryErr = err
		}
		r.logger.Warn("tier failed", "op", op, "tier", tier.Name, "err", err)
	}

	return nil, core.NewEngineError(routeOp,
		fmt.Errorf("%w: all %d tiers failed: %w", core.ErrRouting, len(ordered), primaryErr))
}

// decide computes the tier order for a query, consulting the decision cache
// first.
func (r *Router) decide(ctx context.Context, op string, qctx *QueryContext, eligible []*Tier) ([]*Tier, bool) {
	key := r.fingerprint(op, qctx)

	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			if names, ok := cached.([]string); ok {
				if ordered, ok := r.resolve(names, eligible); ok {
					return ordered, true
				}
			}
		}
	}

	type scored struct {
		tier  *Tier
		score float64
	}
	scores := make([]scored, 0, len(eligible))
	for _, tier := range eligible {
		score := 0.0
		for _, rule := range tier.Rules {
			if rule.Match(qctx) {
				score += rule.Weight
			}
		}
		if r.overCapacity(ctx, tier) {
			score -= deprioritizePenalty
		}
		scores = append(scores, scored{tier: tier, score: score})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		if scores[i].tier.Priority != scores[j].tier.Priority {
			return scores[i].tier.Priority > scores[j].tier.Priority
		}
		return scores[i].tier.Name < scores[j].tier.Name
	})

	ordered := make([]*Tier, len(scores))
	for i, s := range scores {
		ordered[i] = s.tier
	}

	if r.cache != nil {
		r.cache.SetWithTTL(key, tierNames(ordered), 1, r.cacheTTL)
	}
	return ordered, false
}

// overCapacity probes the tier's adapter. Probe failures are swallowed:
// capacity unknown means allow.
func (r *Router) overCapacity(ctx context.Context, tier *Tier) bool {
	if tier.CapacityCeiling <= 0 || tier.Adapter == nil {
		return false
	}
	stats, err := tier.Adapter.GetStats(ctx)
	if err != nil {
		r.logger.Debug("capacity check failed, allowing tier",
			"tier", tier.Name, "err", fmt.Errorf("%w: %v", core.ErrCapacityCheck, err))
		return false
	}
	return stats.Utilization() > tier.CapacityCeiling
}

// resolve maps cached tier names back to live tiers. A stale entry naming an
// unregistered tier invalidates the whole cached decision.
func (r *Router) resolve(names []string, eligible []*Tier) ([]*Tier, bool) {
	byName := make(map[string]*Tier, len(eligible))
	for _, t := range eligible {
		byName[t.Name] = t
	}
	if len(names) != len(eligible) {
		return nil, false
	}
	ordered := make([]*Tier, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, false
		}
		ordered = append(ordered, t)
	}
	return ordered, true
}

// fingerprint normalizes a query context into a cache key. Age and size are
// bucketed so near-identical queries share a decision.
func (r *Router) fingerprint(op string, qctx *QueryContext) string {
	features := make([]string, len(qctx.RequiredFeatures))
	copy(features, qctx.RequiredFeatures)
	sort.Strings(features)

	return strings.Join([]string{
		r.salt,
		op,
		qctx.QueryType,
		fmt.Sprintf("age:%d", int(qctx.Age.Hours())),
		fmt.Sprintf("size:%d", sizeBucket(qctx.Size)),
		fmt.Sprintf("prio:%d", qctx.Priority),
		strings.Join(features, ","),
	}, "|")
}

// sizeBucket groups sizes into powers of two.
func sizeBucket(size int) int {
	bucket := 0
	for size > 0 {
		size >>= 1
		bucket++
	}
	return bucket
}

func (r *Router) record(tier, queryType string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.stats[tier]
	if !ok {
		byType = make(map[string]*OpStats)
		r.stats[tier] = byType
	}
	s, ok := byType[queryType]
	if !ok {
		s = &OpStats{}
		byType[queryType] = s
	}

	s.Count++
	if err != nil {
		s.Failures++
	}
	// Rolling average; no window kept.
	s.AvgLatency += (latency - s.AvgLatency) / time.Duration(s.Count)
}

// Stats returns a copy of the per-tier, per-query-type counters.
func (r *Router) Stats() map[string]map[string]OpStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]OpStats, len(r.stats))
	for tier, byType := range r.stats {
		inner := make(map[string]OpStats, len(byType))
		for queryType, s := range byType {
			inner[queryType] = *s
		}
		out[tier] = inner
	}
	return out
}

func (r *Router) emit(event Event) {
	r.mu.RLock()
	subs := make([]func(Event), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// Close releases the decision cache.
func (r *Router) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func tierNames(tiers []*Tier) []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Name
	}
	return names
}
