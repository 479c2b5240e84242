// Package router routes memory operations across registered storage tiers.
//
// Tiers carry weighted matching rules over the query context. A route scores
// every eligible tier, orders them, and executes sequentially down the order
// until one succeeds. Decisions are cached briefly; per-tier statistics and
// decision/outcome events are exposed for observability.
package router

import (
	"context"
	"time"
)

// TierStats is a tier adapter's capacity report.
type TierStats struct {
	// Used and Capacity are in the adapter's native unit (bytes, rows,
	// entries); only their ratio matters to routing.
	Used     int64
	Capacity int64
}

// Utilization returns used/capacity, or 0 when capacity is unknown.
func (s *TierStats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity)
}

// Adapter fronts one storage tier.
type Adapter interface {
	// GetStats probes the tier's capacity. A failing probe never blocks
	// routing; the tier is treated as "capacity unknown, allow".
	GetStats(ctx context.Context) (*TierStats, error)
}

// QueryContext describes one routed operation for rule matching.
type QueryContext struct {
	// QueryType is the operation category, e.g. "recent", "archive",
	// "search".
	QueryType string

	// Age is how far back the query reaches.
	Age time.Duration

	// RequiredFeatures must all be present on a tier for it to be eligible.
	RequiredFeatures []string

	// Size is the expected result or payload size in bytes.
	Size int

	// Priority is the caller-assigned urgency, higher first.
	Priority int
}

// Rule is a weighted predicate over the query context. Matched weights sum
// into the tier's score.
type Rule struct {
	Name   string
	Weight float64
	Match  func(*QueryContext) bool
}

// MatchQueryType matches when the query type is one of the given types.
func MatchQueryType(weight float64, types ...string) Rule {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return Rule{
		Name:   "query-type",
		Weight: weight,
		Match: func(q *QueryContext) bool {
			_, ok := set[q.QueryType]
			return ok
		},
	}
}

// MatchMaxAge matches queries reaching back no further than max.
func MatchMaxAge(weight float64, max time.Duration) Rule {
	return Rule{
		Name:   "max-age",
		Weight: weight,
		Match: func(q *QueryContext) bool {
			return q.Age <= max
		},
	}
}

// MatchMinAge matches queries reaching back at least min.
func MatchMinAge(weight float64, min time.Duration) Rule {
	return Rule{
		Name:   "min-age",
		Weight: weight,
		Match: func(q *QueryContext) bool {
			return q.Age >= min
		},
	}
}

// MatchMinPriority matches queries at or above the given priority.
func MatchMinPriority(weight float64, min int) Rule {
	return Rule{
		Name:   "min-priority",
		Weight: weight,
		Match: func(q *QueryContext) bool {
			return q.Priority >= min
		},
	}
}

// MatchSizeBelow matches queries smaller than the given size.
func MatchSizeBelow(weight float64, max int) Rule {
	return Rule{
		Name:   "size-below",
		Weight: weight,
		Match: func(q *QueryContext) bool {
			return q.Size < max
		},
	}
}

// Tier is one registered routing target.
type Tier struct {
	// Name uniquely identifies the tier.
	Name string

	// Adapter fronts the tier's backend for capacity probes. May be nil
	// when no capacity check is wanted.
	Adapter Adapter

	// Priority breaks score ties, higher first.
	Priority int

	// Rules score the tier against a query context.
	Rules []Rule

	// CapacityCeiling is the utilization fraction above which the tier is
	// deprioritized (0 disables the check).
	CapacityCeiling float64

	// Features are the capabilities the tier offers, matched against
	// QueryContext.RequiredFeatures.
	Features []string
}

func (t *Tier) hasFeatures(required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(t.Features))
	for _, f := range t.Features {
		set[f] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// EventKind distinguishes router event types.
type EventKind string

const (
	// EventDecision reports a computed (or cache-served) tier ordering.
	EventDecision EventKind = "decision"

	// EventOutcome reports one tier execution attempt.
	EventOutcome EventKind = "outcome"
)

// Event is a routing observability record delivered to subscribers.
type Event struct {
	Kind      EventKind
	Op        string
	QueryType string

	// Order is the decided tier order (decision events).
	Order []string

	// FromCache marks a decision served from the cache.
	FromCache bool

	// Tier, Err, and Latency describe one execution attempt (outcome
	// events).
	Tier    string
	Err     error
	Latency time.Duration
}
