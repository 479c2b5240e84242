// Package compaction defends frame context against external context-window
// truncation.
//
// A handler subscribes to frame lifecycle notifications, keeps a running
// token estimate per run against an injectable model profile, and pins
// top-priority snapshot anchors as the estimate crosses the warn, critical,
// and compaction zones. When an external compaction is detected, the
// preserved snapshot is re-injected through a recovery frame.
package compaction

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/stackmem/stackmem-go/pkg/core"
)

// ModelProfile describes the context economics of one assistant model.
type ModelProfile struct {
	// Name identifies the profile.
	Name string `json:"name"`

	// ContextWindow is the model's context size in tokens.
	ContextWindow int `json:"context_window"`

	// WarnFraction, CriticalFraction, and CompactionFraction are the window
	// fractions at which the zones begin.
	WarnFraction       float64 `json:"warn_fraction"`
	CriticalFraction   float64 `json:"critical_fraction"`
	CompactionFraction float64 `json:"compaction_fraction"`

	// OutputLimit is the maximum tokens the model emits in one response.
	OutputLimit int `json:"output_limit"`

	// CostTier is a coarse pricing label (low, medium, high).
	CostTier string `json:"cost_tier"`

	// CharsPerToken is the length heuristic for token estimation.
	CharsPerToken float64 `json:"chars_per_token"`
}

// EstimateTokens applies the profile's length heuristic to a text.
func (p *ModelProfile) EstimateTokens(text string) int {
	cpt := p.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return int(math.Ceil(float64(len(text)) / cpt))
}

// Registry holds the known model profiles. Profiles are injectable so
// deployments can describe new models without a code change.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*ModelProfile
	fallback string
}

// NewRegistry creates a registry seeded with generic default profiles.
func NewRegistry() *Registry {
	r := &Registry{
		profiles: make(map[string]*ModelProfile),
		fallback: "default",
	}
	for _, p := range defaultProfiles() {
		r.profiles[p.Name] = p
	}
	return r
}

func defaultProfiles() []*ModelProfile {
	return []*ModelProfile{
		{
			Name:               "default",
			ContextWindow:      200_000,
			WarnFraction:       0.75,
			CriticalFraction:   0.85,
			CompactionFraction: 0.90,
			OutputLimit:        8_192,
			CostTier:           "medium",
			CharsPerToken:      4,
		},
		{
			Name:               "small",
			ContextWindow:      32_000,
			WarnFraction:       0.75,
			CriticalFraction:   0.85,
			CompactionFraction: 0.90,
			OutputLimit:        4_096,
			CostTier:           "low",
			CharsPerToken:      4,
		},
		{
			Name:               "large",
			ContextWindow:      1_000_000,
			WarnFraction:       0.75,
			CriticalFraction:   0.85,
			CompactionFraction: 0.90,
			OutputLimit:        32_768,
			CostTier:           "high",
			CharsPerToken:      4,
		},
	}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *ModelProfile) error {
	if p.Name == "" || p.ContextWindow <= 0 {
		return core.NewEngineError("Register",
			fmt.Errorf("%w: profile needs a name and a positive context window", core.ErrValidation))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	return nil
}

// Get returns a profile by name.
func (r *Registry) Get(name string) (*ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// SetFallback names the profile assumed when detection has nothing to go on.
func (r *Registry) SetFallback(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[name]; ok {
		r.fallback = name
	}
}

// Fallback returns the default profile.
func (r *Registry) Fallback() *ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.fallback]
}

// Signals carries the observations available for model detection.
type Signals struct {
	// ExplicitModel is a model name from API metadata, the strongest signal.
	ExplicitModel string

	// SelfIdentification is free text in which the model may name itself.
	SelfIdentification string

	// MeasuredTokens is the largest context size observed without overflow.
	MeasuredTokens int

	// OutputTokens is the longest single output observed.
	OutputTokens int
}

// Detection is a model detection result.
type Detection struct {
	Profile    *ModelProfile
	Confidence float64
}

// DetectModel resolves a profile from the available signals.
//
// The confidence ladder: explicit metadata 0.95, self-identification 0.85,
// measured overflow boundary 0.8, extended output length 0.7, fallback 0.5.
// The strongest available signal wins.
func (r *Registry) DetectModel(signals Signals) Detection {
	if signals.ExplicitModel != "" {
		if p, ok := r.match(signals.ExplicitModel); ok {
			return Detection{Profile: p, Confidence: 0.95}
		}
	}

	if signals.SelfIdentification != "" {
		if p, ok := r.match(signals.SelfIdentification); ok {
			return Detection{Profile: p, Confidence: 0.85}
		}
	}

	if signals.MeasuredTokens > 0 {
		if p, ok := r.smallestFitting(func(p *ModelProfile) bool {
			return p.ContextWindow >= signals.MeasuredTokens
		}); ok {
			return Detection{Profile: p, Confidence: 0.8}
		}
	}

	if signals.OutputTokens > 0 {
		if p, ok := r.smallestFitting(func(p *ModelProfile) bool {
			return p.OutputLimit >= signals.OutputTokens
		}); ok {
			return Detection{Profile: p, Confidence: 0.7}
		}
	}

	return Detection{Profile: r.Fallback(), Confidence: 0.5}
}

// match finds a registered profile whose name appears in the text.
func (r *Registry) match(text string) (*ModelProfile, bool) {
	lower := strings.ToLower(text)

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	// Longest names first so "large-v2" beats "large".
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if strings.Contains(lower, strings.ToLower(name)) {
			return r.profiles[name], true
		}
	}
	return nil, false
}

// smallestFitting returns the profile with the smallest context window
// satisfying fit.
func (r *Registry) smallestFitting(fit func(*ModelProfile) bool) (*ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *ModelProfile
	for _, p := range r.profiles {
		if !fit(p) {
			continue
		}
		if best == nil || p.ContextWindow < best.ContextWindow ||
			(p.ContextWindow == best.ContextWindow && p.Name < best.Name) {
			best = p
		}
	}
	return best, best != nil
}
