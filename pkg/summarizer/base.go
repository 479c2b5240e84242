// Package summarizer defines the interface for narrative summarization
// providers.
//
// Providers turn a closed frame's deterministic digest into a short prose
// narrative. They run only from the background enrichment drainer and never
// block frame lifecycle operations.
package summarizer

import "context"

// Request carries everything a provider needs to narrate one closed frame.
type Request struct {
	// FrameName is the human-readable frame label.
	FrameName string

	// FrameType classifies the frame (session, task, subtask, tool, recovery).
	FrameType string

	// DigestText is the deterministic digest rendering. It is the source of
	// truth; providers summarize it, they never contradict it.
	DigestText string

	// Decisions are the pinned decision texts, priority-descending.
	Decisions []string

	// MaxTokens caps the narrative length.
	MaxTokens int
}

// Narrative is the provider output appended below the deterministic digest.
type Narrative struct {
	// Summary is the 2-4 sentence prose narrative.
	Summary string

	// Insight is an optional non-obvious observation.
	Insight string

	// FlaggedIssue is an optional unresolved problem worth surfacing.
	FlaggedIssue string
}

// Render flattens the narrative into the text appended to a digest.
func (n *Narrative) Render() string {
	out := n.Summary
	if n.Insight != "" {
		out += "\nInsight: " + n.Insight
	}
	if n.FlaggedIssue != "" {
		out += "\nFlagged: " + n.FlaggedIssue
	}
	return out
}

// Provider defines the interface for narrative summarization providers.
//
// Implementations must honor context cancellation; the drainer bounds every
// call with a request timeout.
type Provider interface {
	// GenerateNarrative produces a narrative for one closed frame.
	GenerateNarrative(ctx context.Context, req *Request) (*Narrative, error)

	// GetProviderName returns the name of the provider.
	GetProviderName() string
}
