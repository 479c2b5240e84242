package hierarchy

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stackmem/stackmem-go/pkg/core"
)

// Result is the outcome of one retrieval descent.
type Result struct {
	// Path is the chosen root-to-deepest chain of nodes.
	Path []*core.HierarchyNode

	// Content is the decompressed raw content when the descent reached an
	// atom leaf.
	Content string

	// SpaceReduction is the ratio of the whole index's token weight to the
	// token weight actually surfaced.
	SpaceReduction float64

	// MeanDensity is the average semantic density along the path.
	MeanDensity float64
}

// Retrieve walks the index greedily from the root.
//
// At each level, children whose token weight exceeds the remaining budget
// are ineligible; among the rest the highest-relevance child is chosen and
// its weight deducted. Because every chosen node fit the budget that
// remained before it, the surfaced token total never exceeds the budget.
// Visited nodes are marked hot, best-effort.
func (b *Builder) Retrieve(ctx context.Context, query string, maxDepth, budget int) (*Result, error) {
	const op = "Retrieve"

	root, err := b.store.Root(ctx)
	if err == core.ErrNotFound {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: index is empty", core.ErrState))
	}
	if err != nil {
		return nil, core.NewEngineError(op, err)
	}
	if maxDepth <= 0 || maxDepth > 4 {
		maxDepth = 4
	}

	terms := queryTerms(query)
	now := b.now()

	result := &Result{Path: []*core.HierarchyNode{root}}
	remaining := budget
	current := root

	for depth := 0; depth < maxDepth && !current.IsLeaf(); depth++ {
		children, err := b.store.Children(ctx, current.ID)
		if err != nil {
			return nil, core.NewEngineError(op, err)
		}

		var best *core.HierarchyNode
		bestScore := -1.0
		for _, child := range children {
			if budget > 0 && child.TokenCount > remaining {
				continue
			}
			score := relevance(child, terms, now)
			if score > bestScore {
				best = child
				bestScore = score
			}
		}
		if best == nil {
			break
		}

		remaining -= best.TokenCount
		result.Path = append(result.Path, best)
		if err := b.store.TouchNode(ctx, best.ID); err != nil {
			b.logger.Debug("touch node", "node", best.ID, "err", err)
		}
		current = best
	}

	if current.IsLeaf() {
		content, err := nodeContent(current)
		if err != nil {
			return nil, core.NewEngineError(op, err)
		}
		result.Content = content
	}

	surfaced := 0
	var densitySum float64
	for _, node := range result.Path {
		densitySum += node.Metadata.SemanticDensity
	}
	if last := result.Path[len(result.Path)-1]; last != root {
		surfaced = last.TokenCount
	} else {
		surfaced = root.TokenCount
	}
	if surfaced > 0 {
		result.SpaceReduction = float64(root.TokenCount) / float64(surfaced)
	}
	result.MeanDensity = densitySum / float64(len(result.Path))

	return result, nil
}

// relevance scores a child for the descent: keyword overlap with the query
// weighs half, recency weighs 0.3, and the node's rolled-up score 0.2.
func relevance(node *core.HierarchyNode, terms []string, now time.Time) float64 {
	return 0.5*keywordOverlap(node, terms) + 0.3*recency(node, now) + 0.2*clamp01(node.Score)
}

func keywordOverlap(node *core.HierarchyNode, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(node.Title + " " + node.Summary)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// recency decays on a day scale from the node's newest trace.
func recency(node *core.HierarchyNode, now time.Time) float64 {
	age := now.Sub(node.TimeEnd)
	if age < 0 {
		age = 0
	}
	return 1.0 / (1.0 + age.Hours()/24.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func queryTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// nodeContent returns a leaf's raw content, decompressing when needed.
func nodeContent(node *core.HierarchyNode) (string, error) {
	if !node.Compressed {
		return string(node.Content), nil
	}
	r, err := gzip.NewReader(bytes.NewReader(node.Content))
	if err != nil {
		return "", err
	}
	defer func() { _ = r.Close() }()

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
