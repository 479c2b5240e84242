// Package hierarchy maintains the 5-level retrieval index.
//
// Closed-frame traces are organized into encyclopedia → chapter → section →
// paragraph → atom, with template-generated summaries and rolled-up
// statistics at every interior level. Raw content lives only at atom leaves
// and is gzip-compressed above a size threshold. Retrieval walks the tree
// greedily under a token budget instead of scanning traces linearly.
package hierarchy

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
)

// Trace is one unit of retrievable memory fed into the index build, usually
// a closed frame's digest.
type Trace struct {
	// ID ties the trace back to its source record.
	ID int64

	// Type is the trace category (frame types, typically).
	Type string

	// Title is a short label.
	Title string

	// Content is the raw retrievable text, stored at the atom leaf.
	Content string

	// Score is the trace's standalone relevance weight in [0, 1].
	Score float64

	// Timestamp orders the trace in time.
	Timestamp time.Time
}

// tokens estimates the trace's token weight with the standard length
// heuristic.
func (t *Trace) tokens() int {
	n := (len(t.Content) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Builder constructs the index from traces.
type Builder struct {
	store  store.Store
	node   *snowflake.Node
	cfg    core.HierarchyConfig
	logger *log.Logger
	now    func() time.Time
}

// NewBuilder creates an index builder. Zero config fields fall back to
// DefaultHierarchyConfig values.
func NewBuilder(s store.Store, cfg core.HierarchyConfig, logger *log.Logger) (*Builder, error) {
	node, err := snowflake.NewNode(2)
	if err != nil {
		return nil, core.NewEngineError("NewBuilder", err)
	}
	if logger == nil {
		logger = log.Default()
	}

	defaults := core.DefaultHierarchyConfig()
	if cfg.ChapterTokenCap <= 0 {
		cfg.ChapterTokenCap = defaults.ChapterTokenCap
	}
	if cfg.SectionChildCap <= 0 {
		cfg.SectionChildCap = defaults.SectionChildCap
	}
	if cfg.ParagraphChildCap <= 0 {
		cfg.ParagraphChildCap = defaults.ParagraphChildCap
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = defaults.CompressThreshold
	}

	return &Builder{
		store:  s,
		node:   node,
		cfg:    cfg,
		logger: logger.With("component", "hierarchy"),
		now:    time.Now,
	}, nil
}

// Build replaces the index with a fresh tree over the given traces.
func (b *Builder) Build(ctx context.Context, traces []*Trace) (*core.HierarchyNode, error) {
	const op = "Build"

	if len(traces) == 0 {
		return nil, core.NewEngineError(op, fmt.Errorf("%w: no traces to index", core.ErrValidation))
	}

	sorted := make([]*Trace, len(traces))
	copy(sorted, traces)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		return sorted[i].Score > sorted[j].Score
	})

	chapters := b.partitionChapters(sorted)

	var nodes []*core.HierarchyNode
	root := &core.HierarchyNode{
		ID:    b.node.Generate().Int64(),
		Level: core.LevelEncyclopedia,
	}

	var chapterNodes []*core.HierarchyNode
	for _, chapterTraces := range chapters {
		chapter, subtree, err := b.buildChapter(root.ID, chapterTraces)
		if err != nil {
			return nil, core.NewEngineError(op, err)
		}
		chapterNodes = append(chapterNodes, chapter)
		nodes = append(nodes, subtree...)
	}

	rollup(root, chapterNodes)
	root.Title = fmt.Sprintf("memory index: %d chapters, %d traces", len(chapterNodes), len(sorted))
	root.Summary = fmt.Sprintf("encyclopedia of %d traces from %s to %s",
		len(sorted), root.TimeStart.Format(time.RFC3339), root.TimeEnd.Format(time.RFC3339))
	nodes = append(nodes, root)

	if err := b.store.ReplaceHierarchy(ctx, nodes); err != nil {
		return nil, core.NewEngineError(op, err)
	}

	b.logger.Info("index built", "traces", len(sorted), "chapters", len(chapterNodes), "nodes", len(nodes))
	return root, nil
}

// partitionChapters walks the sorted traces sequentially, starting a new
// chapter when the token cap would be exceeded or topical similarity to the
// previous trace drops below the threshold.
func (b *Builder) partitionChapters(traces []*Trace) [][]*Trace {
	var chapters [][]*Trace
	var current []*Trace
	currentTokens := 0

	for i, trace := range traces {
		startNew := len(current) == 0
		if !startNew && currentTokens+trace.tokens() > b.cfg.ChapterTokenCap {
			startNew = true
		}
		if !startNew && similarity(traces[i-1], trace) < b.cfg.SimilarityThreshold {
			startNew = true
		}

		if startNew && len(current) > 0 {
			chapters = append(chapters, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, trace)
		currentTokens += trace.tokens()
	}
	if len(current) > 0 {
		chapters = append(chapters, current)
	}
	return chapters
}

// similarity scores two adjacent traces: half for matching type, half for
// temporal proximity with hour-scale decay.
func similarity(a, b *Trace) float64 {
	typeMatch := 0.0
	if a.Type == b.Type {
		typeMatch = 1.0
	}
	hours := math.Abs(a.Timestamp.Sub(b.Timestamp).Hours())
	decay := math.Exp(-hours)
	return 0.5*typeMatch + 0.5*decay
}

// buildChapter builds the chapter subtree: sections of near-equal paragraph
// counts, paragraphs of near-equal atom counts, one atom per trace.
func (b *Builder) buildChapter(rootID int64, traces []*Trace) (*core.HierarchyNode, []*core.HierarchyNode, error) {
	chapter := &core.HierarchyNode{
		ID:       b.node.Generate().Int64(),
		Level:    core.LevelChapter,
		ParentID: rootID,
	}

	var all []*core.HierarchyNode

	paragraphGroups := nearEqualSplit(len(traces), b.cfg.ParagraphChildCap)
	var paragraphs []*core.HierarchyNode
	offset := 0
	for _, size := range paragraphGroups {
		group := traces[offset : offset+size]
		offset += size

		paragraph := &core.HierarchyNode{
			ID:    b.node.Generate().Int64(),
			Level: core.LevelParagraph,
		}

		var atoms []*core.HierarchyNode
		for _, trace := range group {
			atom, err := b.buildAtom(paragraph.ID, trace)
			if err != nil {
				return nil, nil, err
			}
			atoms = append(atoms, atom)
			all = append(all, atom)
		}

		rollup(paragraph, atoms)
		paragraph.Title = fmt.Sprintf("paragraph: %s", groupLabel(group))
		paragraph.Summary = fmt.Sprintf("%d traces (%s) from %s to %s",
			len(group), typeHistogram(group),
			paragraph.TimeStart.Format(time.RFC3339), paragraph.TimeEnd.Format(time.RFC3339))
		paragraphs = append(paragraphs, paragraph)
		all = append(all, paragraph)
	}

	sectionGroups := nearEqualSplit(len(paragraphs), b.cfg.SectionChildCap)
	var sections []*core.HierarchyNode
	offset = 0
	for _, size := range sectionGroups {
		group := paragraphs[offset : offset+size]
		offset += size

		section := &core.HierarchyNode{
			ID:       b.node.Generate().Int64(),
			Level:    core.LevelSection,
			ParentID: chapter.ID,
		}
		for _, p := range group {
			p.ParentID = section.ID
		}
		rollup(section, group)
		section.Title = fmt.Sprintf("section of %d paragraphs", len(group))
		section.Summary = fmt.Sprintf("%d paragraphs, ~%d tokens, %s to %s",
			len(group), section.TokenCount,
			section.TimeStart.Format(time.RFC3339), section.TimeEnd.Format(time.RFC3339))
		sections = append(sections, section)
		all = append(all, section)
	}

	rollup(chapter, sections)
	chapter.Title = fmt.Sprintf("chapter: %s", groupLabel(traces))
	chapter.Summary = fmt.Sprintf("%d traces (%s) across %d sections, %s to %s",
		len(traces), typeHistogram(traces), len(sections),
		chapter.TimeStart.Format(time.RFC3339), chapter.TimeEnd.Format(time.RFC3339))

	return chapter, append(all, chapter), nil
}

// buildAtom creates the leaf node for one trace, compressing content above
// the configured threshold.
func (b *Builder) buildAtom(parentID int64, trace *Trace) (*core.HierarchyNode, error) {
	content := []byte(trace.Content)
	compressed := false
	ratio := 1.0

	if len(content) > b.cfg.CompressThreshold {
		packed, err := gzipBytes(content)
		if err != nil {
			return nil, err
		}
		ratio = float64(len(packed)) / float64(len(content))
		content = packed
		compressed = true
	}

	return &core.HierarchyNode{
		ID:         b.node.Generate().Int64(),
		Level:      core.LevelAtom,
		ParentID:   parentID,
		Title:      trace.Title,
		Summary:    fmt.Sprintf("%s trace, ~%d tokens, %s", trace.Type, trace.tokens(), trace.Timestamp.Format(time.RFC3339)),
		ChildCount: 0,
		TokenCount: trace.tokens(),
		Score:      trace.Score,
		TimeStart:  trace.Timestamp,
		TimeEnd:    trace.Timestamp,
		Content:    content,
		Compressed: compressed,
		Metadata: core.NodeMetadata{
			CompressionRatio: ratio,
			SemanticDensity:  semanticDensity(trace.Content, trace.tokens()),
		},
	}, nil
}

// rollup fills an interior node's statistics from its children: token counts
// sum, scores and densities average, time ranges union.
func rollup(parent *core.HierarchyNode, children []*core.HierarchyNode) {
	parent.ChildCount = len(children)
	if len(children) == 0 {
		return
	}

	var scoreSum, densitySum float64
	for i, child := range children {
		parent.TokenCount += child.TokenCount
		scoreSum += child.Score
		densitySum += child.Metadata.SemanticDensity
		if i == 0 || child.TimeStart.Before(parent.TimeStart) {
			parent.TimeStart = child.TimeStart
		}
		if i == 0 || child.TimeEnd.After(parent.TimeEnd) {
			parent.TimeEnd = child.TimeEnd
		}
	}
	parent.Score = scoreSum / float64(len(children))
	parent.Metadata.SemanticDensity = densitySum / float64(len(children))
	parent.Metadata.CompressionRatio = 1.0
}

// nearEqualSplit returns chunk sizes for n items under a per-chunk cap, with
// sizes differing by at most one.
func nearEqualSplit(n, limit int) []int {
	if n == 0 {
		return nil
	}
	chunks := (n + limit - 1) / limit
	base := n / chunks
	extra := n % chunks

	sizes := make([]int, chunks)
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// groupLabel names a trace group by its dominant type and newest title.
func groupLabel(traces []*Trace) string {
	if len(traces) == 0 {
		return "empty"
	}
	return fmt.Sprintf("%s and %d more", traces[0].Title, len(traces)-1)
}

// typeHistogram renders "task=3 tool=1" style counts, sorted by type name.
func typeHistogram(traces []*Trace) string {
	counts := make(map[string]int)
	for _, t := range traces {
		counts[t.Type]++
	}
	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	return strings.Join(parts, " ")
}

// semanticDensity is unique terms per token.
func semanticDensity(content string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	unique := make(map[string]struct{})
	for _, term := range strings.Fields(strings.ToLower(content)) {
		unique[term] = struct{}{}
	}
	return float64(len(unique)) / float64(tokens)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
