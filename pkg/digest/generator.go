// Package digest produces frame digests.
//
// The deterministic half runs synchronously inside the close transaction: a
// single scan over the frame's events and anchors rendered into a fixed text
// template plus a structured record. Identical inputs always produce
// byte-identical output. The narrative half is queued durably and appended
// later by the background drainer; it never influences the deterministic
// part.
package digest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stackmem/stackmem-go/pkg/core"
)

// errorPrefixLen bounds the message prefix used for error deduplication.
const errorPrefixLen = 80

// resolutionWindow is how many tool calls after an error are inspected for a
// success signal before the error counts as unresolved.
const resolutionWindow = 3

// TestParser extracts test counts from a free-text test event payload.
// It returns false when the text carries no test signal.
type TestParser func(text string) (passed, failed, skipped int, ok bool)

// ResolutionHeuristic decides whether the error at events[errIdx] was later
// resolved within the frame.
type ResolutionHeuristic func(events []*core.Event, errIdx int) bool

// Generator computes deterministic digests.
type Generator struct {
	parseTests TestParser
	resolved   ResolutionHeuristic
}

// Option configures a Generator.
type Option func(*Generator)

// WithTestParser replaces the free-text test output parser.
func WithTestParser(p TestParser) Option {
	return func(g *Generator) {
		g.parseTests = p
	}
}

// WithResolutionHeuristic replaces the error resolution detector.
func WithResolutionHeuristic(h ResolutionHeuristic) Option {
	return func(g *Generator) {
		g.resolved = h
	}
}

// NewGenerator creates a digest generator with the default parsers.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		parseTests: DefaultTestParser,
		resolved:   DefaultResolutionHeuristic,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// fileOpRank orders file operations for conflict resolution. When the same
// path sees multiple operations, the highest rank wins.
var fileOpRank = map[core.FileOp]int{
	core.FileRead:   0,
	core.FileModify: 1,
	core.FileCreate: 2,
	core.FileDelete: 3,
}

// Generate scans events and anchors once and renders the deterministic
// digest. The anchors slice must be in priority-descending order, as read
// from the store.
func (g *Generator) Generate(frame *core.Frame, events []*core.Event, anchors []*core.Anchor, closedAt time.Time) (*core.Digest, error) {
	record := &core.DigestRecord{
		FrameID:    frame.ID,
		FrameName:  frame.Name,
		FrameType:  frame.Type,
		Duration:   closedAt.Sub(frame.CreatedAt),
		EventCount: len(events),
	}

	fileOps := make(map[string]core.FileOp)
	type errKey struct {
		errType string
		prefix  string
	}
	errIndex := make(map[errKey]int)

	for i, event := range events {
		switch event.EventType {
		case core.EventFileOp:
			path := payloadString(event.Payload, "path")
			if path == "" {
				continue
			}
			op := core.FileOp(payloadString(event.Payload, "op"))
			if _, known := fileOpRank[op]; !known {
				op = core.FileModify
			}
			if prev, seen := fileOps[path]; !seen || fileOpRank[op] > fileOpRank[prev] {
				fileOps[path] = op
			}

		case core.EventTest:
			passed, failed, skipped, ok := extractTestCounts(event.Payload, g.parseTests)
			if !ok {
				continue
			}
			record.Tests.Detected = true
			record.Tests.Passed += passed
			record.Tests.Failed += failed
			record.Tests.Skipped += skipped

		case core.EventError:
			errType := payloadString(event.Payload, "type")
			if errType == "" {
				errType = "error"
			}
			prefix := payloadString(event.Payload, "message")
			if len(prefix) > errorPrefixLen {
				prefix = prefix[:errorPrefixLen]
			}

			key := errKey{errType: errType, prefix: prefix}
			if idx, seen := errIndex[key]; seen {
				record.Errors[idx].Count++
				if g.errorResolved(events, i, event) {
					record.Errors[idx].Resolved = true
				}
				continue
			}
			errIndex[key] = len(record.Errors)
			record.Errors = append(record.Errors, core.ErrorOccurrence{
				Type:          errType,
				MessagePrefix: prefix,
				Count:         1,
				Resolved:      g.errorResolved(events, i, event),
			})

		case core.EventToolCall:
			record.ToolCallCount++
			tool := payloadString(event.Payload, "tool")
			if tool == "" {
				tool = payloadString(event.Payload, "name")
			}
			if tool != "" {
				if record.ToolCalls == nil {
					record.ToolCalls = make(map[string]int)
				}
				record.ToolCalls[tool]++
			}
		}
	}

	paths := make([]string, 0, len(fileOps))
	for path := range fileOps {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		record.Files = append(record.Files, core.FileTouch{Path: path, Op: fileOps[path]})
	}

	for _, anchor := range anchors {
		if record.AnchorCounts == nil {
			record.AnchorCounts = make(map[core.AnchorType]int)
		}
		record.AnchorCounts[anchor.Type]++
		switch anchor.Type {
		case core.AnchorDecision:
			record.Decisions = append(record.Decisions, anchor.Text)
		case core.AnchorConstraint:
			record.Constraints = append(record.Constraints, anchor.Text)
		case core.AnchorRisk:
			record.Risks = append(record.Risks, anchor.Text)
		}
	}

	record.ExitStatus = exitStatus(frame.Outputs, record)

	return &core.Digest{
		Text:   renderText(record),
		Record: record,
	}, nil
}

func (g *Generator) errorResolved(events []*core.Event, idx int, event *core.Event) bool {
	if flag, ok := event.Payload["resolved"].(bool); ok {
		return flag
	}
	return g.resolved(events, idx)
}

// DefaultResolutionHeuristic treats an error as resolved when one of the
// next three tool calls in the frame reports success.
func DefaultResolutionHeuristic(events []*core.Event, errIdx int) bool {
	toolCalls := 0
	for i := errIdx + 1; i < len(events) && toolCalls < resolutionWindow; i++ {
		if events[i].EventType != core.EventToolCall {
			continue
		}
		toolCalls++
		if toolCallSucceeded(events[i].Payload) {
			return true
		}
	}
	return false
}

func toolCallSucceeded(payload map[string]interface{}) bool {
	if flag, ok := payload["success"].(bool); ok {
		return flag
	}
	if status, ok := payload["status"].(string); ok {
		return status == "success" || status == "ok"
	}
	return false
}

var testCountPattern = regexp.MustCompile(`(\d+)\s+(passed|failed|skipped)`)

// DefaultTestParser recognizes "N passed", "N failed", and "N skipped"
// phrases in free-form test runner output.
func DefaultTestParser(text string) (passed, failed, skipped int, ok bool) {
	for _, match := range testCountPattern.FindAllStringSubmatch(strings.ToLower(text), -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		ok = true
		switch match[2] {
		case "passed":
			passed += n
		case "failed":
			failed += n
		case "skipped":
			skipped += n
		}
	}
	return passed, failed, skipped, ok
}

// extractTestCounts prefers explicit numeric payload fields and falls back
// to parsing free-text output.
func extractTestCounts(payload map[string]interface{}, parse TestParser) (passed, failed, skipped int, ok bool) {
	passed, okP := payloadInt(payload, "passed")
	failed, okF := payloadInt(payload, "failed")
	skipped, okS := payloadInt(payload, "skipped")
	if okP || okF || okS {
		return passed, failed, skipped, true
	}

	text := payloadString(payload, "output")
	if text == "" {
		text = payloadString(payload, "text")
	}
	if text == "" {
		return 0, 0, 0, false
	}
	return parse(text)
}

// exitStatus derives the overall outcome. An explicit outputs signal wins;
// otherwise any failed test or unresolved error means failure, errors that
// were all resolved mean partial, and a clean run means success.
func exitStatus(outputs map[string]interface{}, record *core.DigestRecord) core.ExitStatus {
	if status, ok := outputs["exit_status"].(string); ok {
		switch core.ExitStatus(status) {
		case core.ExitSuccess, core.ExitFailure, core.ExitPartial, core.ExitCancelled:
			return core.ExitStatus(status)
		}
	}
	if cancelled, ok := outputs["cancelled"].(bool); ok && cancelled {
		return core.ExitCancelled
	}

	if record.Tests.Failed > 0 {
		return core.ExitFailure
	}
	for _, occ := range record.Errors {
		if !occ.Resolved {
			return core.ExitFailure
		}
	}
	if len(record.Errors) > 0 {
		return core.ExitPartial
	}
	return core.ExitSuccess
}

// renderText renders the fixed digest template. All iteration is over
// pre-sorted slices or sorted key sets, so the rendering is byte-identical
// for identical records.
func renderText(record *core.DigestRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "frame %q (%s) finished %s in %s, %d events\n",
		record.FrameName, record.FrameType, record.ExitStatus,
		record.Duration.Round(time.Millisecond), record.EventCount)

	if len(record.Files) > 0 {
		b.WriteString("files:")
		for _, f := range record.Files {
			fmt.Fprintf(&b, " %s(%s)", f.Path, f.Op)
		}
		b.WriteByte('\n')
	}

	if record.Tests.Detected {
		fmt.Fprintf(&b, "tests: %d passed, %d failed, %d skipped\n",
			record.Tests.Passed, record.Tests.Failed, record.Tests.Skipped)
	} else {
		b.WriteString("tests: none detected\n")
	}

	for _, occ := range record.Errors {
		state := "unresolved"
		if occ.Resolved {
			state = "resolved"
		}
		fmt.Fprintf(&b, "error: %s %q x%d (%s)\n", occ.Type, occ.MessagePrefix, occ.Count, state)
	}

	if record.ToolCallCount > 0 {
		fmt.Fprintf(&b, "tools: %d calls", record.ToolCallCount)
		names := make([]string, 0, len(record.ToolCalls))
		for name := range record.ToolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, " %s=%d", name, record.ToolCalls[name])
		}
		b.WriteByte('\n')
	}

	writeAnchorLines(&b, "decision", record.Decisions)
	writeAnchorLines(&b, "constraint", record.Constraints)
	writeAnchorLines(&b, "risk", record.Risks)

	return b.String()
}

func writeAnchorLines(b *strings.Builder, label string, texts []string) {
	for _, text := range texts {
		fmt.Fprintf(b, "%s: %s\n", label, text)
	}
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// payloadInt reads a numeric payload field. JSON round-trips numbers as
// float64, so both forms are accepted.
func payloadInt(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
