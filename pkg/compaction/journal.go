package compaction

import (
	"fmt"
	"strings"

	"github.com/stackmem/stackmem-go/pkg/core"
)

// toolDetailLen bounds the input/output detail carried per tool-call item.
const toolDetailLen = 80

// journal accumulates the session state worth surviving a compaction: file
// operations, tool usage, error/resolution pairs, and decision texts.
//
// Items are deduplicated by rendered text, so repeated inputs collapse to a
// set while first-seen order is preserved.
type journal struct {
	order []string
	seen  map[string]int

	// pendingErrors tracks unresolved error items by index into order, so a
	// later success signal can rewrite them as resolved.
	pendingErrors map[string]int
	toolsSince    map[string]int
}

func newJournal() *journal {
	return &journal{
		seen:          make(map[string]int),
		pendingErrors: make(map[string]int),
		toolsSince:    make(map[string]int),
	}
}

// observe folds one event into the journal.
func (j *journal) observe(event *core.Event) {
	switch event.EventType {
	case core.EventFileOp:
		path, _ := event.Payload["path"].(string)
		op, _ := event.Payload["op"].(string)
		if path == "" {
			return
		}
		if op == "" {
			op = "modify"
		}
		j.add(fmt.Sprintf("file %s: %s", op, path))

	case core.EventToolCall:
		j.add(toolItem(event.Payload))
		j.observeToolOutcome(event)

	case core.EventError:
		errType, _ := event.Payload["type"].(string)
		if errType == "" {
			errType = "error"
		}
		message, _ := event.Payload["message"].(string)
		key := errType + "|" + message
		item := fmt.Sprintf("error %s: %s (unresolved)", errType, message)
		idx := j.add(item)
		j.pendingErrors[key] = idx
		j.toolsSince[key] = 0

	case core.EventMessage:
		if decision, ok := event.Payload["decision"].(string); ok && decision != "" {
			j.add("decision: " + decision)
		}
	}
}

// toolItem renders a tool call with the detail worth re-injecting after a
// compaction: name, key input/output, the touched file, and the outcome.
func toolItem(payload map[string]interface{}) string {
	tool, _ := payload["tool"].(string)
	if tool == "" {
		tool, _ = payload["name"].(string)
	}
	if tool == "" {
		tool = "unknown"
	}

	var b strings.Builder
	b.WriteString("tool used: " + tool)

	in, _ := payload["input"].(string)
	if in == "" {
		in, _ = payload["args"].(string)
	}
	if in != "" {
		b.WriteString(" in=" + clip(in))
	}
	if out, _ := payload["output"].(string); out != "" {
		b.WriteString(" out=" + clip(out))
	}
	if path, _ := payload["path"].(string); path != "" {
		b.WriteString(" file=" + path)
	}
	if success, known := toolSuccess(payload); known {
		if success {
			b.WriteString(" (ok)")
		} else {
			b.WriteString(" (error)")
		}
	}
	return b.String()
}

func clip(s string) string {
	if len(s) > toolDetailLen {
		return s[:toolDetailLen]
	}
	return s
}

// toolSuccess reads the success/status flag from a tool-call payload. known
// is false when the payload carries neither field.
func toolSuccess(payload map[string]interface{}) (success, known bool) {
	if flag, ok := payload["success"].(bool); ok {
		return flag, true
	}
	if status, ok := payload["status"].(string); ok {
		return status == "success" || status == "ok", true
	}
	return false, false
}

// observeToolOutcome applies the resolution heuristic: a successful tool
// call within three calls of an error marks it resolved.
func (j *journal) observeToolOutcome(event *core.Event) {
	success, _ := toolSuccess(event.Payload)

	for key, idx := range j.pendingErrors {
		j.toolsSince[key]++
		if success {
			resolved := j.order[idx][:len(j.order[idx])-len("(unresolved)")] + "(resolved)"
			j.order[idx] = resolved
			delete(j.pendingErrors, key)
			delete(j.toolsSince, key)
			continue
		}
		if j.toolsSince[key] >= 3 {
			delete(j.pendingErrors, key)
			delete(j.toolsSince, key)
		}
	}
}

// add appends an item unless an identical one exists, returning its index.
func (j *journal) add(item string) int {
	if idx, ok := j.seen[item]; ok {
		return idx
	}
	j.order = append(j.order, item)
	idx := len(j.order) - 1
	j.seen[item] = idx
	return idx
}

// items returns a copy of the journal in first-seen order.
func (j *journal) items() []string {
	out := make([]string, len(j.order))
	copy(out, j.order)
	return out
}

// AddDecision journals a decision text directly (used when decisions arrive
// as anchors rather than message events).
func (j *journal) addDecision(text string) {
	j.add("decision: " + text)
}
