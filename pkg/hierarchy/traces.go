package hierarchy

import "github.com/stackmem/stackmem-go/pkg/core"

// TracesFromFrames converts closed frames into index traces.
//
// The trace content is the frame's digest (deterministic text plus any
// narrative); frames without a digest are skipped. Failed frames score
// higher than clean ones: when an assistant searches its memory, past
// failures carry the most signal.
func TracesFromFrames(frames []*core.Frame) []*Trace {
	traces := make([]*Trace, 0, len(frames))
	for _, f := range frames {
		if f.State != core.FrameClosed || f.Digest == nil || f.ClosedAt == nil {
			continue
		}

		content := f.Digest.Text
		if f.Digest.Narrative != "" {
			content += "\n" + f.Digest.Narrative
		}

		traces = append(traces, &Trace{
			ID:        f.ID,
			Type:      string(f.Type),
			Title:     f.Name,
			Content:   content,
			Score:     frameScore(f),
			Timestamp: *f.ClosedAt,
		})
	}
	return traces
}

func frameScore(f *core.Frame) float64 {
	score := 0.5
	record := f.Digest.Record
	if record == nil {
		return score
	}

	switch record.ExitStatus {
	case core.ExitFailure:
		score = 0.8
	case core.ExitPartial:
		score = 0.65
	}
	score += 0.05 * float64(len(record.Decisions))
	if score > 1.0 {
		score = 1.0
	}
	return score
}
