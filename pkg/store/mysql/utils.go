package mysql

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
)

const nodeSelect = `SELECT id, level, parent_id, title, summary, child_count,
	token_count, score, time_start, time_end, content, compressed, metadata, access_count
	FROM hierarchy_nodes`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFrame(s rowScanner) (*core.Frame, error) {
	var (
		frame        core.Frame
		frameType    string
		frameState   string
		inputsJSON   sql.NullString
		outputsJSON  sql.NullString
		digestText   sql.NullString
		digestRecord sql.NullString
		narrative    sql.NullString
		closedAt     sql.NullTime
	)

	err := s.Scan(
		&frame.ID, &frame.ParentID, &frame.RunID, &frameType, &frame.Name,
		&frameState, &frame.Depth, &inputsJSON, &outputsJSON,
		&digestText, &digestRecord, &narrative, &frame.CreatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	frame.Type = core.FrameType(frameType)
	frame.State = core.FrameState(frameState)

	if err := unmarshalMap(inputsJSON, &frame.Inputs); err != nil {
		return nil, fmt.Errorf("parse inputs: %w", err)
	}
	if err := unmarshalMap(outputsJSON, &frame.Outputs); err != nil {
		return nil, fmt.Errorf("parse outputs: %w", err)
	}

	if digestText.Valid {
		digest := &core.Digest{Text: digestText.String}
		if digestRecord.Valid && digestRecord.String != "" {
			var record core.DigestRecord
			if err := json.Unmarshal([]byte(digestRecord.String), &record); err != nil {
				return nil, fmt.Errorf("parse digest record: %w", err)
			}
			digest.Record = &record
		}
		if narrative.Valid {
			digest.Narrative = narrative.String
		}
		frame.Digest = digest
	}

	frame.ClosedAt = timePtr(closedAt)

	return &frame, nil
}

func collectFrames(rows *sql.Rows) ([]*core.Frame, error) {
	var frames []*core.Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, rows.Err()
}

func scanEvent(s rowScanner) (*core.Event, error) {
	var (
		event       core.Event
		payloadJSON sql.NullString
	)

	err := s.Scan(&event.ID, &event.FrameID, &event.Seq, &event.EventType,
		&payloadJSON, &event.Timestamp)
	if err != nil {
		return nil, err
	}

	if err := unmarshalMap(payloadJSON, &event.Payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	return &event, nil
}

func scanAnchor(s rowScanner) (*core.Anchor, error) {
	var (
		anchor       core.Anchor
		anchorType   string
		metadataJSON sql.NullString
	)

	err := s.Scan(&anchor.ID, &anchor.FrameID, &anchorType, &anchor.Text,
		&anchor.Priority, &metadataJSON, &anchor.CreatedAt)
	if err != nil {
		return nil, err
	}

	anchor.Type = core.AnchorType(anchorType)
	if err := unmarshalMap(metadataJSON, &anchor.Metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	return &anchor, nil
}

func scanNode(s rowScanner) (*core.HierarchyNode, error) {
	var (
		node         core.HierarchyNode
		level        string
		compressed   int
		metadataJSON sql.NullString
		accessCount  int64
	)

	err := s.Scan(&node.ID, &level, &node.ParentID, &node.Title, &node.Summary,
		&node.ChildCount, &node.TokenCount, &node.Score,
		&node.TimeStart, &node.TimeEnd, &node.Content, &compressed,
		&metadataJSON, &accessCount)
	if err != nil {
		return nil, err
	}

	node.Level = core.HierarchyLevel(level)
	node.Compressed = compressed != 0
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &node.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	node.Metadata.AccessCount = accessCount

	return &node, nil
}

func scanJob(s rowScanner) (*store.DigestJob, error) {
	var (
		job       store.DigestJob
		status    string
		lastError sql.NullString
	)

	err := s.Scan(&job.FrameID, &job.Priority, &job.Attempts, &status,
		&job.EnqueuedAt, &lastError)
	if err != nil {
		return nil, err
	}

	job.Status = store.DigestJobStatus(status)
	job.LastError = lastError.String

	return &job, nil
}

// marshalJSON encodes a value to a JSON string, mapping nil maps to NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]interface{}); ok && m == nil {
		return nil, nil
	}
	if r, ok := v.(*core.DigestRecord); ok && r == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalMap(s sql.NullString, dst *map[string]interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timePtr is a small helper for nullable timestamps.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
