// Package postgres provides the PostgreSQL implementation of the persistent
// store.
//
// PostgreSQL serves as a larger/slower "warm" tier behind the same logical
// dataset as the hot tier: closed frames, hierarchy trees, and the narrative
// queue at team scale. Structured fields are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/stackmem/stackmem-go/pkg/core"
	"github.com/stackmem/stackmem-go/pkg/store"
)

// Client implements store.Store using PostgreSQL as the backend.
type Client struct {
	db *sql.DB
}

// Config contains configuration for creating a PostgreSQL store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewClient creates a new PostgreSQL store client.
//
// The table structure is initialized on first connect.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS frames (
			id BIGINT PRIMARY KEY,
			parent_id BIGINT NOT NULL DEFAULT 0,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			depth INT NOT NULL,
			inputs JSONB,
			outputs JSONB,
			digest_text TEXT,
			digest_record JSONB,
			narrative TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_run_state ON frames(run_id, state, depth)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT PRIMARY KEY,
			frame_id BIGINT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			ts TIMESTAMPTZ NOT NULL,
			UNIQUE(frame_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_frame ON events(frame_id, seq)`,
		`CREATE TABLE IF NOT EXISTS anchors (
			id BIGINT PRIMARY KEY,
			frame_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			priority INT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_frame ON anchors(frame_id, priority DESC)`,
		`CREATE TABLE IF NOT EXISTS hierarchy_nodes (
			id BIGINT PRIMARY KEY,
			level TEXT NOT NULL,
			parent_id BIGINT NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			child_count INT NOT NULL,
			token_count INT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			time_start TIMESTAMPTZ NOT NULL,
			time_end TIMESTAMPTZ NOT NULL,
			content BYTEA,
			compressed BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			access_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON hierarchy_nodes(parent_id)`,
		`CREATE TABLE IF NOT EXISTS digest_jobs (
			frame_id BIGINT PRIMARY KEY,
			priority INT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON digest_jobs(status, priority DESC, enqueued_at)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

const frameColumns = `id, parent_id, run_id, type, name, state, depth,
	inputs, outputs, digest_text, digest_record, narrative, created_at, closed_at`

// GetFrame retrieves a frame by ID.
func (c *Client) GetFrame(ctx context.Context, id int64) (*core.Frame, error) {
	row := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM frames WHERE id = $1`, frameColumns), id)

	frame, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetFrame: %w", err)
	}
	return frame, nil
}

// ActiveFrames returns the open frames for a run ordered root→leaf.
func (c *Client) ActiveFrames(ctx context.Context, runID string) ([]*core.Frame, error) {
	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM frames WHERE run_id = $1 AND state = $2 ORDER BY depth`, frameColumns),
		runID, string(core.FrameActive))
	if err != nil {
		return nil, fmt.Errorf("ActiveFrames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectFrames(rows)
}

// ClosedFrames returns closed frames for a run, most recent first.
func (c *Client) ClosedFrames(ctx context.Context, runID string, since time.Time, limit int) ([]*core.Frame, error) {
	query := fmt.Sprintf(`SELECT %s FROM frames WHERE run_id = $1 AND state = $2`, frameColumns)
	args := []interface{}{runID, string(core.FrameClosed)}

	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(` AND closed_at >= $%d`, len(args))
	}
	query += ` ORDER BY closed_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ClosedFrames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectFrames(rows)
}

// AppendNarrative sets the narrative portion of a closed frame's digest.
func (c *Client) AppendNarrative(ctx context.Context, frameID int64, narrative string) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE frames SET narrative = $1 WHERE id = $2 AND state = $3`,
		narrative, frameID, string(core.FrameClosed))
	if err != nil {
		return fmt.Errorf("AppendNarrative: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("AppendNarrative: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListEvents returns a frame's events in seq order.
func (c *Client) ListEvents(ctx context.Context, frameID int64) ([]*core.Event, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, frame_id, seq, event_type, payload, ts FROM events WHERE frame_id = $1 ORDER BY seq`,
		frameID)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*core.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEvents: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ListAnchors returns a frame's anchors in priority-descending order.
func (c *Client) ListAnchors(ctx context.Context, frameID int64) ([]*core.Anchor, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, frame_id, type, text, priority, metadata, created_at
		 FROM anchors WHERE frame_id = $1 ORDER BY priority DESC, created_at, id`,
		frameID)
	if err != nil {
		return nil, fmt.Errorf("ListAnchors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var anchors []*core.Anchor
	for rows.Next() {
		anchor, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAnchors: %w", err)
		}
		anchors = append(anchors, anchor)
	}
	return anchors, rows.Err()
}

// ReplaceHierarchy swaps the stored tree for the given nodes. The delete and
// all inserts share one transaction, so a failed rebuild leaves the previous
// tree intact.
func (c *Client) ReplaceHierarchy(ctx context.Context, nodes []*core.HierarchyNode) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ReplaceHierarchy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM hierarchy_nodes`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ReplaceHierarchy: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO hierarchy_nodes
		 (id, level, parent_id, title, summary, child_count, token_count, score,
		  time_start, time_end, content, compressed, metadata, access_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ReplaceHierarchy: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, node := range nodes {
		metadataJSON, err := marshalJSON(node.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ReplaceHierarchy: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			node.ID, string(node.Level), node.ParentID, node.Title, node.Summary,
			node.ChildCount, node.TokenCount, node.Score,
			node.TimeStart, node.TimeEnd, node.Content, node.Compressed, metadataJSON)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ReplaceHierarchy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ReplaceHierarchy: %w", err)
	}
	return nil
}

// GetNode retrieves a hierarchy node by ID.
func (c *Client) GetNode(ctx context.Context, id int64) (*core.HierarchyNode, error) {
	row := c.db.QueryRowContext(ctx, nodeSelect+` WHERE id = $1`, id)
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetNode: %w", err)
	}
	return node, nil
}

// Children returns a node's direct children.
func (c *Client) Children(ctx context.Context, parentID int64) ([]*core.HierarchyNode, error) {
	rows, err := c.db.QueryContext(ctx, nodeSelect+` WHERE parent_id = $1 AND id != 0 ORDER BY time_end DESC, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("Children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*core.HierarchyNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("Children: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Root returns the encyclopedia root.
func (c *Client) Root(ctx context.Context) (*core.HierarchyNode, error) {
	row := c.db.QueryRowContext(ctx, nodeSelect+` WHERE level = $1 LIMIT 1`, string(core.LevelEncyclopedia))
	node, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Root: %w", err)
	}
	return node, nil
}

// TouchNode increments a node's access counter.
func (c *Client) TouchNode(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE hierarchy_nodes SET access_count = access_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("TouchNode: %w", err)
	}
	return nil
}

// ClearHierarchy removes all hierarchy nodes.
func (c *Client) ClearHierarchy(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM hierarchy_nodes`); err != nil {
		return fmt.Errorf("ClearHierarchy: %w", err)
	}
	return nil
}

// EnqueueJob upserts a narrative job keyed by frame ID.
func (c *Client) EnqueueJob(ctx context.Context, job *store.DigestJob) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO digest_jobs (frame_id, priority, attempts, status, enqueued_at, last_error)
		 VALUES ($1, $2, 0, $3, $4, '')
		 ON CONFLICT (frame_id) DO UPDATE SET
		   priority = GREATEST(digest_jobs.priority, EXCLUDED.priority)
		 WHERE digest_jobs.status = $5`,
		job.FrameID, job.Priority, string(store.JobPending), job.EnqueuedAt,
		string(store.JobPending))
	if err != nil {
		return fmt.Errorf("EnqueueJob: %w", err)
	}
	return nil
}

// PendingJobs returns pending jobs ordered priority-descending then FIFO.
func (c *Client) PendingJobs(ctx context.Context, limit int) ([]*store.DigestJob, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT frame_id, priority, attempts, status, enqueued_at, last_error
		 FROM digest_jobs WHERE status = $1
		 ORDER BY priority DESC, enqueued_at, frame_id LIMIT $2`,
		string(store.JobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("PendingJobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*store.DigestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("PendingJobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobDone finalizes a job after a stored narrative.
func (c *Client) MarkJobDone(ctx context.Context, frameID int64) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE digest_jobs SET status = $1 WHERE frame_id = $2`,
		string(store.JobDone), frameID)
	if err != nil {
		return fmt.Errorf("MarkJobDone: %w", err)
	}
	return nil
}

// MarkJobFailed records a provider failure.
func (c *Client) MarkJobFailed(ctx context.Context, frameID int64, permanent bool, lastError string) error {
	status := store.JobPending
	if permanent {
		status = store.JobFailed
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE digest_jobs SET attempts = attempts + 1, status = $1, last_error = $2 WHERE frame_id = $3`,
		string(status), lastError, frameID)
	if err != nil {
		return fmt.Errorf("MarkJobFailed: %w", err)
	}
	return nil
}

// ExecBatch runs fn inside a single transaction.
func (c *Client) ExecBatch(ctx context.Context, fn func(store.Batch) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ExecBatch: %w", err)
	}

	if err := fn(&batch{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ExecBatch: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// batch implements store.Batch over a single PostgreSQL transaction.
type batch struct {
	ctx context.Context
	tx  *sql.Tx
}

func (b *batch) InsertFrame(frame *core.Frame) error {
	inputsJSON, err := marshalJSON(frame.Inputs)
	if err != nil {
		return fmt.Errorf("InsertFrame: %w", err)
	}

	_, err = b.tx.ExecContext(b.ctx,
		`INSERT INTO frames
		 (id, parent_id, run_id, type, name, state, depth, inputs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		frame.ID, frame.ParentID, frame.RunID, string(frame.Type), frame.Name,
		string(frame.State), frame.Depth, inputsJSON, frame.CreatedAt)
	if err != nil {
		return fmt.Errorf("InsertFrame: %w", err)
	}
	return nil
}

func (b *batch) InsertEvent(event *core.Event) error {
	payloadJSON, err := marshalJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("InsertEvent: %w", err)
	}

	_, err = b.tx.ExecContext(b.ctx,
		`INSERT INTO events (id, frame_id, seq, event_type, payload, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.FrameID, event.Seq, event.EventType, payloadJSON, event.Timestamp)
	if err != nil {
		return fmt.Errorf("InsertEvent: %w", err)
	}
	return nil
}

func (b *batch) InsertAnchor(anchor *core.Anchor) error {
	metadataJSON, err := marshalJSON(anchor.Metadata)
	if err != nil {
		return fmt.Errorf("InsertAnchor: %w", err)
	}

	_, err = b.tx.ExecContext(b.ctx,
		`INSERT INTO anchors (id, frame_id, type, text, priority, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		anchor.ID, anchor.FrameID, string(anchor.Type), anchor.Text,
		anchor.Priority, metadataJSON, anchor.CreatedAt)
	if err != nil {
		return fmt.Errorf("InsertAnchor: %w", err)
	}
	return nil
}

// GetFrame locks the frame row for the rest of the transaction. Under READ
// COMMITTED this serializes concurrent batches on the same frame, so seq
// assignment blocks instead of tripping the UNIQUE(frame_id, seq) constraint.
func (b *batch) GetFrame(id int64) (*core.Frame, error) {
	row := b.tx.QueryRowContext(b.ctx,
		fmt.Sprintf(`SELECT %s FROM frames WHERE id = $1 FOR UPDATE`, frameColumns), id)
	frame, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetFrame: %w", err)
	}
	return frame, nil
}

// ActiveLeaf locks the leaf row so concurrent pushes onto the same stack
// serialize.
func (b *batch) ActiveLeaf(runID string) (*core.Frame, error) {
	row := b.tx.QueryRowContext(b.ctx,
		fmt.Sprintf(`SELECT %s FROM frames WHERE run_id = $1 AND state = $2
		 ORDER BY depth DESC LIMIT 1 FOR UPDATE`, frameColumns),
		runID, string(core.FrameActive))
	frame, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ActiveLeaf: %w", err)
	}
	return frame, nil
}

func (b *batch) CountActiveChildren(frameID int64) (int, error) {
	var count int
	err := b.tx.QueryRowContext(b.ctx,
		`SELECT COUNT(*) FROM frames WHERE parent_id = $1 AND state = $2`,
		frameID, string(core.FrameActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountActiveChildren: %w", err)
	}
	return count, nil
}

func (b *batch) ListEvents(frameID int64) ([]*core.Event, error) {
	rows, err := b.tx.QueryContext(b.ctx,
		`SELECT id, frame_id, seq, event_type, payload, ts FROM events WHERE frame_id = $1 ORDER BY seq`,
		frameID)
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*core.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ListEvents: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (b *batch) ListAnchors(frameID int64) ([]*core.Anchor, error) {
	rows, err := b.tx.QueryContext(b.ctx,
		`SELECT id, frame_id, type, text, priority, metadata, created_at
		 FROM anchors WHERE frame_id = $1 ORDER BY priority DESC, created_at, id`,
		frameID)
	if err != nil {
		return nil, fmt.Errorf("ListAnchors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var anchors []*core.Anchor
	for rows.Next() {
		anchor, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAnchors: %w", err)
		}
		anchors = append(anchors, anchor)
	}
	return anchors, rows.Err()
}

// NextEventSeq relies on the frame row lock taken by GetFrame earlier in the
// batch; the aggregate itself cannot carry FOR UPDATE.
func (b *batch) NextEventSeq(frameID int64) (int64, error) {
	var maxSeq sql.NullInt64
	err := b.tx.QueryRowContext(b.ctx,
		`SELECT MAX(seq) FROM events WHERE frame_id = $1`, frameID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("NextEventSeq: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

func (b *batch) CloseFrame(id int64, outputs map[string]interface{}, digest *core.Digest, closedAt time.Time) error {
	outputsJSON, err := marshalJSON(outputs)
	if err != nil {
		return fmt.Errorf("CloseFrame: %w", err)
	}
	recordJSON, err := marshalJSON(digest.Record)
	if err != nil {
		return fmt.Errorf("CloseFrame: %w", err)
	}

	result, err := b.tx.ExecContext(b.ctx,
		`UPDATE frames SET state = $1, outputs = $2, digest_text = $3, digest_record = $4, closed_at = $5
		 WHERE id = $6 AND state = $7`,
		string(core.FrameClosed), outputsJSON, digest.Text, recordJSON, closedAt,
		id, string(core.FrameActive))
	if err != nil {
		return fmt.Errorf("CloseFrame: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("CloseFrame: %w", err)
	}
	if affected == 0 {
		return core.ErrState
	}
	return nil
}
