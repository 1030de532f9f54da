// Package sqlite persists pending context updates and refresh outcomes in
// SQLite so they survive restarts. Queue implements memory.UpdateQueue and
// memory.StatusRecorder.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/becomeliminal/aletheia/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS context_updates (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    agent TEXT NOT NULL,
    payload TEXT NOT NULL,
    enqueued_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_runs (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    state TEXT NOT NULL,
    success INTEGER NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs(started_at);
`

// Queue is a durable FIFO of ContextUpdates.
type Queue struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	// One connection keeps FIFO reads consistent with the last write.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends an update. An ID already queued is ignored.
func (q *Queue) Enqueue(ctx context.Context, update memory.ContextUpdate) error {
	if update.ID == "" {
		return fmt.Errorf("%w: update has no id", memory.ErrInvariantViolation)
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update %s: %w", update.ID, err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO context_updates (id, session_id, agent, payload, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		update.ID, update.SessionID, update.Agent, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert update %s: %w", update.ID, err)
	}
	return nil
}

// Pending returns up to limit updates in enqueue order. limit <= 0 returns
// all of them.
func (q *Queue) Pending(ctx context.Context, limit int) ([]memory.ContextUpdate, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload FROM context_updates ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending updates: %w", err)
	}
	defer rows.Close()

	var out []memory.ContextUpdate
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		var u memory.ContextUpdate
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			// A corrupt row would block the queue forever; skip it loudly.
			log.Error().Err(err).Str("update_id", id).Msg("queue_update_corrupt")
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Ack deletes delivered updates. Unknown IDs are ignored.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM context_updates WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete acked updates: %w", err)
	}
	return nil
}

// Len returns the number of queued updates.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_updates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return n, nil
}

// RecordStatus stores a terminal refresh status.
func (q *Queue) RecordStatus(ctx context.Context, status memory.RefreshStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal refresh status %s: %w", status.ID, err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO refresh_runs (id, started_at, state, success, payload) VALUES (?, ?, ?, ?, ?)`,
		status.ID, status.StartedAt.UTC(), string(status.State), status.Success, string(payload))
	if err != nil {
		return fmt.Errorf("insert refresh status %s: %w", status.ID, err)
	}
	return nil
}

// History returns up to limit recorded statuses, oldest first. limit <= 0
// returns all.
func (q *Queue) History(ctx context.Context, limit int) ([]memory.RefreshStatus, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT payload FROM refresh_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh history: %w", err)
	}
	defer rows.Close()

	var out []memory.RefreshStatus
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan refresh status: %w", err)
		}
		var st memory.RefreshStatus
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("unmarshal refresh status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
