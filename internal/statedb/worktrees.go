package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Worktree maps an agent to its working directory. There is at most one per
// agent; its branch is retargeted when the agent starts a new stream.
type Worktree struct {
	AgentID   string    `json:"agentId"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	StreamID  string    `json:"streamId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (store *Store) UpsertWorktree(ctx context.Context, item Worktree) error {
	return writeWorktree(ctx, store.database, item)
}

func writeWorktree(ctx context.Context, db execer, item Worktree) error {
	now := formatTime(time.Now())
	_, err := db.ExecContext(ctx, `
		INSERT INTO worktrees(agent_id, path, branch, stream_id, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			path = excluded.path,
			branch = excluded.branch,
			stream_id = excluded.stream_id,
			updated_at = excluded.updated_at
	`, item.AgentID, item.Path, item.Branch, nullableText(item.StreamID), now, now)
	if err != nil {
		return fmt.Errorf("upsert worktree: %w", err)
	}
	return nil
}

func (store *Store) GetWorktree(ctx context.Context, agentID string) (Worktree, error) {
	row := store.database.QueryRowContext(ctx, `
		SELECT agent_id, path, branch, stream_id, created_at, updated_at
		FROM worktrees
		WHERE agent_id = ?
	`, agentID)
	item, err := scanWorktree(row)
	if err != nil {
		return Worktree{}, notFound(err, "worktree for "+agentID)
	}
	return item, nil
}

func (store *Store) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	rows, err := store.database.QueryContext(ctx, `
		SELECT agent_id, path, branch, stream_id, created_at, updated_at
		FROM worktrees
		ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()

	items := make([]Worktree, 0)
	for rows.Next() {
		item, scanErr := scanWorktree(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan worktree: %w", scanErr)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DetachStream clears the worktree's stream pointer if it still points at
// streamID.
func (store *Store) DetachStream(ctx context.Context, agentID, streamID string) error {
	_, err := store.database.ExecContext(ctx, `
		UPDATE worktrees SET stream_id = NULL, updated_at = ? WHERE agent_id = ? AND stream_id = ?
	`, formatTime(time.Now()), agentID, streamID)
	if err != nil {
		return fmt.Errorf("detach worktree stream: %w", err)
	}
	return nil
}

func scanWorktree(scanner rowScanner) (Worktree, error) {
	var item Worktree
	var streamID sql.NullString
	var createdAt, updatedAt string
	if err := scanner.Scan(&item.AgentID, &item.Path, &item.Branch, &streamID, &createdAt, &updatedAt); err != nil {
		return Worktree{}, err
	}
	item.StreamID = streamID.String
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	return item, nil
}
