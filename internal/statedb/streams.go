package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"conclave/api/internal/stream"
)

const streamColumns = `id, repo_id, agent_id, title, branch, base_branch, base_commit, parent_id, status,
	merge_commit, abandon_reason, created_at, updated_at, merged_at, abandoned_at`

type StreamFilter struct {
	AgentID string
	Status  stream.Status
	Limit   int
}

func (store *Store) InsertStream(ctx context.Context, item stream.Stream) error {
	return writeStream(ctx, store.database, item)
}

// StartStream records a new stream and points the agent's worktree at it in
// one transaction, so neither row exists without the other.
func (store *Store) StartStream(ctx context.Context, item stream.Stream, wt Worktree) error {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stream tx: %w", err)
	}
	defer transaction.Rollback()

	if err := writeStream(ctx, transaction, item); err != nil {
		return err
	}
	if err := writeWorktree(ctx, transaction, wt); err != nil {
		return err
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit stream tx: %w", err)
	}
	return nil
}

func writeStream(ctx context.Context, db execer, item stream.Stream) error {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Branch) == "" {
		return fmt.Errorf("insert stream: id and branch are required")
	}
	if item.Status == "" {
		item.Status = stream.StatusActive
	}
	created := formatTime(item.CreatedAt)
	_, err := db.ExecContext(ctx, `
		INSERT INTO streams(id, repo_id, agent_id, title, branch, base_branch, base_commit, parent_id, status, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		item.RepoID,
		item.AgentID,
		item.Title,
		item.Branch,
		item.BaseBranch,
		item.BaseCommit,
		nullableText(item.ParentID),
		string(item.Status),
		created,
		created,
	)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func (store *Store) GetStream(ctx context.Context, streamID string) (stream.Stream, error) {
	row := store.database.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, streamID)
	item, err := scanStream(row)
	if err != nil {
		return stream.Stream{}, notFound(err, "stream "+streamID)
	}
	return item, nil
}

func (store *Store) ListStreams(ctx context.Context, filter StreamFilter) ([]stream.Stream, error) {
	clauses := make([]string, 0, 2)
	params := make([]any, 0, 3)
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		params = append(params, filter.AgentID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		params = append(params, string(filter.Status))
	}
	query := `SELECT ` + streamColumns + ` FROM streams`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, filter.Limit)
	}
	return store.queryStreams(ctx, query, params...)
}

// SearchStreams is a substring match over title, branch and agent. It backs
// stream search when no external index is configured.
func (store *Store) SearchStreams(ctx context.Context, query string, limit int) ([]stream.Stream, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	return store.queryStreams(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE LOWER(title) LIKE ? ESCAPE '\' OR LOWER(branch) LIKE ? ESCAPE '\' OR LOWER(agent_id) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC
		LIMIT ?
	`, pattern, pattern, pattern, limit)
}

// ListIdle returns active streams whose last activity is before cutoff.
func (store *Store) ListIdle(ctx context.Context, cutoff time.Time) ([]stream.Stream, error) {
	return store.queryStreams(ctx, `
		SELECT `+streamColumns+` FROM streams
		WHERE status = 'active' AND updated_at < ?
		ORDER BY updated_at ASC
	`, formatTime(cutoff))
}

func (store *Store) TouchStream(ctx context.Context, streamID string, at time.Time) error {
	if _, err := store.database.ExecContext(ctx, `UPDATE streams SET updated_at = ? WHERE id = ?`, formatTime(at), streamID); err != nil {
		return fmt.Errorf("touch stream: %w", err)
	}
	return nil
}

// MarkMerged moves an active stream to merged.
func (store *Store) MarkMerged(ctx context.Context, streamID, commit string, at time.Time) (stream.Stream, error) {
	return store.transition(ctx, streamID, stream.StatusMerged, func(tx *sql.Tx, ts string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE streams SET status = 'merged', merge_commit = ?, merged_at = ?, updated_at = ? WHERE id = ?
		`, commit, ts, ts, streamID)
		return err
	}, at)
}

// MarkAbandoned moves an active stream to abandoned. The branch is kept.
func (store *Store) MarkAbandoned(ctx context.Context, streamID, reason string, at time.Time) (stream.Stream, error) {
	return store.transition(ctx, streamID, stream.StatusAbandoned, func(tx *sql.Tx, ts string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE streams SET status = 'abandoned', abandon_reason = ?, abandoned_at = ?, updated_at = ? WHERE id = ?
		`, nullableText(reason), ts, ts, streamID)
		return err
	}, at)
}

func (store *Store) transition(ctx context.Context, streamID string, to stream.Status, apply func(*sql.Tx, string) error, at time.Time) (stream.Stream, error) {
	transaction, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return stream.Stream{}, fmt.Errorf("begin stream tx: %w", err)
	}
	defer transaction.Rollback()

	current, err := scanStream(transaction.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, streamID))
	if err != nil {
		return stream.Stream{}, notFound(err, "stream "+streamID)
	}
	if err := stream.Transition(current.Status, to); err != nil {
		return current, err
	}
	if err := apply(transaction, formatTime(at)); err != nil {
		return stream.Stream{}, fmt.Errorf("update stream %s: %w", streamID, err)
	}
	updated, err := scanStream(transaction.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = ?`, streamID))
	if err != nil {
		return stream.Stream{}, fmt.Errorf("reload stream: %w", err)
	}
	if err := transaction.Commit(); err != nil {
		return stream.Stream{}, fmt.Errorf("commit stream tx: %w", err)
	}
	return updated, nil
}

func (store *Store) queryStreams(ctx context.Context, query string, params ...any) ([]stream.Stream, error) {
	rows, err := store.database.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	items := make([]stream.Stream, 0)
	for rows.Next() {
		item, scanErr := scanStream(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan stream: %w", scanErr)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanStream(scanner rowScanner) (stream.Stream, error) {
	var item stream.Stream
	var status, createdAt, updatedAt string
	var parentID, mergeCommit, abandonReason, mergedAt, abandonedAt sql.NullString
	err := scanner.Scan(
		&item.ID,
		&item.RepoID,
		&item.AgentID,
		&item.Title,
		&item.Branch,
		&item.BaseBranch,
		&item.BaseCommit,
		&parentID,
		&status,
		&mergeCommit,
		&abandonReason,
		&createdAt,
		&updatedAt,
		&mergedAt,
		&abandonedAt,
	)
	if err != nil {
		return stream.Stream{}, err
	}
	item.Status = stream.Status(status)
	item.ParentID = parentID.String
	item.MergeCommit = mergeCommit.String
	item.AbandonReason = abandonReason.String
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	item.MergedAt = parseNullTime(mergedAt)
	item.AbandonedAt = parseNullTime(abandonedAt)
	return item, nil
}

func escapeLike(input string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(input)
}
