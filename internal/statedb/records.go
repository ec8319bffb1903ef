package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type MergeRecord struct {
	ID           int64     `json:"id"`
	StreamID     string    `json:"streamId"`
	Branch       string    `json:"branch"`
	BufferBranch string    `json:"bufferBranch"`
	FromCommit   string    `json:"fromCommit"`
	Commit       string    `json:"commit"`
	Resolved     bool      `json:"resolved"`
	RevertedBy   string    `json:"revertedBy,omitempty"`
	MergedAt     time.Time `json:"mergedAt"`
}

type PromotionRecord struct {
	ID           int64     `json:"id"`
	SourceBranch string    `json:"sourceBranch"`
	TargetBranch string    `json:"targetBranch"`
	FromCommit   string    `json:"fromCommit"`
	ToCommit     string    `json:"toCommit"`
	ArchiveKey   string    `json:"archiveKey,omitempty"`
	PromotedAt   time.Time `json:"promotedAt"`
}

// InsertMergeRecord appends a merge record. A retry for a stream that is
// already recorded is a no-op and reports false.
func (store *Store) InsertMergeRecord(ctx context.Context, item MergeRecord) (bool, error) {
	result, err := store.database.ExecContext(ctx, `
		INSERT OR IGNORE INTO merge_records(stream_id, branch, buffer_branch, from_commit, commit_hash, resolved, merged_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, item.StreamID, item.Branch, item.BufferBranch, item.FromCommit, item.Commit, boolInt(item.Resolved), formatTime(item.MergedAt))
	if err != nil {
		return false, fmt.Errorf("insert merge record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert merge record: %w", err)
	}
	return affected > 0, nil
}

// LatestMergeRecord returns the newest merge into bufferBranch that has not
// been reverted.
func (store *Store) LatestMergeRecord(ctx context.Context, bufferBranch string) (MergeRecord, error) {
	row := store.database.QueryRowContext(ctx, `
		SELECT id, stream_id, branch, buffer_branch, from_commit, commit_hash, resolved, reverted_by, merged_at
		FROM merge_records
		WHERE buffer_branch = ? AND reverted_by IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, bufferBranch)
	item, err := scanMergeRecord(row)
	if err != nil {
		return MergeRecord{}, notFound(err, "latest merge record")
	}
	return item, nil
}

func (store *Store) ListMergeRecords(ctx context.Context, limit int) ([]MergeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := store.database.QueryContext(ctx, `
		SELECT id, stream_id, branch, buffer_branch, from_commit, commit_hash, resolved, reverted_by, merged_at
		FROM merge_records
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list merge records: %w", err)
	}
	defer rows.Close()

	items := make([]MergeRecord, 0)
	for rows.Next() {
		item, scanErr := scanMergeRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan merge record: %w", scanErr)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (store *Store) MarkReverted(ctx context.Context, streamID, revertCommit string) error {
	result, err := store.database.ExecContext(ctx, `
		UPDATE merge_records SET reverted_by = ? WHERE stream_id = ? AND reverted_by IS NULL
	`, revertCommit, streamID)
	if err != nil {
		return fmt.Errorf("mark merge reverted: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("merge record for %s: %w", streamID, ErrNotFound)
	}
	return nil
}

// InsertPromotion appends a promotion record keyed by (from, to). A retry of
// the same promotion is a no-op and reports false.
func (store *Store) InsertPromotion(ctx context.Context, item PromotionRecord) (bool, error) {
	result, err := store.database.ExecContext(ctx, `
		INSERT OR IGNORE INTO promotion_records(source_branch, target_branch, from_commit, to_commit, archive_key, promoted_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, item.SourceBranch, item.TargetBranch, item.FromCommit, item.ToCommit, nullableText(item.ArchiveKey), formatTime(item.PromotedAt))
	if err != nil {
		return false, fmt.Errorf("insert promotion record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert promotion record: %w", err)
	}
	return affected > 0, nil
}

func (store *Store) SetPromotionArchive(ctx context.Context, fromCommit, toCommit, key string) error {
	_, err := store.database.ExecContext(ctx, `
		UPDATE promotion_records SET archive_key = ? WHERE from_commit = ? AND to_commit = ?
	`, key, fromCommit, toCommit)
	if err != nil {
		return fmt.Errorf("set promotion archive: %w", err)
	}
	return nil
}

func (store *Store) ListPromotions(ctx context.Context, limit int) ([]PromotionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := store.database.QueryContext(ctx, `
		SELECT id, source_branch, target_branch, from_commit, to_commit, archive_key, promoted_at
		FROM promotion_records
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list promotions: %w", err)
	}
	defer rows.Close()

	items := make([]PromotionRecord, 0)
	for rows.Next() {
		var item PromotionRecord
		var archiveKey sql.NullString
		var promotedAt string
		if err := rows.Scan(&item.ID, &item.SourceBranch, &item.TargetBranch, &item.FromCommit, &item.ToCommit, &archiveKey, &promotedAt); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		item.ArchiveKey = archiveKey.String
		item.PromotedAt = parseTime(promotedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanMergeRecord(scanner rowScanner) (MergeRecord, error) {
	var item MergeRecord
	var resolved int
	var revertedBy sql.NullString
	var mergedAt string
	if err := scanner.Scan(
		&item.ID,
		&item.StreamID,
		&item.Branch,
		&item.BufferBranch,
		&item.FromCommit,
		&item.Commit,
		&resolved,
		&revertedBy,
		&mergedAt,
	); err != nil {
		return MergeRecord{}, err
	}
	item.Resolved = resolved != 0
	item.RevertedBy = revertedBy.String
	item.MergedAt = parseTime(mergedAt)
	return item, nil
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
