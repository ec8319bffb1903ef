package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var item Organization
	var minKarma sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_platform, default_access, default_min_karma, created_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&item.ID, &item.Name, &item.IsPlatform, &item.DefaultAccess, &minKarma, &item.CreatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("get organization %s: %w", orgID, err)
	}
	item.DefaultMinKarma = intPtr(minKarma)
	return item, nil
}

func (s *PostgresStore) UpsertOrganization(ctx context.Context, item Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, is_platform, default_access, default_min_karma)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			is_platform=EXCLUDED.is_platform,
			default_access=EXCLUDED.default_access,
			default_min_karma=EXCLUDED.default_min_karma
	`, item.ID, item.Name, item.IsPlatform, firstNonEmpty(item.DefaultAccess, "none"), nullInt(item.DefaultMinKarma))
	if err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var item Actor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, karma, is_human, api_key_hash, created_at
		FROM actors
		WHERE id=$1
	`, actorID).Scan(&item.ID, &item.Name, &item.Karma, &item.IsHuman, &item.APIKeyHash, &item.CreatedAt)
	if err != nil {
		return Actor{}, fmt.Errorf("get actor %s: %w", actorID, err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertActor(ctx context.Context, item Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, name, karma, is_human, api_key_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			karma=EXCLUDED.karma,
			is_human=EXCLUDED.is_human,
			api_key_hash=CASE WHEN EXCLUDED.api_key_hash = '' THEN actors.api_key_hash ELSE EXCLUDED.api_key_hash END
	`, item.ID, item.Name, item.Karma, item.IsHuman, item.APIKeyHash)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) AdjustKarma(ctx context.Context, actorID string, delta int) (int, error) {
	var karma int
	err := s.db.QueryRowContext(ctx, `
		UPDATE actors SET karma = karma + $2 WHERE id=$1 RETURNING karma
	`, actorID, delta).Scan(&karma)
	if err != nil {
		return 0, fmt.Errorf("adjust karma: %w", err)
	}
	return karma, nil
}

const repositoryColumns = `id, COALESCE(org_id, ''), name, governance, merge_mode, consensus_threshold, min_reviews,
	human_review_weight, buffer_branch, promote_target, auto_promote, auto_revert, agent_access, min_karma,
	is_private, clone_url, created_at, updated_at`

func (s *PostgresStore) GetRepository(ctx context.Context, repoID string) (Repository, error) {
	var item Repository
	var minKarma sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=$1`, repoID).Scan(
		&item.ID,
		&item.OrgID,
		&item.Name,
		&item.Governance,
		&item.MergeMode,
		&item.ConsensusThreshold,
		&item.MinReviews,
		&item.HumanReviewWeight,
		&item.BufferBranch,
		&item.PromoteTarget,
		&item.AutoPromote,
		&item.AutoRevert,
		&item.AgentAccess,
		&minKarma,
		&item.IsPrivate,
		&item.CloneURL,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Repository{}, fmt.Errorf("get repository %s: %w", repoID, err)
	}
	item.MinKarma = intPtr(minKarma)
	return item, nil
}

// UpsertRepository writes repository settings. Governance mode is only set on
// insert; changing it is an owner action handled outside this store.
func (s *PostgresStore) UpsertRepository(ctx context.Context, item Repository) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (
			id, org_id, name, governance, merge_mode, consensus_threshold, min_reviews, human_review_weight,
			buffer_branch, promote_target, auto_promote, auto_revert, agent_access, min_karma, is_private, clone_url
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			merge_mode=EXCLUDED.merge_mode,
			consensus_threshold=EXCLUDED.consensus_threshold,
			min_reviews=EXCLUDED.min_reviews,
			human_review_weight=EXCLUDED.human_review_weight,
			buffer_branch=EXCLUDED.buffer_branch,
			promote_target=EXCLUDED.promote_target,
			auto_promote=EXCLUDED.auto_promote,
			auto_revert=EXCLUDED.auto_revert,
			agent_access=EXCLUDED.agent_access,
			min_karma=EXCLUDED.min_karma,
			is_private=EXCLUDED.is_private,
			clone_url=EXCLUDED.clone_url,
			updated_at=NOW()
	`,
		item.ID,
		item.OrgID,
		item.Name,
		firstNonEmpty(item.Governance, "solo"),
		firstNonEmpty(item.MergeMode, "consensus"),
		item.ConsensusThreshold,
		item.MinReviews,
		item.HumanReviewWeight,
		firstNonEmpty(item.BufferBranch, "buffer"),
		firstNonEmpty(item.PromoteTarget, "main"),
		item.AutoPromote,
		item.AutoRevert,
		item.AgentAccess,
		nullInt(item.MinKarma),
		item.IsPrivate,
		item.CloneURL,
	)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessGrant(ctx context.Context, repoID, actorID string) (AccessGrant, error) {
	var item AccessGrant
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, actor_id, level, granted_by, granted_at, expires_at
		FROM access_grants
		WHERE repo_id=$1 AND actor_id=$2
	`, repoID, actorID).Scan(&item.RepoID, &item.ActorID, &item.Level, &item.GrantedBy, &item.GrantedAt, &item.ExpiresAt)
	if err != nil {
		return AccessGrant{}, fmt.Errorf("get access grant: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertAccessGrant(ctx context.Context, item AccessGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_grants (repo_id, actor_id, level, granted_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, actor_id) DO UPDATE SET
			level=EXCLUDED.level,
			granted_by=EXCLUDED.granted_by,
			granted_at=NOW(),
			expires_at=EXCLUDED.expires_at
	`, item.RepoID, item.ActorID, item.Level, item.GrantedBy, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert access grant: %w", err)
	}
	return nil
}

// DeleteExpiredAccessGrant removes the grant only if it is still expired at
// now, so a grant renewed concurrently survives.
func (s *PostgresStore) DeleteExpiredAccessGrant(ctx context.Context, repoID, actorID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM access_grants
		WHERE repo_id=$1 AND actor_id=$2 AND expires_at IS NOT NULL AND expires_at <= $3
	`, repoID, actorID, now)
	if err != nil {
		return fmt.Errorf("delete expired access grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMaintainer(ctx context.Context, repoID, actorID string) (Maintainer, error) {
	var item Maintainer
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, actor_id, role, created_at
		FROM maintainers
		WHERE repo_id=$1 AND actor_id=$2
	`, repoID, actorID).Scan(&item.RepoID, &item.ActorID, &item.Role, &item.CreatedAt)
	if err != nil {
		return Maintainer{}, fmt.Errorf("get maintainer: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertMaintainer(ctx context.Context, item Maintainer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintainers (repo_id, actor_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, actor_id) DO UPDATE SET role=EXCLUDED.role
	`, item.RepoID, item.ActorID, item.Role)
	if err != nil {
		return fmt.Errorf("upsert maintainer: %w", err)
	}
	return nil
}

// ListBranchRules returns a repository's rules in match order.
func (s *PostgresStore) ListBranchRules(ctx context.Context, repoID string) ([]BranchRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, pattern, priority, push_restriction, required_approvals, require_tests,
			consensus_threshold, merge_restriction, created_at
		FROM branch_rules
		WHERE repo_id=$1
		ORDER BY priority DESC, LENGTH(pattern) DESC, pattern ASC
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list branch rules: %w", err)
	}
	defer rows.Close()

	items := make([]BranchRule, 0)
	for rows.Next() {
		var item BranchRule
		var threshold sql.NullFloat64
		if err := rows.Scan(
			&item.ID,
			&item.RepoID,
			&item.Pattern,
			&item.Priority,
			&item.PushRestriction,
			&item.RequiredApprovals,
			&item.RequireTests,
			&threshold,
			&item.MergeRestriction,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan branch rule: %w", err)
		}
		if threshold.Valid {
			value := threshold.Float64
			item.ConsensusThreshold = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branch rules: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertBranchRule(ctx context.Context, item BranchRule) error {
	var threshold any
	if item.ConsensusThreshold != nil {
		threshold = *item.ConsensusThreshold
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branch_rules (
			id, repo_id, pattern, priority, push_restriction, required_approvals, require_tests,
			consensus_threshold, merge_restriction
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (repo_id, pattern) DO UPDATE SET
			priority=EXCLUDED.priority,
			push_restriction=EXCLUDED.push_restriction,
			required_approvals=EXCLUDED.required_approvals,
			require_tests=EXCLUDED.require_tests,
			consensus_threshold=EXCLUDED.consensus_threshold,
			merge_restriction=EXCLUDED.merge_restriction
	`,
		item.ID,
		item.RepoID,
		item.Pattern,
		item.Priority,
		firstNonEmpty(item.PushRestriction, "all"),
		item.RequiredApprovals,
		item.RequireTests,
		threshold,
		firstNonEmpty(item.MergeRestriction, "consensus"),
	)
	if err != nil {
		return fmt.Errorf("upsert branch rule: %w", err)
	}
	return nil
}

// UpsertReview records a vote. The latest vote per (stream, reviewer) wins;
// every vote is also appended to review_events.
func (s *PostgresStore) UpsertReview(ctx context.Context, review Review) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reviews (repo_id, stream_id, reviewer_id, verdict, is_human, tested, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream_id, reviewer_id) DO UPDATE SET
			verdict=EXCLUDED.verdict,
			is_human=EXCLUDED.is_human,
			tested=EXCLUDED.tested,
			comment=EXCLUDED.comment,
			updated_at=NOW()
	`, review.RepoID, review.StreamID, review.ReviewerID, review.Verdict, review.IsHuman, review.Tested, review.Comment); err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO review_events (repo_id, stream_id, reviewer_id, verdict, is_human, tested, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, review.RepoID, review.StreamID, review.ReviewerID, review.Verdict, review.IsHuman, review.Tested, review.Comment); err != nil {
		return fmt.Errorf("insert review event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStreamReviews(ctx context.Context, repoID, streamID string) ([]ReviewVote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.repo_id, r.stream_id, r.reviewer_id, r.verdict, r.is_human, r.tested, r.comment,
			r.created_at, r.updated_at, COALESCE(a.karma, 0), COALESCE(m.role, '')
		FROM reviews r
		LEFT JOIN actors a ON a.id = r.reviewer_id
		LEFT JOIN maintainers m ON m.repo_id = r.repo_id AND m.actor_id = r.reviewer_id
		WHERE r.repo_id=$1 AND r.stream_id=$2
		ORDER BY r.created_at ASC, r.reviewer_id ASC
	`, repoID, streamID)
	if err != nil {
		return nil, fmt.Errorf("list stream reviews: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewVote, 0)
	for rows.Next() {
		var item ReviewVote
		if err := rows.Scan(
			&item.RepoID,
			&item.StreamID,
			&item.ReviewerID,
			&item.Verdict,
			&item.IsHuman,
			&item.Tested,
			&item.Comment,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.Karma,
			&item.MaintainerRole,
		); err != nil {
			return nil, fmt.Errorf("scan stream review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream reviews: %w", err)
	}
	return items, nil
}

// LinkStream maps an external PR number to a stream. The first link wins; the
// returned bool is false when a link for the PR already existed.
func (s *PostgresStore) LinkStream(ctx context.Context, repoID string, prNumber int, streamID string) (StreamLink, bool, error) {
	var item StreamLink
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stream_links (repo_id, pr_number, stream_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, pr_number) DO NOTHING
		RETURNING repo_id, pr_number, stream_id, created_at
	`, repoID, prNumber, streamID).Scan(&item.RepoID, &item.PRNumber, &item.StreamID, &item.CreatedAt)
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StreamLink{}, false, fmt.Errorf("link stream: %w", err)
	}
	existing, err := s.GetStreamLink(ctx, repoID, prNumber)
	if err != nil {
		return StreamLink{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetStreamLink(ctx context.Context, repoID string, prNumber int) (StreamLink, error) {
	var item StreamLink
	err := s.db.QueryRowContext(ctx, `
		SELECT repo_id, pr_number, stream_id, created_at
		FROM stream_links
		WHERE repo_id=$1 AND pr_number=$2
	`, repoID, prNumber).Scan(&item.RepoID, &item.PRNumber, &item.StreamID, &item.CreatedAt)
	if err != nil {
		return StreamLink{}, fmt.Errorf("get stream link: %w", err)
	}
	return item, nil
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	converted := int(value.Int64)
	return &converted
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
