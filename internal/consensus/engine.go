package consensus

import (
	"context"
	"fmt"

	"conclave/api/internal/branchrule"
	"conclave/api/internal/permission"
	"conclave/api/internal/store"
)

type Store interface {
	GetRepository(ctx context.Context, repoID string) (store.Repository, error)
	ListStreamReviews(ctx context.Context, repoID, streamID string) ([]store.ReviewVote, error)
	ListBranchRules(ctx context.Context, repoID string) ([]store.BranchRule, error)
}

// Engine reads governance settings and reviews from the relational store and
// evaluates them. It keeps no state between calls.
type Engine struct {
	store Store
}

func NewEngine(s Store) *Engine {
	return &Engine{store: s}
}

func (e *Engine) CheckConsensus(ctx context.Context, repoID, streamID string) (Result, error) {
	repo, err := e.store.GetRepository(ctx, repoID)
	if err != nil {
		return Result{}, fmt.Errorf("load repository: %w", err)
	}
	rows, err := e.store.ListBranchRules(ctx, repoID)
	if err != nil {
		return Result{}, fmt.Errorf("load branch rules: %w", err)
	}
	reviews, err := e.store.ListStreamReviews(ctx, repoID, streamID)
	if err != nil {
		return Result{}, fmt.Errorf("load reviews: %w", err)
	}

	var rule *branchrule.Rule
	if matched, ok := branchrule.Match(repo.BufferBranch, branchrule.Sort(permission.ToRules(rows))); ok {
		rule = &matched
	}
	return Evaluate(VotesFrom(reviews), ConfigFor(repo, rule))
}

// ConfigFor builds the evaluation config for a repository. A rule guarding
// the buffer branch may override the threshold and raise the review minimum.
func ConfigFor(repo store.Repository, rule *branchrule.Rule) Config {
	cfg := Config{
		Governance:        Governance(repo.Governance),
		MergeMode:         MergeMode(repo.MergeMode),
		Threshold:         repo.ConsensusThreshold,
		MinReviews:        repo.MinReviews,
		HumanReviewWeight: repo.HumanReviewWeight,
	}
	if rule != nil {
		if rule.ConsensusThreshold != nil {
			cfg.Threshold = *rule.ConsensusThreshold
		}
		if rule.RequiredApprovals > cfg.MinReviews {
			cfg.MinReviews = rule.RequiredApprovals
		}
	}
	return cfg
}

func VotesFrom(reviews []store.ReviewVote) []Vote {
	votes := make([]Vote, 0, len(reviews))
	for _, review := range reviews {
		votes = append(votes, Vote{
			ReviewerID:   review.ReviewerID,
			Verdict:      Verdict(review.Verdict),
			IsHuman:      review.IsHuman,
			Tested:       review.Tested,
			Karma:        review.Karma,
			IsMaintainer: review.MaintainerRole != "",
		})
	}
	return votes
}
