// Package consensus decides whether a stream's reviews are enough to merge
// under a repository's governance mode.
package consensus

import (
	"errors"
	"fmt"
	"math"
)

type Governance string

const (
	GovernanceSolo  Governance = "solo"
	GovernanceGuild Governance = "guild"
	GovernanceOpen  Governance = "open"
)

type MergeMode string

const (
	MergeModeConsensus MergeMode = "consensus"
	MergeModeSwarm     MergeMode = "swarm"
)

type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictReject         Verdict = "reject"
	VerdictRequestChanges Verdict = "request_changes"
)

const (
	ReasonSwarmMode           = "swarm_mode"
	ReasonInsufficientReviews = "insufficient_reviews"
	ReasonAwaitingOwner       = "awaiting_owner"
	ReasonOwnerApproved       = "owner_approved"
	ReasonNoMaintainerReviews = "no_maintainer_reviews"
	ReasonNoReviews           = "no_reviews"
	ReasonBelowThreshold      = "below_threshold"
	ReasonThresholdMet        = "threshold_met"
)

var ErrUnknownGovernance = errors.New("unknown governance mode")

func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictRequestChanges:
		return true
	default:
		return false
	}
}

type Vote struct {
	ReviewerID   string  `json:"reviewerId"`
	Verdict      Verdict `json:"verdict"`
	IsHuman      bool    `json:"isHuman"`
	Tested       bool    `json:"tested"`
	Karma        int     `json:"karma"`
	IsMaintainer bool    `json:"isMaintainer"`
}

// Approves reports whether the vote counts toward approval. Anything else,
// request_changes included, counts as a rejection.
func (v Vote) Approves() bool {
	return v.Verdict == VerdictApprove
}

type Config struct {
	Governance        Governance `json:"governance"`
	MergeMode         MergeMode  `json:"mergeMode"`
	Threshold         float64    `json:"threshold"`
	MinReviews        int        `json:"minReviews"`
	HumanReviewWeight float64    `json:"humanReviewWeight"`
}

// Result carries the decision and the numbers that produced it. Ratio and
// Threshold are rounded to two decimals for display; the decision itself is
// made at full precision.
type Result struct {
	Reached         bool       `json:"reached"`
	Reason          string     `json:"reason"`
	Governance      Governance `json:"governance"`
	Ratio           *float64   `json:"ratio,omitempty"`
	Threshold       *float64   `json:"threshold,omitempty"`
	Reviews         int        `json:"reviews"`
	MinReviews      int        `json:"minReviews"`
	Approvals       int        `json:"approvals"`
	Rejections      int        `json:"rejections"`
	ApprovalWeight  float64    `json:"approvalWeight,omitempty"`
	RejectionWeight float64    `json:"rejectionWeight,omitempty"`
}

type Strategy interface {
	Governance() Governance
	Compute(votes []Vote, cfg Config) Result
}

func StrategyFor(governance Governance) (Strategy, error) {
	switch governance {
	case GovernanceSolo:
		return Solo{}, nil
	case GovernanceGuild:
		return Guild{}, nil
	case GovernanceOpen:
		return Open{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownGovernance, governance)
	}
}

// Evaluate applies the mode-independent gates, then the governance strategy.
func Evaluate(votes []Vote, cfg Config) (Result, error) {
	strategy, err := StrategyFor(cfg.Governance)
	if err != nil {
		return Result{}, err
	}

	approvals, rejections := tally(votes)
	base := Result{
		Governance: cfg.Governance,
		Reviews:    len(votes),
		MinReviews: cfg.MinReviews,
		Approvals:  approvals,
		Rejections: rejections,
	}
	if cfg.MergeMode == MergeModeSwarm {
		base.Reached, base.Reason = true, ReasonSwarmMode
		return base, nil
	}
	if len(votes) < cfg.MinReviews {
		base.Reason = ReasonInsufficientReviews
		return base, nil
	}

	result := strategy.Compute(votes, cfg)
	result.Governance = cfg.Governance
	result.Reviews = len(votes)
	result.MinReviews = cfg.MinReviews
	return result, nil
}

func tally(votes []Vote) (int, int) {
	approvals, rejections := 0, 0
	for _, vote := range votes {
		if vote.Approves() {
			approvals++
		} else {
			rejections++
		}
	}
	return approvals, rejections
}

func round2(value float64) *float64 {
	rounded := math.Round(value*100) / 100
	return &rounded
}
