package consensus

import "math"

// Solo merges on any maintainer or owner approval.
type Solo struct{}

func (Solo) Governance() Governance { return GovernanceSolo }

func (Solo) Compute(votes []Vote, _ Config) Result {
	approvals, rejections := tally(votes)
	result := Result{Approvals: approvals, Rejections: rejections}
	for _, vote := range votes {
		if vote.IsMaintainer && vote.Approves() {
			result.Reached, result.Reason = true, ReasonOwnerApproved
			return result
		}
	}
	result.Reason = ReasonAwaitingOwner
	return result
}

// Guild counts maintainer votes only.
type Guild struct{}

func (Guild) Governance() Governance { return GovernanceGuild }

func (Guild) Compute(votes []Vote, cfg Config) Result {
	result := Result{Threshold: round2(cfg.Threshold)}
	for _, vote := range votes {
		if !vote.IsMaintainer {
			continue
		}
		if vote.Approves() {
			result.Approvals++
		} else {
			result.Rejections++
		}
	}
	total := result.Approvals + result.Rejections
	if total == 0 {
		result.Reason = ReasonNoMaintainerReviews
		return result
	}
	ratio := float64(result.Approvals) / float64(total)
	result.Ratio = round2(ratio)
	result.Reached = ratio >= cfg.Threshold
	result.Reason = thresholdReason(result.Reached)
	return result
}

// Open weighs every vote: agents by sqrt(karma+1), humans by the configured
// human review weight.
type Open struct{}

func (Open) Governance() Governance { return GovernanceOpen }

func (Open) Compute(votes []Vote, cfg Config) Result {
	result := Result{Threshold: round2(cfg.Threshold)}
	var approve, reject float64
	for _, vote := range votes {
		weight := Weight(vote, cfg.HumanReviewWeight)
		if vote.Approves() {
			result.Approvals++
			approve += weight
		} else {
			result.Rejections++
			reject += weight
		}
	}
	result.ApprovalWeight = approve
	result.RejectionWeight = reject
	total := approve + reject
	if total <= 0 {
		result.Reason = ReasonNoReviews
		return result
	}
	ratio := approve / total
	result.Ratio = round2(ratio)
	result.Reached = ratio >= cfg.Threshold
	result.Reason = thresholdReason(result.Reached)
	return result
}

// Weight is a single vote's influence under open governance. Negative karma
// weighs the same as zero.
func Weight(vote Vote, humanWeight float64) float64 {
	if vote.IsHuman {
		return humanWeight
	}
	karma := vote.Karma
	if karma < 0 {
		karma = 0
	}
	return math.Sqrt(float64(karma) + 1)
}

func thresholdReason(reached bool) string {
	if reached {
		return ReasonThresholdMet
	}
	return ReasonBelowThreshold
}
