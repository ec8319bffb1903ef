package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"conclave/api/internal/branchrule"
	"conclave/api/internal/consensus"
	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/permission"
	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
	"conclave/api/internal/stream"
)

type ReviewInput struct {
	Verdict string `json:"verdict"`
	Tested  bool   `json:"tested"`
	Comment string `json:"comment"`
}

type ReviewResult struct {
	StreamID  string           `json:"streamId"`
	Verdict   string           `json:"verdict"`
	Consensus consensus.Result `json:"consensus"`
}

// SubmitReview records the caller's verdict on a stream, replacing any earlier
// verdict from the same reviewer, and re-evaluates consensus.
func (s *Service) SubmitReview(ctx context.Context, session Session, repoID, streamID string, in ReviewInput) (ReviewResult, error) {
	verdict := consensus.Verdict(strings.TrimSpace(in.Verdict))
	if !consensus.ValidVerdict(verdict) {
		return ReviewResult{}, validationError("verdict must be approve, reject or request_changes")
	}
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return ReviewResult{}, err
	}
	item, err := s.workspaces.GetStream(ctx, repoID, streamID)
	if err != nil {
		return ReviewResult{}, err
	}
	if item.Status != stream.StatusActive {
		return ReviewResult{}, fmt.Errorf("%w: %s is %s", gitrepo.ErrStreamClosed, item.ID, item.Status)
	}
	if item.AgentID == session.ActorID {
		return ReviewResult{}, domainError(http.StatusUnprocessableEntity, "SELF_REVIEW", "Authors cannot review their own stream", nil)
	}

	if err := s.store.UpsertReview(ctx, store.Review{
		RepoID:     repoID,
		StreamID:   streamID,
		ReviewerID: session.ActorID,
		Verdict:    string(verdict),
		IsHuman:    session.IsHuman,
		Tested:     in.Tested,
		Comment:    strings.TrimSpace(in.Comment),
	}); err != nil {
		return ReviewResult{}, err
	}
	s.logger.Info("review submitted", "repo_id", repoID, "stream_id", streamID, "reviewer_id", session.ActorID, "verdict", verdict)

	result, err := s.consensus.CheckConsensus(ctx, repoID, streamID)
	if err != nil {
		return ReviewResult{}, err
	}
	if result.Reached {
		s.publish(ctx, events.Event{
			Type:     events.TypeConsensusReached,
			Key:      events.Key(events.TypeConsensusReached, repoID, streamID),
			RepoID:   repoID,
			StreamID: streamID,
			Payload:  map[string]any{"reason": result.Reason, "approvals": result.Approvals, "reviews": result.Reviews},
		})
	}
	return ReviewResult{StreamID: streamID, Verdict: string(verdict), Consensus: result}, nil
}

func (s *Service) CheckConsensus(ctx context.Context, session Session, repoID, streamID string) (consensus.Result, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return consensus.Result{}, err
	}
	if _, err := s.workspaces.GetStream(ctx, repoID, streamID); err != nil {
		return consensus.Result{}, err
	}
	return s.consensus.CheckConsensus(ctx, repoID, streamID)
}

// mergeGate applies every check that must pass before a stream may enter the
// buffer: the rule guarding the buffer branch, consensus, and the tested
// approval requirement.
func (s *Service) mergeGate(ctx context.Context, session Session, item stream.Stream) error {
	repo, err := s.store.GetRepository(ctx, item.RepoID)
	if err != nil {
		return err
	}
	rules, err := s.permissions.BranchRules(ctx, item.RepoID)
	if err != nil {
		return err
	}
	rule, guarded := branchrule.Match(repo.BufferBranch, rules)
	if guarded && rule.Merge == branchrule.MergeMaintainers {
		decision, err := s.permissions.CanPerform(ctx, session.ActorID, item.RepoID, rbac.ActionMerge)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			decision.Reason = permission.ReasonMaintainersOnly
			decision.Rule = &rule
			return forbidden(decision)
		}
	}

	result, err := s.consensus.CheckConsensus(ctx, item.RepoID, item.ID)
	if err != nil {
		return err
	}
	if !result.Reached {
		return domainError(http.StatusConflict, "CONSENSUS_NOT_REACHED", "Consensus has not been reached", result)
	}

	if guarded && rule.RequireTests {
		reviews, err := s.store.ListStreamReviews(ctx, item.RepoID, item.ID)
		if err != nil {
			return err
		}
		if !hasTestedApproval(reviews) {
			return domainError(http.StatusConflict, "TESTS_REQUIRED", "A tested approval is required", map[string]any{"rule": rule.Pattern})
		}
	}
	return nil
}

func hasTestedApproval(reviews []store.ReviewVote) bool {
	for _, review := range reviews {
		if consensus.Verdict(review.Verdict) == consensus.VerdictApprove && review.Tested {
			return true
		}
	}
	return false
}

// MergeStream merges an approved stream into the buffer. A conflict is a
// normal outcome carrying the conflicted files.
func (s *Service) MergeStream(ctx context.Context, session Session, repoID, streamID string) (gitrepo.MergeOutcome, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	item, err := s.workspaces.GetStream(ctx, repoID, streamID)
	if err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	switch item.Status {
	case stream.StatusMerged:
		return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeMerged, StreamID: item.ID, Commit: item.MergeCommit, Replayed: true}, nil
	case stream.StatusAbandoned:
		return gitrepo.MergeOutcome{}, fmt.Errorf("%w: %s is abandoned", gitrepo.ErrStreamClosed, item.ID)
	}
	if err := s.mergeGate(ctx, session, item); err != nil {
		return gitrepo.MergeOutcome{}, err
	}

	outcome, err := s.workspaces.MergeToBuffer(ctx, repoID, streamID)
	if err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	s.afterMerge(ctx, session, item, outcome)
	return outcome, nil
}

// ResolveConflict retries a conflicted merge with the supplied file contents.
// The stream owner may resolve; anyone else needs maintain. The merge gate is
// applied again since reviews may have changed since the conflict.
func (s *Service) ResolveConflict(ctx context.Context, session Session, repoID, streamID string, resolutions []gitrepo.Resolution) (gitrepo.MergeOutcome, error) {
	if len(resolutions) == 0 {
		return gitrepo.MergeOutcome{}, validationError("resolutions are required")
	}
	for _, resolution := range resolutions {
		if strings.TrimSpace(resolution.Path) == "" {
			return gitrepo.MergeOutcome{}, validationError("every resolution needs a path")
		}
	}
	item, err := s.workspaces.GetStream(ctx, repoID, streamID)
	if err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	if err := s.authorizeOwnerOr(ctx, session, item, rbac.ActionMerge); err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	if item.Status == stream.StatusMerged {
		return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeMerged, StreamID: item.ID, Commit: item.MergeCommit, Replayed: true}, nil
	}
	if item.Status != stream.StatusActive {
		return gitrepo.MergeOutcome{}, fmt.Errorf("%w: %s is %s", gitrepo.ErrStreamClosed, item.ID, item.Status)
	}
	if err := s.mergeGate(ctx, session, item); err != nil {
		return gitrepo.MergeOutcome{}, err
	}

	outcome, err := s.workspaces.ResolveConflict(ctx, repoID, streamID, resolutions)
	if err != nil {
		return gitrepo.MergeOutcome{}, err
	}
	s.afterMerge(ctx, session, item, outcome)
	return outcome, nil
}

// afterMerge pushes, credits and announces a merge. A replayed merge was
// handled by the call that performed it.
func (s *Service) afterMerge(ctx context.Context, session Session, item stream.Stream, outcome gitrepo.MergeOutcome) {
	if outcome.Replayed {
		return
	}
	switch outcome.Kind {
	case gitrepo.OutcomeMerged:
		state, err := s.workspaces.BufferState(ctx, item.RepoID)
		if err == nil {
			s.workspaces.PushToRemote(ctx, item.RepoID, state.Branch)
		}
		s.adjustKarma(ctx, item.AgentID, mergeKarma)
		if merged, err := s.workspaces.GetStream(ctx, item.RepoID, item.ID); err == nil {
			s.streamChanged(ctx, merged)
		}
		s.publish(ctx, events.Event{
			Type:     events.TypeStreamMerged,
			Key:      events.Key(events.TypeStreamMerged, item.RepoID, item.ID),
			RepoID:   item.RepoID,
			StreamID: item.ID,
			Payload:  map[string]any{"commit": outcome.Commit, "previous": outcome.Previous, "mergedBy": session.ActorID},
		})
	case gitrepo.OutcomeConflict:
		paths := make([]string, 0, len(outcome.Conflicts))
		for _, conflict := range outcome.Conflicts {
			paths = append(paths, conflict.Path)
		}
		s.publish(ctx, events.Event{
			Type:     events.TypeStreamConflicted,
			Key:      events.Key(events.TypeStreamConflicted, item.RepoID, item.ID, outcome.Previous),
			RepoID:   item.RepoID,
			StreamID: item.ID,
			Payload:  map[string]any{"paths": paths, "buffer": outcome.Previous},
		})
	}
}

// Promote fast-forwards the promote target to the buffer tip.
func (s *Service) Promote(ctx context.Context, session Session, repoID string) (gitrepo.Promotion, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionMerge); err != nil {
		return gitrepo.Promotion{}, err
	}
	return s.promote(ctx, repoID, session.ActorID, "")
}

// promote moves the promote target to the buffer tip, or to tested when it
// is given, failing if the buffer has moved past it.
func (s *Service) promote(ctx context.Context, repoID, actorID, tested string) (gitrepo.Promotion, error) {
	var (
		promotion gitrepo.Promotion
		err       error
	)
	if tested != "" {
		promotion, err = s.workspaces.PromoteTested(ctx, repoID, tested)
	} else {
		promotion, err = s.workspaces.Promote(ctx, repoID)
	}
	if err != nil {
		return gitrepo.Promotion{}, err
	}
	if promotion.UpToDate {
		return promotion, nil
	}
	s.workspaces.PushToRemote(ctx, repoID, promotion.Target)
	payload := map[string]any{"target": promotion.Target, "from": promotion.From, "to": promotion.To, "actorId": actorID}
	if s.archive != nil {
		key, err := s.archive.ArchivePromotion(ctx, promotion)
		if err != nil {
			s.logger.Warn("archive promotion failed", "repo_id", repoID, "to", promotion.To, "error", err)
		} else if key != "" {
			payload["archive"] = key
		}
	}
	s.publish(ctx, events.Event{
		Type:    events.TypePromotionCompleted,
		Key:     events.Key(events.TypePromotionCompleted, repoID, promotion.From, promotion.To),
		RepoID:  repoID,
		Payload: payload,
	})
	return promotion, nil
}

type BufferTestInput struct {
	Commit  string `json:"commit"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type BufferTestResult struct {
	Commit    string             `json:"commit"`
	Passed    bool               `json:"passed"`
	Promotion *gitrepo.Promotion `json:"promotion,omitempty"`
	Reverted  string             `json:"reverted,omitempty"`
	Revert    string             `json:"revert,omitempty"`
}

// ReportBufferTest takes a stabilization result for the buffer tip. A pass
// promotes when the repository auto-promotes; a failure reverts the newest
// buffer merge when the repository auto-reverts. Reports for any commit but
// the current tip are stale, including when a merge lands while the report
// is being acted on.
func (s *Service) ReportBufferTest(ctx context.Context, session Session, repoID string, in BufferTestInput) (BufferTestResult, error) {
	commit := strings.TrimSpace(in.Commit)
	if commit == "" {
		return BufferTestResult{}, validationError("commit is required")
	}
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return BufferTestResult{}, err
	}
	repo, err := s.store.GetRepository(ctx, repoID)
	if err != nil {
		return BufferTestResult{}, err
	}
	state, err := s.workspaces.BufferState(ctx, repoID)
	if err != nil {
		return BufferTestResult{}, err
	}
	if state.Commit != commit {
		return BufferTestResult{}, domainError(http.StatusConflict, "STALE_BUFFER", "Report is not for the current buffer tip", map[string]any{
			"commit": commit,
			"buffer": state.Commit,
		})
	}

	result := BufferTestResult{Commit: commit, Passed: in.Passed}
	s.logger.Info("buffer test reported", "repo_id", repoID, "commit", commit, "passed", in.Passed, "actor_id", session.ActorID)

	if in.Passed {
		if !repo.AutoPromote {
			return result, nil
		}
		promotion, err := s.promote(ctx, repoID, session.ActorID, commit)
		if err != nil {
			return BufferTestResult{}, err
		}
		result.Promotion = &promotion
		return result, nil
	}

	if !repo.AutoRevert {
		return result, nil
	}
	latest, revert, err := s.workspaces.RevertTested(ctx, repoID, commit)
	if err != nil {
		return BufferTestResult{}, err
	}
	s.workspaces.PushToRemote(ctx, repoID, state.Branch)
	if item, err := s.workspaces.GetStream(ctx, repoID, latest.StreamID); err == nil {
		s.adjustKarma(ctx, item.AgentID, revertKarma)
	}
	s.publish(ctx, events.Event{
		Type:     events.TypeBufferReverted,
		Key:      events.Key(events.TypeBufferReverted, repoID, latest.StreamID),
		RepoID:   repoID,
		StreamID: latest.StreamID,
		Payload:  map[string]any{"merge": latest.Commit, "revert": revert, "testedCommit": commit, "details": strings.TrimSpace(in.Details)},
	})
	result.Reverted = latest.StreamID
	result.Revert = revert
	return result, nil
}
