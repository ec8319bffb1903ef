package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"conclave/api/internal/statedb"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type Promotion struct {
	RepoID   string `json:"repoId"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	From     string `json:"from"`
	To       string `json:"to"`
	UpToDate bool   `json:"upToDate"`
	Recorded bool   `json:"recorded"`
}

type BufferState struct {
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	PromoteTarget string `json:"promoteTarget"`
	TrunkCommit   string `json:"trunkCommit"`
	Ahead         bool   `json:"ahead"`
}

// Promote fast-forwards the promote target to the buffer tip. It never
// creates a merge commit: if the target is not an ancestor of the buffer the
// promotion fails with ErrPromotionDiverged and the target is left as is.
func (s *Service) Promote(ctx context.Context, repoID string) (Promotion, error) {
	return s.promote(ctx, repoID, "")
}

// PromoteTested promotes only if the buffer tip is still tested, the commit a
// stabilization run validated. Otherwise it fails with ErrStaleBuffer and
// nothing moves.
func (s *Service) PromoteTested(ctx context.Context, repoID, tested string) (Promotion, error) {
	if tested == "" {
		return Promotion{}, fmt.Errorf("%w: no tested commit given", ErrStaleBuffer)
	}
	return s.promote(ctx, repoID, tested)
}

func (s *Service) promote(ctx context.Context, repoID, expected string) (Promotion, error) {
	var result Promotion
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		repo, err := git.PlainOpen(ws.path)
		if err != nil {
			return fmt.Errorf("open repo: %w", err)
		}
		bufferHash, err := branchTip(repo, ws.buffer)
		if err != nil {
			return err
		}
		if expected != "" && bufferHash.String() != expected {
			return fmt.Errorf("%w: %s is at %s, tested %s", ErrStaleBuffer, ws.buffer, bufferHash.String(), expected)
		}
		trunkHash, err := branchTip(repo, ws.trunk)
		if err != nil {
			return err
		}

		result = Promotion{
			RepoID: repoID,
			Source: ws.buffer,
			Target: ws.trunk,
			From:   trunkHash.String(),
			To:     bufferHash.String(),
		}
		if bufferHash == trunkHash {
			result.UpToDate = true
			return nil
		}

		ancestor, err := isAncestor(repo, trunkHash, bufferHash)
		if err != nil {
			return err
		}
		if !ancestor {
			return fmt.Errorf("%w: %s at %s is not an ancestor of %s at %s",
				ErrPromotionDiverged, ws.trunk, trunkHash.String()[:7], ws.buffer, bufferHash.String()[:7])
		}

		// update-ref with the old value is a compare-and-swap on the trunk ref.
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "update-ref",
			"-m", "promote "+ws.buffer,
			"refs/heads/"+ws.trunk, bufferHash.String(), trunkHash.String()); err != nil {
			return fmt.Errorf("fast-forward %s: %w", ws.trunk, err)
		}

		result.Recorded, err = ws.state.InsertPromotion(ctx, statedb.PromotionRecord{
			SourceBranch: ws.buffer,
			TargetBranch: ws.trunk,
			FromCommit:   result.From,
			ToCommit:     result.To,
			PromotedAt:   s.now(),
		})
		return err
	})
	if err != nil {
		return Promotion{}, err
	}
	if !result.UpToDate {
		s.logger.Info("buffer promoted", "repo_id", repoID, "target", result.Target, "from", result.From, "to", result.To)
	}
	return result, nil
}

func isAncestor(repo *git.Repository, ancestor, descendant plumbing.Hash) (bool, error) {
	ancestorCommit, err := repo.CommitObject(ancestor)
	if err != nil {
		return false, fmt.Errorf("load commit %s: %w", ancestor, err)
	}
	descendantCommit, err := repo.CommitObject(descendant)
	if err != nil {
		return false, fmt.Errorf("load commit %s: %w", descendant, err)
	}
	ok, err := ancestorCommit.IsAncestor(descendantCommit)
	if err != nil {
		return false, fmt.Errorf("check ancestry: %w", err)
	}
	return ok, nil
}

// BufferState reports the buffer and trunk tips. It waits for any in-flight
// merge so it never reports a half-merged buffer.
func (s *Service) BufferState(ctx context.Context, repoID string) (BufferState, error) {
	var state BufferState
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		repo, err := git.PlainOpen(ws.path)
		if err != nil {
			return fmt.Errorf("open repo: %w", err)
		}
		bufferHash, err := branchTip(repo, ws.buffer)
		if err != nil {
			return err
		}
		trunkHash, err := branchTip(repo, ws.trunk)
		if err != nil {
			return err
		}
		state = BufferState{
			Branch:        ws.buffer,
			Commit:        bufferHash.String(),
			PromoteTarget: ws.trunk,
			TrunkCommit:   trunkHash.String(),
			Ahead:         bufferHash != trunkHash,
		}
		return nil
	})
	return state, err
}

// PushToRemote pushes branch to origin. It is best effort: a missing remote
// or a failed push is logged and reported as false.
func (s *Service) PushToRemote(ctx context.Context, repoID, branch string) bool {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		s.logger.Warn("push skipped", "repo_id", repoID, "error", err)
		return false
	}
	repo, err := git.PlainOpen(ws.path)
	if err != nil {
		s.logger.Warn("push skipped", "repo_id", repoID, "error", err)
		return false
	}
	if _, err := repo.Remote(defaultRemote); err != nil {
		if !errors.Is(err, git.ErrRemoteNotFound) {
			s.logger.Warn("push skipped", "repo_id", repoID, "error", err)
		}
		return false
	}
	ref := "refs/heads/" + branch
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "push", "--porcelain", defaultRemote, ref+":"+ref); err != nil {
		s.logger.Warn("push failed", "repo_id", repoID, "branch", branch, "error", err)
		return false
	}
	s.logger.Info("pushed", "repo_id", repoID, "branch", branch)
	return true
}

func (s *Service) History(ctx context.Context, repoID, branch string, limit int) ([]CommitInfo, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = ws.buffer
	}
	repo, err := git.PlainOpen(ws.path)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := branchTip(repo, branch)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Bundle writes a git bundle of branch to dst.
func (s *Service) Bundle(ctx context.Context, repoID, branch, dst string) error {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return err
	}
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "bundle", "create", dst, "refs/heads/"+branch); err != nil {
		return fmt.Errorf("bundle %s: %w", branch, err)
	}
	return nil
}

func (s *Service) Promotions(ctx context.Context, repoID string, limit int) ([]statedb.PromotionRecord, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return ws.state.ListPromotions(ctx, limit)
}

func (s *Service) SetPromotionArchive(ctx context.Context, repoID, from, to, key string) error {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return err
	}
	return ws.state.SetPromotionArchive(ctx, from, to, key)
}
