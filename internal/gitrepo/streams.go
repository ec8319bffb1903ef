package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"conclave/api/internal/statedb"
	"conclave/api/internal/stream"
	"conclave/api/internal/util"
)

type CreateStreamInput struct {
	AgentID        string
	Title          string
	BaseBranch     string
	ParentStreamID string
}

// CreateStream branches a new stream from the parent stream's tip when
// forking, otherwise from BaseBranch or the buffer branch, and points the
// agent's worktree at it. Forks do not carry over the parent's reviews.
func (s *Service) CreateStream(ctx context.Context, repoID string, in CreateStreamInput) (stream.Stream, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return stream.Stream{}, errors.New("create stream: agent id is required")
	}

	var created stream.Stream
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		baseBranch := in.BaseBranch
		if in.ParentStreamID != "" {
			parent, err := ws.state.GetStream(ctx, in.ParentStreamID)
			if err != nil {
				return streamLookupError(err, in.ParentStreamID)
			}
			baseBranch = parent.Branch
		}
		if baseBranch == "" {
			baseBranch = ws.buffer
		}

		baseCommit, err := s.revParse(ctx, ws.path, "refs/heads/"+baseBranch)
		if err != nil {
			return fmt.Errorf("resolve base branch %s: %w", baseBranch, err)
		}

		id := util.NewID("str")
		branch := stream.BranchName(in.AgentID, id)
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "branch", branch, baseCommit); err != nil {
			return fmt.Errorf("create stream branch: %w", err)
		}

		now := s.now()
		created = stream.Stream{
			ID:         id,
			RepoID:     repoID,
			AgentID:    in.AgentID,
			Title:      strings.TrimSpace(in.Title),
			Branch:     branch,
			BaseBranch: baseBranch,
			BaseCommit: baseCommit,
			ParentID:   in.ParentStreamID,
			Status:     stream.StatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		agentLock := s.agentLock(repoID, in.AgentID)
		agentLock.Lock()
		defer agentLock.Unlock()
		if err := s.attachWorktree(ctx, ws, in.AgentID, created); err != nil {
			s.dropBranch(ws, branch)
			return err
		}
		return nil
	})
	if err != nil {
		return stream.Stream{}, err
	}
	s.logger.Info("stream created", "repo_id", repoID, "stream_id", created.ID, "agent_id", created.AgentID, "base", created.BaseBranch)
	return created, nil
}

// attachWorktree points the agent's worktree at the stream branch, creating
// the worktree on first use and retargeting it afterwards, then records the
// stream. If recording fails the worktree is put back as it was.
func (s *Service) attachWorktree(ctx context.Context, ws *workspace, agentID string, item stream.Stream) error {
	path := s.worktreePath(ws, agentID)
	previous := ""
	existing, err := ws.state.GetWorktree(ctx, agentID)
	switch {
	case err == nil:
		path = existing.Path
		previous = existing.Branch
	case !errors.Is(err, statedb.ErrNotFound):
		return err
	}
	author := agentIdentity(agentID)

	added := false
	if _, err := os.Stat(path); err == nil {
		if _, err := s.git(ctx, path, author, "checkout", "-q", "-f", item.Branch); err != nil {
			return fmt.Errorf("retarget worktree: %w", err)
		}
		if _, err := s.git(ctx, path, author, "clean", "-q", "-f", "-d"); err != nil {
			s.undoAttach(ws, agentID, path, previous, false)
			return fmt.Errorf("clean worktree: %w", err)
		}
	} else {
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "worktree", "prune"); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "worktree", "add", "-q", path, item.Branch); err != nil {
			return fmt.Errorf("add worktree: %w", err)
		}
		added = true
	}

	if err := ws.state.StartStream(ctx, item, statedb.Worktree{
		AgentID:  agentID,
		Path:     path,
		Branch:   item.Branch,
		StreamID: item.ID,
	}); err != nil {
		s.undoAttach(ws, agentID, path, previous, added)
		return err
	}
	return nil
}

// undoAttach removes a worktree added for a stream that could not be
// recorded, or moves a retargeted one back to its previous branch.
func (s *Service) undoAttach(ws *workspace, agentID, path, previous string, added bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()
	var err error
	if added || previous == "" {
		_, err = s.git(ctx, ws.path, s.serviceIdentity(), "worktree", "remove", "--force", path)
	} else {
		_, err = s.git(ctx, path, agentIdentity(agentID), "checkout", "-q", "-f", previous)
	}
	if err != nil {
		s.logger.Warn("undo worktree attach failed", "repo_id", ws.id, "agent_id", agentID, "error", err)
	}
}

func (s *Service) dropBranch(ws *workspace, branch string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "branch", "-q", "-D", branch); err != nil {
		s.logger.Warn("drop stream branch failed", "repo_id", ws.id, "branch", branch, "error", err)
	}
}

func (s *Service) GetStream(ctx context.Context, repoID, streamID string) (stream.Stream, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return stream.Stream{}, err
	}
	item, err := ws.state.GetStream(ctx, streamID)
	if err != nil {
		return stream.Stream{}, streamLookupError(err, streamID)
	}
	return item, nil
}

func (s *Service) ListStreams(ctx context.Context, repoID string, filter statedb.StreamFilter) ([]stream.Stream, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return ws.state.ListStreams(ctx, filter)
}

func (s *Service) SearchStreams(ctx context.Context, repoID, query string, limit int) ([]stream.Stream, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return ws.state.SearchStreams(ctx, query, limit)
}

// AbandonStream closes an active stream. The branch is kept.
func (s *Service) AbandonStream(ctx context.Context, repoID, streamID, reason string) (stream.Stream, error) {
	var abandoned stream.Stream
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		var err error
		abandoned, err = s.abandonLocked(ctx, ws, streamID, reason)
		return err
	})
	return abandoned, err
}

// AbandonInactive abandons every active stream with no activity for idle.
func (s *Service) AbandonInactive(ctx context.Context, repoID string, idle time.Duration) ([]stream.Stream, error) {
	var abandoned []stream.Stream
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		stale, err := ws.state.ListIdle(ctx, s.now().Add(-idle))
		if err != nil {
			return err
		}
		for _, item := range stale {
			closed, err := s.abandonLocked(ctx, ws, item.ID, fmt.Sprintf("inactive for %s", idle))
			if err != nil {
				if errors.Is(err, ErrStreamClosed) {
					continue
				}
				return err
			}
			abandoned = append(abandoned, closed)
		}
		return nil
	})
	return abandoned, err
}

func (s *Service) abandonLocked(ctx context.Context, ws *workspace, streamID, reason string) (stream.Stream, error) {
	closed, err := ws.state.MarkAbandoned(ctx, streamID, reason, s.now())
	if err != nil {
		if errors.Is(err, stream.ErrTerminal) {
			return closed, fmt.Errorf("%w: %s is %s", ErrStreamClosed, streamID, closed.Status)
		}
		return stream.Stream{}, streamLookupError(err, streamID)
	}
	if err := ws.state.DetachStream(ctx, closed.AgentID, closed.ID); err != nil {
		return stream.Stream{}, err
	}
	s.logger.Info("stream abandoned", "repo_id", ws.id, "stream_id", streamID, "reason", reason)
	return closed, nil
}

func streamLookupError(err error, streamID string) error {
	if errors.Is(err, statedb.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
	}
	return err
}

// AgentStream returns the stream the agent's worktree is on.
func (s *Service) AgentStream(ctx context.Context, repoID, agentID string) (stream.Stream, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return stream.Stream{}, err
	}
	wt, err := s.agentWorktree(ctx, ws, agentID)
	if err != nil {
		return stream.Stream{}, err
	}
	if wt.StreamID == "" {
		return stream.Stream{}, fmt.Errorf("%w: agent %s", ErrNoActiveStream, agentID)
	}
	item, err := ws.state.GetStream(ctx, wt.StreamID)
	if err != nil {
		return stream.Stream{}, streamLookupError(err, wt.StreamID)
	}
	return item, nil
}
