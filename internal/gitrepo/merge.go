package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"conclave/api/internal/statedb"
	"conclave/api/internal/stream"
)

type OutcomeKind string

const (
	OutcomeMerged   OutcomeKind = "merged"
	OutcomeConflict OutcomeKind = "conflict"
	OutcomeFailed   OutcomeKind = "failed"
)

// MergeOutcome is the result of merging a stream into the buffer. Conflicts
// and git failures are outcomes, not errors; errors are reserved for
// problems reaching the repository or its state. Replayed marks a stream that
// was already merged by an earlier call; nothing changed this time.
type MergeOutcome struct {
	Kind      OutcomeKind    `json:"outcome"`
	StreamID  string         `json:"streamId"`
	Commit    string         `json:"commit,omitempty"`
	Previous  string         `json:"previous,omitempty"`
	Conflicts []ConflictFile `json:"conflicts,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Replayed  bool           `json:"replayed,omitempty"`
}

// ConflictFile holds the three sides of a conflicted path. Ours is the
// buffer, theirs is the stream. A side is empty when the file does not exist
// on it.
type ConflictFile struct {
	Path   string `json:"path"`
	Base   string `json:"base"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

type Resolution struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// MergeToBuffer merges the stream branch into the buffer with --no-ff. On
// conflict the three-way content of each conflicted path is collected and the
// merge is aborted, leaving the buffer tip unchanged.
func (s *Service) MergeToBuffer(ctx context.Context, repoID, streamID string) (MergeOutcome, error) {
	var outcome MergeOutcome
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		var err error
		outcome, err = s.merge(ctx, ws, streamID, nil)
		return err
	})
	return outcome, err
}

// ResolveConflict re-runs the stream's merge and, if it conflicts again,
// applies the given resolutions and commits the merge. If the stream is
// already merged the existing merge is reported and nothing is redone.
func (s *Service) ResolveConflict(ctx context.Context, repoID, streamID string, resolutions []Resolution) (MergeOutcome, error) {
	if len(resolutions) == 0 {
		return MergeOutcome{}, errors.New("resolve conflict: at least one resolution is required")
	}
	var outcome MergeOutcome
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		var err error
		outcome, err = s.merge(ctx, ws, streamID, resolutions)
		return err
	})
	return outcome, err
}

func (s *Service) merge(ctx context.Context, ws *workspace, streamID string, resolutions []Resolution) (MergeOutcome, error) {
	item, err := ws.state.GetStream(ctx, streamID)
	if err != nil {
		return MergeOutcome{}, streamLookupError(err, streamID)
	}
	switch item.Status {
	case stream.StatusMerged:
		return MergeOutcome{Kind: OutcomeMerged, StreamID: item.ID, Commit: item.MergeCommit, Replayed: true}, nil
	case stream.StatusAbandoned:
		return MergeOutcome{}, fmt.Errorf("%w: %s is abandoned", ErrStreamClosed, item.ID)
	}

	if err := s.checkoutBuffer(ctx, ws); err != nil {
		return MergeOutcome{}, err
	}
	defer s.abortMerge(ws)

	before, err := s.revParse(ctx, ws.path, "HEAD")
	if err != nil {
		return MergeOutcome{}, err
	}
	outcome := MergeOutcome{StreamID: item.ID, Previous: before}

	message := fmt.Sprintf("Merge stream %s into %s", item.ID, ws.buffer)
	if item.Title != "" {
		message += "\n\n" + item.Title
	}
	_, mergeErr := s.git(ctx, ws.path, s.serviceIdentity(), "merge", "--no-ff", "--no-edit", "-m", message, "refs/heads/"+item.Branch)
	resolved := false
	if mergeErr != nil {
		conflicted, err := s.conflictedPaths(ctx, ws)
		if err != nil || len(conflicted) == 0 {
			outcome.Kind = OutcomeFailed
			outcome.Reason = mergeErr.Error()
			s.logger.Warn("merge failed", "repo_id", ws.id, "stream_id", item.ID, "error", mergeErr)
			return outcome, nil
		}

		if resolutions == nil {
			outcome.Kind = OutcomeConflict
			outcome.Conflicts, err = s.collectConflicts(ctx, ws, conflicted)
			if err != nil {
				return MergeOutcome{}, err
			}
			s.logger.Info("merge conflict", "repo_id", ws.id, "stream_id", item.ID, "paths", len(conflicted))
			return outcome, nil
		}

		remaining, err := s.applyResolutions(ctx, ws, resolutions)
		if err != nil {
			return MergeOutcome{}, err
		}
		if len(remaining) > 0 {
			outcome.Kind = OutcomeConflict
			outcome.Reason = "unresolved paths remain"
			outcome.Conflicts, err = s.collectConflicts(ctx, ws, remaining)
			if err != nil {
				return MergeOutcome{}, err
			}
			return outcome, nil
		}
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "commit", "-q", "--no-verify", "--no-edit"); err != nil {
			outcome.Kind = OutcomeFailed
			outcome.Reason = err.Error()
			return outcome, nil
		}
		resolved = true
	}

	after, err := s.revParse(ctx, ws.path, "HEAD")
	if err != nil {
		return MergeOutcome{}, err
	}
	if err := s.recordMerge(ctx, ws, item, before, after, resolved); err != nil {
		return MergeOutcome{}, err
	}
	outcome.Kind = OutcomeMerged
	outcome.Commit = after
	s.logger.Info("stream merged", "repo_id", ws.id, "stream_id", item.ID, "commit", after, "resolved", resolved)
	return outcome, nil
}

func (s *Service) recordMerge(ctx context.Context, ws *workspace, item stream.Stream, before, after string, resolved bool) error {
	now := s.now()
	if _, err := ws.state.InsertMergeRecord(ctx, statedb.MergeRecord{
		StreamID:     item.ID,
		Branch:       item.Branch,
		BufferBranch: ws.buffer,
		FromCommit:   before,
		Commit:       after,
		Resolved:     resolved,
		MergedAt:     now,
	}); err != nil {
		return err
	}
	if _, err := ws.state.MarkMerged(ctx, item.ID, after, now); err != nil {
		return err
	}
	return ws.state.DetachStream(ctx, item.AgentID, item.ID)
}

func (s *Service) conflictedPaths(ctx context.Context, ws *workspace) ([]string, error) {
	out, err := s.git(ctx, ws.path, s.serviceIdentity(), "diff", "--name-only", "-z", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	paths := make([]string, 0)
	for _, name := range strings.Split(out, "\x00") {
		if name != "" {
			paths = append(paths, name)
		}
	}
	return paths, nil
}

func (s *Service) collectConflicts(ctx context.Context, ws *workspace, paths []string) ([]ConflictFile, error) {
	files := make([]ConflictFile, 0, len(paths))
	for _, path := range paths {
		files = append(files, ConflictFile{
			Path:   path,
			Base:   s.stageContent(ctx, ws, 1, path),
			Ours:   s.stageContent(ctx, ws, 2, path),
			Theirs: s.stageContent(ctx, ws, 3, path),
		})
	}
	return files, nil
}

// stageContent reads one index stage of a conflicted path. A missing stage
// means the file is absent on that side.
func (s *Service) stageContent(ctx context.Context, ws *workspace, stage int, path string) string {
	out, err := s.gitRaw(ctx, ws.path, s.serviceIdentity(), "show", fmt.Sprintf(":%d:%s", stage, path))
	if err != nil {
		return ""
	}
	return string(out)
}

// applyResolutions writes and stages each resolution inside the clone and
// returns the paths still unmerged.
func (s *Service) applyResolutions(ctx context.Context, ws *workspace, resolutions []Resolution) ([]string, error) {
	for _, resolution := range resolutions {
		full, rel, err := resolvePath(ws.path, resolution.Path)
		if err != nil {
			return nil, err
		}
		if rel == stateDirName || strings.HasPrefix(rel, stateDirName+"/") || rel == worktreesDir || strings.HasPrefix(rel, worktreesDir+"/") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, resolution.Path)
		}
		if resolution.Delete {
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove %s: %w", rel, err)
			}
			if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "rm", "-q", "--cached", "--ignore-unmatch", "--", rel); err != nil {
				return nil, fmt.Errorf("stage removal of %s: %w", rel, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("create parent dir: %w", err)
		}
		if err := os.WriteFile(full, []byte(resolution.Content), 0o644); err != nil {
			return nil, fmt.Errorf("write resolution %s: %w", rel, err)
		}
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "add", "--", rel); err != nil {
			return nil, fmt.Errorf("stage resolution %s: %w", rel, err)
		}
	}
	return s.conflictedPaths(ctx, ws)
}

// RevertTested reverts the newest unreverted buffer merge, provided the buffer
// tip is still tested, the commit a failing stabilization run validated. The
// merge is chosen under the same lock, so it is always part of tested.
func (s *Service) RevertTested(ctx context.Context, repoID, tested string) (statedb.MergeRecord, string, error) {
	var (
		record statedb.MergeRecord
		revert string
	)
	err := s.withRepoLock(ctx, repoID, func(ws *workspace) error {
		tip, err := s.revParse(ctx, ws.path, "refs/heads/"+ws.buffer)
		if err != nil {
			return err
		}
		if tip != tested {
			return fmt.Errorf("%w: %s is at %s, tested %s", ErrStaleBuffer, ws.buffer, tip, tested)
		}
		record, err = ws.state.LatestMergeRecord(ctx, ws.buffer)
		if err != nil {
			return fmt.Errorf("find merge to revert: %w", err)
		}
		revert, err = s.revertLocked(ctx, ws, record)
		return err
	})
	if err != nil {
		return statedb.MergeRecord{}, "", err
	}
	s.logger.Info("buffer merge reverted", "repo_id", repoID, "stream_id", record.StreamID, "commit", revert, "tested", tested)
	return record, revert, nil
}

func (s *Service) revertLocked(ctx context.Context, ws *workspace, record statedb.MergeRecord) (string, error) {
	if record.RevertedBy != "" {
		return record.RevertedBy, nil
	}
	if record.Commit == record.FromCommit {
		return "", fmt.Errorf("revert %s: merge introduced no commit", record.StreamID)
	}

	if err := s.checkoutBuffer(ctx, ws); err != nil {
		return "", err
	}
	message := fmt.Sprintf("Revert stream %s from %s", record.StreamID, ws.buffer)
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "revert", "--no-commit", "-m", "1", record.Commit); err != nil {
		s.abortRevert(ws)
		return "", fmt.Errorf("revert %s: %w", record.StreamID, err)
	}
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "commit", "-q", "--no-verify", "-m", message); err != nil {
		s.abortRevert(ws)
		return "", fmt.Errorf("commit revert: %w", err)
	}
	revert, err := s.revParse(ctx, ws.path, "HEAD")
	if err != nil {
		return "", err
	}
	if err := ws.state.MarkReverted(ctx, record.StreamID, revert); err != nil {
		return "", err
	}
	return revert, nil
}

func (s *Service) MergeRecords(ctx context.Context, repoID string, limit int) ([]statedb.MergeRecord, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return ws.state.ListMergeRecords(ctx, limit)
}

func (s *Service) abortRevert(ws *workspace) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "revert", "--abort"); err != nil {
		s.logger.Warn("revert abort failed", "repo_id", ws.id, "error", err)
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "reset", "-q", "--hard", "HEAD"); err != nil {
			s.logger.Error("buffer reset failed", "repo_id", ws.id, "error", err)
		}
	}
}
