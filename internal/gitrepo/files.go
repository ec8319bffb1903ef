package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"conclave/api/internal/statedb"
	"conclave/api/internal/stream"

	securejoin "github.com/cyphar/filepath-securejoin"
)

type CommitResult struct {
	StreamID string `json:"streamId"`
	Branch   string `json:"branch"`
	Commit   string `json:"commit"`
	Files    int    `json:"files"`
}

// agentWorktree returns the agent's worktree record and the stream it is on.
func (s *Service) agentWorktree(ctx context.Context, ws *workspace, agentID string) (statedb.Worktree, error) {
	wt, err := ws.state.GetWorktree(ctx, agentID)
	if err != nil {
		if errors.Is(err, statedb.ErrNotFound) {
			return statedb.Worktree{}, fmt.Errorf("%w: agent %s has no worktree", ErrNoActiveStream, agentID)
		}
		return statedb.Worktree{}, err
	}
	return wt, nil
}

// resolvePath maps a repository-relative path into the worktree. The result
// never escapes the worktree and never addresses git metadata.
func resolvePath(root, rel string) (string, string, error) {
	clean := filepath.ToSlash(filepath.Clean("/" + strings.TrimSpace(rel)))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	first := strings.SplitN(clean, "/", 2)[0]
	if first == ".git" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidPath, rel)
	}
	full, err := securejoin.SecureJoin(root, clean)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return full, clean, nil
}

// WriteFile writes content into the agent's worktree and stages it.
func (s *Service) WriteFile(ctx context.Context, repoID, agentID, path string, content []byte) error {
	return s.withWorktree(ctx, repoID, agentID, func(wt statedb.Worktree) error {
		full, rel, err := resolvePath(wt.Path, path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create parent dir: %w", err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		if _, err := s.git(ctx, wt.Path, agentIdentity(agentID), "add", "--", rel); err != nil {
			return fmt.Errorf("stage %s: %w", rel, err)
		}
		return nil
	})
}

func (s *Service) ReadFile(ctx context.Context, repoID, agentID, path string) ([]byte, error) {
	var content []byte
	err := s.withWorktree(ctx, repoID, agentID, func(wt statedb.Worktree) error {
		full, rel, err := resolvePath(wt.Path, path)
		if err != nil {
			return err
		}
		content, err = os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		return nil
	})
	return content, err
}

// DeleteFile removes a file from the agent's worktree and stages the
// removal.
func (s *Service) DeleteFile(ctx context.Context, repoID, agentID, path string) error {
	return s.withWorktree(ctx, repoID, agentID, func(wt statedb.Worktree) error {
		full, rel, err := resolvePath(wt.Path, path)
		if err != nil {
			return err
		}
		if err := os.Remove(full); err != nil {
			return fmt.Errorf("delete %s: %w", rel, err)
		}
		if _, err := s.git(ctx, wt.Path, agentIdentity(agentID), "add", "-A", "--", rel); err != nil {
			return fmt.Errorf("stage removal of %s: %w", rel, err)
		}
		return nil
	})
}

// ListFiles lists tracked and untracked, non-ignored files in the worktree.
func (s *Service) ListFiles(ctx context.Context, repoID, agentID string) ([]string, error) {
	var files []string
	err := s.withWorktree(ctx, repoID, agentID, func(wt statedb.Worktree) error {
		out, err := s.gitRaw(ctx, wt.Path, agentIdentity(agentID), "ls-files", "-z", "--cached", "--others", "--exclude-standard")
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		seen := make(map[string]struct{})
		for _, name := range strings.Split(string(out), "\x00") {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			if _, err := os.Lstat(filepath.Join(wt.Path, filepath.FromSlash(name))); err != nil {
				continue
			}
			seen[name] = struct{}{}
			files = append(files, name)
		}
		sort.Strings(files)
		return nil
	})
	return files, err
}

// CommitChanges commits what is staged in the agent's worktree. streamID is
// optional; when given it must be the stream the worktree is on.
func (s *Service) CommitChanges(ctx context.Context, repoID, agentID, message, streamID string) (CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return CommitResult{}, errors.New("commit message is required")
	}

	var result CommitResult
	err := s.withWorktree(ctx, repoID, agentID, func(wt statedb.Worktree) error {
		ws, err := s.workspace(ctx, repoID)
		if err != nil {
			return err
		}
		target := streamID
		if target == "" {
			target = wt.StreamID
		}
		if target == "" {
			return fmt.Errorf("%w: agent %s", ErrNoActiveStream, agentID)
		}
		current, err := ws.state.GetStream(ctx, target)
		if err != nil {
			return streamLookupError(err, target)
		}
		if current.Status != stream.StatusActive {
			return fmt.Errorf("%w: %s is %s", ErrStreamClosed, current.ID, current.Status)
		}
		if current.ID != wt.StreamID {
			return fmt.Errorf("%w: worktree of %s is not on %s", ErrNoActiveStream, agentID, current.ID)
		}

		author := agentIdentity(agentID)
		staged, err := s.git(ctx, wt.Path, author, "diff", "--cached", "--name-only", "-z")
		if err != nil {
			return fmt.Errorf("inspect staged changes: %w", err)
		}
		files := 0
		for _, name := range strings.Split(staged, "\x00") {
			if name != "" {
				files++
			}
		}
		if files == 0 {
			return ErrNothingToCommit
		}

		if _, err := s.git(ctx, wt.Path, author, "commit", "-q", "--no-verify", "-m", message); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		hash, err := s.revParse(ctx, wt.Path, "HEAD")
		if err != nil {
			return err
		}
		if err := ws.state.TouchStream(ctx, current.ID, s.now()); err != nil {
			return err
		}
		result = CommitResult{StreamID: current.ID, Branch: current.Branch, Commit: hash, Files: files}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	s.logger.Info("stream commit", "repo_id", repoID, "stream_id", result.StreamID, "commit", result.Commit, "files", result.Files)
	return result, nil
}

// withWorktree runs fn holding only the agent's worktree lock.
func (s *Service) withWorktree(ctx context.Context, repoID, agentID string, fn func(statedb.Worktree) error) error {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return err
	}
	lock := s.agentLock(repoID, agentID)
	lock.Lock()
	defer lock.Unlock()

	wt, err := s.agentWorktree(ctx, ws, agentID)
	if err != nil {
		return err
	}
	return fn(wt)
}
