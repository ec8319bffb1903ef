package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"conclave/api/internal/stream"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type identity struct {
	name  string
	email string
}

func (s *Service) serviceIdentity() identity {
	return identity{name: s.authorName, email: s.authorEmail}
}

func agentIdentity(agentID string) identity {
	return identity{name: agentID, email: agentSlug(agentID) + "@" + agentEmailHost}
}

func agentSlug(agentID string) string {
	return stream.Slug(agentID)
}

// git runs a git command in dir, bounded by the service git timeout, and
// returns trimmed combined output.
func (s *Service) git(ctx context.Context, dir string, author identity, args ...string) (string, error) {
	out, err := s.gitRaw(ctx, dir, author, args...)
	return strings.TrimSpace(string(out)), err
}

func (s *Service) gitRaw(ctx context.Context, dir string, author identity, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME="+author.name,
		"GIT_AUTHOR_EMAIL="+author.email,
		"GIT_COMMITTER_NAME="+s.authorName,
		"GIT_COMMITTER_EMAIL="+s.authorEmail,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Hooks outlive a killed git and would hold the output pipes open.
	cmd.WaitDelay = gitWaitDelay
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return stdout.Bytes(), fmt.Errorf("git %s: timed out after %s: %w", args[0], s.gitTimeout, context.DeadlineExceeded)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return stdout.Bytes(), fmt.Errorf("git %s: %w: %s", args[0], err, detail)
	}
	return stdout.Bytes(), nil
}

// exitCode returns the process exit status carried by err, or -1.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (s *Service) createClone(ctx context.Context, path, cloneSource, trunk string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	if cloneSource != "" {
		cloneCtx, cancel := context.WithTimeout(ctx, s.gitTimeout)
		defer cancel()
		if _, err := git.PlainCloneContext(cloneCtx, path, false, &git.CloneOptions{URL: cloneSource}); err != nil {
			return fmt.Errorf("clone %s: %w", cloneSource, err)
		}
		return nil
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(trunk))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", trunk, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Commit("Initialize repository", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.authorName,
			Email: s.authorEmail,
			When:  s.now(),
		},
	}); err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	return nil
}

// ensureBranches makes sure local trunk and buffer branches exist, creating
// them from their remote-tracking counterparts or from each other.
func (s *Service) ensureBranches(ctx context.Context, path string, cfg RepoConfig) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}

	trunkHash, err := ensureLocalBranch(repo, cfg.PromoteTarget, func() (plumbing.Hash, error) {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	})
	if err != nil {
		return err
	}
	if _, err := ensureLocalBranch(repo, cfg.BufferBranch, func() (plumbing.Hash, error) {
		return trunkHash, nil
	}); err != nil {
		return err
	}
	return nil
}

func ensureLocalBranch(repo *git.Repository, branch string, fallback func() (plumbing.Hash, error)) (plumbing.Hash, error) {
	name := plumbing.NewBranchReferenceName(branch)
	if ref, err := repo.Reference(name, true); err == nil {
		return ref.Hash(), nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	var hash plumbing.Hash
	if remote, err := repo.Reference(plumbing.NewRemoteReferenceName(defaultRemote, branch), true); err == nil {
		hash = remote.Hash()
	} else {
		hash, err = fallback()
		if err != nil {
			return plumbing.ZeroHash, err
		}
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("create branch %s: %w", branch, err)
	}
	return hash, nil
}

// checkoutBuffer puts the clone back on a clean buffer branch, aborting any
// merge a previous run left behind.
func (s *Service) checkoutBuffer(ctx context.Context, ws *workspace) error {
	s.clearIndexLock(ws)
	s.abortMerge(ws)
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "checkout", "-q", "-f", ws.buffer); err != nil {
		return fmt.Errorf("checkout buffer: %w", err)
	}
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "reset", "-q", "--hard", "HEAD"); err != nil {
		return fmt.Errorf("reset buffer: %w", err)
	}
	return nil
}

// clearIndexLock removes an index lock left by a git command that was killed
// on timeout. Only the repository lock holder touches the clone's index, so
// any lock found here is stale.
func (s *Service) clearIndexLock(ws *workspace) {
	lockPath := filepath.Join(ws.path, ".git", "index.lock")
	if err := os.Remove(lockPath); err == nil {
		s.logger.Warn("removed stale index lock", "repo_id", ws.id)
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("remove stale index lock failed", "repo_id", ws.id, "error", err)
	}
}

func mergeInProgress(ws *workspace) bool {
	_, err := os.Stat(filepath.Join(ws.path, ".git", "MERGE_HEAD"))
	return err == nil
}

// abortMerge aborts an in-progress merge in the clone. It uses its own
// deadline so it still runs after the caller's context has expired.
func (s *Service) abortMerge(ws *workspace) {
	if !mergeInProgress(ws) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupDeadline)
	defer cancel()
	s.clearIndexLock(ws)
	if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "merge", "--abort"); err != nil {
		s.logger.Error("merge abort failed; resetting buffer", "repo_id", ws.id, "error", err)
		if _, err := s.git(ctx, ws.path, s.serviceIdentity(), "reset", "-q", "--hard", "HEAD"); err != nil {
			s.logger.Error("buffer reset failed", "repo_id", ws.id, "error", err)
		}
	}
}

func (s *Service) revParse(ctx context.Context, dir, rev string) (string, error) {
	out, err := s.git(ctx, dir, s.serviceIdentity(), "rev-parse", "--verify", "-q", rev+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	return out, nil
}

// branchTip resolves a local branch with go-git.
func branchTip(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Parents   int       `json:"parents"`
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String(),
		ShortHash: commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
		Parents:   commitObj.NumParents(),
	}
}
