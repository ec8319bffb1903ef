// Package gitrepo manages one local clone per repository, a worktree per
// agent inside it, and the embedded state store that tracks streams,
// worktrees and merge history.
package gitrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conclave/api/internal/statedb"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNotInitialized    = errors.New("repository not initialized")
	ErrNoActiveStream    = errors.New("worktree has no active stream")
	ErrNothingToCommit   = errors.New("nothing to commit")
	ErrStreamClosed      = errors.New("stream is not active")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrPromotionDiverged = errors.New("promote target has diverged from buffer")
	ErrInvalidPath       = errors.New("invalid worktree path")
	ErrStaleBuffer       = errors.New("buffer moved past the tested commit")
)

const (
	stateDirName    = ".conclave"
	stateDBName     = "state.db"
	worktreesDir    = "worktrees"
	defaultRemote   = "origin"
	defaultBuffer   = "buffer"
	defaultTrunk    = "main"
	defaultTimeout  = 2 * time.Minute
	defaultAuthor   = "Conclave"
	defaultEmail    = "conclave@localhost"
	agentEmailHost  = "agents.conclave.local"
	cleanupDeadline = 30 * time.Second
	gitWaitDelay    = 2 * time.Second
)

// RepoConfig is the slice of repository settings the workspace needs. It is
// read from the relational store on every attach and never persisted here.
type RepoConfig struct {
	BufferBranch  string
	PromoteTarget string
	CloneURL      string
}

type ConfigSource interface {
	RepoConfig(ctx context.Context, repoID string) (RepoConfig, error)
}

type Options struct {
	BaseDir     string
	GitTimeout  time.Duration
	AuthorName  string
	AuthorEmail string
	Config      ConfigSource
	Logger      *slog.Logger
}

type Service struct {
	baseDir     string
	gitTimeout  time.Duration
	authorName  string
	authorEmail string
	config      ConfigSource
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspace
	locks      map[string]*repoLock
	agentLocks map[string]*sync.Mutex
	attach     singleflight.Group
}

type workspace struct {
	id     string
	path   string
	buffer string
	trunk  string
	state  *statedb.Store
}

func New(opts Options) *Service {
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = defaultTimeout
	}
	if opts.AuthorName == "" {
		opts.AuthorName = defaultAuthor
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = defaultEmail
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		baseDir:     opts.BaseDir,
		gitTimeout:  opts.GitTimeout,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		config:      opts.Config,
		logger:      opts.Logger.With("component", "gitrepo"),
		now:         time.Now,
		workspaces:  make(map[string]*workspace),
		locks:       make(map[string]*repoLock),
		agentLocks:  make(map[string]*sync.Mutex),
	}
}

// InitRepo creates the clone for a repository, or reuses the one already on
// disk. With a clone source the repository is cloned; otherwise an empty
// repository with an initial commit is created. The buffer branch always
// exists afterwards and is checked out in the clone.
func (s *Service) InitRepo(ctx context.Context, repoID, cloneSource string) error {
	if err := validateRepoID(repoID); err != nil {
		return err
	}
	lock := s.repoLock(repoID)
	if err := lock.acquire(ctx); err != nil {
		return fmt.Errorf("lock repo %s: %w", repoID, err)
	}
	defer lock.release()

	cfg, err := s.repoConfig(ctx, repoID)
	if err != nil {
		return err
	}
	if cloneSource == "" {
		cloneSource = cfg.CloneURL
	}

	path := s.repoPath(repoID)
	if !isClone(path) {
		if err := s.createClone(ctx, path, cloneSource, cfg.PromoteTarget); err != nil {
			_ = os.RemoveAll(path)
			return err
		}
		s.logger.Info("repository initialized", "repo_id", repoID, "cloned", cloneSource != "")
	}

	if err := s.ensureBranches(ctx, path, cfg); err != nil {
		return err
	}
	if err := writeExcludes(path); err != nil {
		return err
	}

	ws, err := s.attachLocked(ctx, repoID, cfg)
	if err != nil {
		return err
	}
	return s.checkoutBuffer(ctx, ws)
}

// WorkspaceInfo describes an attached repository workspace.
type WorkspaceInfo struct {
	RepoID        string `json:"repoId"`
	Path          string `json:"path"`
	BufferBranch  string `json:"bufferBranch"`
	PromoteTarget string `json:"promoteTarget"`
	StatePath     string `json:"statePath"`
}

// Workspace re-attaches to the on-disk clone and state store for repoID if
// they are not already open. It never creates a clone.
func (s *Service) Workspace(ctx context.Context, repoID string) (WorkspaceInfo, error) {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return WorkspaceInfo{}, err
	}
	return WorkspaceInfo{
		RepoID:        ws.id,
		Path:          ws.path,
		BufferBranch:  ws.buffer,
		PromoteTarget: ws.trunk,
		StatePath:     ws.state.Path(),
	}, nil
}

func (s *Service) workspace(ctx context.Context, repoID string) (*workspace, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ws, ok := s.workspaces[repoID]
	s.mu.Unlock()
	if ok {
		return ws, nil
	}

	value, err, _ := s.attach.Do(repoID, func() (any, error) {
		if !isClone(s.repoPath(repoID)) {
			return nil, fmt.Errorf("%w: %s", ErrNotInitialized, repoID)
		}
		cfg, err := s.repoConfig(ctx, repoID)
		if err != nil {
			return nil, err
		}
		return s.attachLocked(ctx, repoID, cfg)
	})
	if err != nil {
		return nil, err
	}
	return value.(*workspace), nil
}

// Initialized reports whether a clone exists on disk for repoID.
func (s *Service) Initialized(repoID string) bool {
	return validateRepoID(repoID) == nil && isClone(s.repoPath(repoID))
}

func (s *Service) attachLocked(_ context.Context, repoID string, cfg RepoConfig) (*workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[repoID]; ok {
		return ws, nil
	}

	path := s.repoPath(repoID)
	state, err := statedb.Open(filepath.Join(path, stateDirName, stateDBName))
	if err != nil {
		return nil, fmt.Errorf("open state store for %s: %w", repoID, err)
	}
	ws := &workspace{
		id:     repoID,
		path:   path,
		buffer: cfg.BufferBranch,
		trunk:  cfg.PromoteTarget,
		state:  state,
	}
	s.workspaces[repoID] = ws
	return ws, nil
}

func (s *Service) repoConfig(ctx context.Context, repoID string) (RepoConfig, error) {
	var cfg RepoConfig
	if s.config != nil {
		loaded, err := s.config.RepoConfig(ctx, repoID)
		if err != nil {
			return RepoConfig{}, fmt.Errorf("load repo config %s: %w", repoID, err)
		}
		cfg = loaded
	}
	if cfg.BufferBranch == "" {
		cfg.BufferBranch = defaultBuffer
	}
	if cfg.PromoteTarget == "" {
		cfg.PromoteTarget = defaultTrunk
	}
	return cfg, nil
}

// CloseRepo releases the state store handle for a repository. The clone
// stays on disk and is re-attached on next use.
func (s *Service) CloseRepo(repoID string) error {
	s.mu.Lock()
	ws, ok := s.workspaces[repoID]
	delete(s.workspaces, repoID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := ws.state.Close(); err != nil {
		return fmt.Errorf("close state store %s: %w", repoID, err)
	}
	return nil
}

func (s *Service) CloseAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workspaces))
	for id := range s.workspaces {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.CloseRepo(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Repositories lists the ids of every repository with a clone on disk.
func (s *Service) Repositories() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && s.Initialized(entry.Name()) {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

func (s *Service) repoPath(repoID string) string {
	return filepath.Join(s.baseDir, repoID)
}

func (s *Service) worktreePath(ws *workspace, agentID string) string {
	return filepath.Join(ws.path, worktreesDir, worktreeDir(agentID))
}

// worktreeDir names an agent's worktree directory. Distinct agent ids can
// share a slug, so a digest of the raw id is appended.
func worktreeDir(agentID string) string {
	sum := sha256.Sum256([]byte(agentID))
	return agentSlug(agentID) + "-" + hex.EncodeToString(sum[:6])
}

func (s *Service) repoLock(repoID string) *repoLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[repoID]
	if ok {
		return lock
	}
	lock = newRepoLock()
	s.locks[repoID] = lock
	return lock
}

func (s *Service) agentLock(repoID, agentID string) *sync.Mutex {
	key := repoID + "\x00" + agentID
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.agentLocks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.agentLocks[key] = lock
	return lock
}

// withRepoLock resolves the workspace and runs fn holding the repository
// lock.
func (s *Service) withRepoLock(ctx context.Context, repoID string, fn func(*workspace) error) error {
	ws, err := s.workspace(ctx, repoID)
	if err != nil {
		return err
	}
	lock := s.repoLock(repoID)
	if err := lock.acquire(ctx); err != nil {
		return fmt.Errorf("lock repo %s: %w", repoID, err)
	}
	defer lock.release()
	return fn(ws)
}

func isClone(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

func writeExcludes(path string) error {
	excludePath := filepath.Join(path, ".git", "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read git excludes: %w", err)
	}
	lines := string(existing)
	var missing []string
	for _, entry := range []string{"/" + stateDirName + "/", "/" + worktreesDir + "/"} {
		if !strings.Contains(lines, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("create git info dir: %w", err)
	}
	if lines != "" && !strings.HasSuffix(lines, "\n") {
		lines += "\n"
	}
	lines += strings.Join(missing, "\n") + "\n"
	if err := os.WriteFile(excludePath, []byte(lines), 0o644); err != nil {
		return fmt.Errorf("write git excludes: %w", err)
	}
	return nil
}

func validateRepoID(repoID string) error {
	if repoID == "" || repoID == "." || repoID == ".." || strings.ContainsAny(repoID, `/\`) {
		return fmt.Errorf("invalid repository id %q", repoID)
	}
	return nil
}
