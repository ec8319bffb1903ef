package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"conclave/api/internal/auth"
	"conclave/api/internal/branchrule"
	"conclave/api/internal/config"
	"conclave/api/internal/consensus"
	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/permission"
	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/statedb"
	"conclave/api/internal/store"
	"conclave/api/internal/stream"
)

type Session struct {
	Token     string
	ActorID   string
	Name      string
	IsHuman   bool
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetRepository(ctx context.Context, repoID string) (store.Repository, error)
	UpsertReview(ctx context.Context, review store.Review) error
	ListStreamReviews(ctx context.Context, repoID, streamID string) ([]store.ReviewVote, error)
	LinkStream(ctx context.Context, repoID string, prNumber int, streamID string) (store.StreamLink, bool, error)
	AdjustKarma(ctx context.Context, actorID string, delta int) (int, error)
}

type permissionChecker interface {
	Resolve(ctx context.Context, actorID, repoID string) (permission.Permissions, error)
	CanPerform(ctx context.Context, actorID, repoID string, action rbac.Action) (permission.Decision, error)
	CanPushToBranch(ctx context.Context, actorID, repoID, branch string) (permission.Decision, error)
	BranchRules(ctx context.Context, repoID string) ([]branchrule.Rule, error)
}

type consensusChecker interface {
	CheckConsensus(ctx context.Context, repoID, streamID string) (consensus.Result, error)
}

type workspaceManager interface {
	InitRepo(ctx context.Context, repoID, cloneSource string) error
	Repositories() ([]string, error)
	CreateStream(ctx context.Context, repoID string, in gitrepo.CreateStreamInput) (stream.Stream, error)
	GetStream(ctx context.Context, repoID, streamID string) (stream.Stream, error)
	AgentStream(ctx context.Context, repoID, agentID string) (stream.Stream, error)
	ListStreams(ctx context.Context, repoID string, filter statedb.StreamFilter) ([]stream.Stream, error)
	AbandonStream(ctx context.Context, repoID, streamID, reason string) (stream.Stream, error)
	AbandonInactive(ctx context.Context, repoID string, idle time.Duration) ([]stream.Stream, error)
	WriteFile(ctx context.Context, repoID, agentID, path string, content []byte) error
	ReadFile(ctx context.Context, repoID, agentID, path string) ([]byte, error)
	DeleteFile(ctx context.Context, repoID, agentID, path string) error
	ListFiles(ctx context.Context, repoID, agentID string) ([]string, error)
	CommitChanges(ctx context.Context, repoID, agentID, message, streamID string) (gitrepo.CommitResult, error)
	MergeToBuffer(ctx context.Context, repoID, streamID string) (gitrepo.MergeOutcome, error)
	ResolveConflict(ctx context.Context, repoID, streamID string, resolutions []gitrepo.Resolution) (gitrepo.MergeOutcome, error)
	RevertTested(ctx context.Context, repoID, tested string) (statedb.MergeRecord, string, error)
	MergeRecords(ctx context.Context, repoID string, limit int) ([]statedb.MergeRecord, error)
	Promote(ctx context.Context, repoID string) (gitrepo.Promotion, error)
	PromoteTested(ctx context.Context, repoID, tested string) (gitrepo.Promotion, error)
	Promotions(ctx context.Context, repoID string, limit int) ([]statedb.PromotionRecord, error)
	BufferState(ctx context.Context, repoID string) (gitrepo.BufferState, error)
	PushToRemote(ctx context.Context, repoID, branch string) bool
	History(ctx context.Context, repoID, branch string, limit int) ([]gitrepo.CommitInfo, error)
}

type streamSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexStream(item stream.Stream)
}

type promotionArchiver interface {
	ArchivePromotion(ctx context.Context, promotion gitrepo.Promotion) (string, error)
}

type authenticator interface {
	Login(ctx context.Context, actorID, apiKey string) (auth.Session, error)
	Verify(token string) (auth.Claims, error)
}

// Dependencies are the collaborators a Service composes. Search, Archive and
// Events are optional.
type Dependencies struct {
	Store       dataStore
	Permissions permissionChecker
	Consensus   consensusChecker
	Workspaces  workspaceManager
	Auth        authenticator
	Search      streamSearcher
	Archive     promotionArchiver
	Events      events.Publisher
	Logger      *slog.Logger
}

const (
	mergeKarma  = 1
	revertKarma = -1
)

type Service struct {
	cfg         config.Config
	store       dataStore
	permissions permissionChecker
	consensus   consensusChecker
	workspaces  workspaceManager
	auth        authenticator
	search      streamSearcher
	archive     promotionArchiver
	events      events.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		permissions: deps.Permissions,
		consensus:   deps.Consensus,
		workspaces:  deps.Workspaces,
		auth:        deps.Auth,
		search:      deps.Search,
		archive:     deps.Archive,
		events:      deps.Events,
		logger:      deps.Logger.With("component", "app"),
		now:         time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, actorID, apiKey string) (Session, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" || apiKey == "" {
		return Session{}, validationError("actorId and apiKey are required")
	}
	issued, err := s.auth.Login(ctx, actorID, apiKey)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     issued.Token,
		ActorID:   issued.ActorID,
		Name:      issued.Name,
		IsHuman:   issued.IsHuman,
		ExpiresAt: issued.ExpiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.auth.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		ActorID:   claims.Sub,
		Name:      claims.Name,
		IsHuman:   claims.Human,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// authorize checks action and returns the decision, or a 403 when denied.
func (s *Service) authorize(ctx context.Context, session Session, repoID string, action rbac.Action) (permission.Decision, error) {
	decision, err := s.permissions.CanPerform(ctx, session.ActorID, repoID, action)
	if err != nil {
		return permission.Decision{}, err
	}
	if !decision.Allowed {
		s.logger.Info("permission denied", "actor_id", session.ActorID, "repo_id", repoID, "action", action, "reason", decision.Reason)
		return decision, forbidden(decision)
	}
	return decision, nil
}

// authorizeOwnerOr allows the stream's owner, or anyone holding action.
func (s *Service) authorizeOwnerOr(ctx context.Context, session Session, item stream.Stream, action rbac.Action) error {
	if item.AgentID == session.ActorID {
		return nil
	}
	_, err := s.authorize(ctx, session, item.RepoID, action)
	return err
}

type PermissionReport struct {
	Permissions permission.Permissions `json:"permissions"`
	Actions     map[rbac.Action]bool   `json:"actions"`
	Branch      *permission.Decision   `json:"branch,omitempty"`
}

// Permissions reports the caller's resolved access on a repository, and
// optionally whether a direct push to branch would be allowed.
func (s *Service) Permissions(ctx context.Context, session Session, repoID, branch string) (PermissionReport, error) {
	perms, err := s.permissions.Resolve(ctx, session.ActorID, repoID)
	if err != nil {
		return PermissionReport{}, err
	}
	report := PermissionReport{Permissions: perms, Actions: make(map[rbac.Action]bool)}
	for _, action := range []rbac.Action{rbac.ActionRead, rbac.ActionWrite, rbac.ActionMerge, rbac.ActionSettings, rbac.ActionDelete} {
		report.Actions[action] = rbac.Can(perms.Level, action)
	}
	if branch = strings.TrimSpace(branch); branch != "" {
		decision, err := s.permissions.CanPushToBranch(ctx, session.ActorID, repoID, branch)
		if err != nil {
			return PermissionReport{}, err
		}
		report.Branch = &decision
	}
	return report, nil
}

// InitRepository creates or re-attaches the repository clone. The repository
// must already be configured in the relational store.
func (s *Service) InitRepository(ctx context.Context, session Session, repoID, cloneSource string) (gitrepo.BufferState, error) {
	if _, err := s.store.GetRepository(ctx, repoID); err != nil {
		return gitrepo.BufferState{}, err
	}
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionSettings); err != nil {
		return gitrepo.BufferState{}, err
	}
	if err := s.workspaces.InitRepo(ctx, repoID, strings.TrimSpace(cloneSource)); err != nil {
		return gitrepo.BufferState{}, err
	}
	s.logger.Info("repository initialized", "repo_id", repoID, "actor_id", session.ActorID)
	return s.workspaces.BufferState(ctx, repoID)
}

func (s *Service) BufferState(ctx context.Context, session Session, repoID string) (gitrepo.BufferState, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return gitrepo.BufferState{}, err
	}
	return s.workspaces.BufferState(ctx, repoID)
}

func (s *Service) History(ctx context.Context, session Session, repoID, branch string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.workspaces.History(ctx, repoID, branch, limit)
}

type RepositoryLog struct {
	Merges     []statedb.MergeRecord     `json:"merges"`
	Promotions []statedb.PromotionRecord `json:"promotions"`
}

func (s *Service) RepositoryLog(ctx context.Context, session Session, repoID string, limit int) (RepositoryLog, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return RepositoryLog{}, err
	}
	merges, err := s.workspaces.MergeRecords(ctx, repoID, limit)
	if err != nil {
		return RepositoryLog{}, err
	}
	promotions, err := s.workspaces.Promotions(ctx, repoID, limit)
	if err != nil {
		return RepositoryLog{}, err
	}
	return RepositoryLog{Merges: merges, Promotions: promotions}, nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if _, err := s.authorize(ctx, session, q.RepoID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, q), nil
}

// SweepInactive abandons idle streams in every initialized repository and
// returns how many were closed.
func (s *Service) SweepInactive(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	repoIDs, err := s.workspaces.Repositories()
	if err != nil {
		return 0, err
	}
	var errs []error
	total := 0
	for _, repoID := range repoIDs {
		closed, err := s.workspaces.AbandonInactive(ctx, repoID, idle)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", repoID, err))
			continue
		}
		for _, item := range closed {
			s.streamChanged(ctx, item)
			s.publish(ctx, events.Event{
				Type:     events.TypeStreamAbandoned,
				Key:      events.Key(events.TypeStreamAbandoned, repoID, item.ID),
				RepoID:   repoID,
				StreamID: item.ID,
				Payload:  map[string]any{"reason": item.AbandonReason, "policy": true},
			})
		}
		total += len(closed)
	}
	return total, errors.Join(errs...)
}

// publish hands an event to the publisher. Delivery failures are logged and
// never fail the operation that produced the event.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if _, err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed", "type", event.Type, "key", event.Key, "error", err)
	}
}

func (s *Service) streamChanged(_ context.Context, item stream.Stream) {
	if s.search != nil {
		s.search.IndexStream(item)
	}
}

func (s *Service) adjustKarma(ctx context.Context, actorID string, delta int) {
	if _, err := s.store.AdjustKarma(ctx, actorID, delta); err != nil {
		s.logger.Warn("adjust karma failed", "actor_id", actorID, "delta", delta, "error", err)
	}
}
