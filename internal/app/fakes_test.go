package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
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

const testSecret = "test-secret"

type fakeStore struct {
	mu      sync.Mutex
	repos   map[string]store.Repository
	actors  map[string]store.Actor
	reviews []store.Review
	links   map[int]store.StreamLink
	karma   map[string]int
	pingFn  func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos: map[string]store.Repository{
			"repo-1": {ID: "repo-1", Governance: "guild", MergeMode: "consensus", BufferBranch: "buffer", PromoteTarget: "main"},
		},
		actors: make(map[string]store.Actor),
		links:  make(map[int]store.StreamLink),
		karma:  make(map[string]int),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetRepository(_ context.Context, repoID string) (store.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	repo, ok := f.repos[repoID]
	if !ok {
		return store.Repository{}, fmt.Errorf("get repository: %w", sql.ErrNoRows)
	}
	return repo, nil
}

func (f *fakeStore) GetActor(_ context.Context, actorID string) (store.Actor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actor, ok := f.actors[actorID]
	if !ok {
		return store.Actor{}, fmt.Errorf("get actor: %w", sql.ErrNoRows)
	}
	return actor, nil
}

func (f *fakeStore) UpsertReview(_ context.Context, review store.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.reviews {
		if existing.StreamID == review.StreamID && existing.ReviewerID == review.ReviewerID {
			f.reviews[i] = review
			return nil
		}
	}
	f.reviews = append(f.reviews, review)
	return nil
}

func (f *fakeStore) ListStreamReviews(_ context.Context, _, streamID string) ([]store.ReviewVote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var votes []store.ReviewVote
	for _, review := range f.reviews {
		if review.StreamID == streamID {
			votes = append(votes, store.ReviewVote{Review: review})
		}
	}
	return votes, nil
}

func (f *fakeStore) LinkStream(_ context.Context, repoID string, prNumber int, streamID string) (store.StreamLink, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.links[prNumber]; ok {
		return existing, false, nil
	}
	link := store.StreamLink{RepoID: repoID, PRNumber: prNumber, StreamID: streamID, CreatedAt: time.Now()}
	f.links[prNumber] = link
	return link, true, nil
}

func (f *fakeStore) AdjustKarma(_ context.Context, actorID string, delta int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.karma[actorID] += delta
	return f.karma[actorID], nil
}

// fakePermissions grants each actor a fixed level and applies push rules the
// way the resolver does.
type fakePermissions struct {
	levels map[string]rbac.Level
	rules  []branchrule.Rule
}

func (f *fakePermissions) Resolve(_ context.Context, actorID, _ string) (permission.Permissions, error) {
	level, ok := f.levels[actorID]
	if !ok {
		return permission.Permissions{Level: rbac.LevelNone, Source: permission.SourceNone}, nil
	}
	return permission.Permissions{Level: level, Source: permission.SourceExplicit}, nil
}

func (f *fakePermissions) CanPerform(ctx context.Context, actorID, repoID string, action rbac.Action) (permission.Decision, error) {
	perms, _ := f.Resolve(ctx, actorID, repoID)
	if !rbac.Can(perms.Level, action) {
		return permission.Decision{Reason: permission.ReasonInsufficientPermissions, Required: rbac.Required(action), Permissions: perms}, nil
	}
	return permission.Decision{Allowed: true, Reason: permission.ReasonAllowed, Required: rbac.Required(action), Permissions: perms}, nil
}

func (f *fakePermissions) CanPushToBranch(ctx context.Context, actorID, repoID, branch string) (permission.Decision, error) {
	perms, _ := f.Resolve(ctx, actorID, repoID)
	if !rbac.AtLeast(perms.Level, rbac.LevelWrite) {
		return permission.Decision{Reason: permission.ReasonInsufficientPermissions, Required: rbac.LevelWrite, Permissions: perms}, nil
	}
	rule, ok := branchrule.Match(branch, branchrule.Sort(f.rules))
	if !ok {
		return permission.Decision{Allowed: true, Reason: permission.ReasonNoMatchingRule, Permissions: perms}, nil
	}
	if rule.Push == branchrule.PushNone {
		return permission.Decision{Reason: permission.ReasonBranchProtected, Permissions: perms, Rule: &rule}, nil
	}
	return permission.Decision{Allowed: true, Reason: permission.ReasonAllowed, Permissions: perms, Rule: &rule}, nil
}

func (f *fakePermissions) BranchRules(context.Context, string) ([]branchrule.Rule, error) {
	return branchrule.Sort(f.rules), nil
}

type fakeConsensus struct {
	mu     sync.Mutex
	result consensus.Result
	err    error
	calls  int
}

func (f *fakeConsensus) CheckConsensus(context.Context, string, string) (consensus.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

// fakeWorkspaces keeps streams in memory. Operations that tests drive set the
// corresponding function field; everything else returns zero values.
type fakeWorkspaces struct {
	mu        sync.Mutex
	streams   map[string]stream.Stream
	current   map[string]string
	buffer    gitrepo.BufferState
	latest    statedb.MergeRecord
	pushes    []string
	reverted  []string
	merges    int
	mergeFn   func(streamID string) (gitrepo.MergeOutcome, error)
	resolveFn func(streamID string, resolutions []gitrepo.Resolution) (gitrepo.MergeOutcome, error)
	promoteFn func() (gitrepo.Promotion, error)
	commitFn  func(agentID, message, streamID string) (gitrepo.CommitResult, error)
	initFn    func(repoID, cloneSource string) error
	idle      map[string][]stream.Stream

	// landAfterRead moves the buffer to this commit right after the next
	// BufferState snapshot, as a merge landing in between would.
	landAfterRead string
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{
		streams: make(map[string]stream.Stream),
		current: make(map[string]string),
		buffer:  gitrepo.BufferState{Branch: "buffer", Commit: "bbbbbbb", PromoteTarget: "main", TrunkCommit: "aaaaaaa", Ahead: true},
		idle:    make(map[string][]stream.Stream),
	}
}

func (f *fakeWorkspaces) addStream(item stream.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.RepoID == "" {
		item.RepoID = "repo-1"
	}
	if item.Status == "" {
		item.Status = stream.StatusActive
	}
	if item.Branch == "" {
		item.Branch = stream.BranchName(item.AgentID, item.ID)
	}
	f.streams[item.ID] = item
	f.current[item.AgentID] = item.ID
}

func (f *fakeWorkspaces) InitRepo(_ context.Context, repoID, cloneSource string) error {
	if f.initFn != nil {
		return f.initFn(repoID, cloneSource)
	}
	return nil
}

func (f *fakeWorkspaces) Repositories() ([]string, error) {
	return []string{"repo-1"}, nil
}

func (f *fakeWorkspaces) CreateStream(_ context.Context, repoID string, in gitrepo.CreateStreamInput) (stream.Stream, error) {
	f.mu.Lock()
	id := fmt.Sprintf("str_%d", len(f.streams)+1)
	f.mu.Unlock()
	item := stream.Stream{ID: id, RepoID: repoID, AgentID: in.AgentID, Title: in.Title, BaseBranch: "buffer"}
	f.addStream(item)
	return f.GetStream(context.Background(), repoID, item.ID)
}

func (f *fakeWorkspaces) GetStream(_ context.Context, _, streamID string) (stream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.streams[streamID]
	if !ok {
		return stream.Stream{}, fmt.Errorf("%w: %s", gitrepo.ErrStreamNotFound, streamID)
	}
	return item, nil
}

func (f *fakeWorkspaces) AgentStream(ctx context.Context, repoID, agentID string) (stream.Stream, error) {
	f.mu.Lock()
	id, ok := f.current[agentID]
	f.mu.Unlock()
	if !ok {
		return stream.Stream{}, fmt.Errorf("%w: agent %s", gitrepo.ErrNoActiveStream, agentID)
	}
	return f.GetStream(ctx, repoID, id)
}

func (f *fakeWorkspaces) ListStreams(context.Context, string, statedb.StreamFilter) ([]stream.Stream, error) {
	return nil, nil
}

func (f *fakeWorkspaces) AbandonStream(_ context.Context, _, streamID, reason string) (stream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.streams[streamID]
	if !ok {
		return stream.Stream{}, gitrepo.ErrStreamNotFound
	}
	if err := stream.Transition(item.Status, stream.StatusAbandoned); err != nil {
		return item, fmt.Errorf("%w: %s", gitrepo.ErrStreamClosed, streamID)
	}
	item.Status = stream.StatusAbandoned
	item.AbandonReason = reason
	f.streams[streamID] = item
	return item, nil
}

func (f *fakeWorkspaces) AbandonInactive(_ context.Context, repoID string, _ time.Duration) ([]stream.Stream, error) {
	return f.idle[repoID], nil
}

func (f *fakeWorkspaces) WriteFile(context.Context, string, string, string, []byte) error {
	return nil
}

func (f *fakeWorkspaces) ReadFile(context.Context, string, string, string) ([]byte, error) {
	return []byte("content"), nil
}

func (f *fakeWorkspaces) DeleteFile(context.Context, string, string, string) error {
	return nil
}

func (f *fakeWorkspaces) ListFiles(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeWorkspaces) CommitChanges(_ context.Context, _, agentID, message, streamID string) (gitrepo.CommitResult, error) {
	if f.commitFn != nil {
		return f.commitFn(agentID, message, streamID)
	}
	return gitrepo.CommitResult{StreamID: streamID, Commit: "c0ffee", Files: 1}, nil
}

func (f *fakeWorkspaces) MergeToBuffer(_ context.Context, _, streamID string) (gitrepo.MergeOutcome, error) {
	f.mu.Lock()
	f.merges++
	f.mu.Unlock()
	if f.mergeFn != nil {
		return f.mergeFn(streamID)
	}
	return f.markMerged(streamID, "m3rged"), nil
}

// markMerged merges a stream the way the workspace manager does: a stream
// that is already merged is reported as a replay.
func (f *fakeWorkspaces) markMerged(streamID, commit string) gitrepo.MergeOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.streams[streamID]
	if item.Status == stream.StatusMerged {
		return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeMerged, StreamID: streamID, Commit: item.MergeCommit, Replayed: true}
	}
	item.Status = stream.StatusMerged
	item.MergeCommit = commit
	f.streams[streamID] = item
	return gitrepo.MergeOutcome{Kind: gitrepo.OutcomeMerged, StreamID: streamID, Commit: commit, Previous: f.buffer.Commit}
}

func (f *fakeWorkspaces) ResolveConflict(_ context.Context, _, streamID string, resolutions []gitrepo.Resolution) (gitrepo.MergeOutcome, error) {
	if f.resolveFn != nil {
		return f.resolveFn(streamID, resolutions)
	}
	return f.markMerged(streamID, "r3solved"), nil
}

func (f *fakeWorkspaces) RevertTested(_ context.Context, _, tested string) (statedb.MergeRecord, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buffer.Commit != tested {
		return statedb.MergeRecord{}, "", fmt.Errorf("%w: buffer at %s", gitrepo.ErrStaleBuffer, f.buffer.Commit)
	}
	if f.latest.StreamID == "" {
		return statedb.MergeRecord{}, "", statedb.ErrNotFound
	}
	f.reverted = append(f.reverted, f.latest.StreamID)
	return f.latest, "r3vert", nil
}

func (f *fakeWorkspaces) MergeRecords(context.Context, string, int) ([]statedb.MergeRecord, error) {
	return nil, nil
}

func (f *fakeWorkspaces) Promote(context.Context, string) (gitrepo.Promotion, error) {
	if f.promoteFn != nil {
		return f.promoteFn()
	}
	return gitrepo.Promotion{RepoID: "repo-1", Source: "buffer", Target: "main", From: f.buffer.TrunkCommit, To: f.buffer.Commit, Recorded: true}, nil
}

func (f *fakeWorkspaces) PromoteTested(ctx context.Context, repoID, tested string) (gitrepo.Promotion, error) {
	f.mu.Lock()
	current := f.buffer.Commit
	f.mu.Unlock()
	if current != tested {
		return gitrepo.Promotion{}, fmt.Errorf("%w: buffer at %s", gitrepo.ErrStaleBuffer, current)
	}
	return f.Promote(ctx, repoID)
}

func (f *fakeWorkspaces) Promotions(context.Context, string, int) ([]statedb.PromotionRecord, error) {
	return nil, nil
}

func (f *fakeWorkspaces) BufferState(context.Context, string) (gitrepo.BufferState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.buffer
	if f.landAfterRead != "" {
		f.buffer.Commit = f.landAfterRead
		f.landAfterRead = ""
	}
	return state, nil
}

func (f *fakeWorkspaces) PushToRemote(_ context.Context, _, branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, branch)
	return true
}

func (f *fakeWorkspaces) History(context.Context, string, string, int) ([]gitrepo.CommitInfo, error) {
	return nil, nil
}

type fakeSearch struct {
	indexed []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text, Source: search.SourceState}
}

func (f *fakeSearch) IndexStream(item stream.Stream) {
	f.indexed = append(f.indexed, item.ID)
}

type fakeArchive struct {
	archived []gitrepo.Promotion
	err      error
}

func (f *fakeArchive) ArchivePromotion(_ context.Context, promotion gitrepo.Promotion) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.archived = append(f.archived, promotion)
	return "repo-1/main/bundle", nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true, nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type testHarness struct {
	svc        *Service
	store      *fakeStore
	perms      *fakePermissions
	consensus  *fakeConsensus
	workspaces *fakeWorkspaces
	search     *fakeSearch
	archive    *fakeArchive
	events     *recordingPublisher
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store: newFakeStore(),
		perms: &fakePermissions{levels: map[string]rbac.Level{
			"agent-a": rbac.LevelWrite,
			"agent-b": rbac.LevelWrite,
			"reader":  rbac.LevelRead,
			"keeper":  rbac.LevelMaintain,
			"owner":   rbac.LevelAdmin,
		}},
		consensus:  &fakeConsensus{result: consensus.Result{Reached: true, Reason: consensus.ReasonThresholdMet}},
		workspaces: newFakeWorkspaces(),
		search:     &fakeSearch{},
		archive:    &fakeArchive{},
		events:     &recordingPublisher{},
	}
	h.svc = New(config.Config{}, Dependencies{
		Store:       h.store,
		Permissions: h.perms,
		Consensus:   h.consensus,
		Workspaces:  h.workspaces,
		Auth:        auth.NewAuthenticator(h.store, testSecret, time.Hour),
		Search:      h.search,
		Archive:     h.archive,
		Events:      h.events,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func session(actorID string) Session {
	return Session{ActorID: actorID}
}

func tokenFor(t *testing.T, actorID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub: actorID,
		JTI: "jti-" + actorID,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
