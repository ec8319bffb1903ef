package statedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conclave/api/internal/stream"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), ".conclave", "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertStream(t *testing.T, store *Store, id, agent string, created time.Time) stream.Stream {
	t.Helper()
	item := stream.Stream{
		ID:         id,
		RepoID:     "repo-1",
		AgentID:    agent,
		Title:      "Work " + id,
		Branch:     stream.BranchName(agent, id),
		BaseBranch: "buffer",
		BaseCommit: "abc",
		CreatedAt:  created,
	}
	if err := store.InsertStream(context.Background(), item); err != nil {
		t.Fatalf("InsertStream(%s) error = %v", id, err)
	}
	return item
}

func TestStreamLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	insertStream(t, store, "s-1", "agent-a", time.Now())

	got, err := store.GetStream(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
	if got.Status != stream.StatusActive || got.Branch != "stream/agent-a/s-1" {
		t.Fatalf("unexpected stream: %+v", got)
	}

	merged, err := store.MarkMerged(ctx, "s-1", "deadbeef", time.Now())
	if err != nil {
		t.Fatalf("MarkMerged() error = %v", err)
	}
	if merged.Status != stream.StatusMerged || merged.MergeCommit != "deadbeef" || merged.MergedAt == nil {
		t.Fatalf("unexpected merged stream: %+v", merged)
	}

	if _, err := store.MarkAbandoned(ctx, "s-1", "late", time.Now()); !errors.Is(err, stream.ErrTerminal) {
		t.Fatalf("MarkAbandoned() on merged stream error = %v, want ErrTerminal", err)
	}
	if _, err := store.GetStream(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetStream(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListIdleAndSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	insertStream(t, store, "s-old", "agent-a", old)
	insertStream(t, store, "s-new", "agent-b", time.Now())

	idle, err := store.ListIdle(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListIdle() error = %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "s-old" {
		t.Fatalf("ListIdle() = %+v, want only s-old", idle)
	}

	if err := store.TouchStream(ctx, "s-old", time.Now()); err != nil {
		t.Fatalf("TouchStream() error = %v", err)
	}
	idle, err = store.ListIdle(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListIdle() error = %v", err)
	}
	if len(idle) != 0 {
		t.Fatalf("ListIdle() after touch = %+v, want none", idle)
	}

	found, err := store.SearchStreams(ctx, "AGENT-B", 10)
	if err != nil {
		t.Fatalf("SearchStreams() error = %v", err)
	}
	if len(found) != 1 || found[0].ID != "s-new" {
		t.Fatalf("SearchStreams() = %+v", found)
	}

	none, err := store.SearchStreams(ctx, "100%", 10)
	if err != nil {
		t.Fatalf("SearchStreams() error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("SearchStreams(100%%) = %+v, want none", none)
	}
}

func TestWorktreeOnePerAgent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertWorktree(ctx, Worktree{AgentID: "agent-a", Path: "/w/agent-a", Branch: "stream/agent-a/1", StreamID: "1"}); err != nil {
		t.Fatalf("UpsertWorktree() error = %v", err)
	}
	if err := store.UpsertWorktree(ctx, Worktree{AgentID: "agent-a", Path: "/w/agent-a", Branch: "stream/agent-a/2", StreamID: "2"}); err != nil {
		t.Fatalf("UpsertWorktree() retarget error = %v", err)
	}

	items, err := store.ListWorktrees(ctx)
	if err != nil {
		t.Fatalf("ListWorktrees() error = %v", err)
	}
	if len(items) != 1 || items[0].StreamID != "2" || items[0].Branch != "stream/agent-a/2" {
		t.Fatalf("ListWorktrees() = %+v", items)
	}

	if err := store.DetachStream(ctx, "agent-a", "1"); err != nil {
		t.Fatalf("DetachStream() stale error = %v", err)
	}
	got, _ := store.GetWorktree(ctx, "agent-a")
	if got.StreamID != "2" {
		t.Fatalf("stale detach cleared stream: %+v", got)
	}
	if err := store.DetachStream(ctx, "agent-a", "2"); err != nil {
		t.Fatalf("DetachStream() error = %v", err)
	}
	got, _ = store.GetWorktree(ctx, "agent-a")
	if got.StreamID != "" {
		t.Fatalf("expected detached worktree, got %+v", got)
	}
}

func TestStartStreamIsAllOrNothing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.UpsertWorktree(ctx, Worktree{AgentID: "agent-b", Path: "/w/shared", Branch: "stream/agent-b/1", StreamID: "1"}); err != nil {
		t.Fatalf("UpsertWorktree() error = %v", err)
	}

	item := stream.Stream{ID: "s-2", RepoID: "repo-1", AgentID: "agent-a", Branch: stream.BranchName("agent-a", "s-2"), CreatedAt: time.Now()}
	err := store.StartStream(ctx, item, Worktree{AgentID: "agent-a", Path: "/w/shared", Branch: item.Branch, StreamID: item.ID})
	if err == nil {
		t.Fatal("StartStream() into another agent's worktree path should fail")
	}
	if _, err := store.GetStream(ctx, "s-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetStream() after failed start error = %v, want ErrNotFound", err)
	}

	item.ID = "s-3"
	item.Branch = stream.BranchName("agent-a", "s-3")
	if err := store.StartStream(ctx, item, Worktree{AgentID: "agent-a", Path: "/w/agent-a", Branch: item.Branch, StreamID: item.ID}); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	got, err := store.GetWorktree(ctx, "agent-a")
	if err != nil || got.StreamID != "s-3" || got.Path != "/w/agent-a" {
		t.Fatalf("GetWorktree() = %+v, %v", got, err)
	}
	if _, err := store.GetStream(ctx, "s-3"); err != nil {
		t.Fatalf("GetStream() error = %v", err)
	}
}

func TestRecordsAreUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := MergeRecord{StreamID: "s-1", Branch: "stream/a/s-1", BufferBranch: "buffer", FromCommit: "a", Commit: "b"}
	inserted, err := store.InsertMergeRecord(ctx, record)
	if err != nil || !inserted {
		t.Fatalf("InsertMergeRecord() = %v, %v", inserted, err)
	}
	inserted, err = store.InsertMergeRecord(ctx, record)
	if err != nil || inserted {
		t.Fatalf("second InsertMergeRecord() = %v, %v; want no-op", inserted, err)
	}

	latest, err := store.LatestMergeRecord(ctx, "buffer")
	if err != nil || latest.Commit != "b" {
		t.Fatalf("LatestMergeRecord() = %+v, %v", latest, err)
	}
	if err := store.MarkReverted(ctx, "s-1", "c"); err != nil {
		t.Fatalf("MarkReverted() error = %v", err)
	}
	if _, err := store.LatestMergeRecord(ctx, "buffer"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestMergeRecord() after revert error = %v, want ErrNotFound", err)
	}

	promotion := PromotionRecord{SourceBranch: "buffer", TargetBranch: "main", FromCommit: "a", ToCommit: "b"}
	inserted, err = store.InsertPromotion(ctx, promotion)
	if err != nil || !inserted {
		t.Fatalf("InsertPromotion() = %v, %v", inserted, err)
	}
	inserted, err = store.InsertPromotion(ctx, promotion)
	if err != nil || inserted {
		t.Fatalf("second InsertPromotion() = %v, %v; want no-op", inserted, err)
	}
	if err := store.SetPromotionArchive(ctx, "a", "b", "repo-1/b.bundle"); err != nil {
		t.Fatalf("SetPromotionArchive() error = %v", err)
	}
	promotions, err := store.ListPromotions(ctx, 10)
	if err != nil || len(promotions) != 1 || promotions[0].ArchiveKey != "repo-1/b.bundle" {
		t.Fatalf("ListPromotions() = %+v, %v", promotions, err)
	}
}
