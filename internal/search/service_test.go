package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"conclave/api/internal/stream"

	meili "github.com/meilisearch/meilisearch-go"
)

type fakeIndex struct {
	healthy   bool
	searchFn  func(Query) ([]Result, int, error)
	mu        sync.Mutex
	indexed   []StreamRecord
	indexedCh chan struct{}
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) { return f.searchFn(q) }

func (f *fakeIndex) IndexStream(record StreamRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, record)
	f.mu.Unlock()
	if f.indexedCh != nil {
		f.indexedCh <- struct{}{}
	}
	return nil
}

func (f *fakeIndex) IndexStreams(records []StreamRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

type fakeFallback struct {
	searchFn func(ctx context.Context, repoID, query string, limit int) ([]stream.Stream, error)
}

func (f fakeFallback) SearchStreams(ctx context.Context, repoID, query string, limit int) ([]stream.Stream, error) {
	return f.searchFn(ctx, repoID, query, limit)
}

func sampleStreams() []stream.Stream {
	return []stream.Stream{
		{ID: "str_1", RepoID: "repo-1", AgentID: "agent-a", Title: "fix parser", Branch: "stream/agent-a/str_1", Status: stream.StatusActive},
		{ID: "str_2", RepoID: "repo-1", AgentID: "agent-b", Title: "fix lexer", Branch: "stream/agent-b/str_2", Status: stream.StatusMerged},
	}
}

func TestSearchUsesHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		if q.RepoID != "repo-1" || q.Text != "parser" || q.Limit != defaultLimit {
			t.Fatalf("unexpected query %+v", q)
		}
		return []Result{{StreamID: "str_1"}}, 1, nil
	}}
	fallback := fakeFallback{searchFn: func(context.Context, string, string, int) ([]stream.Stream, error) {
		t.Fatal("fallback should not be used")
		return nil, nil
	}}

	resp := NewService(index, fallback, nil).Search(context.Background(), Query{RepoID: "repo-1", Text: "  parser "})
	if resp.Source != SourceIndex || resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallsBackToStateStore(t *testing.T) {
	cases := []struct {
		name  string
		index Index
	}{
		{name: "no index", index: nil},
		{name: "unhealthy index", index: &fakeIndex{healthy: false}},
		{name: "index error", index: &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
			return nil, 0, errors.New("boom")
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotLimit int
			fallback := fakeFallback{searchFn: func(_ context.Context, repoID, query string, limit int) ([]stream.Stream, error) {
				gotLimit = limit
				return sampleStreams(), nil
			}}
			resp := NewService(tc.index, fallback, nil).Search(context.Background(), Query{RepoID: "repo-1", Text: "fix", Limit: 500})
			if resp.Source != SourceState || len(resp.Results) != 2 {
				t.Fatalf("unexpected response %+v", resp)
			}
			if gotLimit != maxLimit {
				t.Fatalf("limit = %d, want %d", gotLimit, maxLimit)
			}
		})
	}
}

func TestSearchFallbackFiltersStatus(t *testing.T) {
	fallback := fakeFallback{searchFn: func(context.Context, string, string, int) ([]stream.Stream, error) {
		return sampleStreams(), nil
	}}
	resp := NewService(nil, fallback, nil).Search(context.Background(), Query{RepoID: "repo-1", Text: "fix", Status: "merged"})
	if len(resp.Results) != 1 || resp.Results[0].StreamID != "str_2" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	fallback := fakeFallback{searchFn: func(context.Context, string, string, int) ([]stream.Stream, error) {
		return nil, errors.New("locked")
	}}
	resp := NewService(nil, fallback, nil).Search(context.Background(), Query{RepoID: "repo-1", Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", resp.Results)
	}
}

func TestIndexStreamSkipsUnhealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: false}
	NewService(index, nil, nil).IndexStream(sampleStreams()[0])
	if len(index.indexed) != 0 {
		t.Fatalf("expected nothing indexed, got %+v", index.indexed)
	}
}

func TestIndexStreamPushesRecord(t *testing.T) {
	index := &fakeIndex{healthy: true, indexedCh: make(chan struct{}, 1)}
	NewService(index, nil, nil).IndexStream(sampleStreams()[1])
	<-index.indexedCh

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.indexed) != 1 || index.indexed[0].Status != "merged" || index.indexed[0].Branch != "stream/agent-b/str_2" {
		t.Fatalf("unexpected indexed records %+v", index.indexed)
	}
}

func TestReindex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	if err := NewService(index, nil, nil).Reindex(sampleStreams()); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if len(index.indexed) != 2 {
		t.Fatalf("expected two records, got %d", len(index.indexed))
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"str_1"`),
		"repoId":     json.RawMessage(`"repo-1"`),
		"title":      json.RawMessage(`"fix parser"`),
		"status":     json.RawMessage(`"active"`),
		"_formatted": json.RawMessage(`{"title":"fix <mark>parser</mark>"}`),
	}
	got := hitToResult(hit)
	if got.StreamID != "str_1" || got.RepoID != "repo-1" || got.Title != "fix parser" || got.Status != "active" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Snippet != "fix <mark>parser</mark>" {
		t.Fatalf("snippet = %q", got.Snippet)
	}
}

func TestFiltersScopeToRepository(t *testing.T) {
	got := filters(Query{RepoID: "repo-1", Status: "active"})
	if len(got) != 2 || got[0] != `repoId = "repo-1"` || got[1] != `status = "active"` {
		t.Fatalf("filters() = %v", got)
	}
}
