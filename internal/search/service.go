// Package search finds streams by title, branch or agent. Meilisearch is used
// when it is configured and healthy; otherwise queries go to the repository's
// embedded state store.
package search

import (
	"context"
	"log/slog"
	"strings"

	"conclave/api/internal/stream"
)

const (
	SourceIndex = "index"
	SourceState = "state"

	defaultLimit = 20
	maxLimit     = 100
)

// Index is the external search index.
type Index interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexStream(record StreamRecord) error
	IndexStreams(records []StreamRecord) error
}

// Fallback searches streams in the embedded state store.
type Fallback interface {
	SearchStreams(ctx context.Context, repoID, query string, limit int) ([]stream.Stream, error)
}

type Service struct {
	index    Index
	fallback Fallback
	logger   *slog.Logger
}

// NewService creates a search service. index may be nil.
func NewService(index Index, fallback Fallback, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger.With("component", "search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	q.Limit = limitOrDefault(q.Limit)

	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceIndex}
		}
		s.logger.Warn("index search failed, falling back to state store", "repo_id", q.RepoID, "error", err)
	}

	items, err := s.fallback.SearchStreams(ctx, q.RepoID, q.Text, q.Limit)
	if err != nil {
		s.logger.Error("state store search failed", "repo_id", q.RepoID, "error", err)
		return Response{Results: []Result{}, Query: q.Text, Source: SourceState}
	}
	results := make([]Result, 0, len(items))
	for _, item := range items {
		if q.Status != "" && string(item.Status) != q.Status {
			continue
		}
		results = append(results, fromStream(item))
	}
	return Response{Results: results, Total: len(results), Query: q.Text, Source: SourceState}
}

// IndexStream pushes a stream to the index in the background.
func (s *Service) IndexStream(item stream.Stream) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	record := RecordFor(item)
	go func() {
		if err := s.index.IndexStream(record); err != nil {
			s.logger.Warn("index stream", "stream_id", record.ID, "error", err)
		}
	}()
}

// Reindex pushes every given stream to the index synchronously.
func (s *Service) Reindex(items []stream.Stream) error {
	if s.index == nil || !s.index.Healthy() {
		return nil
	}
	records := make([]StreamRecord, 0, len(items))
	for _, item := range items {
		records = append(records, RecordFor(item))
	}
	return s.index.IndexStreams(records)
}

func RecordFor(item stream.Stream) StreamRecord {
	return StreamRecord{
		ID:      item.ID,
		RepoID:  item.RepoID,
		AgentID: item.AgentID,
		Title:   item.Title,
		Branch:  item.Branch,
		Status:  string(item.Status),
	}
}

func fromStream(item stream.Stream) Result {
	return Result{
		StreamID: item.ID,
		RepoID:   item.RepoID,
		AgentID:  item.AgentID,
		Title:    item.Title,
		Branch:   item.Branch,
		Status:   string(item.Status),
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
