package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxStreams = "conclave_streams"

// Meili indexes and searches streams in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the stream index. A
// failed first health check is not an error; the health loop keeps probing.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxStreams, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index", "index", idxStreams, "error", err)
	}
	index := m.client.Index(idxStreams)
	filterable := []interface{}{"repoId", "status", "agentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxStreams, "error", err)
	}
	searchable := []string{"title", "branch", "agentId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxStreams, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	request := &meili.SearchRequest{
		IndexUID:              idxStreams,
		Query:                 q.Text,
		Limit:                 int64(limitOrDefault(q.Limit)),
		AttributesToHighlight: []string{"title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
		Filter:                filters(q),
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{request}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func filters(q Query) []string {
	out := []string{fmt.Sprintf("repoId = %q", q.RepoID)}
	if q.Status != "" {
		out = append(out, fmt.Sprintf("status = %q", q.Status))
	}
	return out
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		StreamID: decodeString(hit, "id"),
		RepoID:   decodeString(hit, "repoId"),
		AgentID:  decodeString(hit, "agentId"),
		Title:    decodeString(hit, "title"),
		Branch:   decodeString(hit, "branch"),
		Status:   decodeString(hit, "status"),
		Snippet:  decodeFormattedString(hit, "title"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// IndexStream adds or replaces a stream in the index.
func (m *Meili) IndexStream(record StreamRecord) error {
	_, err := m.client.Index(idxStreams).AddDocuments([]StreamRecord{record}, nil)
	return err
}

// IndexStreams bulk-indexes streams.
func (m *Meili) IndexStreams(records []StreamRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxStreams).AddDocuments(records, nil)
	return err
}
