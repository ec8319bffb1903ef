package search

// StreamRecord is the data indexed for a stream.
type StreamRecord struct {
	ID      string `json:"id"`
	RepoID  string `json:"repoId"`
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
	Branch  string `json:"branch"`
	Status  string `json:"status"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	StreamID string `json:"streamId"`
	RepoID   string `json:"repoId"`
	AgentID  string `json:"agentId"`
	Title    string `json:"title"`
	Branch   string `json:"branch"`
	Status   string `json:"status"`
	Snippet  string `json:"snippet,omitempty"`
}

// Query describes a search request scoped to one repository.
type Query struct {
	RepoID string
	Text   string
	Status string
	Limit  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}
