package store

import "time"

type Organization struct {
	ID              string
	Name            string
	IsPlatform      bool
	DefaultAccess   string
	DefaultMinKarma *int
	CreatedAt       time.Time
}

type Actor struct {
	ID         string
	Name       string
	Karma      int
	IsHuman    bool
	APIKeyHash string
	CreatedAt  time.Time
}

type Repository struct {
	ID                 string
	OrgID              string
	Name               string
	Governance         string
	MergeMode          string
	ConsensusThreshold float64
	MinReviews         int
	HumanReviewWeight  float64
	BufferBranch       string
	PromoteTarget      string
	AutoPromote        bool
	AutoRevert         bool
	AgentAccess        string
	MinKarma           *int
	IsPrivate          bool
	CloneURL           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type AccessGrant struct {
	RepoID    string
	ActorID   string
	Level     string
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the grant has an expiry at or before now.
func (g AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

type Maintainer struct {
	RepoID    string
	ActorID   string
	Role      string
	CreatedAt time.Time
}

type BranchRule struct {
	ID                 string
	RepoID             string
	Pattern            string
	Priority           int
	PushRestriction    string
	RequiredApprovals  int
	RequireTests       bool
	ConsensusThreshold *float64
	MergeRestriction   string
	CreatedAt          time.Time
}

type Review struct {
	RepoID     string
	StreamID   string
	ReviewerID string
	Verdict    string
	IsHuman    bool
	Tested     bool
	Comment    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReviewVote is a review joined with what the consensus engine needs to know
// about the reviewer.
type ReviewVote struct {
	Review
	Karma          int
	MaintainerRole string
}

type StreamLink struct {
	RepoID    string
	PRNumber  int
	StreamID  string
	CreatedAt time.Time
}
