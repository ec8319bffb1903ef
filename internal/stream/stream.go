// Package stream holds the unit of proposed work and its status state machine.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusMerged    Status = "merged"
	StatusAbandoned Status = "abandoned"
)

var (
	ErrInvalidTransition = errors.New("invalid stream transition")
	ErrTerminal          = errors.New("stream is closed")
)

type Stream struct {
	ID            string     `json:"id"`
	RepoID        string     `json:"repoId"`
	AgentID       string     `json:"agentId"`
	Title         string     `json:"title"`
	Branch        string     `json:"branch"`
	BaseBranch    string     `json:"baseBranch"`
	BaseCommit    string     `json:"baseCommit"`
	ParentID      string     `json:"parentId,omitempty"`
	Status        Status     `json:"status"`
	MergeCommit   string     `json:"mergeCommit,omitempty"`
	AbandonReason string     `json:"abandonReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	MergedAt      *time.Time `json:"mergedAt,omitempty"`
	AbandonedAt   *time.Time `json:"abandonedAt,omitempty"`
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusMerged, StatusAbandoned:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusAbandoned
}

// Transition validates a status change. Only active streams may move, and
// only to merged or abandoned.
func Transition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: already %s", ErrTerminal, from)
	}
	if to == StatusActive {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Open reports whether the stream still accepts commits, reviews and merges.
func (s Stream) Open() bool {
	return s.Status == StatusActive
}

// Touched returns the most recent activity time.
func (s Stream) Touched() time.Time {
	if s.UpdatedAt.After(s.CreatedAt) {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// BranchName is the git branch backing a stream.
func BranchName(agentID, streamID string) string {
	return "stream/" + Slug(agentID) + "/" + streamID
}

// Slug turns an actor id into a path- and ref-safe segment.
func Slug(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	lastDash := false
	for _, r := range strings.ToLower(input) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case r == '-' || r == '_' || r == '.' || r == ' ' || r == '/' || r == '@':
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "agent"
	}
	return slug
}
