package app

import (
	"context"
	"net/http"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/gitrepo"
	"conclave/api/internal/permission"
	"conclave/api/internal/rbac"
	"conclave/api/internal/statedb"
	"conclave/api/internal/store"
	"conclave/api/internal/stream"
)

type CreateStreamInput struct {
	Title          string `json:"title"`
	BaseBranch     string `json:"baseBranch"`
	ParentStreamID string `json:"parentStreamId"`
}

// CreateStream opens a stream for the calling agent and points its worktree
// at the new branch.
func (s *Service) CreateStream(ctx context.Context, session Session, repoID string, in CreateStreamInput) (stream.Stream, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return stream.Stream{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return stream.Stream{}, validationError("title is required")
	}
	created, err := s.workspaces.CreateStream(ctx, repoID, gitrepo.CreateStreamInput{
		AgentID:        session.ActorID,
		Title:          in.Title,
		BaseBranch:     strings.TrimSpace(in.BaseBranch),
		ParentStreamID: strings.TrimSpace(in.ParentStreamID),
	})
	if err != nil {
		return stream.Stream{}, err
	}
	s.streamChanged(ctx, created)
	return created, nil
}

func (s *Service) GetStream(ctx context.Context, session Session, repoID, streamID string) (stream.Stream, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return stream.Stream{}, err
	}
	return s.workspaces.GetStream(ctx, repoID, streamID)
}

func (s *Service) ListStreams(ctx context.Context, session Session, repoID string, filter statedb.StreamFilter) ([]stream.Stream, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationError("status must be active, merged or abandoned")
	}
	items, err := s.workspaces.ListStreams(ctx, repoID, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []stream.Stream{}
	}
	return items, nil
}

// CurrentStream returns the stream the caller's worktree is on.
func (s *Service) CurrentStream(ctx context.Context, session Session, repoID string) (stream.Stream, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return stream.Stream{}, err
	}
	return s.workspaces.AgentStream(ctx, repoID, session.ActorID)
}

// Worktree file operations always address the caller's own worktree, so the
// caller is the owner of whatever stream it is on.

func (s *Service) WriteFile(ctx context.Context, session Session, repoID, path string, content []byte) error {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.workspaces.WriteFile(ctx, repoID, session.ActorID, path, content)
}

func (s *Service) DeleteFile(ctx context.Context, session Session, repoID, path string) error {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.workspaces.DeleteFile(ctx, repoID, session.ActorID, path)
}

func (s *Service) ReadFile(ctx context.Context, session Session, repoID, path string) ([]byte, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.workspaces.ReadFile(ctx, repoID, session.ActorID, path)
}

func (s *Service) ListFiles(ctx context.Context, session Session, repoID string) ([]string, error) {
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionRead); err != nil {
		return nil, err
	}
	files, err := s.workspaces.ListFiles(ctx, repoID, session.ActorID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// Commit commits the caller's staged changes onto its stream. The push check
// runs against the stream branch, so protected stream namespaces are honoured.
func (s *Service) Commit(ctx context.Context, session Session, repoID, message, streamID string) (gitrepo.CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return gitrepo.CommitResult{}, validationError("message is required")
	}

	var target stream.Stream
	var err error
	if streamID = strings.TrimSpace(streamID); streamID != "" {
		target, err = s.workspaces.GetStream(ctx, repoID, streamID)
	} else {
		target, err = s.workspaces.AgentStream(ctx, repoID, session.ActorID)
	}
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	if target.AgentID != session.ActorID {
		return gitrepo.CommitResult{}, forbidden(permission.Decision{Reason: "not_stream_owner"})
	}

	decision, err := s.permissions.CanPushToBranch(ctx, session.ActorID, repoID, target.Branch)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	if !decision.Allowed {
		s.logger.Info("push denied", "actor_id", session.ActorID, "repo_id", repoID, "branch", target.Branch, "reason", decision.Reason)
		return gitrepo.CommitResult{}, forbidden(decision)
	}

	result, err := s.workspaces.CommitChanges(ctx, repoID, session.ActorID, message, target.ID)
	if err != nil {
		return gitrepo.CommitResult{}, err
	}
	return result, nil
}

// AbandonStream closes a stream. Owners may always abandon their own streams;
// anyone else needs maintain.
func (s *Service) AbandonStream(ctx context.Context, session Session, repoID, streamID, reason string) (stream.Stream, error) {
	item, err := s.workspaces.GetStream(ctx, repoID, streamID)
	if err != nil {
		return stream.Stream{}, err
	}
	if err := s.authorizeOwnerOr(ctx, session, item, rbac.ActionMerge); err != nil {
		return stream.Stream{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "abandoned by " + session.ActorID
	}
	closed, err := s.workspaces.AbandonStream(ctx, repoID, streamID, reason)
	if err != nil {
		return stream.Stream{}, err
	}
	s.streamChanged(ctx, closed)
	s.publish(ctx, events.Event{
		Type:     events.TypeStreamAbandoned,
		Key:      events.Key(events.TypeStreamAbandoned, repoID, streamID),
		RepoID:   repoID,
		StreamID: streamID,
		Payload:  map[string]any{"reason": reason, "actorId": session.ActorID},
	})
	return closed, nil
}

// LinkExternalPR associates an external pull request number with a stream.
// Linking the same pair again is a no-op; a number already linked to a
// different stream is a conflict.
func (s *Service) LinkExternalPR(ctx context.Context, session Session, repoID string, prNumber int, streamID string) (store.StreamLink, error) {
	if prNumber <= 0 {
		return store.StreamLink{}, validationError("prNumber must be positive")
	}
	if _, err := s.authorize(ctx, session, repoID, rbac.ActionWrite); err != nil {
		return store.StreamLink{}, err
	}
	if _, err := s.workspaces.GetStream(ctx, repoID, streamID); err != nil {
		return store.StreamLink{}, err
	}
	link, created, err := s.store.LinkStream(ctx, repoID, prNumber, streamID)
	if err != nil {
		return store.StreamLink{}, err
	}
	if !created && link.StreamID != streamID {
		return store.StreamLink{}, domainError(http.StatusConflict, "PR_ALREADY_LINKED", "Pull request is linked to another stream", map[string]any{
			"prNumber": prNumber,
			"streamId": link.StreamID,
		})
	}
	return link, nil
}
