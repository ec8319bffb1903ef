// Package permission resolves an actor's effective access level on a
// repository and answers action and branch-push questions from it.
package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
)

type Source string

const (
	SourceExplicit   Source = "explicit"
	SourceMaintainer Source = "maintainer"
	SourceDefault    Source = "default"
	SourceKarma      Source = "karma"
	SourcePlatform   Source = "platform"
	SourceNone       Source = "none"
)

// Agent access policies applied when an actor has neither a grant nor a
// maintainer role.
const (
	PolicyNone           = "none"
	PolicyPublic         = "public"
	PolicyKarmaThreshold = "karma_threshold"
	PolicyAllowlist      = "allowlist"
)

type Store interface {
	GetRepository(ctx context.Context, repoID string) (store.Repository, error)
	GetOrganization(ctx context.Context, orgID string) (store.Organization, error)
	GetActor(ctx context.Context, actorID string) (store.Actor, error)
	GetAccessGrant(ctx context.Context, repoID, actorID string) (store.AccessGrant, error)
	DeleteExpiredAccessGrant(ctx context.Context, repoID, actorID string, now time.Time) error
	GetMaintainer(ctx context.Context, repoID, actorID string) (store.Maintainer, error)
	ListBranchRules(ctx context.Context, repoID string) ([]store.BranchRule, error)
}

type Permissions struct {
	Level  rbac.Level `json:"level"`
	Source Source     `json:"source"`
	Karma  int        `json:"karma"`
	Policy string     `json:"policy,omitempty"`
}

type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, logger: logger, now: time.Now}
}

// Resolve computes the actor's level on the repository. The first of these
// wins: an unexpired explicit grant, a maintainer role, the default agent
// access policy of the repository or its organization.
func (r *Resolver) Resolve(ctx context.Context, actorID, repoID string) (Permissions, error) {
	repo, err := r.store.GetRepository(ctx, repoID)
	if err != nil {
		return Permissions{}, fmt.Errorf("resolve permissions: %w", err)
	}

	grant, err := r.store.GetAccessGrant(ctx, repoID, actorID)
	switch {
	case err == nil:
		now := r.now()
		if !grant.Expired(now) {
			return Permissions{Level: rbac.Normalize(grant.Level), Source: SourceExplicit}, nil
		}
		if err := r.store.DeleteExpiredAccessGrant(ctx, repoID, actorID, now); err != nil {
			return Permissions{}, fmt.Errorf("drop expired grant: %w", err)
		}
		r.logger.Info("expired access grant removed", "repo_id", repoID, "actor_id", actorID, "expired_at", grant.ExpiresAt)
	case !errors.Is(err, sql.ErrNoRows):
		return Permissions{}, fmt.Errorf("load access grant: %w", err)
	}

	maintainer, err := r.store.GetMaintainer(ctx, repoID, actorID)
	switch {
	case err == nil:
		switch maintainer.Role {
		case "owner":
			return Permissions{Level: rbac.LevelAdmin, Source: SourceMaintainer}, nil
		case "maintainer":
			return Permissions{Level: rbac.LevelMaintain, Source: SourceMaintainer}, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Permissions{}, fmt.Errorf("load maintainer: %w", err)
	}

	karma := 0
	actor, err := r.store.GetActor(ctx, actorID)
	switch {
	case err == nil:
		karma = actor.Karma
	case !errors.Is(err, sql.ErrNoRows):
		return Permissions{}, fmt.Errorf("load actor: %w", err)
	}

	var org *store.Organization
	if repo.OrgID != "" {
		loaded, err := r.store.GetOrganization(ctx, repo.OrgID)
		switch {
		case err == nil:
			org = &loaded
		case !errors.Is(err, sql.ErrNoRows):
			return Permissions{}, fmt.Errorf("load organization: %w", err)
		}
	}

	policy, minKarma := effectivePolicy(repo, org)
	perms := Permissions{Karma: karma, Policy: policy}
	switch policy {
	case PolicyPublic:
		perms.Level, perms.Source = rbac.LevelWrite, SourceDefault
	case PolicyKarmaThreshold:
		perms.Source = SourceKarma
		switch {
		case karma >= minKarma:
			perms.Level = rbac.LevelWrite
		case !repo.IsPrivate:
			perms.Level = rbac.LevelRead
		default:
			perms.Level, perms.Source = rbac.LevelNone, SourceNone
		}
	case PolicyAllowlist:
		perms.Level, perms.Source = rbac.LevelNone, SourceNone
	default:
		if org != nil && org.IsPlatform && !repo.IsPrivate {
			perms.Level, perms.Source = rbac.LevelRead, SourcePlatform
		} else {
			perms.Level, perms.Source = rbac.LevelNone, SourceNone
		}
	}
	return perms, nil
}

// effectivePolicy returns the repository's agent access policy, inheriting
// the organization default when the repository leaves it unset.
func effectivePolicy(repo store.Repository, org *store.Organization) (string, int) {
	policy := repo.AgentAccess
	if policy == "" && org != nil {
		policy = org.DefaultAccess
	}
	if policy == "" {
		policy = PolicyNone
	}

	minKarma := 0
	switch {
	case repo.MinKarma != nil:
		minKarma = *repo.MinKarma
	case org != nil && org.DefaultMinKarma != nil:
		minKarma = *org.DefaultMinKarma
	}
	return policy, minKarma
}
