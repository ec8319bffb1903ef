package permission

import (
	"context"
	"fmt"

	"conclave/api/internal/branchrule"
	"conclave/api/internal/rbac"
	"conclave/api/internal/store"
)

const (
	ReasonAllowed                 = "allowed"
	ReasonNoMatchingRule          = "no_matching_rule"
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonBranchProtected         = "branch_protected"
	ReasonMaintainersOnly         = "maintainers_only"
)

// Decision is the outcome of a permission check. A denial is a normal value
// carrying a reason code, never an error.
type Decision struct {
	Allowed     bool             `json:"allowed"`
	Reason      string           `json:"reason"`
	Required    rbac.Level       `json:"required,omitempty"`
	Permissions Permissions      `json:"permissions"`
	Rule        *branchrule.Rule `json:"rule,omitempty"`
}

func (r *Resolver) CanPerform(ctx context.Context, actorID, repoID string, action rbac.Action) (Decision, error) {
	perms, err := r.Resolve(ctx, actorID, repoID)
	if err != nil {
		return Decision{}, err
	}
	required := rbac.Required(action)
	if !rbac.Can(perms.Level, action) {
		return Decision{Reason: ReasonInsufficientPermissions, Required: required, Permissions: perms}, nil
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, Required: required, Permissions: perms}, nil
}

// CanPushToBranch checks a direct push to branch. Actors below write are
// denied before branch rules are consulted.
func (r *Resolver) CanPushToBranch(ctx context.Context, actorID, repoID, branch string) (Decision, error) {
	perms, err := r.Resolve(ctx, actorID, repoID)
	if err != nil {
		return Decision{}, err
	}
	if !rbac.AtLeast(perms.Level, rbac.LevelWrite) {
		return Decision{Reason: ReasonInsufficientPermissions, Required: rbac.LevelWrite, Permissions: perms}, nil
	}

	rules, err := r.BranchRules(ctx, repoID)
	if err != nil {
		return Decision{}, err
	}
	rule, ok := branchrule.Match(branch, rules)
	if !ok {
		return Decision{Allowed: true, Reason: ReasonNoMatchingRule, Required: rbac.LevelWrite, Permissions: perms}, nil
	}

	decision := Decision{Permissions: perms, Rule: &rule}
	switch rule.Push {
	case branchrule.PushNone:
		decision.Reason = ReasonBranchProtected
	case branchrule.PushMaintainers:
		decision.Required = rbac.LevelMaintain
		if rbac.AtLeast(perms.Level, rbac.LevelMaintain) {
			decision.Allowed, decision.Reason = true, ReasonAllowed
		} else {
			decision.Reason = ReasonMaintainersOnly
		}
	default:
		decision.Required = rbac.LevelWrite
		decision.Allowed, decision.Reason = true, ReasonAllowed
	}
	return decision, nil
}

// BranchRules loads the repository's rules in match order.
func (r *Resolver) BranchRules(ctx context.Context, repoID string) ([]branchrule.Rule, error) {
	rows, err := r.store.ListBranchRules(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("load branch rules: %w", err)
	}
	return branchrule.Sort(ToRules(rows)), nil
}

func ToRules(rows []store.BranchRule) []branchrule.Rule {
	rules := make([]branchrule.Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, branchrule.Rule{
			ID:                 row.ID,
			Pattern:            row.Pattern,
			Priority:           row.Priority,
			Push:               branchrule.PushRestriction(row.PushRestriction),
			RequiredApprovals:  row.RequiredApprovals,
			RequireTests:       row.RequireTests,
			ConsensusThreshold: row.ConsensusThreshold,
			Merge:              branchrule.MergeRestriction(row.MergeRestriction),
		})
	}
	return rules
}
