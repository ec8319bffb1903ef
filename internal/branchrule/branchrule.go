// Package branchrule selects the protection rule that applies to a branch.
package branchrule

import (
	"sort"
	"strings"
)

type PushRestriction string

const (
	PushNone        PushRestriction = "none"
	PushMaintainers PushRestriction = "maintainers"
	PushAll         PushRestriction = "all"
)

type MergeRestriction string

const (
	MergeConsensus   MergeRestriction = "consensus"
	MergeMaintainers MergeRestriction = "maintainers"
)

type Rule struct {
	ID                 string
	Pattern            string
	Priority           int
	Push               PushRestriction
	RequiredApprovals  int
	RequireTests       bool
	ConsensusThreshold *float64
	Merge              MergeRestriction
}

// Sort returns a copy of rules in match order: priority descending, then
// longer (more specific) patterns first.
func Sort(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		if len(sorted[i].Pattern) != len(sorted[j].Pattern) {
			return len(sorted[i].Pattern) > len(sorted[j].Pattern)
		}
		return sorted[i].Pattern < sorted[j].Pattern
	})
	return sorted
}

// Match returns the first rule in rules whose pattern matches branch. rules
// must already be in match order (see Sort).
func Match(branch string, rules []Rule) (Rule, bool) {
	for _, rule := range rules {
		if MatchPattern(rule.Pattern, branch) {
			return rule, true
		}
	}
	return Rule{}, false
}

// MatchPattern reports whether branch matches pattern. A '*' matches any run
// of characters, '/' included; all other characters are literal.
func MatchPattern(pattern, branch string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == branch
	}
	if !strings.HasPrefix(branch, parts[0]) {
		return false
	}
	rest := branch[len(parts[0]):]
	// Leftmost placement of each inner literal leaves the most room for the
	// ones after it.
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, part)
		if i < 0 {
			return false
		}
		rest = rest[i+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}
