package queuestate

import "regexp"

// dependencyRegex matches common dependency references in an issue
// body: "Depends on: #123", "Blocked by #456", "Requires: #789", etc.
var dependencyRegex = regexp.MustCompile(`(?i)(?:depends\s+on|blocked\s+by|requires):?\s*#(\d+)`)

// ParseIssueDependencies extracts the deduplicated set of issue
// numbers referenced as dependencies in body, in first-seen order.
func ParseIssueDependencies(body string) []int {
	if body == "" {
		return nil
	}
	matches := dependencyRegex.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(matches))
	var deps []int
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		n := 0
		for _, r := range m[1] {
			n = n*10 + int(r-'0')
		}
		if n > 0 && !seen[n] {
			seen[n] = true
			deps = append(deps, n)
		}
	}
	return deps
}

// DependencyState is whether the issue's dependencies allow it to run.
type DependencyState struct {
	// PendingNumbers are dependency issue numbers confirmed still open.
	PendingNumbers []int
	// UnresolvedNumbers are dependency issue numbers that could not be
	// fetched; callers should treat these as pending to be safe.
	UnresolvedNumbers []int
}

// Blocked reports whether any dependency is pending or unresolved.
func (d DependencyState) Blocked() bool {
	return len(d.PendingNumbers) > 0 || len(d.UnresolvedNumbers) > 0
}

// DependencyLookup fetches a dependency issue's open/closed state. err
// non-nil means the lookup itself failed (network, 404, etc.), which
// is treated as unresolved rather than assumed-closed.
type DependencyLookup func(number int) (open bool, err error)

// HasPendingDependencies parses body for dependency references and
// resolves each via lookup, treating lookup failures as pending (the
// issue should not be claimed if it can't be verified as unblocked).
func HasPendingDependencies(body string, lookup DependencyLookup) DependencyState {
	var state DependencyState
	for _, dep := range ParseIssueDependencies(body) {
		open, err := lookup(dep)
		if err != nil {
			state.UnresolvedNumbers = append(state.UnresolvedNumbers, dep)
			continue
		}
		if open {
			state.PendingNumbers = append(state.PendingNumbers, dep)
		}
	}
	return state
}
