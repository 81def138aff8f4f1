// Package policy implements the repo allowlist gate: C7 and C10 both
// skip a repo that isn't explicitly allowed before touching GitHub for
// it. Patterns are doublestar globs matched against "owner/name"
// (e.g. "org/*", "org/team-*").
package policy

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Allowlist holds the configured repo glob patterns.
type Allowlist struct {
	patterns []string
}

// New builds an Allowlist from patterns. A nil or empty patterns
// allows no repos — callers must opt in explicitly.
func New(patterns []string) *Allowlist {
	cp := append([]string(nil), patterns...)
	return &Allowlist{patterns: cp}
}

// Allows reports whether repo matches any configured pattern.
func (a *Allowlist) Allows(repo string) bool {
	for _, p := range a.patterns {
		if ok, err := doublestar.Match(p, repo); err == nil && ok {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns, for diagnostics.
func (a *Allowlist) Patterns() []string {
	return append([]string(nil), a.patterns...)
}
