package policy

import "testing"

func TestAllowsMatchesWildcardOwner(t *testing.T) {
	a := New([]string{"org/*"})
	if !a.Allows("org/repo-one") {
		t.Fatalf("expected org/repo-one to be allowed")
	}
	if a.Allows("other-org/repo") {
		t.Fatalf("expected other-org/repo to be denied")
	}
}

func TestAllowsMatchesTeamPrefixGlob(t *testing.T) {
	a := New([]string{"org/team-*"})
	if !a.Allows("org/team-infra") {
		t.Fatalf("expected org/team-infra to be allowed")
	}
	if a.Allows("org/other") {
		t.Fatalf("expected org/other to be denied")
	}
}

func TestAllowsExactMatch(t *testing.T) {
	a := New([]string{"org/repo"})
	if !a.Allows("org/repo") {
		t.Fatalf("expected exact match to be allowed")
	}
}

func TestAllowsDeniesEverythingWithNoPatterns(t *testing.T) {
	a := New(nil)
	if a.Allows("org/repo") {
		t.Fatalf("expected no patterns to deny everything")
	}
}
