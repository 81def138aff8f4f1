package writeback

import "testing"

func TestBuildPlanEmbedsMarkerAndBody(t *testing.T) {
	plan := BuildPlan(PlanContext{
		Repo: "o/r", IssueNumber: 7, Kind: KindEscalation, Stage: "escalate",
		Body: "hello world",
	})
	if plan.MarkerID == "" {
		t.Fatal("expected a non-empty marker id")
	}
	if plan.StateLine != "" {
		t.Fatal("no StateJSON given, expected no state line")
	}
	id, ok := ExtractMarkerID(plan.CommentBody, KindEscalation)
	if !ok || id != plan.MarkerID {
		t.Fatalf("comment body does not carry its own marker id: %q", plan.CommentBody)
	}
	wantKey := "escalation:o/r#7:" + plan.MarkerID
	if plan.IdempotencyKey != wantKey {
		t.Fatalf("want key %q got %q", wantKey, plan.IdempotencyKey)
	}
}

func TestBuildPlanIncludesStateLineWhenProvided(t *testing.T) {
	plan := BuildPlan(PlanContext{
		Repo: "o/r", IssueNumber: 7, Kind: KindMergeConflict, Stage: "merge-conflict",
		Body: "body", StateJSON: `{"version":1}`,
	})
	if plan.StateLine == "" {
		t.Fatal("expected a state line")
	}
	got, ok := parseStateLine[map[string]int](plan.CommentBody, KindMergeConflict)
	if !ok || got["version"] != 1 {
		t.Fatalf("state line did not round-trip: %q", plan.CommentBody)
	}
}

func TestBuildPlanTruncatesOversizedBody(t *testing.T) {
	long := make([]byte, BodyCapRollupReady*2)
	for i := range long {
		long[i] = 'x'
	}
	plan := BuildPlan(PlanContext{
		Repo: "o/r", IssueNumber: 1, Kind: KindRollupReady, Stage: "rollup",
		Body: string(long), BodyCap: BodyCapRollupReady,
	})
	if len(plan.CommentBody) > BodyCapRollupReady+4 {
		t.Fatalf("want roughly truncated to %d bytes, got %d", BodyCapRollupReady, len(plan.CommentBody))
	}
	if !isEllipsisSuffix(plan.CommentBody) {
		t.Fatalf("want ellipsis suffix on truncated body, got tail %q", plan.CommentBody[len(plan.CommentBody)-10:])
	}
}

func TestBuildPlanDifferentRetryIndexChangesMarkerID(t *testing.T) {
	base := PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindWatchdogStuck, Stage: "watchdog", Body: "b"}
	p1 := base
	p1.RetryIndex = 0
	p2 := base
	p2.RetryIndex = 1
	a := BuildPlan(p1)
	b := BuildPlan(p2)
	if a.MarkerID == b.MarkerID {
		t.Fatal("distinct retry indices should yield distinct marker ids")
	}
}

func TestTruncateFieldAppendsEllipsis(t *testing.T) {
	s := TruncateField("abcdefgh", 4)
	if !isEllipsisSuffix(s) {
		t.Fatalf("want ellipsis suffix, got %q", s)
	}
	if len(s) >= len("abcdefgh") {
		t.Fatalf("want a shorter string, got %q", s)
	}
}

func TestTruncateFieldLeavesShortStringAlone(t *testing.T) {
	s := TruncateField("abc", 10)
	if s != "abc" {
		t.Fatalf("want unchanged, got %q", s)
	}
}

func isEllipsisSuffix(s string) bool {
	r := []rune(s)
	return r[len(r)-1] == '…'
}
