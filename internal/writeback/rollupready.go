package writeback

import "fmt"

// RollupReadyParams is the input to BuildRollupReadyPlan: posted on a
// parent issue once all its children have reached ralph:done.
type RollupReadyParams struct {
	Repo           string
	IssueNumber    int
	ChildIssues    []int
	RetryIndex     int
}

// BuildRollupReadyPlan renders the rollup-ready notification.
func BuildRollupReadyPlan(p RollupReadyParams) Plan {
	body := fmt.Sprintf("All %d linked child issues are done; this issue is ready for rollup review.", len(p.ChildIssues))
	sig := fmt.Sprint(p.ChildIssues)
	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        KindRollupReady,
		Stage:       "rollup",
		RetryIndex:  p.RetryIndex,
		Signature:   sig,
		Body:        body,
		BodyCap:     BodyCapRollupReady,
	})
}
