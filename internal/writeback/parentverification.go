package writeback

import (
	"context"
	"fmt"
)

// ParentVerificationParams is the input to BuildParentVerificationPlan.
type ParentVerificationParams struct {
	Repo        string
	IssueNumber int
	Summary     string
	RetryIndex  int
}

// BuildParentVerificationPlan renders the verification comment posted
// on a parent issue once its children are all done.
func BuildParentVerificationPlan(p ParentVerificationParams) Plan {
	body := fmt.Sprintf("All linked work for this issue is complete and verified.\n\n%s", TruncateField(p.Summary, FieldCapDetails))
	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        KindParentVerification,
		Stage:       "verify",
		RetryIndex:  p.RetryIndex,
		Signature:   p.Summary,
		Body:        body,
		RemoveLabels: []string{
			"ralph:status:queued",
			"ralph:blocked",
			"ralph:status:in-progress",
		},
	})
}

// ApplyParentVerification runs the full parent-verification sequence:
// post/update the verification comment, then close the issue, per
// spec.md §4.6's "Parent-verification" paragraph.
func (e *Engine) ApplyParentVerification(ctx context.Context, p ParentVerificationParams) (Action, error) {
	plan := BuildParentVerificationPlan(p)
	action, err := e.Apply(ctx, p.Repo, p.IssueNumber, plan)
	if err != nil {
		return action, err
	}
	if err := e.gh.CloseIssue(ctx, p.Repo, p.IssueNumber, "completed"); err != nil {
		return action, fmt.Errorf("writeback: close verified parent: %w", err)
	}
	return action, nil
}
