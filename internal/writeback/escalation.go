package writeback

import "fmt"

// EscalationParams is the input to BuildEscalationPlan.
type EscalationParams struct {
	Repo        string
	IssueNumber int
	Owner       string // @mention target
	Reason      string
	Details     string
	RetryIndex  int
	Signature   string
}

// resolutionTriggerPhrase is the fixed comment a human can post to
// clear an escalation, named explicitly so the body's "To resolve"
// section stays stable across escalations.
const resolutionTriggerPhrase = "ralph retry"

// BuildEscalationPlan renders the escalation writeback: status moves
// to escalated, removing the in-progress, queued and stuck status
// labels (other status labels are left in place), with a body that
// deterministically mentions owner and names the two ways to resolve.
func BuildEscalationPlan(p EscalationParams) Plan {
	reason := TruncateField(p.Reason, FieldCapReason)
	details := TruncateField(p.Details, FieldCapDetails)

	body := fmt.Sprintf(
		"@%s this issue has been escalated and needs attention.\n\n**Reason:** %s\n\n**Details:**\n%s\n\n**To resolve:** comment `%s`, or re-add the `ralph:status:queued` label.",
		p.Owner, reason, details, resolutionTriggerPhrase,
	)

	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        KindEscalation,
		Stage:       "escalate",
		RetryIndex:  p.RetryIndex,
		Signature:   p.Signature,
		Body:        body,
		AddLabels:   []string{"ralph:status:escalated"},
		RemoveLabels: []string{
			"ralph:status:in-progress",
			"ralph:status:queued",
			"ralph:status:stuck",
		},
	})
}
