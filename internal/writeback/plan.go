package writeback

import (
	"fmt"
	"strings"
)

// Writeback kinds, each with its own label delta and body vocabulary.
const (
	KindEscalation         = "escalation"
	KindWatchdogStuck      = "watchdog-stuck"
	KindWatchdogEscalated  = "watchdog-escalated"
	KindRollupReady        = "rollup-ready"
	KindParentVerification = "parent-verification"
	KindMergeConflict      = "merge-conflict"
	KindCmd                = "cmd"
)

// Body length caps per spec.md §4.6 step 7.
const (
	BodyCapWatchdog    = 60 * 1024
	BodyCapRollupReady = 8 * 1024
	BodyCapDefault     = 16 * 1024

	FieldCapReason  = 500
	FieldCapDetails = 5000
	FieldCapSnippet = 1200
)

// PlanContext is the identity tuple + content a writeback call plans
// from.
type PlanContext struct {
	Repo        string
	IssueNumber int
	Kind        string
	Stage       string
	RetryIndex  int
	Signature   string
	SessionID   string

	Body         string // the rendered content below the marker line(s)
	StateJSON    string // optional second marker line payload
	AddLabels    []string
	RemoveLabels []string

	BodyCap int // 0 uses BodyCapDefault
}

// Plan is the output of planning a writeback: everything Apply needs
// to converge the comment + labels + idempotency key.
type Plan struct {
	Kind           string
	MarkerID       string
	MarkerLine     string
	StateLine      string
	CommentBody    string
	AddLabels      []string
	RemoveLabels   []string
	IdempotencyKey string
}

// BuildPlan derives a Plan from ctx per spec.md §4.6.
func BuildPlan(ctx PlanContext) Plan {
	markerID := MarkerID(
		ctx.Repo,
		fmt.Sprint(ctx.IssueNumber),
		ctx.Kind,
		ctx.Stage,
		fmt.Sprint(ctx.RetryIndex),
		ctx.Signature,
		ctx.SessionID,
	)
	markerLine := MarkerLine(ctx.Kind, markerID)

	bodyCap := ctx.BodyCap
	if bodyCap <= 0 {
		bodyCap = BodyCapDefault
	}

	var sb strings.Builder
	sb.WriteString(markerLine)
	sb.WriteString("\n")
	stateLine := ""
	if ctx.StateJSON != "" {
		stateLine = StateLine(ctx.Kind, ctx.StateJSON)
		sb.WriteString(stateLine)
		sb.WriteString("\n")
	}
	sb.WriteString(ctx.Body)

	body := truncateBody(sb.String(), bodyCap)

	return Plan{
		Kind:           ctx.Kind,
		MarkerID:       markerID,
		MarkerLine:     markerLine,
		StateLine:      stateLine,
		CommentBody:    body,
		AddLabels:      ctx.AddLabels,
		RemoveLabels:   ctx.RemoveLabels,
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s", ctx.Kind, ctx.Repo, ctx.IssueNumber, markerID),
	}
}

func truncateBody(body string, limit int) string {
	if len(body) <= limit {
		return body
	}
	return body[:limit-1] + "…"
}

// TruncateField applies a per-field cap with ellipsis truncation, for
// reason/details/snippet fields assembled into a writeback body.
func TruncateField(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}
