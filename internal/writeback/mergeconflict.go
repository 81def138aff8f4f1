package writeback

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MergeConflictLease is the structured state a merge-conflict marker's
// second line carries: who holds the retry attempt and until when.
type MergeConflictLease struct {
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expiresAt"`
}

// MergeConflictState is the full structured payload embedded in a
// merge-conflict writeback's state line.
type MergeConflictState struct {
	Version  int                   `json:"version"`
	Lease    MergeConflictLease    `json:"lease"`
	Attempts []MergeConflictAttempt `json:"attempts"`
}

// MergeConflictAttempt records one resolution attempt.
type MergeConflictAttempt struct {
	At      string `json:"at"`
	Outcome string `json:"outcome"`
}

// MergeConflictParams is the input to BuildMergeConflictPlan.
type MergeConflictParams struct {
	Repo        string
	IssueNumber int
	RetryIndex  int
	State       MergeConflictState
	Summary     string
}

// BuildMergeConflictPlan renders a merge-conflict writeback carrying a
// structured `version: 1` state line that the next reader parses to
// decide whether to re-enter resolution.
func BuildMergeConflictPlan(p MergeConflictParams) Plan {
	if p.State.Version == 0 {
		p.State.Version = 1
	}
	stateJSON, _ := json.Marshal(p.State)
	body := fmt.Sprintf("Merge conflict detected (attempt %d). %s", len(p.State.Attempts), TruncateField(p.Summary, FieldCapDetails))

	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        KindMergeConflict,
		Stage:       "merge-conflict",
		RetryIndex:  p.RetryIndex,
		Signature:   p.State.Lease.Holder,
		Body:        body,
		StateJSON:   string(stateJSON),
	})
}

// CmdDecision is the structured state a cmd writeback's state line
// carries: which operator command was processed and when.
type CmdDecision struct {
	Key         string `json:"key"`
	Decision    string `json:"decision"`
	ProcessedAt string `json:"processedAt"`
}

// CmdParams is the input to BuildCmdPlan.
type CmdParams struct {
	Repo        string
	IssueNumber int
	Decision    CmdDecision
	Summary     string
}

// BuildCmdPlan renders a cmd-processing writeback.
func BuildCmdPlan(p CmdParams) Plan {
	stateJSON, _ := json.Marshal(p.Decision)
	body := fmt.Sprintf("Command `%s` processed: %s", p.Decision.Key, p.Summary)
	return BuildPlan(PlanContext{
		Repo:        p.Repo,
		IssueNumber: p.IssueNumber,
		Kind:        KindCmd,
		Stage:       "cmd",
		Signature:   p.Decision.Key,
		Body:        body,
		StateJSON:   string(stateJSON),
	})
}

// ParseMergeConflictState reads a prior writeback comment body for its
// `version: 1` state line, returning ok=false if absent or malformed.
func ParseMergeConflictState(body string) (MergeConflictState, bool) {
	return parseStateLine[MergeConflictState](body, KindMergeConflict)
}

// ParseCmdDecision reads a prior cmd writeback comment body for its
// decision state line.
func ParseCmdDecision(body string) (CmdDecision, bool) {
	return parseStateLine[CmdDecision](body, KindCmd)
}

func parseStateLine[T any](body, kind string) (T, bool) {
	var zero T
	prefix := fmt.Sprintf("<!-- ralph-%s:state=", kind)
	lowerBody := strings.ToLower(body)
	idx := strings.Index(lowerBody, strings.ToLower(prefix))
	if idx < 0 {
		return zero, false
	}
	rest := body[idx+len(prefix):]
	end := strings.Index(rest, "-->")
	if end < 0 {
		return zero, false
	}
	raw := strings.TrimSpace(rest[:end])
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, false
	}
	return out, true
}
