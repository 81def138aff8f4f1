// Package queuestate implements the pure label/op-state derivation
// functions (C8): no GitHub or store I/O, just {labels, op-state, now}
// in, a derived view or label delta out.
package queuestate

import (
	"regexp"
	"strings"
)

const (
	LabelDone       = "ralph:done"
	LabelEscalated  = "ralph:escalated"
	LabelBlocked    = "ralph:blocked"
	LabelQueued     = "ralph:status:queued"
	LabelInProgress = "ralph:status:in-progress"
	LabelStuck      = "ralph:status:stuck" // aliases to in-progress in the vNext taxonomy
	LabelPaused     = "ralph:status:paused"
	LabelThrottled  = "ralph:status:throttled"
	LabelStarting   = "ralph:status:starting"

	statusPrefix = "ralph:status:"
)

// Status is the derived lifecycle state of a tracked issue.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
	StatusPaused     Status = "paused"
	StatusThrottled  Status = "throttled"
	StatusStarting   Status = "starting"
)

// Priority is the derived scheduling priority of a tracked issue.
type Priority string

const (
	PriorityP0Critical Priority = "p0-critical"
	PriorityP1High      Priority = "p1-high"
	PriorityP2Medium    Priority = "p2-medium"
	PriorityP3Low       Priority = "p3-low"
	PriorityP4Backlog   Priority = "p4-backlog"

	DefaultPriority = PriorityP2Medium
)

var priorityOrder = []struct {
	match    *regexp.Regexp
	priority Priority
}{
	{regexp.MustCompile(`(?i)^p0(-|:|$)`), PriorityP0Critical},
	{regexp.MustCompile(`(?i)^p1(-|:|$)`), PriorityP1High},
	{regexp.MustCompile(`(?i)^p2(-|:|$)`), PriorityP2Medium},
	{regexp.MustCompile(`(?i)^p3(-|:|$)`), PriorityP3Low},
	{regexp.MustCompile(`(?i)^p4(-|:|$)`), PriorityP4Backlog},
}

// OpState mirrors the subset of internal/store.OpState queuestate needs
// to stay a pure, storage-agnostic package.
type OpState struct {
	Exists        bool
	Released      bool
	HeartbeatAtMs int64
	ReleasedAtMs  int64
	SessionID     string
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// DeriveRalphStatus derives the lifecycle status from labels and
// op-state per spec.md §4.8.
func DeriveRalphStatus(labels []string, op OpState) Status {
	switch {
	case hasLabel(labels, LabelDone):
		return StatusDone
	case hasLabel(labels, LabelEscalated):
		return StatusEscalated
	}

	queued := hasLabel(labels, LabelQueued)
	blocked := hasLabel(labels, LabelBlocked)
	inProgress := hasLabel(labels, LabelInProgress) || hasLabel(labels, LabelStuck)
	paused := hasLabel(labels, LabelPaused)
	throttled := hasLabel(labels, LabelThrottled)
	starting := hasLabel(labels, LabelStarting)

	if op.Exists && op.Released {
		inProgress = false
		queued = true
	}

	switch {
	case blocked && !queued:
		return StatusBlocked
	case queued:
		return StatusQueued
	case inProgress:
		return StatusInProgress
	case paused:
		return StatusPaused
	case throttled:
		return StatusThrottled
	case starting:
		return StatusStarting
	default:
		// No recognized status label but an active op-state: alias to
		// in-progress rather than leave the issue unclassified.
		if op.Exists {
			return StatusInProgress
		}
		return StatusQueued
	}
}

// DerivePriority inspects labels for the highest-priority `pN...` match,
// case-insensitively, defaulting to p2-medium.
func DerivePriority(labels []string) Priority {
	best := Priority("")
	bestRank := len(priorityOrder)
	for _, l := range labels {
		for rank, po := range priorityOrder {
			if po.match.MatchString(l) && rank < bestRank {
				best = po.priority
				bestRank = rank
			}
		}
	}
	if best == "" {
		return DefaultPriority
	}
	return best
}

// TaskView is the composed view a dashboard/client consumes.
type TaskView struct {
	Repo        string
	Number      int
	Title       string
	Status      Status
	Priority    Priority
	SessionID   string
	HeartbeatAt int64
}

// DeriveTaskView composes status + priority + session from an issue's
// labels and op-state.
func DeriveTaskView(repo string, number int, title string, labels []string, op OpState) TaskView {
	tv := TaskView{
		Repo:     repo,
		Number:   number,
		Title:    title,
		Status:   DeriveRalphStatus(labels, op),
		Priority: DerivePriority(labels),
	}
	if op.Exists {
		tv.SessionID = op.SessionID
		tv.HeartbeatAt = op.HeartbeatAtMs
	}
	return tv
}

// ClaimPlan is the result of PlanClaim.
type ClaimPlan struct {
	Claimable bool
	AddLabels []string
	RemoveLabels []string
}

// PlanClaim reports whether an issue with labels is claimable, and if
// so the label delta a claim applies.
func PlanClaim(labels []string) ClaimPlan {
	queued := hasLabel(labels, LabelQueued)
	inProgress := hasLabel(labels, LabelInProgress)
	done := hasLabel(labels, LabelDone)

	if !queued || inProgress || done {
		return ClaimPlan{Claimable: false}
	}
	plan := ClaimPlan{Claimable: true, AddLabels: []string{LabelInProgress}}
	plan.RemoveLabels = append(plan.RemoveLabels, LabelQueued)
	if hasLabel(labels, LabelBlocked) {
		plan.RemoveLabels = append(plan.RemoveLabels, LabelBlocked)
	}
	return plan
}

// LabelDelta is an {add, remove} pair of ralph:-owned labels.
type LabelDelta struct {
	Add    []string
	Remove []string
}

// StatusToRalphLabelDelta computes the minimal label delta to move an
// issue to targetStatus, operating only on ralph:* labels.
func StatusToRalphLabelDelta(target Status, labels []string) LabelDelta {
	var delta LabelDelta
	targetLabel := statusLabel(target)

	// Transitioning to blocked preserves queued (a blocked task remains
	// queued for priority purposes).
	if target == StatusBlocked {
		if !hasLabel(labels, LabelBlocked) {
			delta.Add = append(delta.Add, LabelBlocked)
		}
		return delta
	}

	// Transitioning to queued after blocked removes blocked.
	if target == StatusQueued && hasLabel(labels, LabelBlocked) {
		delta.Remove = append(delta.Remove, LabelBlocked)
	}

	if targetLabel != "" && !hasLabel(labels, targetLabel) {
		delta.Add = append(delta.Add, targetLabel)
	}
	for _, l := range labels {
		if strings.HasPrefix(l, statusPrefix) && l != targetLabel {
			delta.Remove = append(delta.Remove, l)
		}
	}
	return delta
}

func statusLabel(s Status) string {
	switch s {
	case StatusQueued:
		return LabelQueued
	case StatusInProgress:
		return LabelInProgress
	case StatusPaused:
		return LabelPaused
	case StatusThrottled:
		return LabelThrottled
	case StatusStarting:
		return LabelStarting
	default:
		return ""
	}
}

// ShouldRecoverStaleInProgress reports whether an in-progress issue's
// lease has gone stale and should be reclaimed.
func ShouldRecoverStaleInProgress(labels []string, op OpState, nowMs, ttlMs int64) bool {
	if !hasLabel(labels, LabelInProgress) {
		return false
	}
	if !op.Exists {
		return false
	}
	if op.ReleasedAtMs != 0 {
		return false
	}
	if op.HeartbeatAtMs == 0 {
		return false
	}
	return nowMs-op.HeartbeatAtMs > ttlMs
}

