// Package donereconciler implements the done reconciler (C10): a
// periodic per-repo sweep over newly merged pull requests that marks
// their closing Ralph issues done and strips transition labels.
package donereconciler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/labelcoord"
	metrics "github.com/itskum47/ralphd/internal/observability"
	"github.com/itskum47/ralphd/internal/policy"
	"github.com/itskum47/ralphd/internal/queuestate"
	"github.com/itskum47/ralphd/internal/store"
)

const defaultBranchCacheTTL = 10 * time.Minute

// transitionStatusLabels are stripped from a closing issue once it is
// marked done: every ralph:status:* variant plus the blocked/escalated
// markers, since none of them remain meaningful on a done issue.
var transitionStatusLabels = []string{
	queuestate.LabelQueued,
	queuestate.LabelInProgress,
	queuestate.LabelStuck,
	queuestate.LabelPaused,
	queuestate.LabelThrottled,
	queuestate.LabelStarting,
	queuestate.LabelBlocked,
	queuestate.LabelEscalated,
}

// TickStatus is the outcome of one Reconciler.Tick call.
type TickStatus string

const (
	TickOK           TickStatus = "ok"
	TickSkipped      TickStatus = "skipped"
	TickAborted      TickStatus = "aborted"
	TickPartialError TickStatus = "partial_error"
)

// TickResult summarizes one tick for the scheduler's backoff decision.
type TickResult struct {
	Status        TickStatus
	SkipReason    string
	ProcessedPRs  int
	ClosedIssues  int
	CursorAdvanced bool
	Truncated     bool
}

// Reconciler runs the done-reconciliation sweep for one repo.
type Reconciler struct {
	gh     *ghclient.Client
	store  store.StateStore
	labels *labelcoord.Coordinator
	allow  *policy.Allowlist
	repo   string

	maxPrsPerRun int
	pageSize     int

	mu                  sync.Mutex
	ensureLabelsDone     bool
	branchCache          string
	branchCacheExpiresAt time.Time
}

// Option configures a Reconciler at construction.
type Option func(*Reconciler)

// WithMaxPrsPerRun caps how many merged PRs one tick processes.
func WithMaxPrsPerRun(n int) Option {
	return func(r *Reconciler) { r.maxPrsPerRun = n }
}

// New builds a Reconciler for repo.
func New(gh *ghclient.Client, st store.StateStore, labels *labelcoord.Coordinator, allow *policy.Allowlist, repo string, opts ...Option) *Reconciler {
	r := &Reconciler{
		gh: gh, store: st, labels: labels, allow: allow, repo: repo,
		maxPrsPerRun: 50, pageSize: 50,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	if ctx.Err() != nil {
		return TickResult{Status: TickAborted}, nil
	}

	if r.allow != nil && !r.allow.Allows(r.repo) {
		return TickResult{Status: TickSkipped, SkipReason: "not-allowed-by-policy"}, nil
	}
	legacy, err := r.store.GetLegacyLabelSchemeState(ctx, r.repo)
	if err != nil {
		return TickResult{}, fmt.Errorf("donereconciler: read legacy scheme state: %w", err)
	}
	if legacy != nil {
		return TickResult{Status: TickSkipped, SkipReason: "legacy-workflow-labels"}, nil
	}

	if err := r.ensureLabelsOnce(ctx); err != nil {
		log.Printf("[DONERECONCILER] %s: ensureLabels attempt failed (will retry next tick): %v", r.repo, err)
	}

	cursor, err := r.store.GetRepoDoneReconcileCursor(ctx, r.repo)
	if err != nil {
		return TickResult{}, fmt.Errorf("donereconciler: read cursor: %w", err)
	}
	if cursor.LastMergedAt == nil {
		init := store.DoneReconcileCursor{Repo: r.repo, LastMergedAt: timePtr(time.Now()), LastPRNumber: 0}
		if err := r.store.RecordRepoDoneReconcileCursor(ctx, r.repo, init); err != nil {
			return TickResult{}, fmt.Errorf("donereconciler: init cursor: %w", err)
		}
		return TickResult{Status: TickOK}, nil
	}

	branch, err := r.defaultBranch(ctx)
	if err != nil {
		return TickResult{Status: TickSkipped, SkipReason: "default-branch-unavailable"}, nil
	}

	if ctx.Err() != nil {
		return TickResult{Status: TickAborted}, nil
	}

	mergedSince := cursor.LastMergedAt.UTC().Format(time.RFC3339)
	prs, err := r.fetchAllMergedPRs(ctx, branch, mergedSince)
	if err != nil {
		return TickResult{}, fmt.Errorf("donereconciler: search merged PRs: %w", err)
	}

	sort.Slice(prs, func(i, j int) bool {
		if prs[i].MergedAt != prs[j].MergedAt {
			return prs[i].MergedAt < prs[j].MergedAt
		}
		return prs[i].Number < prs[j].Number
	})

	result := TickResult{Status: TickOK}
	lastMergedAt := *cursor.LastMergedAt
	lastNumber := cursor.LastPRNumber

	for _, pr := range prs {
		if ctx.Err() != nil {
			result.Status = TickAborted
			break
		}
		mergedAt, err := time.Parse(time.RFC3339, pr.MergedAt)
		if err != nil {
			continue
		}
		if !afterCursor(mergedAt, pr.Number, lastMergedAt, lastNumber) {
			continue
		}

		if result.ProcessedPRs >= r.maxPrsPerRun {
			result.Truncated = true
			log.Printf("[DONERECONCILER] %s: maxPrsPerRun=%d reached, %d PR(s) deferred to next tick", r.repo, r.maxPrsPerRun, len(prs)-result.ProcessedPRs)
			break
		}

		closed, err := r.processPR(ctx, pr)
		if err != nil {
			log.Printf("[DONERECONCILER] %s: PR #%d processing failed, stopping cursor advance: %v", r.repo, pr.Number, err)
			result.Status = TickPartialError
			break
		}
		result.ProcessedPRs++
		result.ClosedIssues += closed
		metrics.DoneReconcilerProcessedPRs.WithLabelValues(r.repo).Inc()
		if closed > 0 {
			metrics.DoneReconcilerClosedIssues.WithLabelValues(r.repo).Add(float64(closed))
		}
		lastMergedAt, lastNumber = mergedAt, pr.Number
	}

	if lastMergedAt.After(*cursor.LastMergedAt) || (lastMergedAt.Equal(*cursor.LastMergedAt) && lastNumber != cursor.LastPRNumber) {
		if err := r.store.RecordRepoDoneReconcileCursor(ctx, r.repo, store.DoneReconcileCursor{
			Repo: r.repo, LastMergedAt: timePtr(lastMergedAt), LastPRNumber: lastNumber,
		}); err != nil {
			return result, fmt.Errorf("donereconciler: advance cursor: %w", err)
		}
		result.CursorAdvanced = true
	}

	return result, nil
}

func afterCursor(mergedAt time.Time, number int, cursorAt time.Time, cursorNumber int) bool {
	if mergedAt.After(cursorAt) {
		return true
	}
	if mergedAt.Equal(cursorAt) {
		return number > cursorNumber
	}
	return false
}

func (r *Reconciler) fetchAllMergedPRs(ctx context.Context, branch, mergedSince string) ([]ghclient.MergedPR, error) {
	var all []ghclient.MergedPR
	after := ""
	for {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		page, hasNext, endCursor, err := r.gh.SearchMergedPRsPage(ctx, r.repo, branch, mergedSince, after)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !hasNext {
			break
		}
		after = endCursor
	}
	return all, nil
}

// processPR closes out every OPEN, same-repo, ralph-labeled issue pr
// closes, returning how many issues it successfully marked done.
func (r *Reconciler) processPR(ctx context.Context, pr ghclient.MergedPR) (int, error) {
	closed := 0
	for _, issue := range pr.ClosingIssues {
		if issue.State != "OPEN" || issue.Repo != r.repo {
			continue
		}
		if !hasAnyRalphLabel(issue.Labels) {
			continue
		}

		var ops []labelcoord.Op
		ops = append(ops, labelcoord.Op{Action: labelcoord.ActionAdd, Label: queuestate.LabelDone})
		for _, l := range transitionStatusLabels {
			if hasLabel(issue.Labels, l) {
				ops = append(ops, labelcoord.Op{Action: labelcoord.ActionRemove, Label: l})
			}
		}

		err := r.labels.ExecuteIssueLabelOps(ctx, labelcoord.Request{
			Repo: r.repo, IssueNumber: issue.Number, Ops: ops,
			WriteClass: labelcoord.WriteClassNormal,
		})
		if err != nil {
			return closed, fmt.Errorf("close issue #%d: %w", issue.Number, err)
		}
		closed++
	}
	return closed, nil
}

func hasAnyRalphLabel(labels []string) bool {
	for _, l := range labels {
		if strings.HasPrefix(l, "ralph:") {
			return true
		}
	}
	return false
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}

func (r *Reconciler) ensureLabelsOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.ensureLabelsDone {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := labelcoord.EnsureLabels(ctx, r.gh, r.repo); err != nil {
		return err
	}
	r.mu.Lock()
	r.ensureLabelsDone = true
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) defaultBranch(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.branchCache != "" && time.Now().Before(r.branchCacheExpiresAt) {
		b := r.branchCache
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	branch, err := r.gh.GetDefaultBranch(ctx, r.repo)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.branchCache = branch
	r.branchCacheExpiresAt = time.Now().Add(defaultBranchCacheTTL)
	r.mu.Unlock()
	return branch, nil
}

func timePtr(t time.Time) *time.Time { return &t }
