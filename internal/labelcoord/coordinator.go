// Package labelcoord implements the per-issue label write coordinator
// (C5): policy check, per-issue serial lock, best-effort coalescing
// window, apply with rollback, repo-level backoff, and the
// single-status invariant healer.
package labelcoord

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	metrics "github.com/itskum47/ralphd/internal/observability"
	"github.com/itskum47/ralphd/internal/store"
)

const (
	ralphPrefix = "ralph:"

	defaultCoalesceWindow = 500 * time.Millisecond
	minRepoBackoff        = 30 * time.Second
	maxRepoBackoff        = 30 * time.Minute
	minCooldown           = 1 * time.Second
	maxCooldown           = 5 * time.Minute
)

// Action is one label mutation.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Op is one label operation in a call to ExecuteIssueLabelOps.
type Op struct {
	Action Action
	Label  string
}

// WriteClass controls whether ops are coalesced.
type WriteClass string

const (
	WriteClassNormal     WriteClass = "normal"
	WriteClassBestEffort WriteClass = "best-effort"
)

// Request is the public entry point's argument bundle.
type Request struct {
	Repo                  string
	IssueNumber           int
	Ops                   []Op
	WriteClass            WriteClass
	CoalesceWindow        time.Duration
	AllowNonRalph         bool
	EnsureLabels          bool
	RetryMissingLabelOnce bool
}

// Coordinator is the process-wide label write coordinator.
type Coordinator struct {
	gh    *ghclient.Client
	store store.StateStore
	locker *IssueLocker

	mu       sync.Mutex
	pending  map[string]*pendingEntry
	cooldown map[string]time.Duration // current best-effort cooldown length per issue
}

type pendingEntry struct {
	ops     []Op
	timer   *time.Timer
	waiters []chan error
}

// New builds a Coordinator.
func New(gh *ghclient.Client, st store.StateStore) *Coordinator {
	return &Coordinator{
		gh:       gh,
		store:    st,
		locker:   NewIssueLocker(),
		pending:  make(map[string]*pendingEntry),
		cooldown: make(map[string]time.Duration),
	}
}

// ExecuteIssueLabelOps is the public entry described in spec.md §4.5.
func (c *Coordinator) ExecuteIssueLabelOps(ctx context.Context, req Request) error {
	// 1. Policy check — aborts before anything else touches GitHub.
	if !req.AllowNonRalph {
		for _, op := range req.Ops {
			if !strings.HasPrefix(op.Label, ralphPrefix) {
				return &OpError{Kind: FailurePolicy, Err: fmt.Errorf("label %q is not ralph-owned", op.Label)}
			}
		}
	}

	key := issueKey(req.Repo, req.IssueNumber)
	hasCmd := false
	for _, op := range req.Ops {
		if strings.HasPrefix(op.Label, "ralph:cmd:") {
			hasCmd = true
			break
		}
	}

	if req.WriteClass == WriteClassBestEffort && !hasCmd {
		return c.coalesce(ctx, key, req)
	}

	// 2. Per-issue lock, held across the whole apply.
	unlock, err := c.locker.Lock(ctx, req.Repo, req.IssueNumber)
	if err != nil {
		return err
	}
	defer unlock()

	return c.applyLocked(ctx, req)
}

// coalesce merges req's ops into the pending entry for key, creating
// one if absent, and waits for the eventual flush's result.
func (c *Coordinator) coalesce(ctx context.Context, key string, req Request) error {
	window := req.CoalesceWindow
	if window <= 0 {
		window = defaultCoalesceWindow
	}

	c.mu.Lock()
	if cd, ok := c.cooldown[key]; ok && cd > 0 {
		c.mu.Unlock()
		return &OpError{Kind: FailureTransient, Err: fmt.Errorf("labelcoord: %s in cooldown for %s", key, cd)}
	}

	waitCh := make(chan error, 1)
	entry, ok := c.pending[key]
	if !ok {
		entry = &pendingEntry{}
		c.pending[key] = entry
		entry.timer = time.AfterFunc(window, func() { c.flush(key, req) })
	} else {
		metrics.LabelCoalesceWindowSkips.WithLabelValues(req.Repo).Inc()
	}
	entry.ops = mergeOps(entry.ops, req.Ops)
	entry.waiters = append(entry.waiters, waitCh)
	c.mu.Unlock()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mergeOps combines ops, with add winning over remove on conflict for
// the same label.
func mergeOps(existing, incoming []Op) []Op {
	merged := map[string]Action{}
	order := []string{}
	apply := func(ops []Op) {
		for _, op := range ops {
			if _, seen := merged[op.Label]; !seen {
				order = append(order, op.Label)
			}
			if op.Action == ActionAdd {
				merged[op.Label] = ActionAdd // add always wins
			} else if merged[op.Label] != ActionAdd {
				merged[op.Label] = ActionRemove
			}
		}
	}
	apply(existing)
	apply(incoming)
	out := make([]Op, 0, len(order))
	for _, label := range order {
		out = append(out, Op{Action: merged[label], Label: label})
	}
	return out
}

func (c *Coordinator) flush(key string, req Request) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	ops := entry.ops
	waiters := entry.waiters
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock, err := c.locker.Lock(ctx, req.Repo, req.IssueNumber)
	var applyErr error
	if err != nil {
		applyErr = err
	} else {
		// spec.md §4.5 step 3: before flushing a coalesced batch, a live
		// label read trims ops that would be no-ops (e.g. a coalesced
		// add for a label another writer already applied in the
		// meantime). Trimming is best-effort: if the live read fails,
		// fall through and send the merged ops untrimmed rather than
		// blocking the flush on it.
		trimmed := ops
		if live, err := c.liveLabels(ctx, req.Repo, req.IssueNumber); err != nil {
			log.Printf("[LABELCOORD] flush: live-label trim read failed for %s#%d, sending ops untrimmed: %v", req.Repo, req.IssueNumber, err)
		} else {
			trimmed = trimNoopOps(ops, live)
		}

		if len(trimmed) == 0 {
			applyErr = nil
		} else {
			flushReq := req
			flushReq.Ops = trimmed
			applyErr = c.applyLocked(ctx, flushReq)
		}
		unlock()
	}

	c.mu.Lock()
	if applyErr != nil {
		cd := c.cooldown[key]
		if cd == 0 {
			cd = minCooldown
		} else {
			cd *= 2
		}
		if cd > maxCooldown {
			cd = maxCooldown
		}
		var opErr *OpError
		if errAs(applyErr, &opErr) && opErr.Kind == FailureTransient {
			c.cooldown[key] = cd
			time.AfterFunc(cd, func() {
				c.mu.Lock()
				delete(c.cooldown, key)
				c.mu.Unlock()
			})
		}
	} else {
		delete(c.cooldown, key)
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w <- applyErr
	}
}

// liveLabels fetches repo#number's current labels straight from
// GitHub. Unlike store.StateStore.GetIssueLabels, which mirrors an
// issuemirror poll cycle and can be arbitrarily stale relative to a
// write this coordinator just made, this always reflects the label
// set as of the call.
func (c *Coordinator) liveLabels(ctx context.Context, repo string, number int) ([]string, error) {
	issue, err := c.gh.GetIssue(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return labels, nil
}

// trimNoopOps drops any op that live already satisfies: an add for a
// label already present, or a remove for a label already absent.
func trimNoopOps(ops []Op, live []string) []Op {
	present := make(map[string]bool, len(live))
	for _, l := range live {
		present[l] = true
	}
	trimmed := make([]Op, 0, len(ops))
	for _, op := range ops {
		switch op.Action {
		case ActionAdd:
			if !present[op.Label] {
				trimmed = append(trimmed, op)
			}
		case ActionRemove:
			if present[op.Label] {
				trimmed = append(trimmed, op)
			}
		}
	}
	return trimmed
}

func errAs(err error, target **OpError) bool {
	opErr, ok := err.(*OpError)
	if ok {
		*target = opErr
	}
	return ok
}

// applyLocked performs the actual add/remove GitHub calls. Caller must
// already hold the per-issue lock.
func (c *Coordinator) applyLocked(ctx context.Context, req Request) error {
	if blocked, err := c.checkRepoBackoff(ctx, req.Repo); err != nil {
		return err
	} else if blocked {
		return &OpError{Kind: FailureTransient, Err: fmt.Errorf("labelcoord: repo %s in label-write backoff", req.Repo)}
	}

	var adds, removes []string
	for _, op := range req.Ops {
		if op.Action == ActionAdd {
			adds = append(adds, op.Label)
		} else {
			removes = append(removes, op.Label)
		}
	}

	applied := struct {
		adds    []string
		removes []string
	}{}

	err := c.applyOnce(ctx, req.Repo, req.IssueNumber, adds, removes, &applied)
	if err != nil && isMissingLabelError(err) && req.RetryMissingLabelOnce {
		if ensureErr := c.ensureLabelsFn(ctx, req); ensureErr == nil {
			applied.adds, applied.removes = nil, nil
			err = c.applyOnce(ctx, req.Repo, req.IssueNumber, adds, removes, &applied)
		}
	}

	if err != nil {
		kind := classify(err)
		c.recordFailure(ctx, req.Repo, kind)
		metrics.LabelWriteOutcomes.WithLabelValues(string(req.WriteClass), "failed").Inc()

		if kind != FailureTransient {
			c.rollback(ctx, req.Repo, req.IssueNumber, applied.adds, applied.removes)
		}
		return &OpError{Kind: kind, Err: err}
	}
	c.recordSuccess(ctx, req.Repo)
	metrics.LabelWriteOutcomes.WithLabelValues(string(req.WriteClass), "applied").Inc()

	touchesStatus := false
	for _, op := range req.Ops {
		if strings.HasPrefix(op.Label, "ralph:status:") {
			touchesStatus = true
			break
		}
	}
	if touchesStatus {
		c.healSingleStatus(ctx, req.Repo, req.IssueNumber)
	}

	return nil
}

func (c *Coordinator) ensureLabelsFn(ctx context.Context, req Request) error {
	if !req.EnsureLabels {
		return fmt.Errorf("labelcoord: ensureLabels not requested")
	}
	return EnsureLabels(ctx, c.gh, req.Repo)
}

func (c *Coordinator) applyOnce(ctx context.Context, repo string, number int, adds, removes []string, applied *struct {
	adds    []string
	removes []string
}) error {
	if len(adds) > 0 {
		if err := c.gh.AddLabels(ctx, repo, number, adds); err != nil {
			return err
		}
		applied.adds = append(applied.adds, adds...)
	}
	for _, label := range removes {
		if err := c.gh.RemoveLabel(ctx, repo, number, label); err != nil {
			return err
		}
		applied.removes = append(applied.removes, label)
	}
	return nil
}

// rollback best-effort reverses applied steps in reverse order.
func (c *Coordinator) rollback(ctx context.Context, repo string, number int, adds, removes []string) {
	for i := len(removes) - 1; i >= 0; i-- {
		if err := c.gh.AddLabels(ctx, repo, number, []string{removes[i]}); err != nil {
			log.Printf("[LABELCOORD] rollback: failed to re-add %s on %s#%d: %v", removes[i], repo, number, err)
		}
	}
	for i := len(adds) - 1; i >= 0; i-- {
		if err := c.gh.RemoveLabel(ctx, repo, number, adds[i]); err != nil {
			log.Printf("[LABELCOORD] rollback: failed to remove %s on %s#%d: %v", adds[i], repo, number, err)
		}
	}
}

func (c *Coordinator) checkRepoBackoff(ctx context.Context, repo string) (blocked bool, err error) {
	st, err := c.store.GetRepoLabelWriteState(ctx, repo)
	if err != nil {
		return false, err
	}
	return st.BlockedUntilMs > nowMs(), nil
}

func (c *Coordinator) recordFailure(ctx context.Context, repo string, kind FailureKind) {
	if kind != FailureTransient {
		return
	}
	st, err := c.store.GetRepoLabelWriteState(ctx, repo)
	if err != nil {
		st = store.RepoLabelWriteState{Repo: repo}
	}
	backoff := minRepoBackoff
	if st.ConsecutiveFailures > 0 {
		backoff = minRepoBackoff * time.Duration(1<<uint(st.ConsecutiveFailures))
		if backoff > maxRepoBackoff {
			backoff = maxRepoBackoff
		}
	}
	st.ConsecutiveFailures++
	st.BlockedUntilMs = nowMs() + backoff.Milliseconds()
	st.UpdatedAt = time.Now()
	if err := c.store.SetRepoLabelWriteState(ctx, st); err != nil {
		log.Printf("[LABELCOORD] failed to persist repo backoff state for %s: %v", repo, err)
	}
	metrics.RepoCooldownActive.WithLabelValues(repo).Set(1)
}

func (c *Coordinator) recordSuccess(ctx context.Context, repo string) {
	st, err := c.store.GetRepoLabelWriteState(ctx, repo)
	if err != nil || st.ConsecutiveFailures == 0 {
		return
	}
	st.ConsecutiveFailures = 0
	st.BlockedUntilMs = 0
	st.UpdatedAt = time.Now()
	if err := c.store.SetRepoLabelWriteState(ctx, st); err != nil {
		log.Printf("[LABELCOORD] failed to clear repo backoff state for %s: %v", repo, err)
	}
	metrics.RepoCooldownActive.WithLabelValues(repo).Set(0)
}

// healSingleStatus restores the single-active-status-label invariant
// after any op touching a ralph:status:* label.
func (c *Coordinator) healSingleStatus(ctx context.Context, repo string, number int) {
	if blocked, err := c.checkRepoBackoff(ctx, repo); err != nil || blocked {
		return
	}

	labels, err := c.liveLabels(ctx, repo, number)
	if err != nil {
		log.Printf("[LABELCOORD] heal: failed to read live labels for %s#%d: %v", repo, number, err)
		return
	}

	var statusLabels []string
	for _, l := range labels {
		if strings.HasPrefix(l, "ralph:status:") {
			statusLabels = append(statusLabels, l)
		}
	}
	if len(statusLabels) == 1 {
		return
	}

	op, _ := c.store.GetOpState(ctx, repo, number)
	target := "ralph:status:queued"
	if op != nil && op.ReleasedAtMs == nil {
		target = "ralph:status:in-progress"
	}

	log.Printf("[LABELCOORD] healing single-status invariant on %s#%d: found %d status labels, target=%s", repo, number, len(statusLabels), target)

	if err := c.gh.AddLabels(ctx, repo, number, []string{target}); err != nil {
		log.Printf("[LABELCOORD] heal: failed to add %s on %s#%d: %v", target, repo, number, err)
		return
	}
	for _, l := range statusLabels {
		if l == target {
			continue
		}
		if err := c.gh.RemoveLabel(ctx, repo, number, l); err != nil {
			log.Printf("[LABELCOORD] heal: failed to remove %s on %s#%d: %v", l, repo, number, err)
		}
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
