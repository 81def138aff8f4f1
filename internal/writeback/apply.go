package writeback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/labelcoord"
	"github.com/itskum47/ralphd/internal/redact"
	"github.com/itskum47/ralphd/internal/store"
)

const defaultCommentScanLimit = 100

// Action is the outcome Apply took, for callers/tests to assert on.
type Action string

const (
	ActionNoop  Action = "noop"
	ActionPatch Action = "patch"
	ActionPost  Action = "post"
	ActionSkip  Action = "skip"
)

// Engine applies writeback plans: labels through C5, comments through
// C4, idempotency bookkeeping through C2.
type Engine struct {
	gh     *ghclient.Client
	store  store.StateStore
	labels *labelcoord.Coordinator
	home   string // HomeDir for redaction
	scanLimit int
}

// NewEngine builds a writeback Engine.
func NewEngine(gh *ghclient.Client, st store.StateStore, labels *labelcoord.Coordinator, homeDir string) *Engine {
	return &Engine{gh: gh, store: st, labels: labels, home: homeDir, scanLimit: defaultCommentScanLimit}
}

type payload struct {
	BodyHash string `json:"bodyHash"`
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(NormalizeBody(body)))
	return hex.EncodeToString(sum[:])[:16]
}

// Apply converges comment + labels + idempotency key for plan,
// returning the action actually taken.
func (e *Engine) Apply(ctx context.Context, repo string, issueNumber int, plan Plan) (Action, error) {
	plan.CommentBody = redact.Text(plan.CommentBody, redact.Options{HomeDir: e.home})

	// 1. Labels through C5, non-blocking on failure.
	if e.labels != nil && (len(plan.AddLabels) > 0 || len(plan.RemoveLabels) > 0) {
		if err := e.applyLabels(ctx, repo, issueNumber, plan); err != nil {
			log.Printf("[WRITEBACK] label apply failed for %s#%d (%s): %v", repo, issueNumber, plan.Kind, err)
		}
	}

	hasKey, err := e.store.HasKey(ctx, plan.IdempotencyKey)
	if err != nil {
		return "", fmt.Errorf("writeback: hasKey: %w", err)
	}

	comments, reachedCap, err := e.fetchRecentComments(ctx, repo, issueNumber)
	if err != nil {
		return "", fmt.Errorf("writeback: fetch comments: %w", err)
	}
	scanComplete := !reachedCap

	markerBody, markerCommentID, found := findNewestMarker(comments, plan.Kind, plan.MarkerID)

	desiredHash := bodyHash(plan.CommentBody)
	var action Action

	switch {
	case hasKey && scanComplete && found:
		if NormalizeBody(markerBody) == NormalizeBody(plan.CommentBody) {
			action = ActionNoop
		} else if markerCommentID != 0 {
			action = ActionPatch
		} else {
			action = ActionPost
		}
	case hasKey && scanComplete && !found:
		_ = e.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.DeleteKey(ctx, plan.IdempotencyKey)
		})
		action = ActionPost
	case hasKey && !scanComplete && !found:
		priorHash, ok, _ := e.store.GetPayload(ctx, plan.IdempotencyKey)
		if ok {
			var p payload
			_ = json.Unmarshal([]byte(priorHash), &p)
			if p.BodyHash == desiredHash {
				action = ActionSkip
			} else {
				action = ActionPost
			}
		} else {
			action = ActionPost
		}
	case !hasKey && found:
		if NormalizeBody(markerBody) == NormalizeBody(plan.CommentBody) {
			action = ActionNoop
		} else if markerCommentID != 0 {
			action = ActionPatch
		} else {
			action = ActionPost
		}
	default:
		action = ActionPost
	}

	if action == ActionSkip || action == ActionNoop {
		_ = e.upsertKey(ctx, plan, desiredHash)
		return action, nil
	}

	if !hasKey {
		claimed, err := e.recordKeyIfAbsent(ctx, plan, desiredHash)
		if err != nil {
			return "", err
		}
		if !claimed {
			// Another process claimed it concurrently; defer to that writer.
			return ActionSkip, nil
		}
	}

	switch action {
	case ActionPatch:
		if err := e.gh.UpdateComment(ctx, repo, markerCommentID, plan.CommentBody); err != nil {
			_ = e.deleteKey(ctx, plan)
			return "", fmt.Errorf("writeback: patch comment: %w", err)
		}
	case ActionPost:
		if _, err := e.gh.CreateComment(ctx, repo, issueNumber, plan.CommentBody); err != nil {
			_ = e.deleteKey(ctx, plan)
			return "", fmt.Errorf("writeback: post comment: %w", err)
		}
	}

	_ = e.upsertKey(ctx, plan, desiredHash)
	return action, nil
}

func (e *Engine) applyLabels(ctx context.Context, repo string, issueNumber int, plan Plan) error {
	var ops []labelcoord.Op
	for _, l := range plan.AddLabels {
		ops = append(ops, labelcoord.Op{Action: labelcoord.ActionAdd, Label: l})
	}
	for _, l := range plan.RemoveLabels {
		ops = append(ops, labelcoord.Op{Action: labelcoord.ActionRemove, Label: l})
	}
	if len(ops) == 0 {
		return nil
	}
	return e.labels.ExecuteIssueLabelOps(ctx, labelcoord.Request{
		Repo: repo, IssueNumber: issueNumber, Ops: ops,
		WriteClass: labelcoord.WriteClassNormal,
	})
}

func (e *Engine) recordKeyIfAbsent(ctx context.Context, plan Plan, hash string) (bool, error) {
	raw, _ := json.Marshal(payload{BodyHash: hash})
	var claimed bool
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		claimed, err = tx.RecordKeyIfAbsent(ctx, store.IdempotencyKey{
			Key: plan.IdempotencyKey, Scope: plan.Kind, PayloadRaw: string(raw), CreatedAt: time.Now(),
		})
		return err
	})
	return claimed, err
}

func (e *Engine) upsertKey(ctx context.Context, plan Plan, hash string) error {
	raw, _ := json.Marshal(payload{BodyHash: hash})
	return e.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertKey(ctx, store.IdempotencyKey{
			Key: plan.IdempotencyKey, Scope: plan.Kind, PayloadRaw: string(raw), CreatedAt: time.Now(),
		})
	})
}

func (e *Engine) deleteKey(ctx context.Context, plan Plan) error {
	return e.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteKey(ctx, plan.IdempotencyKey)
	})
}

type fetchedComment struct {
	ID   int64
	Body string
}

// fetchRecentComments pages up to scanLimit comments starting from
// page 1, oldest first as GitHub returns them, and reports whether the
// scan reached the cap (meaning more, newer comments might exist beyond
// what was read). On an issue with more than scanLimit comments, the
// newest ones are not read.
func (e *Engine) fetchRecentComments(ctx context.Context, repo string, issueNumber int) ([]fetchedComment, bool, error) {
	perPage := 100
	var all []fetchedComment
	page := 1
	for len(all) < e.scanLimit {
		comments, err := e.gh.ListComments(ctx, repo, issueNumber, page, perPage)
		if err != nil {
			return nil, false, err
		}
		if len(comments) == 0 {
			return all, false, nil
		}
		for _, c := range comments {
			all = append(all, fetchedComment{ID: c.GetID(), Body: c.GetBody()})
		}
		if len(comments) < perPage {
			return all, false, nil
		}
		page++
	}
	return all[:e.scanLimit], true, nil
}

// findNewestMarker scans comments for the newest one carrying kind's
// marker with exactly markerID, matched case-insensitively. spec.md
// §4.6 step 4 matches "among comments with a matching marker id", not
// merely a matching kind: two plans of the same kind for the same
// issue (a retried escalation, a different watchdog session) carry
// different marker ids since BuildPlan derives MarkerID from
// kind/stage/retryIndex/signature/sessionId, and a comment left by one
// must never be treated as "found" — and therefore patched — by the
// other. GitHub returns comments oldest first, so the newest matching
// one is the last in the slice.
func findNewestMarker(comments []fetchedComment, kind, markerID string) (body string, commentID int64, found bool) {
	idxs := make([]int, 0)
	for i, c := range comments {
		if id, ok := ExtractMarkerID(c.Body, kind); ok && strings.EqualFold(id, markerID) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == 0 {
		return "", 0, false
	}
	sort.Ints(idxs)
	last := comments[idxs[len(idxs)-1]]
	return last.Body, last.ID, true
}
