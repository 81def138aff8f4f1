package writeback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/store"
)

type rewriteTransport struct{ target string }

func (r rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := req.URL.Parse(r.target + req.URL.Path + "?" + req.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

type commentFixture struct {
	id   int64
	body string
}

func newTestEngine(t *testing.T, comments []commentFixture) (*Engine, store.StateStore, *[]string) {
	t.Helper()
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/issues/1/comments":
			var out []map[string]any
			for _, c := range comments {
				out = append(out, map[string]any{"id": c.id, "body": c.body})
			}
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(out)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/issues/1/comments":
			var body struct {
				Body string `json:"body"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			posted = append(posted, "POST:"+body.Body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 999, "body": body.Body})
		case r.Method == http.MethodPatch:
			var body struct {
				Body string `json:"body"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			posted = append(posted, "PATCH:"+body.Body)
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"),
		ghclient.WithMaxAttempts(2),
		ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))
	st := store.NewMemoryStore()
	return NewEngine(gh, st, nil, ""), st, &posted
}

func TestApplyPostsWhenNoPriorMarker(t *testing.T) {
	e, _, posted := newTestEngine(t, nil)
	plan := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "first"})

	action, err := e.Apply(context.Background(), "o/r", 1, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionPost {
		t.Fatalf("want post, got %s", action)
	}
	if len(*posted) != 1 {
		t.Fatalf("want one post, got %v", *posted)
	}
}

func TestApplyNoopsWhenMarkerAlreadyMatches(t *testing.T) {
	plan := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "same"})
	e, _, posted := newTestEngine(t, []commentFixture{{id: 1, body: plan.CommentBody}})

	action, err := e.Apply(context.Background(), "o/r", 1, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionNoop {
		t.Fatalf("want noop, got %s", action)
	}
	if len(*posted) != 0 {
		t.Fatalf("want no writes, got %v", *posted)
	}
}

func TestApplyPatchesWhenMarkerFoundButBodyChanged(t *testing.T) {
	old := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "old body", Signature: "same-sig"})
	updated := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "new body", Signature: "same-sig"})
	if old.MarkerID != updated.MarkerID {
		t.Fatalf("test setup requires same marker id so the update is detected as a patch, got %s vs %s", old.MarkerID, updated.MarkerID)
	}

	e, _, posted := newTestEngine(t, []commentFixture{{id: 42, body: old.CommentBody}})

	action, err := e.Apply(context.Background(), "o/r", 1, updated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionPatch {
		t.Fatalf("want patch, got %s", action)
	}
	if len(*posted) != 1 || posted == nil {
		t.Fatalf("want one patch write, got %v", *posted)
	}
}

func TestApplyPostsWhenPriorCommentHasDifferentMarkerID(t *testing.T) {
	// Same kind, different signature: two distinct marker ids for the
	// same issue, e.g. a second escalation attempt after the first
	// already has a comment. The new plan must never patch the old
	// plan's comment just because both are "escalation" comments.
	old := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "old attempt", Signature: "sig-1"})
	fresh := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "new attempt", Signature: "sig-2"})
	if old.MarkerID == fresh.MarkerID {
		t.Fatalf("test setup requires distinct marker ids, both got %s", old.MarkerID)
	}

	e, _, posted := newTestEngine(t, []commentFixture{{id: 42, body: old.CommentBody}})

	action, err := e.Apply(context.Background(), "o/r", 1, fresh)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionPost {
		t.Fatalf("want post for a new marker id, got %s", action)
	}
	if len(*posted) != 1 || (*posted)[0][:5] != "POST:" {
		t.Fatalf("want one post (not a patch of the unrelated comment), got %v", *posted)
	}
}

func TestApplySkipsWhenKeyExistsScanIncompleteAndHashMatches(t *testing.T) {
	// A full page of unrelated comments with scanLimit=1 makes the scan
	// stop at the cap, so it is incomplete and no marker is found.
	var noise []commentFixture
	for i := 0; i < 100; i++ {
		noise = append(noise, commentFixture{id: int64(i + 1), body: "unrelated comment"})
	}
	e, st, posted := newTestEngine(t, noise)
	plan := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "x"})

	hash := bodyHash(plan.CommentBody)
	raw, _ := json.Marshal(payload{BodyHash: hash})
	_ = st.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.RecordKeyIfAbsent(ctx, store.IdempotencyKey{Key: plan.IdempotencyKey, Scope: plan.Kind, PayloadRaw: string(raw)})
		return err
	})

	e.scanLimit = 1
	action, err := e.Apply(context.Background(), "o/r", 1, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSkip {
		t.Fatalf("want skip, got %s", action)
	}
	if len(*posted) != 0 {
		t.Fatalf("want no writes on skip, got %v", *posted)
	}
}

func TestApplyPostsWhenKeyExistsButMarkerCommentMissing(t *testing.T) {
	// A short page (fewer than the 100 default scanLimit) of unrelated
	// comments lets fetchRecentComments read every comment without
	// reaching the cap, so the scan is complete with no marker found,
	// exercising the hasKey&&scanComplete&&!found branch.
	var noise []commentFixture
	for i := 0; i < 3; i++ {
		noise = append(noise, commentFixture{id: int64(i + 1), body: "unrelated comment"})
	}
	e, st, posted := newTestEngine(t, noise)
	plan := BuildPlan(PlanContext{Repo: "o/r", IssueNumber: 1, Kind: KindEscalation, Stage: "escalate", Body: "x"})

	_ = st.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := tx.RecordKeyIfAbsent(ctx, store.IdempotencyKey{Key: plan.IdempotencyKey, Scope: plan.Kind, PayloadRaw: "{}"})
		return err
	})

	action, err := e.Apply(context.Background(), "o/r", 1, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionPost {
		t.Fatalf("want post (key present but comment gone, full scan), got %s", action)
	}
	if len(*posted) != 1 {
		t.Fatalf("want one post, got %v", *posted)
	}
}
