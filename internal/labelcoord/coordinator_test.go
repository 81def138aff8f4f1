package labelcoord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/store"
)

func issueWithLabels(number int, labels ...string) map[string]any {
	ls := make([]map[string]any, 0, len(labels))
	for _, l := range labels {
		ls = append(ls, map[string]any{"name": l})
	}
	return map[string]any{"number": number, "labels": ls}
}

type rewriteTransport struct {
	target string
}

func (r rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := req.URL.Parse(r.target + req.URL.Path + "?" + req.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestCoordinator(t *testing.T, handler http.HandlerFunc) (*Coordinator, store.StateStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"), ghclient.WithMaxAttempts(2), ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))

	st := store.NewMemoryStore()
	return New(gh, st), st
}

func TestExecuteIssueLabelOpsRejectsNonRalphLabel(t *testing.T) {
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach github for a policy violation")
	})
	err := c.ExecuteIssueLabelOps(context.Background(), Request{
		Repo: "o/r", IssueNumber: 1,
		Ops: []Op{{Action: ActionAdd, Label: "bug"}},
	})
	opErr, ok := err.(*OpError)
	if !ok || opErr.Kind != FailurePolicy {
		t.Fatalf("want policy error, got %v", err)
	}
}

func TestExecuteIssueLabelOpsAppliesAddAndRemove(t *testing.T) {
	var gotAdd, gotRemove bool
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/issues/1/labels":
			gotAdd = true
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case r.Method == http.MethodDelete:
			gotRemove = true
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	err := c.ExecuteIssueLabelOps(context.Background(), Request{
		Repo: "o/r", IssueNumber: 1,
		Ops: []Op{
			{Action: ActionAdd, Label: "ralph:status:in-progress"},
			{Action: ActionRemove, Label: "ralph:status:queued"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotAdd || !gotRemove {
		t.Fatalf("expected both add and remove calls, got add=%v remove=%v", gotAdd, gotRemove)
	}
}

func TestExecuteIssueLabelOpsCoalescesBestEffortWrites(t *testing.T) {
	var addCalls int
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			addCalls++
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	})

	results := make(chan error, 2)
	go func() {
		results <- c.ExecuteIssueLabelOps(context.Background(), Request{
			Repo: "o/r", IssueNumber: 9, WriteClass: WriteClassBestEffort,
			CoalesceWindow: 50 * time.Millisecond,
			Ops:            []Op{{Action: ActionAdd, Label: "ralph:status:queued"}},
		})
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		results <- c.ExecuteIssueLabelOps(context.Background(), Request{
			Repo: "o/r", IssueNumber: 9, WriteClass: WriteClassBestEffort,
			CoalesceWindow: 50 * time.Millisecond,
			Ops:            []Op{{Action: ActionAdd, Label: "ralph:status:in-progress"}},
		})
	}()

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if addCalls != 1 {
		t.Fatalf("want exactly 1 coalesced add call, got %d", addCalls)
	}
}

func TestFlushTrimsNoopAddUsingLiveLabels(t *testing.T) {
	// The coalesced add targets a label a live read shows is already
	// present (e.g. another writer applied it during the window), so
	// the trim should drop it and flush should never call GitHub's add
	// endpoint at all.
	var addCalls int
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/issues/5":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(issueWithLabels(5, "ralph:status:queued"))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/issues/5/labels":
			addCalls++
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	err := c.ExecuteIssueLabelOps(context.Background(), Request{
		Repo: "o/r", IssueNumber: 5, WriteClass: WriteClassBestEffort,
		CoalesceWindow: 20 * time.Millisecond,
		Ops:            []Op{{Action: ActionAdd, Label: "ralph:status:queued"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addCalls != 0 {
		t.Fatalf("want the add trimmed as a live no-op, got %d add calls", addCalls)
	}
}

func TestFlushSendsUntrimmedOpsWhenLiveReadFails(t *testing.T) {
	// The live-label read is best-effort: if it fails, flush must still
	// send the coalesced ops rather than dropping the write entirely.
	var addCalls int
	c, _ := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/issues/6":
			w.WriteHeader(http.StatusBadRequest)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/issues/6/labels":
			addCalls++
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	err := c.ExecuteIssueLabelOps(context.Background(), Request{
		Repo: "o/r", IssueNumber: 6, WriteClass: WriteClassBestEffort,
		CoalesceWindow: 20 * time.Millisecond,
		Ops:            []Op{{Action: ActionAdd, Label: "ralph:status:queued"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addCalls != 1 {
		t.Fatalf("want the untrimmed add sent despite the failed live read, got %d add calls", addCalls)
	}
}

func TestHealSingleStatusUsesLiveLabelsNotStaleStore(t *testing.T) {
	// The store's poll-mirror has no label snapshot recorded at all for
	// this issue (issuemirror hasn't synced since the write), while
	// GitHub itself already shows two status labels live. Healing off
	// the stale mirror would see zero status labels and do nothing;
	// reading live must see both and heal down to one.
	var addedLabel string
	var removed []string
	c, st := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r/issues/7":
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(issueWithLabels(7, "ralph:status:queued", "ralph:status:in-progress"))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/o/r/issues/7/labels":
			var body struct {
				Labels []string `json:"labels"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Labels) == 1 {
				addedLabel = body.Labels[0]
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`[]`))
		case r.Method == http.MethodDelete:
			parts := strings.Split(r.URL.Path, "/")
			removed = append(removed, parts[len(parts)-1])
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	_ = st.UpsertOpState(context.Background(), store.OpState{Repo: "o/r", IssueNumber: 7, Status: "in-progress"})

	c.healSingleStatus(context.Background(), "o/r", 7)

	if addedLabel != "ralph:status:in-progress" {
		t.Fatalf("want heal to add ralph:status:in-progress for an unreleased op, got %q", addedLabel)
	}
	if len(removed) != 1 || removed[0] != "ralph:status:queued" {
		t.Fatalf("want heal to remove the other live status label, got %v", removed)
	}
}
