package donereconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/labelcoord"
	"github.com/itskum47/ralphd/internal/policy"
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

// searchPage is one canned GraphQL merged-PR search page response.
type searchNode struct {
	Number   int
	MergedAt string
	Issues   []closingIssue
}

type closingIssue struct {
	Number int
	Repo   string
	State  string
	Labels []string
}

func graphqlResponse(nodes []searchNode) map[string]any {
	var nodeObjs []map[string]any
	for _, n := range nodes {
		var issueObjs []map[string]any
		for _, ci := range n.Issues {
			var labelObjs []map[string]any
			for _, l := range ci.Labels {
				labelObjs = append(labelObjs, map[string]any{"name": l})
			}
			issueObjs = append(issueObjs, map[string]any{
				"number":     ci.Number,
				"state":      ci.State,
				"repository": map[string]any{"nameWithOwner": ci.Repo},
				"labels":     map[string]any{"nodes": labelObjs},
			})
		}
		nodeObjs = append(nodeObjs, map[string]any{
			"number":                  n.Number,
			"mergedAt":                n.MergedAt,
			"closingIssuesReferences": map[string]any{"nodes": issueObjs},
		})
	}
	return map[string]any{
		"data": map[string]any{
			"search": map[string]any{
				"pageInfo": map[string]any{"hasNextPage": false, "endCursor": ""},
				"nodes":    nodeObjs,
			},
		},
	}
}

type testServer struct {
	addCalls      []string
	removeCalls   []string
	nodes         []searchNode
	defaultBranch string
}

func newTestServer(t *testing.T, nodes []searchNode) (*httptest.Server, *testServer) {
	ts := &testServer{nodes: nodes, defaultBranch: "main"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/graphql":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(graphqlResponse(ts.nodes))
		case r.Method == http.MethodGet && r.URL.Path == "/repos/o/r":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"default_branch": ts.defaultBranch})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/labels") && !strings.Contains(r.URL.Path, "/issues/"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/labels"):
			ts.addCalls = append(ts.addCalls, r.URL.Path)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/labels/"):
			ts.removeCalls = append(ts.removeCalls, r.URL.Path)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	return srv, ts
}

func newTestReconciler(t *testing.T, nodes []searchNode) (*Reconciler, *testServer, store.StateStore) {
	srv, ts := newTestServer(t, nodes)
	t.Cleanup(srv.Close)

	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"),
		ghclient.WithMaxAttempts(1),
		ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))
	st := store.NewMemoryStore()
	lc := labelcoord.New(gh, st)
	allow := policy.New([]string{"o/*"})
	r := New(gh, st, lc, allow, "o/r")
	return r, ts, st
}

func TestTickInitializesCursorOnFirstRun(t *testing.T) {
	r, _, st := newTestReconciler(t, nil)
	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != TickOK {
		t.Fatalf("want TickOK, got %v", result.Status)
	}
	cursor, err := st.GetRepoDoneReconcileCursor(context.Background(), "o/r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor.LastMergedAt == nil {
		t.Fatalf("expected cursor to be initialized")
	}
}

func TestTickSkipsWhenPolicyDenies(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	defer srv.Close()
	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"), ghclient.WithMaxAttempts(1),
		ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))
	st := store.NewMemoryStore()
	lc := labelcoord.New(gh, st)
	allow := policy.New([]string{"other/*"})
	r := New(gh, st, lc, allow, "o/r")

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != TickSkipped || result.SkipReason != "not-allowed-by-policy" {
		t.Fatalf("want skipped/not-allowed-by-policy, got %+v", result)
	}
}

func TestTickSkipsWhenLegacySchemeDetected(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	defer srv.Close()
	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"), ghclient.WithMaxAttempts(1),
		ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))
	st := store.NewMemoryStore()
	if err := st.SetLegacyLabelSchemeState(context.Background(), store.LegacyLabelSchemeState{Repo: "o/r", Reason: "legacy-workflow-labels"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lc := labelcoord.New(gh, st)
	allow := policy.New([]string{"o/*"})
	r := New(gh, st, lc, allow, "o/r")

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != TickSkipped || result.SkipReason != "legacy-workflow-labels" {
		t.Fatalf("want skipped/legacy-workflow-labels, got %+v", result)
	}
}

func TestTickClosesRalphLabeledIssueAndAdvancesCursor(t *testing.T) {
	nodes := []searchNode{{
		Number: 42, MergedAt: "2026-07-30T00:00:00Z",
		Issues: []closingIssue{{Number: 7, Repo: "o/r", State: "OPEN", Labels: []string{"ralph:status:in-progress"}}},
	}}
	r, ts, st := newTestReconciler(t, nodes)

	// seed an existing cursor so Tick proceeds straight to the search.
	past := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := st.RecordRepoDoneReconcileCursor(context.Background(), "o/r", store.DoneReconcileCursor{Repo: "o/r", LastMergedAt: &past}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != TickOK || result.ClosedIssues != 1 || !result.CursorAdvanced {
		t.Fatalf("want ok/1 closed/advanced cursor, got %+v", result)
	}
	if len(ts.addCalls) != 1 {
		t.Fatalf("want 1 add-label call, got %d: %v", len(ts.addCalls), ts.addCalls)
	}
	if len(ts.removeCalls) != 1 {
		t.Fatalf("want 1 remove-label call, got %d: %v", len(ts.removeCalls), ts.removeCalls)
	}

	cursor, err := st.GetRepoDoneReconcileCursor(context.Background(), "o/r")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor.LastPRNumber != 42 {
		t.Fatalf("want cursor advanced to PR 42, got %d", cursor.LastPRNumber)
	}
}

func TestTickSkipsClosedIssueAndNonRalphLabeledIssue(t *testing.T) {
	nodes := []searchNode{{
		Number: 42, MergedAt: "2026-07-30T00:00:00Z",
		Issues: []closingIssue{
			{Number: 7, Repo: "o/r", State: "CLOSED", Labels: []string{"ralph:status:in-progress"}},
			{Number: 8, Repo: "o/r", State: "OPEN", Labels: []string{"not-ralph"}},
		},
	}}
	r, ts, st := newTestReconciler(t, nodes)
	past := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := st.RecordRepoDoneReconcileCursor(context.Background(), "o/r", store.DoneReconcileCursor{Repo: "o/r", LastMergedAt: &past}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ClosedIssues != 0 {
		t.Fatalf("want 0 closed issues, got %d", result.ClosedIssues)
	}
	if len(ts.addCalls) != 0 {
		t.Fatalf("want no label writes, got %v", ts.addCalls)
	}
}

func TestTickIgnoresPRsAtOrBeforeCursor(t *testing.T) {
	nodes := []searchNode{{
		Number: 5, MergedAt: "2026-07-01T00:00:00Z",
		Issues: []closingIssue{{Number: 7, Repo: "o/r", State: "OPEN", Labels: []string{"ralph:status:queued"}}},
	}}
	r, _, st := newTestReconciler(t, nodes)
	cursorAt := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := st.RecordRepoDoneReconcileCursor(context.Background(), "o/r", store.DoneReconcileCursor{Repo: "o/r", LastMergedAt: &cursorAt, LastPRNumber: 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := r.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProcessedPRs != 0 || result.CursorAdvanced {
		t.Fatalf("want PR at cursor boundary to be ignored, got %+v", result)
	}
}

func TestTickAbortsOnCancelledContext(t *testing.T) {
	r, _, _ := newTestReconciler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := r.Tick(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != TickAborted {
		t.Fatalf("want TickAborted, got %v", result.Status)
	}
}
