package ghclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(NewStaticTokenSource("tok"), WithMaxAttempts(3))
	c.httpClient = srv.Client()
	// redirect REST calls at the test server instead of api.github.com
	c.httpClient.Transport = rewriteHostTransport{base: http.DefaultTransport, target: srv.URL}
	return c, srv
}

// rewriteHostTransport rewrites requests bound for api.github.com to
// the test server's URL so Client's hardcoded base URL still exercises
// httptest.
type rewriteHostTransport struct {
	base   http.RoundTripper
	target string
}

func (r rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := req.URL.Parse(r.target + req.URL.Path + "?" + req.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	req.URL = u
	req.Host = u.Host
	return r.base.RoundTrip(req)
}

func TestCallAllowNotFound(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/repos/o/r/issues/1", AllowNotFound: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 404 {
		t.Fatalf("want 404 got %d", resp.Status)
	}
}

func TestCallNotFoundWithoutAllowReturnsError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"not found"}`))
	})
	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/repos/o/r/issues/1"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*GitHubApiError)
	if !ok {
		t.Fatalf("want *GitHubApiError, got %T", err)
	}
	if apiErr.Status != 404 {
		t.Fatalf("want status 404 got %d", apiErr.Status)
	}
}

func TestCallRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/repos/o/r/issues"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("want 200 got %d", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("want 3 attempts got %d", got)
	}
}

func TestSecondaryRateLimitClassifiedTransient(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
	})
	_, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/repos/o/r/issues"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	apiErr, ok := err.(*GitHubApiError)
	if !ok {
		t.Fatalf("want *GitHubApiError got %T", err)
	}
	if !apiErr.Transient {
		t.Fatalf("expected transient=true for secondary rate limit")
	}
}

func TestRateLimitHeadersExtracted(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "42")
		w.Header().Set("x-ratelimit-reset", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	resp, err := c.Call(context.Background(), Request{Method: http.MethodGet, Path: "/repos/o/r/issues"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RateLimitRemaining != 42 {
		t.Fatalf("want remaining 42 got %d", resp.RateLimitRemaining)
	}
	if resp.RateLimitResetMs != 1000000 {
		t.Fatalf("want resetMs 1000000 got %d", resp.RateLimitResetMs)
	}
}
