package issuemirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/store"
)

func TestCapDelayBoundsAtTenTimesBase(t *testing.T) {
	s := NewScheduler(2)
	s.baseMs = 1000
	got := s.capDelay(100 * time.Second)
	want := time.Duration(1000*backoffCapMult) * time.Millisecond
	if got != want {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestCapDelayLeavesSmallDelayUnchanged(t *testing.T) {
	s := NewScheduler(2)
	s.baseMs = 1000
	got := s.capDelay(500 * time.Millisecond)
	if got != 500*time.Millisecond {
		t.Fatalf("want unchanged, got %v", got)
	}
}

func TestJitterStaysWithinBand(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lower := time.Duration(float64(base) * (1 - jitterFraction))
		upper := time.Duration(float64(base) * (1 + jitterFraction))
		if got < lower || got > upper {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lower, upper)
		}
	}
}

func TestSchedulerRunExitsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	gh := ghclient.New(ghclient.NewStaticTokenSource("tok"),
		ghclient.WithMaxAttempts(1),
		ghclient.WithHTTPClient(&http.Client{Transport: rewriteTransport{target: srv.URL}}))
	st := store.NewMemoryStore()
	p := New(gh, st, "o/r")

	s := NewScheduler(1)
	s.baseMs = 10 // fast tick for the test
	s.Register("o/r", p)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit after context cancellation")
	}
}
