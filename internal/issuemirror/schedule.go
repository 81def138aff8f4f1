package issuemirror

import (
	"context"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultBaseMs   = 15_000
	backoffCapMult  = 10
	jitterFraction  = 0.20
)

// Scheduler runs one Poller per configured repo on its own adaptive
// ticker, gated by a process-wide weighted semaphore so at most
// maxInFlight repos are actively polling GitHub at once (spec.md §4.7).
type Scheduler struct {
	sem     *semaphore.Weighted
	baseMs  int64
	pollers map[string]*Poller
}

// NewScheduler builds a Scheduler allowing maxInFlight concurrent
// repo polls. maxInFlight<=0 defaults to 2.
func NewScheduler(maxInFlight int) *Scheduler {
	if maxInFlight <= 0 {
		maxInFlight = 2
	}
	return &Scheduler{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		baseMs:  defaultBaseMs,
		pollers: make(map[string]*Poller),
	}
}

// Register adds repo's poller to the scheduler.
func (s *Scheduler) Register(repo string, p *Poller) {
	s.pollers[repo] = p
}

// Run starts one goroutine per registered repo and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.pollers))
	for repo, p := range s.pollers {
		go func(repo string, p *Poller) {
			s.runRepoLoop(ctx, repo, p)
			done <- struct{}{}
		}(repo, p)
	}
	for range s.pollers {
		<-done
	}
}

func (s *Scheduler) runRepoLoop(ctx context.Context, repo string, p *Poller) {
	delay := time.Duration(s.baseMs) * time.Millisecond

	for {
		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		result, err := p.Tick(ctx)
		s.sem.Release(1)

		switch {
		case err != nil:
			log.Printf("[ISSUEMIRROR] %s: tick error: %v", repo, err)
			delay = s.capDelay(delay * 2)
		case result.Status == TickAborted:
			return
		case result.Status == TickSkipped:
			delay = s.capDelay(time.Duration(float64(delay) * 1.5))
		case result.Status == TickRateLimited:
			resetDelay := time.Duration(0)
			if result.RateLimitResetMs > 0 {
				resetDelay = time.Until(time.UnixMilli(result.RateLimitResetMs))
			}
			next := s.capDelay(delay * 2)
			if resetDelay > next {
				next = resetDelay
			}
			delay = next
		case result.FetchedCount == 0 && !result.ChangedCursor:
			delay = s.capDelay(time.Duration(float64(delay) * 1.5))
		default:
			delay = time.Duration(s.baseMs) * time.Millisecond
		}
	}
}

// capDelay bounds d at backoffCapMult times the scheduler's base
// interval, per spec.md §4.7 step 6.
func (s *Scheduler) capDelay(d time.Duration) time.Duration {
	ceiling := time.Duration(s.baseMs*backoffCapMult) * time.Millisecond
	if d > ceiling {
		return ceiling
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * jitterFraction)
	offset := time.Duration(rand.Int63n(int64(2*delta+1))) - delta
	out := d + offset
	if out < 0 {
		return 0
	}
	return out
}
