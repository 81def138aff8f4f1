package labelcoord

import (
	"context"
	"fmt"
	"sync"
)

// IssueLocker serializes label mutations per repo#number: a process-
// wide map from key to the tail of a chain of waiters, so ops for the
// same issue run one at a time in arrival order even across
// goroutines that never touch each other directly.
type IssueLocker struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewIssueLocker builds an empty locker.
func NewIssueLocker() *IssueLocker {
	return &IssueLocker{tails: make(map[string]chan struct{})}
}

func issueKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

// Lock waits for its turn on repo#number and returns an unlock func.
// Every caller must eventually call unlock exactly once to release the
// next waiter in the chain.
func (l *IssueLocker) Lock(ctx context.Context, repo string, number int) (unlock func(), err error) {
	key := issueKey(repo, number)

	l.mu.Lock()
	prev := l.tails[key]
	done := make(chan struct{})
	l.tails[key] = done
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// We already published `done` as the new tail; close it now
			// so anyone queued behind us isn't wedged forever.
			close(done)
			return nil, ctx.Err()
		}
	}

	return func() {
		close(done)
		l.mu.Lock()
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}, nil
}
