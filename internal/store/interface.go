package store

import (
	"context"
	"time"
)

// ErrForwardIncompatible is returned when the durable schema is newer
// than this binary understands; the scheduler treats snapshots as
// degraded and skips resumption verification.
type ErrForwardIncompatible struct{ Detail string }

func (e *ErrForwardIncompatible) Error() string { return "store: forward incompatible: " + e.Detail }

// ErrLockTimeout is returned when a transaction could not acquire the
// row/advisory lock it needed within the backend's timeout.
type ErrLockTimeout struct{ Detail string }

func (e *ErrLockTimeout) Error() string { return "store: lock timeout: " + e.Detail }

// Tx is the scope passed to a transactional unit of work. Every core
// operation that mutates durable state runs inside exactly one Tx per
// logical operation group (e.g. one page of issue ingestion).
type Tx interface {
	// RecordIssueSnapshot upserts the issue's authoritative fields.
	RecordIssueSnapshot(ctx context.Context, snap IssueSnapshot) error
	// RecordIssueLabelsSnapshot appends a row to labels-snapshot history.
	RecordIssueLabelsSnapshot(ctx context.Context, repo string, number int, labels []string, at time.Time) error
	// RecordRepoIssueSync persists the new sync cursor for repo.
	RecordRepoIssueSync(ctx context.Context, repo string, lastSyncAt time.Time) error
	// RecordRepoIssueBootstrapCursor persists bootstrap pagination state.
	RecordRepoIssueBootstrapCursor(ctx context.Context, repo string, nextURL string, highWatermark *time.Time) error
	// ClearRepoIssueBootstrapCursor clears bootstrap state once pagination ends.
	ClearRepoIssueBootstrapCursor(ctx context.Context, repo string) error
	// RecordKeyIfAbsent atomically claims an idempotency key, returning
	// claimed=false if the key already existed.
	RecordKeyIfAbsent(ctx context.Context, key IdempotencyKey) (claimed bool, err error)
	// UpsertKey overwrites an idempotency key's payload.
	UpsertKey(ctx context.Context, key IdempotencyKey) error
	// DeleteKey removes an idempotency key (used on writeback failure
	// so a later retry can re-attempt cleanly).
	DeleteKey(ctx context.Context, key string) error
}

// StateStore is the full interface surface the core consumes (§4.2).
type StateStore interface {
	// RunInTransaction executes fn inside one transaction. A non-nil
	// error returned by fn rolls the transaction back.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Idempotency (read-only outside a transaction; writes go through Tx).
	HasKey(ctx context.Context, key string) (bool, error)
	GetPayload(ctx context.Context, key string) (string, bool, error)

	// Cursors
	GetRepoIssueSyncCursor(ctx context.Context, repo string) (RepoIssueSyncCursor, error)
	GetRepoDoneReconcileCursor(ctx context.Context, repo string) (DoneReconcileCursor, error)
	RecordRepoDoneReconcileCursor(ctx context.Context, repo string, c DoneReconcileCursor) error

	// Snapshots
	HasIssueSnapshot(ctx context.Context, repo string, number int) (bool, error)
	GetIssueLabels(ctx context.Context, repo string, number int) ([]string, error)

	// Op-state
	ListTaskOpStatesByRepo(ctx context.Context, repo string) ([]OpState, error)
	UpsertOpState(ctx context.Context, op OpState) error
	GetOpState(ctx context.Context, repo string, issueNumber int) (*OpState, error)

	// Label write backoff state
	GetRepoLabelWriteState(ctx context.Context, repo string) (RepoLabelWriteState, error)
	SetRepoLabelWriteState(ctx context.Context, s RepoLabelWriteState) error

	// Legacy label scheme detection
	SetLegacyLabelSchemeState(ctx context.Context, s LegacyLabelSchemeState) error
	GetLegacyLabelSchemeState(ctx context.Context, repo string) (*LegacyLabelSchemeState, error)
	ClearLegacyLabelSchemeState(ctx context.Context, repo string) error

	// Runs
	CreateRun(ctx context.Context, run WorkerRun) error
	RecordRunTokenTotals(ctx context.Context, runID string, tokensIn, tokensOut int64) error
	RecordRunSessionUse(ctx context.Context, runID string, sessionID string) error
	RecordRunTracePointer(ctx context.Context, runID string, pointer string) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time) error
	GetRun(ctx context.Context, runID string) (*WorkerRun, error)
}
