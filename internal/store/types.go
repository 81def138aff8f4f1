// Package store defines the durable key/value and tabular surface the
// core consumes (C2). Concrete backends (Postgres, Redis, in-memory)
// implement StateStore; the core never depends on a specific backend.
package store

import "time"

// IdempotencyKey records that a particular writeback has been
// performed. Unique per Key; see RecordKeyIfAbsent for the atomic
// "record-if-absent" semantics writeback de-duplication depends on.
type IdempotencyKey struct {
	Key        string    `json:"key" db:"key"`
	Scope      string    `json:"scope" db:"scope"`
	PayloadRaw string    `json:"payload,omitempty" db:"payload"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RepoIssueSyncCursor tracks C7's per-repo incremental-sync position.
type RepoIssueSyncCursor struct {
	Repo                   string     `json:"repo" db:"repo"`
	LastSyncAt             *time.Time `json:"last_sync_at" db:"last_sync_at"`
	BootstrapNextURL       string     `json:"bootstrap_next_url,omitempty" db:"bootstrap_next_url"`
	BootstrapHighWatermark *time.Time `json:"bootstrap_high_watermark,omitempty" db:"bootstrap_high_watermark"`
}

// DoneReconcileCursor tracks C10's merged-PR scan position.
type DoneReconcileCursor struct {
	Repo         string     `json:"repo" db:"repo"`
	LastMergedAt *time.Time `json:"last_merged_at" db:"last_merged_at"`
	LastPRNumber int        `json:"last_pr_number" db:"last_pr_number"`
}

// IssueSnapshot is the authoritative label mirror for one issue.
type IssueSnapshot struct {
	Repo            string    `json:"repo" db:"repo"`
	Number          int       `json:"number" db:"number"`
	Title           string    `json:"title" db:"title"`
	State           string    `json:"state" db:"state"` // OPEN | CLOSED
	Labels          []string  `json:"labels" db:"labels"`
	GithubNodeID    string    `json:"github_node_id" db:"github_node_id"`
	GithubUpdatedAt time.Time `json:"github_updated_at" db:"github_updated_at"`
}

// OpState is the per-task runtime record tying an issue to a worker
// session and heartbeat.
type OpState struct {
	Repo          string     `json:"repo" db:"repo"`
	IssueNumber   int        `json:"issue_number" db:"issue_number"`
	TaskPath      string     `json:"task_path" db:"task_path"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	Status        string     `json:"status" db:"status"`
	HeartbeatAt   time.Time  `json:"heartbeat_at" db:"heartbeat_at"`
	ReleasedAtMs  *int64     `json:"released_at_ms,omitempty" db:"released_at_ms"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
}

// RepoLabelWriteState is the per-repo backoff window C5 maintains after
// transient GitHub failures.
type RepoLabelWriteState struct {
	Repo                string    `json:"repo" db:"repo"`
	BlockedUntilMs      int64     `json:"blocked_until_ms" db:"blocked_until_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures" db:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// WorkerRun records one worker process lifecycle for the dashboard and
// run-token accounting.
type WorkerRun struct {
	RunID          string     `json:"run_id" db:"run_id"`
	Repo           string     `json:"repo" db:"repo"`
	IssueNumber    int        `json:"issue_number" db:"issue_number"`
	WorkerID       string     `json:"worker_id" db:"worker_id"`
	SessionID      string     `json:"session_id,omitempty" db:"session_id"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	TokensIn       int64      `json:"tokens_in" db:"tokens_in"`
	TokensOut      int64      `json:"tokens_out" db:"tokens_out"`
	TracePointer   string     `json:"trace_pointer,omitempty" db:"trace_pointer"`
}

// LegacyLabelSchemeState flags a repo whose labels still use the
// pre-vNext workflow scheme; downstream reconcilers are disabled for
// the repo until this is cleared.
type LegacyLabelSchemeState struct {
	Repo      string `json:"repo" db:"repo"`
	Reason    string `json:"reason" db:"reason"` // e.g. "legacy-workflow-labels"
	Details   string `json:"details,omitempty" db:"details"`
}
