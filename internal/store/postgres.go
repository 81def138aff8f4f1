package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements StateStore on PostgreSQL. It is the durable
// production backend: cursors, idempotency keys, and op-state survive
// process restarts here, matching spec.md §3's cursor/idempotency
// lifecycle guarantees.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pooled connection, tuned the way the
// teacher's control-plane store does for concurrent poller/writeback
// load.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) RecordIssueSnapshot(ctx context.Context, snap IssueSnapshot) error {
	labels, _ := json.Marshal(snap.Labels)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_issue_snapshots (repo, number, title, state, labels, github_node_id, github_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repo, number) DO UPDATE SET
			title = EXCLUDED.title, state = EXCLUDED.state, labels = EXCLUDED.labels,
			github_node_id = EXCLUDED.github_node_id, github_updated_at = EXCLUDED.github_updated_at
	`, snap.Repo, snap.Number, snap.Title, snap.State, labels, snap.GithubNodeID, snap.GithubUpdatedAt)
	return err
}

func (t *pgTx) RecordIssueLabelsSnapshot(ctx context.Context, repo string, number int, labels []string, at time.Time) error {
	raw, _ := json.Marshal(labels)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_issue_labels_history (repo, number, labels, recorded_at)
		VALUES ($1,$2,$3,$4)
	`, repo, number, raw, at)
	return err
}

func (t *pgTx) RecordRepoIssueSync(ctx context.Context, repo string, lastSyncAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_sync_cursors (repo, last_sync_at)
		VALUES ($1,$2)
		ON CONFLICT (repo) DO UPDATE SET last_sync_at = EXCLUDED.last_sync_at
	`, repo, lastSyncAt)
	return err
}

func (t *pgTx) RecordRepoIssueBootstrapCursor(ctx context.Context, repo string, nextURL string, highWatermark *time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_sync_cursors (repo, bootstrap_next_url, bootstrap_high_watermark)
		VALUES ($1,$2,$3)
		ON CONFLICT (repo) DO UPDATE SET
			bootstrap_next_url = EXCLUDED.bootstrap_next_url,
			bootstrap_high_watermark = EXCLUDED.bootstrap_high_watermark
	`, repo, nextURL, highWatermark)
	return err
}

func (t *pgTx) ClearRepoIssueBootstrapCursor(ctx context.Context, repo string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE ralph_sync_cursors SET bootstrap_next_url = NULL, bootstrap_high_watermark = NULL
		WHERE repo = $1
	`, repo)
	return err
}

func (t *pgTx) RecordKeyIfAbsent(ctx context.Context, key IdempotencyKey) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_idempotency_keys (key, scope, payload, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (key) DO NOTHING
	`, key.Key, key.Scope, key.PayloadRaw)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertKey(ctx context.Context, key IdempotencyKey) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ralph_idempotency_keys (key, scope, payload, created_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (key) DO UPDATE SET scope = EXCLUDED.scope, payload = EXCLUDED.payload
	`, key.Key, key.Scope, key.PayloadRaw)
	return err
}

func (t *pgTx) DeleteKey(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM ralph_idempotency_keys WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) HasKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ralph_idempotency_keys WHERE key = $1)`, key).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetPayload(ctx context.Context, key string) (string, bool, error) {
	var payload string
	err := s.pool.QueryRow(ctx, `SELECT payload FROM ralph_idempotency_keys WHERE key = $1`, key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}

func (s *PostgresStore) GetRepoIssueSyncCursor(ctx context.Context, repo string) (RepoIssueSyncCursor, error) {
	var c RepoIssueSyncCursor
	c.Repo = repo
	err := s.pool.QueryRow(ctx, `
		SELECT last_sync_at, bootstrap_next_url, bootstrap_high_watermark
		FROM ralph_sync_cursors WHERE repo = $1
	`, repo).Scan(&c.LastSyncAt, &c.BootstrapNextURL, &c.BootstrapHighWatermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	return c, err
}

func (s *PostgresStore) GetRepoDoneReconcileCursor(ctx context.Context, repo string) (DoneReconcileCursor, error) {
	var c DoneReconcileCursor
	c.Repo = repo
	err := s.pool.QueryRow(ctx, `
		SELECT last_merged_at, last_pr_number FROM ralph_done_cursors WHERE repo = $1
	`, repo).Scan(&c.LastMergedAt, &c.LastPRNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	return c, err
}

func (s *PostgresStore) RecordRepoDoneReconcileCursor(ctx context.Context, repo string, c DoneReconcileCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ralph_done_cursors (repo, last_merged_at, last_pr_number)
		VALUES ($1,$2,$3)
		ON CONFLICT (repo) DO UPDATE SET last_merged_at = EXCLUDED.last_merged_at, last_pr_number = EXCLUDED.last_pr_number
	`, repo, c.LastMergedAt, c.LastPRNumber)
	return err
}

func (s *PostgresStore) HasIssueSnapshot(ctx context.Context, repo string, number int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ralph_issue_snapshots WHERE repo=$1 AND number=$2)`, repo, number).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT labels FROM ralph_issue_snapshots WHERE repo=$1 AND number=$2`, repo, number).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var labels []string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func (s *PostgresStore) ListTaskOpStatesByRepo(ctx context.Context, repo string) ([]OpState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT repo, issue_number, task_path, session_id, status, heartbeat_at, released_at_ms
		FROM ralph_op_states WHERE repo = $1
	`, repo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OpState
	for rows.Next() {
		var op OpState
		if err := rows.Scan(&op.Repo, &op.IssueNumber, &op.TaskPath, &op.SessionID, &op.Status, &op.HeartbeatAt, &op.ReleasedAtMs); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertOpState(ctx context.Context, op OpState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ralph_op_states (repo, issue_number, task_path, session_id, status, heartbeat_at, released_at_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (repo, issue_number) DO UPDATE SET
			task_path = EXCLUDED.task_path, session_id = EXCLUDED.session_id, status = EXCLUDED.status,
			heartbeat_at = EXCLUDED.heartbeat_at, released_at_ms = EXCLUDED.released_at_ms
	`, op.Repo, op.IssueNumber, op.TaskPath, op.SessionID, op.Status, op.HeartbeatAt, op.ReleasedAtMs)
	return err
}

func (s *PostgresStore) GetOpState(ctx context.Context, repo string, issueNumber int) (*OpState, error) {
	var op OpState
	err := s.pool.QueryRow(ctx, `
		SELECT repo, issue_number, task_path, session_id, status, heartbeat_at, released_at_ms
		FROM ralph_op_states WHERE repo = $1 AND issue_number = $2
	`, repo, issueNumber).Scan(&op.Repo, &op.IssueNumber, &op.TaskPath, &op.SessionID, &op.Status, &op.HeartbeatAt, &op.ReleasedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *PostgresStore) GetRepoLabelWriteState(ctx context.Context, repo string) (RepoLabelWriteState, error) {
	var st RepoLabelWriteState
	st.Repo = repo
	err := s.pool.QueryRow(ctx, `
		SELECT blocked_until_ms, consecutive_failures, updated_at FROM ralph_label_write_state WHERE repo = $1
	`, repo).Scan(&st.BlockedUntilMs, &st.ConsecutiveFailures, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	return st, err
}

func (s *PostgresStore) SetRepoLabelWriteState(ctx context.Context, st RepoLabelWriteState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ralph_label_write_state (repo, blocked_until_ms, consecutive_failures, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (repo) DO UPDATE SET blocked_until_ms = EXCLUDED.blocked_until_ms,
			consecutive_failures = EXCLUDED.consecutive_failures, updated_at = NOW()
	`, st.Repo, st.BlockedUntilMs, st.ConsecutiveFailures)
	return err
}

func (s *PostgresStore) SetLegacyLabelSchemeState(ctx context.Context, st LegacyLabelSchemeState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ralph_legacy_scheme (repo, reason, details)
		VALUES ($1,$2,$3)
		ON CONFLICT (repo) DO UPDATE SET reason = EXCLUDED.reason, details = EXCLUDED.details
	`, st.Repo, st.Reason, st.Details)
	return err
}

func (s *PostgresStore) GetLegacyLabelSchemeState(ctx context.Context, repo string) (*LegacyLabelSchemeState, error) {
	var st LegacyLabelSchemeState
	st.Repo = repo
	err := s.pool.QueryRow(ctx, `SELECT reason, details FROM ralph_legacy_scheme WHERE repo = $1`, repo).Scan(&st.Reason, &st.Details)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) ClearLegacyLabelSchemeState(ctx context.Context, repo string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ralph_legacy_scheme WHERE repo = $1`, repo)
	return err
}

func (s *PostgresStore) CreateRun(ctx context.Context, run WorkerRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ralph_runs (run_id, repo, issue_number, worker_id, session_id, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, run.RunID, run.Repo, run.IssueNumber, run.WorkerID, run.SessionID, run.StartedAt)
	return err
}

func (s *PostgresStore) RecordRunTokenTotals(ctx context.Context, runID string, tokensIn, tokensOut int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ralph_runs SET tokens_in = tokens_in + $2, tokens_out = tokens_out + $3 WHERE run_id = $1
	`, runID, tokensIn, tokensOut)
	return err
}

func (s *PostgresStore) RecordRunSessionUse(ctx context.Context, runID string, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ralph_runs SET session_id = $2 WHERE run_id = $1`, runID, sessionID)
	return err
}

func (s *PostgresStore) RecordRunTracePointer(ctx context.Context, runID string, pointer string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ralph_runs SET trace_pointer = $2 WHERE run_id = $1`, runID, pointer)
	return err
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE ralph_runs SET finished_at = $2 WHERE run_id = $1`, runID, finishedAt)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*WorkerRun, error) {
	var r WorkerRun
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, repo, issue_number, worker_id, session_id, started_at, finished_at, tokens_in, tokens_out, trace_pointer
		FROM ralph_runs WHERE run_id = $1
	`, runID).Scan(&r.RunID, &r.Repo, &r.IssueNumber, &r.WorkerID, &r.SessionID, &r.StartedAt, &r.FinishedAt, &r.TokensIn, &r.TokensOut, &r.TracePointer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
