package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process StateStore used by tests and by
// single-node dev deployments. It is not durable across restarts.
type MemoryStore struct {
	mu sync.Mutex

	idempotency map[string]IdempotencyKey
	syncCursors map[string]RepoIssueSyncCursor
	doneCursors map[string]DoneReconcileCursor
	snapshots   map[string]IssueSnapshot
	labelsHist  map[string][][]string
	opStates    map[string]OpState
	labelBack   map[string]RepoLabelWriteState
	legacy      map[string]LegacyLabelSchemeState
	runs        map[string]WorkerRun
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		idempotency: make(map[string]IdempotencyKey),
		syncCursors: make(map[string]RepoIssueSyncCursor),
		doneCursors: make(map[string]DoneReconcileCursor),
		snapshots:   make(map[string]IssueSnapshot),
		labelsHist:  make(map[string][][]string),
		opStates:    make(map[string]OpState),
		labelBack:   make(map[string]RepoLabelWriteState),
		legacy:      make(map[string]LegacyLabelSchemeState),
		runs:        make(map[string]WorkerRun),
	}
}

func snapKey(repo string, number int) string {
	return repo + "#" + itoa(number)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

type memTx struct{ s *MemoryStore }

func (t *memTx) RecordIssueSnapshot(ctx context.Context, snap IssueSnapshot) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.snapshots[snapKey(snap.Repo, snap.Number)] = snap
	return nil
}

func (t *memTx) RecordIssueLabelsSnapshot(ctx context.Context, repo string, number int, labels []string, at time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	k := snapKey(repo, number)
	cp := append([]string(nil), labels...)
	t.s.labelsHist[k] = append(t.s.labelsHist[k], cp)
	return nil
}

func (t *memTx) RecordRepoIssueSync(ctx context.Context, repo string, lastSyncAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.syncCursors[repo]
	c.Repo = repo
	ts := lastSyncAt
	c.LastSyncAt = &ts
	t.s.syncCursors[repo] = c
	return nil
}

func (t *memTx) RecordRepoIssueBootstrapCursor(ctx context.Context, repo string, nextURL string, highWatermark *time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.syncCursors[repo]
	c.Repo = repo
	c.BootstrapNextURL = nextURL
	c.BootstrapHighWatermark = highWatermark
	t.s.syncCursors[repo] = c
	return nil
}

func (t *memTx) ClearRepoIssueBootstrapCursor(ctx context.Context, repo string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.syncCursors[repo]
	c.BootstrapNextURL = ""
	c.BootstrapHighWatermark = nil
	t.s.syncCursors[repo] = c
	return nil
}

func (t *memTx) RecordKeyIfAbsent(ctx context.Context, key IdempotencyKey) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.idempotency[key.Key]; ok {
		return false, nil
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	t.s.idempotency[key.Key] = key
	return true, nil
}

func (t *memTx) UpsertKey(ctx context.Context, key IdempotencyKey) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if key.CreatedAt.IsZero() {
		if existing, ok := t.s.idempotency[key.Key]; ok {
			key.CreatedAt = existing.CreatedAt
		} else {
			key.CreatedAt = time.Now()
		}
	}
	t.s.idempotency[key.Key] = key
	return nil
}

func (t *memTx) DeleteKey(ctx context.Context, key string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.idempotency, key)
	return nil
}

// RunInTransaction runs fn directly against the store. Each Tx write
// takes effect as it is made; when fn returns an error, writes it made
// before that are kept, not rolled back.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, &memTx{s: s})
}

func (s *MemoryStore) HasKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idempotency[key]
	return ok, nil
}

func (s *MemoryStore) GetPayload(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.idempotency[key]
	if !ok {
		return "", false, nil
	}
	return k.PayloadRaw, true, nil
}

func (s *MemoryStore) GetRepoIssueSyncCursor(ctx context.Context, repo string) (RepoIssueSyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.syncCursors[repo]
	if !ok {
		return RepoIssueSyncCursor{Repo: repo}, nil
	}
	return c, nil
}

func (s *MemoryStore) GetRepoDoneReconcileCursor(ctx context.Context, repo string) (DoneReconcileCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.doneCursors[repo]
	if !ok {
		return DoneReconcileCursor{Repo: repo}, nil
	}
	return c, nil
}

func (s *MemoryStore) RecordRepoDoneReconcileCursor(ctx context.Context, repo string, c DoneReconcileCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Repo = repo
	s.doneCursors[repo] = c
	return nil
}

func (s *MemoryStore) HasIssueSnapshot(ctx context.Context, repo string, number int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.snapshots[snapKey(repo, number)]
	return ok, nil
}

func (s *MemoryStore) GetIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[snapKey(repo, number)]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), snap.Labels...), nil
}

func (s *MemoryStore) ListTaskOpStatesByRepo(ctx context.Context, repo string) ([]OpState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OpState
	for _, op := range s.opStates {
		if op.Repo == repo {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertOpState(ctx context.Context, op OpState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opStates[snapKey(op.Repo, op.IssueNumber)] = op
	return nil
}

func (s *MemoryStore) GetOpState(ctx context.Context, repo string, issueNumber int) (*OpState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.opStates[snapKey(repo, issueNumber)]
	if !ok {
		return nil, nil
	}
	cp := op
	return &cp, nil
}

func (s *MemoryStore) GetRepoLabelWriteState(ctx context.Context, repo string) (RepoLabelWriteState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.labelBack[repo]
	if !ok {
		return RepoLabelWriteState{Repo: repo}, nil
	}
	return st, nil
}

func (s *MemoryStore) SetRepoLabelWriteState(ctx context.Context, st RepoLabelWriteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labelBack[st.Repo] = st
	return nil
}

func (s *MemoryStore) SetLegacyLabelSchemeState(ctx context.Context, st LegacyLabelSchemeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy[st.Repo] = st
	return nil
}

func (s *MemoryStore) GetLegacyLabelSchemeState(ctx context.Context, repo string) (*LegacyLabelSchemeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.legacy[repo]
	if !ok {
		return nil, nil
	}
	cp := st
	return &cp, nil
}

func (s *MemoryStore) ClearLegacyLabelSchemeState(ctx context.Context, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.legacy, repo)
	return nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run WorkerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) RecordRunTokenTotals(ctx context.Context, runID string, tokensIn, tokensOut int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	r.TokensIn += tokensIn
	r.TokensOut += tokensOut
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) RecordRunSessionUse(ctx context.Context, runID string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	r.SessionID = sessionID
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) RecordRunTracePointer(ctx context.Context, runID string, pointer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	r.TracePointer = pointer
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	t := finishedAt
	r.FinishedAt = &t
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*WorkerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}
