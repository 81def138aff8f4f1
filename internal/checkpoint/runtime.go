// Package checkpoint implements the per-worker checkpoint/pause state
// machine (C9): checkpoint-reached transitions, pause request/reached/
// cleared sequencing, and idempotent event emission keyed by
// checkpoint sequence number.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itskum47/ralphd/internal/eventbus"
	metrics "github.com/itskum47/ralphd/internal/observability"
	"github.com/itskum47/ralphd/internal/store"
)

// Checkpoint is one of the fixed lifecycle checkpoints a worker
// reports as it progresses through a task.
type Checkpoint string

const (
	CheckpointPlanned                   Checkpoint = "planned"
	CheckpointRouted                    Checkpoint = "routed"
	CheckpointImplementationStepComplete Checkpoint = "implementation_step_complete"
	CheckpointPRReady                   Checkpoint = "pr_ready"
	CheckpointMergeStepComplete         Checkpoint = "merge_step_complete"
	CheckpointSurveyComplete            Checkpoint = "survey_complete"
	CheckpointRecorded                  Checkpoint = "recorded"
)

// PauseProbe is the caller-supplied pause signal and blocking wait
// callback for OnCheckpointReached. WaitUntilCleared blocks until the
// pause is cleared (or ctx is cancelled); the runtime invokes it
// in-line, never spawning it itself.
type PauseProbe struct {
	IsPauseRequested bool
	WaitUntilCleared func(ctx context.Context) error
}

type workerState struct {
	LastCheckpoint    string
	PausedAtCheckpoint *string
	PauseRequested    bool
	CheckpointSeq     int
	PauseAtCheckpoint *string // operator-set "pause when this checkpoint is next reached" target
}

// Runtime tracks checkpoint/pause state for every active worker.
type Runtime struct {
	mu     sync.Mutex
	states map[string]*workerState
	store  store.StateStore
	bus    *eventbus.Bus
}

// New builds a Runtime. st persists per-worker state (for crash
// recovery) and dedupes event emission via idempotency keys; bus
// receives worker.checkpoint.*/worker.pause.* events.
func New(st store.StateStore, bus *eventbus.Bus) *Runtime {
	return &Runtime{states: make(map[string]*workerState), store: st, bus: bus}
}

func (r *Runtime) stateFor(workerID string) *workerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[workerID]
	if !ok {
		st = &workerState{}
		r.states[workerID] = st
	}
	return st
}

// SetPauseAtCheckpoint records an operator command to pause the worker
// once it next reaches target, without affecting its current state.
func (r *Runtime) SetPauseAtCheckpoint(workerID string, target Checkpoint) {
	st := r.stateFor(workerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	t := string(target)
	st.PauseAtCheckpoint = &t
}

// ClearPauseAtCheckpoint cancels a pending pause-at-checkpoint command.
func (r *Runtime) ClearPauseAtCheckpoint(workerID string) {
	st := r.stateFor(workerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	st.PauseAtCheckpoint = nil
}

// OnCheckpointReached runs the full transition spec.md §4.9 describes
// for a worker reaching checkpoint, given probe's pause signal. It
// blocks on probe.WaitUntilCleared when the transition enters (or
// re-enters) a pause.
func (r *Runtime) OnCheckpointReached(ctx context.Context, workerID string, cp Checkpoint, probe PauseProbe) error {
	st := r.stateFor(workerID)

	r.mu.Lock()
	pendingTarget := st.PauseAtCheckpoint
	r.mu.Unlock()

	// Pause-at-specific-checkpoint: record intent without waiting or
	// mutating pauseRequested until the target checkpoint itself is hit.
	if pendingTarget != nil && string(cp) != *pendingTarget {
		seq := r.bumpSeqForIntent(st)
		if err := r.emitOnce(ctx, eventbus.TypeWorkerCheckpointReached, workerID, string(cp), seq, map[string]any{"checkpoint": cp}); err != nil {
			return err
		}
		metrics.CheckpointReachedTotal.WithLabelValues(string(cp)).Inc()
		if err := r.emitOnce(ctx, eventbus.TypeWorkerPauseRequested, workerID, string(cp), seq, map[string]any{"checkpoint": cp}); err != nil {
			return err
		}
		r.mu.Lock()
		st.LastCheckpoint = string(cp)
		r.mu.Unlock()
		return nil
	}

	pauseRequested := probe.IsPauseRequested
	if pendingTarget != nil && string(cp) == *pendingTarget {
		pauseRequested = true
	}

	r.mu.Lock()
	reentry := pauseRequested && st.PausedAtCheckpoint != nil && *st.PausedAtCheckpoint == string(cp)
	r.mu.Unlock()

	if reentry {
		if probe.WaitUntilCleared != nil {
			return probe.WaitUntilCleared(ctx)
		}
		return nil
	}

	r.mu.Lock()
	st.CheckpointSeq++
	seq := st.CheckpointSeq
	enteringPause := pauseRequested && !st.PauseRequested
	st.LastCheckpoint = string(cp)
	if pauseRequested {
		c := string(cp)
		st.PausedAtCheckpoint = &c
	} else {
		st.PausedAtCheckpoint = nil
	}
	st.PauseRequested = pauseRequested
	snapshot := *st
	r.mu.Unlock()

	if err := r.persist(ctx, workerID, snapshot); err != nil {
		return err
	}
	if err := r.emitOnce(ctx, eventbus.TypeWorkerCheckpointReached, workerID, string(cp), seq, map[string]any{"checkpoint": cp}); err != nil {
		return err
	}
	metrics.CheckpointReachedTotal.WithLabelValues(string(cp)).Inc()
	if enteringPause {
		if err := r.emitOnce(ctx, eventbus.TypeWorkerPauseRequested, workerID, string(cp), seq, map[string]any{"checkpoint": cp}); err != nil {
			return err
		}
	}
	if pauseRequested {
		if err := r.emitOnce(ctx, eventbus.TypeWorkerPauseReached, workerID, string(cp), seq, map[string]any{"checkpoint": cp}); err != nil {
			return err
		}
		metrics.WorkerPausedGauge.WithLabelValues(workerID).Set(1)
		if probe.WaitUntilCleared != nil {
			return probe.WaitUntilCleared(ctx)
		}
	}
	return nil
}

// bumpSeqForIntent increments and returns the sequence number used for
// intent-only emissions, keeping those idempotency keys distinct from
// the main transition's.
func (r *Runtime) bumpSeqForIntent(st *workerState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.CheckpointSeq++
	return st.CheckpointSeq
}

// OnPauseCleared runs the pause-cleared transition: if the worker was
// paused, persists the cleared state and emits worker.pause.cleared.
func (r *Runtime) OnPauseCleared(ctx context.Context, workerID string) error {
	st := r.stateFor(workerID)

	r.mu.Lock()
	wasPaused := st.PausedAtCheckpoint != nil
	st.PauseRequested = false
	st.PausedAtCheckpoint = nil
	snapshot := *st
	seq := st.CheckpointSeq
	r.mu.Unlock()

	if !wasPaused {
		return nil
	}
	if err := r.persist(ctx, workerID, snapshot); err != nil {
		return err
	}
	metrics.WorkerPausedGauge.WithLabelValues(workerID).Set(0)
	return r.emitOnce(ctx, eventbus.TypeWorkerPauseCleared, workerID, "", seq, nil)
}

func (r *Runtime) persist(ctx context.Context, workerID string, st workerState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	key := persistKey(workerID)
	return r.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertKey(ctx, store.IdempotencyKey{
			Key: key, Scope: "checkpoint-state", PayloadRaw: string(raw), CreatedAt: time.Now(),
		})
	})
}

func persistKey(workerID string) string {
	return fmt.Sprintf("checkpoint-state:%s", workerID)
}

// emitOnce publishes eventType for workerID/cp/seq exactly once,
// claiming the idempotency key spec.md §4.9 names:
// <eventType>:<workerId>:<checkpoint|"">:<checkpointSeq>.
func (r *Runtime) emitOnce(ctx context.Context, eventType eventbus.EventType, workerID, cp string, seq int, data map[string]any) error {
	key := fmt.Sprintf("%s:%s:%s:%d", eventType, workerID, cp, seq)

	var claimed bool
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		claimed, err = tx.RecordKeyIfAbsent(ctx, store.IdempotencyKey{
			Key: key, Scope: "checkpoint-event", CreatedAt: time.Now(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("checkpoint: claim emit key: %w", err)
	}
	if !claimed {
		return nil
	}

	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	r.bus.Publish(eventbus.Event{
		TS:       time.Now(),
		Type:     eventType,
		Level:    eventbus.LevelInfo,
		WorkerID: workerID,
		Data:     raw,
	})
	return nil
}
