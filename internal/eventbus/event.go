// Package eventbus implements the in-process publish/subscribe bus
// (C3): a bounded ring buffer with per-subscriber bounded replay, plus
// a best-effort JSONL persistence subscriber.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event type strings spec.md §3 defines.
type EventType string

const (
	TypeDaemonStarted EventType = "daemon.started"
	TypeDaemonStopped EventType = "daemon.stopped"

	TypeGithubRequest EventType = "github.request"

	TypeWorkerCreated               EventType = "worker.created"
	TypeWorkerBecameBusy            EventType = "worker.became_busy"
	TypeWorkerBecameIdle            EventType = "worker.became_idle"
	TypeWorkerCheckpointReached     EventType = "worker.checkpoint.reached"
	TypeWorkerPauseRequested        EventType = "worker.pause.requested"
	TypeWorkerPauseReached          EventType = "worker.pause.reached"
	TypeWorkerPauseCleared          EventType = "worker.pause.cleared"
	TypeWorkerActivityUpdated       EventType = "worker.activity.updated"
	TypeWorkerAnomalyUpdated        EventType = "worker.anomaly.updated"
	TypeWorkerSummaryUpdated        EventType = "worker.summary.updated"
	TypeWorkerContextCompactTrigger EventType = "worker.context_compact.triggered"

	TypeTaskAssigned      EventType = "task.assigned"
	TypeTaskStatusChanged EventType = "task.status_changed"
	TypeTaskCompleted     EventType = "task.completed"
	TypeTaskEscalated     EventType = "task.escalated"
	TypeTaskBlocked       EventType = "task.blocked"

	TypeMessageQueued            EventType = "message.queued"
	TypeMessageDetected           EventType = "message.detected"
	TypeMessageDeliveryAttempted EventType = "message.delivery.attempted"
	TypeMessageDeliveryDeferred  EventType = "message.delivery.deferred"
	TypeMessageDeliveryBlocked   EventType = "message.delivery.blocked"

	TypeLogRalph          EventType = "log.ralph"
	TypeLogWorker         EventType = "log.worker"
	TypeLogOpencodeEvent  EventType = "log.opencode.event"
	TypeLogOpencodeText   EventType = "log.opencode.text"

	TypeError EventType = "error"
)

// Level is the event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is the immutable envelope described in spec.md §3. Once
// published, an Event's fields must never be mutated by a subscriber.
type Event struct {
	TS        time.Time       `json:"ts"`
	Type      EventType       `json:"type"`
	Level     Level           `json:"level"`
	RunID     string          `json:"runId,omitempty"`
	WorkerID  string          `json:"workerId,omitempty"`
	Repo      string          `json:"repo,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ValidatePayload checks that Data is well-formed for Type where §3
// and §6 mandate a required-field shape. It rejects an empty type; any
// other type without a required-field shape passes, including one
// outside the declared EventType constants. Bus.Publish does not call
// it.
func (e Event) ValidatePayload() error {
	if e.Type == "" {
		return fmt.Errorf("eventbus: empty event type")
	}
	switch e.Type {
	case TypeWorkerCheckpointReached:
		return requireFields(e.Data, "checkpoint")
	case TypeGithubRequest:
		return requireFields(e.Data, "method", "path", "status", "ok", "write", "durationMs", "attempt")
	}
	return nil
}

func requireFields(raw json.RawMessage, fields ...string) error {
	if len(raw) == 0 {
		return fmt.Errorf("eventbus: missing required fields %v: empty payload", fields)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("eventbus: payload is not a JSON object: %w", err)
	}
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return fmt.Errorf("eventbus: event %v missing required field %q", fields, f)
		}
	}
	return nil
}

// SafeJSONStringify marshals e, returning an error rather than
// panicking on unmarshalable Data.
func SafeJSONStringify(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsEvent reports whether raw parses as a well-formed Event envelope.
func IsEvent(raw string) bool {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return false
	}
	return e.Type != "" && e.Level != ""
}
