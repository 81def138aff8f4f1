// Package config declares the typed configuration surface for every
// knob named in spec.md §6. Loading (flags/env/file parsing and
// validation) is an external collaborator; this package only carries
// the struct shapes and their documented defaults so a loader can
// deserialize into them with gopkg.in/yaml.v3.
package config

import "time"

// EventBusConfig configures C3.
type EventBusConfig struct {
	// BufferSize is the ring buffer capacity. Default 1000.
	BufferSize int `yaml:"bufferSize"`
}

// PersistenceConfig configures dashboard event-log persistence.
type PersistenceConfig struct {
	// RetentionDays is how long JSONL day-files are kept. Default 30.
	RetentionDays int `yaml:"retentionDays"`
	// FlushTimeoutMs bounds a caller-supplied flush call. Default 5000.
	FlushTimeoutMs int `yaml:"flushTimeoutMs"`
}

// SyncConfig configures C7's issue mirror scheduling.
type SyncConfig struct {
	// MaxInFlight bounds concurrently-polling repos. Default 2.
	MaxInFlight int `yaml:"maxInFlight"`
	// MaxPagesPerTick bounds issue list pages fetched per tick. Default 2.
	MaxPagesPerTick int `yaml:"maxPagesPerTick"`
	// MaxIssuesPerTick bounds issues processed per tick. Default 200.
	MaxIssuesPerTick int `yaml:"maxIssuesPerTick"`
	// BaseIntervalMs is the unbacked-off poll interval. Default 15000.
	BaseIntervalMs int64 `yaml:"baseIntervalMs"`
}

// LabelWriteConfig configures C5.
type LabelWriteConfig struct {
	// CoalesceWindowMs is how long same-issue writes are batched. Default 500.
	CoalesceWindowMs int64 `yaml:"coalesceWindowMs"`
	// WriteClass is the default write class ("normal" or "best-effort").
	WriteClass string `yaml:"writeClass"`
}

// ControlPlaneConfig configures C11.
type ControlPlaneConfig struct {
	// ReplayLastDefault is the replay window used when a client omits replayLast. Default 50.
	ReplayLastDefault int `yaml:"replayLastDefault"`
	// ReplayLastMax bounds any client-requested replayLast. Default 1000.
	ReplayLastMax int `yaml:"replayLastMax"`
	// ExposeRawOpencodeEvents, when false (the default), filters log.opencode.event off the stream.
	ExposeRawOpencodeEvents bool `yaml:"exposeRawOpencodeEvents"`
	// Token is the shared Bearer token accepted on all routes.
	Token string `yaml:"token"`
	// Host is the listen address. Default "127.0.0.1".
	Host string `yaml:"host"`
	// Port is the listen port. Default 8080.
	Port int `yaml:"port"`
}

// CheckpointConfig configures C9.
type CheckpointConfig struct {
	// RecentToolsLimit bounds the tool-call history kept per worker. Default 20.
	RecentToolsLimit int `yaml:"recentToolsLimit"`
	// AnomalyCooldownMs is the minimum gap between repeated anomaly signals. Default 60000.
	AnomalyCooldownMs int64 `yaml:"anomalyCooldownMs"`
	// AnomalyWindowMs is the sliding window anomaly detection considers. Default 300000.
	AnomalyWindowMs int64 `yaml:"anomalyWindowMs"`
}

// DoneReconcilerConfig configures C10.
type DoneReconcilerConfig struct {
	// MaxPrsPerRun bounds merged PRs processed per tick. Default 50.
	MaxPrsPerRun int `yaml:"maxPrsPerRun"`
	// BaseIntervalMs is the unbacked-off tick interval. Default 30000.
	BaseIntervalMs int64 `yaml:"baseIntervalMs"`
}

// Config is the closed set of knobs the core reads, per spec.md §6.
type Config struct {
	EventBus       EventBusConfig       `yaml:"eventBus"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
	Sync           SyncConfig           `yaml:"sync"`
	LabelWrite     LabelWriteConfig     `yaml:"labelWrite"`
	ControlPlane   ControlPlaneConfig   `yaml:"controlPlane"`
	Checkpoint     CheckpointConfig     `yaml:"checkpoint"`
	DoneReconciler DoneReconcilerConfig `yaml:"doneReconciler"`
}

// Default returns the documented defaults for every knob in spec.md §6.
func Default() Config {
	return Config{
		EventBus: EventBusConfig{BufferSize: 1000},
		Persistence: PersistenceConfig{
			RetentionDays:  30,
			FlushTimeoutMs: 5000,
		},
		Sync: SyncConfig{
			MaxInFlight:      2,
			MaxPagesPerTick:  2,
			MaxIssuesPerTick: 200,
			BaseIntervalMs:   15_000,
		},
		LabelWrite: LabelWriteConfig{
			CoalesceWindowMs: 500,
			WriteClass:       "normal",
		},
		ControlPlane: ControlPlaneConfig{
			ReplayLastDefault:       50,
			ReplayLastMax:           1000,
			ExposeRawOpencodeEvents: false,
			Host:                    "127.0.0.1",
			Port:                    8080,
		},
		Checkpoint: CheckpointConfig{
			RecentToolsLimit:  20,
			AnomalyCooldownMs: 60_000,
			AnomalyWindowMs:   300_000,
		},
		DoneReconciler: DoneReconcilerConfig{
			MaxPrsPerRun:   50,
			BaseIntervalMs: 30_000,
		},
	}
}

// FlushTimeout returns Persistence.FlushTimeoutMs as a time.Duration.
func (c PersistenceConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

// RetentionPeriod returns Persistence.RetentionDays as a time.Duration.
func (c PersistenceConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CoalesceWindow returns LabelWrite.CoalesceWindowMs as a time.Duration.
func (c LabelWriteConfig) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMs) * time.Millisecond
}

// BaseInterval returns Sync.BaseIntervalMs as a time.Duration.
func (c SyncConfig) BaseInterval() time.Duration {
	return time.Duration(c.BaseIntervalMs) * time.Millisecond
}

// BaseInterval returns DoneReconciler.BaseIntervalMs as a time.Duration.
func (c DoneReconcilerConfig) BaseInterval() time.Duration {
	return time.Duration(c.BaseIntervalMs) * time.Millisecond
}
