package config

import "testing"

func TestDefaultPopulatesEveryDocumentedKnob(t *testing.T) {
	c := Default()

	if c.EventBus.BufferSize != 1000 {
		t.Fatalf("want bufferSize 1000, got %d", c.EventBus.BufferSize)
	}
	if c.Persistence.RetentionDays != 30 || c.Persistence.FlushTimeoutMs != 5000 {
		t.Fatalf("unexpected persistence defaults: %+v", c.Persistence)
	}
	if c.Sync.MaxInFlight != 2 || c.Sync.MaxPagesPerTick != 2 || c.Sync.MaxIssuesPerTick != 200 || c.Sync.BaseIntervalMs != 15_000 {
		t.Fatalf("unexpected sync defaults: %+v", c.Sync)
	}
	if c.LabelWrite.CoalesceWindowMs != 500 || c.LabelWrite.WriteClass != "normal" {
		t.Fatalf("unexpected label write defaults: %+v", c.LabelWrite)
	}
	if c.ControlPlane.ReplayLastDefault != 50 || c.ControlPlane.ReplayLastMax != 1000 {
		t.Fatalf("unexpected control plane defaults: %+v", c.ControlPlane)
	}
	if c.ControlPlane.ExposeRawOpencodeEvents {
		t.Fatal("expected exposeRawOpencodeEvents to default false")
	}
	if c.Checkpoint.RecentToolsLimit != 20 || c.Checkpoint.AnomalyCooldownMs != 60_000 || c.Checkpoint.AnomalyWindowMs != 300_000 {
		t.Fatalf("unexpected checkpoint defaults: %+v", c.Checkpoint)
	}
	if c.DoneReconciler.MaxPrsPerRun != 50 || c.DoneReconciler.BaseIntervalMs != 30_000 {
		t.Fatalf("unexpected done-reconciler defaults: %+v", c.DoneReconciler)
	}
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	c := Default()
	if c.Persistence.FlushTimeout().Seconds() != 5 {
		t.Fatalf("want 5s flush timeout, got %v", c.Persistence.FlushTimeout())
	}
	if c.LabelWrite.CoalesceWindow().Milliseconds() != 500 {
		t.Fatalf("want 500ms coalesce window, got %v", c.LabelWrite.CoalesceWindow())
	}
	if c.Sync.BaseInterval().Milliseconds() != 15_000 {
		t.Fatalf("want 15000ms sync base interval, got %v", c.Sync.BaseInterval())
	}
	if c.DoneReconciler.BaseInterval().Milliseconds() != 30_000 {
		t.Fatalf("want 30000ms reconciler base interval, got %v", c.DoneReconciler.BaseInterval())
	}
	if c.Persistence.RetentionPeriod().Hours() != 30*24 {
		t.Fatalf("want 30 days retention, got %v", c.Persistence.RetentionPeriod())
	}
}
