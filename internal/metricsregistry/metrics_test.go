package metricsregistry_test

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/agentoven/sandboxctl/internal/metricsregistry"
)

func TestSnapshotReflectsIncrements(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	r, err := metricsregistry.New(meter)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.IncRun()
	r.IncRun()
	r.IncRunFailed()
	r.IncQuotaDenied()
	r.IncWorkspaceGC()
	r.IncEvidenceGC()

	snap := r.Snapshot()
	if snap.RunsTotal != 2 {
		t.Errorf("RunsTotal = %d, want 2", snap.RunsTotal)
	}
	if snap.RunsFailedTotal != 1 {
		t.Errorf("RunsFailedTotal = %d, want 1", snap.RunsFailedTotal)
	}
	if snap.QuotaDeniedTotal != 1 {
		t.Errorf("QuotaDeniedTotal = %d, want 1", snap.QuotaDeniedTotal)
	}
	if snap.WorkspaceGCTotal != 1 {
		t.Errorf("WorkspaceGCTotal = %d, want 1", snap.WorkspaceGCTotal)
	}
	if snap.EvidenceGCTotal != 1 {
		t.Errorf("EvidenceGCTotal = %d, want 1", snap.EvidenceGCTotal)
	}
}
