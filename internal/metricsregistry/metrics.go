// Package metricsregistry exposes the control plane's operational
// counters: an in-process atomic snapshot for GET /metrics, mirrored into
// OpenTelemetry metric instruments for anything scraping via OTLP.
package metricsregistry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Registry holds the counters named in the design notes:
// workspace_gc_total, evidence_gc_total, runs_total, runs_failed_total,
// quota_denied_total.
type Registry struct {
	workspaceGCTotal atomic.Int64
	evidenceGCTotal  atomic.Int64
	runsTotal        atomic.Int64
	runsFailedTotal  atomic.Int64
	quotaDeniedTotal atomic.Int64

	otelWorkspaceGC metric.Int64Counter
	otelEvidenceGC  metric.Int64Counter
	otelRuns        metric.Int64Counter
	otelRunsFailed  metric.Int64Counter
	otelQuotaDenied metric.Int64Counter
}

// New constructs a Registry and registers its mirrored counters against
// the given meter. Pass otel.Meter("sandboxctl") from the caller, or a
// no-op meter if OpenTelemetry is disabled.
func New(meter metric.Meter) (*Registry, error) {
	r := &Registry{}

	var err error
	if r.otelWorkspaceGC, err = meter.Int64Counter("workspace_gc_total"); err != nil {
		return nil, err
	}
	if r.otelEvidenceGC, err = meter.Int64Counter("evidence_gc_total"); err != nil {
		return nil, err
	}
	if r.otelRuns, err = meter.Int64Counter("runs_total"); err != nil {
		return nil, err
	}
	if r.otelRunsFailed, err = meter.Int64Counter("runs_failed_total"); err != nil {
		return nil, err
	}
	if r.otelQuotaDenied, err = meter.Int64Counter("quota_denied_total"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) IncWorkspaceGC() {
	r.workspaceGCTotal.Add(1)
	r.otelWorkspaceGC.Add(context.Background(), 1)
}

func (r *Registry) IncEvidenceGC() {
	r.evidenceGCTotal.Add(1)
	r.otelEvidenceGC.Add(context.Background(), 1)
}

func (r *Registry) IncRun() {
	r.runsTotal.Add(1)
	r.otelRuns.Add(context.Background(), 1)
}

func (r *Registry) IncRunFailed() {
	r.runsFailedTotal.Add(1)
	r.otelRunsFailed.Add(context.Background(), 1)
}

func (r *Registry) IncQuotaDenied() {
	r.quotaDeniedTotal.Add(1)
	r.otelQuotaDenied.Add(context.Background(), 1)
}

// Snapshot is the JSON shape served by GET /metrics.
type Snapshot struct {
	WorkspaceGCTotal int64 `json:"workspace_gc_total"`
	EvidenceGCTotal  int64 `json:"evidence_gc_total"`
	RunsTotal        int64 `json:"runs_total"`
	RunsFailedTotal  int64 `json:"runs_failed_total"`
	QuotaDeniedTotal int64 `json:"quota_denied_total"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		WorkspaceGCTotal: r.workspaceGCTotal.Load(),
		EvidenceGCTotal:  r.evidenceGCTotal.Load(),
		RunsTotal:        r.runsTotal.Load(),
		RunsFailedTotal:  r.runsFailedTotal.Load(),
		QuotaDeniedTotal: r.quotaDeniedTotal.Load(),
	}
}
