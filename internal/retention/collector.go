// Package retention implements RetentionCollector: two delete-only sweeps
// that purge cold workspace volumes and expired evidence bundles past their
// configured TTL.
package retention

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// DefaultInterval is the default sweep cadence.
const DefaultInterval = time.Hour

// Metrics receives per-sweep counters. Both methods are called once per
// successful deletion; a nil Metrics is a valid no-op.
type Metrics interface {
	IncWorkspaceGC()
	IncEvidenceGC()
}

type noopMetrics struct{}

func (noopMetrics) IncWorkspaceGC() {}
func (noopMetrics) IncEvidenceGC() {}

// Config controls the two TTLs the collector enforces.
type Config struct {
	WorkspaceColdTTL time.Duration
	EvidenceTTL      time.Duration
	Interval         time.Duration
}

// Collector periodically deletes cold workspace volumes and expired
// evidence bundle files, never archiving either.
type Collector struct {
	store   store.Store
	driver  contracts.SandboxDriver
	metrics Metrics
	cfg     Config
}

// New returns a Collector. A nil metrics is replaced with a no-op.
func New(s store.Store, driver contracts.SandboxDriver, metrics Metrics, cfg Config) *Collector {
	if cfg.WorkspaceColdTTL <= 0 {
		cfg.WorkspaceColdTTL = 30 * 24 * time.Hour
	}
	if cfg.EvidenceTTL <= 0 {
		cfg.EvidenceTTL = 180 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Collector{store: s, driver: driver, metrics: metrics, cfg: cfg}
}

// Start runs both sweeps once immediately, then on every tick, until ctx is
// canceled.
func (c *Collector) Start(ctx context.Context) {
	log.Info().Dur("interval", c.cfg.Interval).Msg("retention collector started")

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.SweepWorkspaces(ctx)
	c.SweepEvidence(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention collector stopped")
			return
		case <-ticker.C:
			c.SweepWorkspaces(ctx)
			c.SweepEvidence(ctx)
		}
	}
}

// SweepWorkspaces deletes the sandbox volume for every cold workspace past
// WorkspaceColdTTL and marks it deleted. A missing volume is not an error.
func (c *Collector) SweepWorkspaces(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-c.cfg.WorkspaceColdTTL)
	expired, err := c.store.ListColdExpired(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention: failed to list cold expired workspaces")
		return 0
	}

	deleted := 0
	for i := range expired {
		ws := &expired[i]
		if ws.VolumeName == "" {
			continue
		}
		if err := c.driver.DeleteVolume(ctx, ws.VolumeName); err != nil {
			log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("retention: volume delete failed, marking deleted anyway")
		}
		ws.State = models.WorkspaceDeleted
		ws.VolumeName = ""
		if err := c.store.UpdateWorkspace(ctx, ws); err != nil {
			log.Error().Err(err).Str("workspace_id", ws.ID).Msg("retention: failed to persist deleted workspace")
			continue
		}
		c.metrics.IncWorkspaceGC()
		deleted++
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("retention: workspace sweep complete")
	}
	return deleted
}

// SweepEvidence deletes the zip file for every ready bundle past
// EvidenceTTL and marks it deleted. A missing file is not an error.
func (c *Collector) SweepEvidence(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-c.cfg.EvidenceTTL)
	expired, err := c.store.ListExpiredReadyBundles(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("retention: failed to list expired evidence bundles")
		return 0
	}

	deleted := 0
	for i := range expired {
		b := &expired[i]
		if b.BundlePath == "" {
			continue
		}
		if err := os.Remove(b.BundlePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("bundle_id", b.ID).Msg("retention: bundle file delete failed, marking deleted anyway")
		}
		b.Status = models.BundleDeleted
		b.BundlePath = ""
		if err := c.store.UpdateEvidenceBundle(ctx, b); err != nil {
			log.Error().Err(err).Str("bundle_id", b.ID).Msg("retention: failed to persist deleted bundle")
			continue
		}
		c.metrics.IncEvidenceGC()
		deleted++
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("retention: evidence sweep complete")
	}
	return deleted
}
