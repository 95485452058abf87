// Package reaper implements IdleReaper: a ticker-driven sweep that cools
// warm workspaces past their idle deadline.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// DefaultInterval is the default sweep cadence.
const DefaultInterval = 60 * time.Second

// Reaper periodically cools warm workspaces whose idle deadline has
// elapsed. It never touches thread_id or volume_name.
type Reaper struct {
	store    store.Store
	driver   contracts.SandboxDriver
	interval time.Duration
}

// New returns a Reaper sweeping on interval (DefaultInterval if zero).
func New(s store.Store, driver contracts.SandboxDriver, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{store: s, driver: driver, interval: interval}
}

// Start runs the sweep loop until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("idle reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idle reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep cools every workspace whose idle deadline has passed. Per-item
// errors are logged and do not halt the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	expired, err := r.store.ListIdleExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("idle reaper: failed to list expired workspaces")
		return
	}

	cooled := 0
	for i := range expired {
		ws := &expired[i]
		if err := r.driver.StopAndRemove(ctx, ws.ContainerID); err != nil {
			log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("idle reaper: stop failed")
		}
		ws.State = models.WorkspaceCold
		ws.ContainerID = ""
		if err := r.store.UpdateWorkspace(ctx, ws); err != nil {
			log.Warn().Err(err).Str("workspace_id", ws.ID).Msg("idle reaper: failed to persist cold state")
			continue
		}
		cooled++
	}

	if cooled > 0 {
		log.Info().Int("cooled", cooled).Msg("idle reaper: sweep complete")
	}
}
