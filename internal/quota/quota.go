// Package quota implements QuotaChecker: a per-user daily run limit.
package quota

import (
	"context"
	"time"

	"github.com/agentoven/sandboxctl/internal/store"
)

// Checker counts a user's runs for the current UTC day against a limit.
type Checker struct {
	store     store.Store
	maxPerDay int
}

// New returns a Checker enforcing maxRunsPerDay per user.
func New(s store.Store, maxRunsPerDay int) *Checker {
	return &Checker{store: s, maxPerDay: maxRunsPerDay}
}

// Allow reports whether userID may start another run today. Called before
// the Run row insert: a denied request leaves no row behind.
func (c *Checker) Allow(ctx context.Context, userID string) (bool, error) {
	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	count, err := c.store.CountRunsSince(ctx, userID, startOfDay)
	if err != nil {
		return false, err
	}
	return count < c.maxPerDay, nil
}
