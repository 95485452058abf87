// Package store provides the storage interface and implementations for the
// control plane. internal/store/memory.go backs tests and zero-config
// startup; internal/store/postgres.go backs production deployments.
package store

import (
	"context"
	"time"

	"github.com/agentoven/sandboxctl/pkg/models"
)

// Store is the primary storage interface for the control plane. Every core
// service depends on this interface, not a concrete implementation, so
// swapping in-memory for Postgres is a single change in pkg/server.
type Store interface {
	UserStore
	ApiKeyStore
	ProjectStore
	WorkspaceStore
	RunStore
	EvidenceBundleStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── User Store ──────────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// ── ApiKey Store ────────────────────────────────────────────

type ApiKeyStore interface {
	// GetApiKeyByHash looks up an unrevoked key by its token hash. Used
	// only by the external auth layer to resolve a user_id.
	GetApiKeyByHash(ctx context.Context, tokenHash string) (*models.ApiKey, error)
	CreateApiKey(ctx context.Context, key *models.ApiKey) error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	ListProjects(ctx context.Context, userID string) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
}

// ── Workspace Store ─────────────────────────────────────────

// EvictedPeer captures a workspace flipped from warm to cold by
// OpenWorkspace, along with the container id it held *before* the flip, so
// the caller can still stop the real container the transaction's own row
// update no longer references.
type EvictedPeer struct {
	WorkspaceID string
	ContainerID string
}

// WorkspaceStore manages the durable per-(user,project) sandbox handle.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)

	// GetWorkspaceByProject returns the single workspace row for this
	// (user_id, project_id) pair, or ErrNotFound if one has never been
	// opened.
	GetWorkspaceByProject(ctx context.Context, userID, projectID string) (*models.Workspace, error)

	// ListWarmWorkspaces returns every workspace in state=warm for a user
	// other than excludeProjectID. LRU eviction does not use it: Open stops
	// the peers OpenWorkspace returns.
	ListWarmWorkspaces(ctx context.Context, userID, excludeProjectID string) ([]models.Workspace, error)

	// ListIdleExpired returns warm workspaces whose idle_expires_at has
	// passed, for the idle reaper.
	ListIdleExpired(ctx context.Context, now time.Time) ([]models.Workspace, error)

	// ListColdExpired returns cold workspaces whose last_active_at is
	// older than the configured cold TTL, for the retention collector.
	ListColdExpired(ctx context.Context, olderThan time.Time) ([]models.Workspace, error)

	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error

	// OpenWorkspace performs the transactional single-warm-invariant
	// enforcement described in the design notes: select-for-update every
	// warm workspace of this user, flip them cold, then upsert the target
	// workspace to warm (creating it with a fresh volume_name if absent).
	// It returns the peers it just flipped, each carrying the container id
	// it held immediately before the flip, since the row itself no longer
	// carries that id once this call returns — callers must use the
	// returned EvictedPeer.ContainerID to stop the real container
	// out-of-band; listing warm workspaces again afterward will not find
	// them. The sandbox driver calls happen after this returns; callers
	// that fail afterward must flip the target to error themselves.
	OpenWorkspace(ctx context.Context, userID, projectID string) (*models.Workspace, []EvictedPeer, error)
}

// ── Run Store ───────────────────────────────────────────────

type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) error
	UpdateRun(ctx context.Context, run *models.Run) error

	// ListRunsByProject returns the most recent runs for a project,
	// newest first, capped at limit.
	ListRunsByProject(ctx context.Context, projectID string, limit int) ([]models.Run, error)

	// CountRunsSince counts a user's runs with started_at >= since, used
	// by the quota checker.
	CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// ── EvidenceBundle Store ────────────────────────────────────

type EvidenceBundleStore interface {
	GetEvidenceBundle(ctx context.Context, id string) (*models.EvidenceBundle, error)
	GetEvidenceBundleByRun(ctx context.Context, runID string) (*models.EvidenceBundle, error)

	// UpsertPendingBundle creates a bundle row in status=pending keyed on
	// run_id, or is a no-op if one already exists.
	UpsertPendingBundle(ctx context.Context, bundle *models.EvidenceBundle) error

	UpdateEvidenceBundle(ctx context.Context, bundle *models.EvidenceBundle) error

	// ListExpiredReadyBundles returns ready bundles created before the
	// cutoff, for the retention collector.
	ListExpiredReadyBundles(ctx context.Context, olderThan time.Time) ([]models.EvidenceBundle, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist or is not
// visible to the calling user.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}
