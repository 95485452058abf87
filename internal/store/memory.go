// Package store — in-memory Store implementation.
// Used for tests and for zero-config local startup when POSTGRES_URL is
// unset. Supports file-based snapshot persistence so dev data survives
// restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentoven/sandboxctl/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Users     map[string]*models.User           `json:"users"`
	ApiKeys   map[string]*models.ApiKey         `json:"apiKeys"` // key: token_hash
	Projects  map[string]*models.Project        `json:"projects"`
	Workspace map[string]*models.Workspace       `json:"workspaces"` // key: user_id:project_id
	Runs      map[string]*models.Run             `json:"runs"`
	Bundles   map[string]*models.EvidenceBundle  `json:"bundles"` // key: run_id
}

// MemoryStore implements Store with in-memory maps guarded by a single
// RWMutex, matching the coarse-locking idiom of a small control plane
// where contention is dominated by I/O, not lock hold time.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*models.User
	apiKeys    map[string]*models.ApiKey // key: token_hash
	projects   map[string]*models.Project
	workspaces map[string]*models.Workspace // key: user_id:project_id
	runs       map[string]*models.Run
	bundles    map[string]*models.EvidenceBundle // key: run_id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore creates a new in-memory store. If CONTROL_PLANE_DATA_DIR
// is set, data is persisted to a JSON file in that directory.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		users:      make(map[string]*models.User),
		apiKeys:    make(map[string]*models.ApiKey),
		projects:   make(map[string]*models.Project),
		workspaces: make(map[string]*models.Workspace),
		runs:       make(map[string]*models.Run),
		bundles:    make(map[string]*models.EvidenceBundle),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir := os.Getenv("CONTROL_PLANE_DATA_DIR"); dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = filepath.Join(dataDir, "data.json")
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("memory store configured")
	return m
}

func workspaceKey(userID, projectID string) string {
	return userID + ":" + projectID
}

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(200 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Users:     m.users,
		ApiKeys:   m.apiKeys,
		Projects:  m.projects,
		Workspace: m.workspaces,
		Runs:      m.runs,
		Bundles:   m.bundles,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Users != nil {
		m.users = snap.Users
	}
	if snap.ApiKeys != nil {
		m.apiKeys = snap.ApiKeys
	}
	if snap.Projects != nil {
		m.projects = snap.Projects
	}
	if snap.Workspace != nil {
		m.workspaces = snap.Workspace
	}
	if snap.Runs != nil {
		m.runs = snap.Runs
	}
	if snap.Bundles != nil {
		m.bundles = snap.Bundles
	}
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	close(m.doneCh)
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── User ────────────────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	m.requestSave()
	return nil
}

// ── ApiKey ──────────────────────────────────────────────────

func (m *MemoryStore) GetApiKeyByHash(_ context.Context, tokenHash string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[tokenHash]
	if !ok || k.RevokedAt != nil {
		return nil, &ErrNotFound{Entity: "apiKey", Key: tokenHash}
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) CreateApiKey(_ context.Context, key *models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.apiKeys[key.TokenHash] = &cp
	m.requestSave()
	return nil
}

// ── Project ─────────────────────────────────────────────────

func (m *MemoryStore) ListProjects(_ context.Context, userID string) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0)
	for _, p := range m.projects {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *project
	m.projects[project.ID] = &cp
	m.requestSave()
	return nil
}

// ── Workspace ───────────────────────────────────────────────

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workspaces {
		if w.ID == id {
			cp := *w
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "workspace", Key: id}
}

func (m *MemoryStore) GetWorkspaceByProject(_ context.Context, userID, projectID string) (*models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[workspaceKey(userID, projectID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "workspace", Key: workspaceKey(userID, projectID)}
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWarmWorkspaces(_ context.Context, userID, excludeProjectID string) ([]models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Workspace, 0)
	for _, w := range m.workspaces {
		if w.UserID == userID && w.State == models.WorkspaceWarm && w.ProjectID != excludeProjectID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListIdleExpired(_ context.Context, now time.Time) ([]models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Workspace, 0)
	for _, w := range m.workspaces {
		if w.State == models.WorkspaceWarm && w.ContainerID != "" && w.IdleExpiresAt != nil && w.IdleExpiresAt.Before(now) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListColdExpired(_ context.Context, olderThan time.Time) ([]models.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Workspace, 0)
	for _, w := range m.workspaces {
		if w.State == models.WorkspaceCold && w.VolumeName != "" && w.LastActiveAt.Before(olderThan) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateWorkspace(_ context.Context, ws *models.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workspaceKey(ws.UserID, ws.ProjectID)
	if _, ok := m.workspaces[key]; !ok {
		return &ErrNotFound{Entity: "workspace", Key: key}
	}
	cp := *ws
	m.workspaces[key] = &cp
	m.requestSave()
	return nil
}

// OpenWorkspace is the single lock-protected transition point enforcing
// invariant §3.1 (at most one warm workspace per user): it flips every
// other warm workspace of this user to cold, then upserts the target to
// warm, all under the store's single mutex — the in-memory equivalent of
// the Postgres implementation's SELECT ... FOR UPDATE transaction. The
// container id each flipped peer held is captured before the flip and
// returned, since the row itself is cleared in the same step.
func (m *MemoryStore) OpenWorkspace(_ context.Context, userID, projectID string) (*models.Workspace, []EvictedPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []EvictedPeer
	for key, w := range m.workspaces {
		if w.UserID == userID && w.ProjectID != projectID && w.State == models.WorkspaceWarm {
			evicted = append(evicted, EvictedPeer{WorkspaceID: w.ID, ContainerID: w.ContainerID})
			cooled := *w
			cooled.State = models.WorkspaceCold
			cooled.ContainerID = ""
			m.workspaces[key] = &cooled
		}
	}

	key := workspaceKey(userID, projectID)
	existing, ok := m.workspaces[key]
	if !ok {
		ws := &models.Workspace{
			ID:           fmt.Sprintf("ws-%s-%s", userID, projectID),
			UserID:       userID,
			ProjectID:    projectID,
			State:        models.WorkspaceWarm,
			VolumeName:   fmt.Sprintf("ws-%s-%s", userID, projectID),
			LastActiveAt: time.Now().UTC(),
		}
		m.workspaces[key] = ws
		m.requestSave()
		cp := *ws
		return &cp, evicted, nil
	}

	warmed := *existing
	warmed.State = models.WorkspaceWarm
	warmed.LastActiveAt = time.Now().UTC()
	m.workspaces[key] = &warmed
	m.requestSave()
	cp := warmed
	return &cp, evicted, nil
}

// ── Run ─────────────────────────────────────────────────────

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	cp := *run
	m.runs[run.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListRunsByProject(_ context.Context, projectID string, limit int) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Run, 0)
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	sortRunsDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountRunsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.runs {
		if r.UserID == userID && !r.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func sortRunsDesc(runs []models.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].StartedAt.After(runs[j-1].StartedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

// ── EvidenceBundle ──────────────────────────────────────────

func (m *MemoryStore) GetEvidenceBundle(_ context.Context, id string) (*models.EvidenceBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bundles {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "evidenceBundle", Key: id}
}

func (m *MemoryStore) GetEvidenceBundleByRun(_ context.Context, runID string) (*models.EvidenceBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[runID]
	if !ok {
		return nil, &ErrNotFound{Entity: "evidenceBundle", Key: runID}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpsertPendingBundle(_ context.Context, bundle *models.EvidenceBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bundles[bundle.RunID]; ok {
		return nil
	}
	cp := *bundle
	m.bundles[bundle.RunID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEvidenceBundle(_ context.Context, bundle *models.EvidenceBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bundles[bundle.RunID]; !ok {
		return &ErrNotFound{Entity: "evidenceBundle", Key: bundle.RunID}
	}
	cp := *bundle
	m.bundles[bundle.RunID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListExpiredReadyBundles(_ context.Context, olderThan time.Time) ([]models.EvidenceBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EvidenceBundle, 0)
	for _, b := range m.bundles {
		if b.Status == models.BundleReady && b.BundlePath != "" && b.CreatedAt.Before(olderThan) {
			out = append(out, *b)
		}
	}
	return out, nil
}
