package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentoven/sandboxctl/pkg/models"
)

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against dsn and verifies
// connectivity before returning.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}

// schemaDDL creates the six tables from the data model plus the indexes
// named in the persistence layout. CHECK constraints include "deleted" as
// a terminal state for both workspaces and evidence_bundles per the
// resolved open question.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT,
	display_name TEXT,
	is_admin BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token_hash TEXT NOT NULL UNIQUE,
	label TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	repo_url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	state TEXT NOT NULL CHECK (state IN ('warm','cold','deleted','error')),
	container_id TEXT,
	volume_name TEXT,
	thread_id TEXT,
	image_name TEXT,
	image_digest TEXT,
	runtime_metadata JSONB,
	last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	idle_expires_at TIMESTAMPTZ,
	UNIQUE (user_id, project_id)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	status TEXT NOT NULL CHECK (status IN ('running','succeeded','failed','timeout')),
	prompt TEXT NOT NULL,
	final_text TEXT,
	diff TEXT,
	test_output TEXT,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	duration_ms BIGINT,
	input_tokens INT,
	output_tokens INT,
	git_commit TEXT,
	image_name TEXT,
	image_digest TEXT,
	env_snapshot JSONB
);
CREATE INDEX IF NOT EXISTS idx_runs_project_started ON runs (project_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_user_started ON runs (user_id, started_at DESC);

CREATE TABLE IF NOT EXISTS evidence_bundles (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL UNIQUE REFERENCES runs(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','ready','error','deleted')),
	bundle_path TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ── User ────────────────────────────────────────────────────

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, display_name, is_admin, created_at, updated_at FROM users WHERE id = $1`, id)
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "user", Key: id}
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name, is_admin, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET email=$2, display_name=$3, is_admin=$4, updated_at=$6`,
		u.ID, u.Email, u.DisplayName, u.IsAdmin, u.CreatedAt, u.UpdatedAt)
	return err
}

// ── ApiKey ──────────────────────────────────────────────────

func (s *PostgresStore) GetApiKeyByHash(ctx context.Context, tokenHash string) (*models.ApiKey, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, label, created_at, revoked_at FROM api_keys
		 WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	var k models.ApiKey
	if err := row.Scan(&k.ID, &k.UserID, &k.TokenHash, &k.Label, &k.CreatedAt, &k.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "apiKey", Key: tokenHash}
		}
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateApiKey(ctx context.Context, k *models.ApiKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, token_hash, label, created_at) VALUES ($1,$2,$3,$4,$5)`,
		k.ID, k.UserID, k.TokenHash, k.Label, k.CreatedAt)
	return err
}

// ── Project ─────────────────────────────────────────────────

func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, name, repo_url, created_at FROM projects WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Project, 0)
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.RepoURL, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, user_id, name, repo_url, created_at FROM projects WHERE id = $1`, id)
	var p models.Project
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.RepoURL, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "project", Key: id}
		}
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, user_id, name, repo_url, created_at) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.UserID, p.Name, p.RepoURL, p.CreatedAt)
	return err
}

// ── Workspace ───────────────────────────────────────────────

const workspaceColumns = `id, user_id, project_id, state, container_id, volume_name, thread_id,
	image_name, image_digest, runtime_metadata, last_active_at, idle_expires_at`

func scanWorkspace(row pgx.Row) (*models.Workspace, error) {
	var w models.Workspace
	var runtimeMetadata []byte
	if err := row.Scan(&w.ID, &w.UserID, &w.ProjectID, &w.State, &w.ContainerID, &w.VolumeName, &w.ThreadID,
		&w.ImageName, &w.ImageDigest, &runtimeMetadata, &w.LastActiveAt, &w.IdleExpiresAt); err != nil {
		return nil, err
	}
	if len(runtimeMetadata) > 0 {
		if err := json.Unmarshal(runtimeMetadata, &w.RuntimeMetadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal runtime_metadata: %w", err)
		}
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	w, err := scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "workspace", Key: id}
		}
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) GetWorkspaceByProject(ctx context.Context, userID, projectID string) (*models.Workspace, error) {
	w, err := scanWorkspace(s.pool.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE user_id = $1 AND project_id = $2`, userID, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "workspace", Key: userID + ":" + projectID}
		}
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) ListWarmWorkspaces(ctx context.Context, userID, excludeProjectID string) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE user_id = $1 AND state = 'warm' AND project_id <> $2`,
		userID, excludeProjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkspaceRows(rows)
}

func (s *PostgresStore) ListIdleExpired(ctx context.Context, now time.Time) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE state = 'warm' AND idle_expires_at < $1 AND container_id IS NOT NULL`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkspaceRows(rows)
}

func (s *PostgresStore) ListColdExpired(ctx context.Context, olderThan time.Time) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE state = 'cold' AND last_active_at < $1 AND volume_name IS NOT NULL`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkspaceRows(rows)
}

func scanWorkspaceRows(rows pgx.Rows) ([]models.Workspace, error) {
	out := make([]models.Workspace, 0)
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, w *models.Workspace) error {
	runtimeMetadata, err := json.Marshal(w.RuntimeMetadata)
	if err != nil {
		return fmt.Errorf("store: marshal runtime_metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE workspaces SET state=$3, container_id=$4, volume_name=$5, thread_id=$6,
		 image_name=$7, image_digest=$8, runtime_metadata=$9, last_active_at=$10, idle_expires_at=$11
		 WHERE user_id=$1 AND project_id=$2`,
		w.UserID, w.ProjectID, w.State, nullableString(w.ContainerID), nullableString(w.VolumeName), nullableString(w.ThreadID),
		nullableString(w.ImageName), nullableString(w.ImageDigest), runtimeMetadata, w.LastActiveAt, w.IdleExpiresAt)
	return err
}

// OpenWorkspace runs the transaction the design notes require: select every
// warm workspace of this user for update, flip them cold, then upsert the
// target workspace to warm. This is the only reliable enforcement of the
// single-warm invariant under concurrent Opens. Each flipped peer's
// container id is read before the UPDATE clears it, so the caller still has
// a handle to stop the real container the row no longer references.
func (s *PostgresStore) OpenWorkspace(ctx context.Context, userID, projectID string) (*models.Workspace, []EvictedPeer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin open-workspace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, container_id FROM workspaces WHERE user_id = $1 AND project_id <> $2 AND state = 'warm' FOR UPDATE`,
		userID, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: select warm workspaces for update: %w", err)
	}
	var evicted []EvictedPeer
	for rows.Next() {
		var id string
		var containerID *string
		if err := rows.Scan(&id, &containerID); err != nil {
			rows.Close()
			return nil, nil, err
		}
		peer := EvictedPeer{WorkspaceID: id}
		if containerID != nil {
			peer.ContainerID = *containerID
		}
		evicted = append(evicted, peer)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, peer := range evicted {
		if _, err := tx.Exec(ctx, `UPDATE workspaces SET state='cold', container_id=NULL WHERE id = $1`, peer.WorkspaceID); err != nil {
			return nil, nil, fmt.Errorf("store: cool peer workspace %s: %w", peer.WorkspaceID, err)
		}
	}

	volumeName := fmt.Sprintf("ws-%s-%s", userID, projectID)
	row := tx.QueryRow(ctx,
		`INSERT INTO workspaces (id, user_id, project_id, state, volume_name, last_active_at)
		 VALUES ($1,$2,$3,'warm',$4, now())
		 ON CONFLICT (user_id, project_id) DO UPDATE SET state='warm', last_active_at=now()
		 RETURNING `+workspaceColumns,
		fmt.Sprintf("ws-%s-%s", userID, projectID), userID, projectID, volumeName)
	w, err := scanWorkspace(row)
	if err != nil {
		return nil, nil, fmt.Errorf("store: upsert target workspace: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("store: commit open-workspace tx: %w", err)
	}
	return w, evicted, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// ── Run ─────────────────────────────────────────────────────

const runColumns = `id, user_id, project_id, workspace_id, status, prompt, final_text, diff, test_output,
	error_message, started_at, finished_at, duration_ms, input_tokens, output_tokens, git_commit,
	image_name, image_digest, env_snapshot`

func scanRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	var envSnapshot []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.WorkspaceID, &r.Status, &r.Prompt, &r.FinalText, &r.Diff,
		&r.TestOutput, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt, &r.DurationMs, &r.InputTokens, &r.OutputTokens,
		&r.GitCommit, &r.ImageName, &r.ImageDigest, &envSnapshot); err != nil {
		return nil, err
	}
	if len(envSnapshot) > 0 {
		if err := json.Unmarshal(envSnapshot, &r.EnvSnapshot); err != nil {
			return nil, fmt.Errorf("store: unmarshal env_snapshot: %w", err)
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "run", Key: id}
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r *models.Run) error {
	envSnapshot, err := json.Marshal(r.EnvSnapshot)
	if err != nil {
		return fmt.Errorf("store: marshal env_snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, user_id, project_id, workspace_id, status, prompt, started_at, image_name, image_digest, env_snapshot)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.UserID, r.ProjectID, r.WorkspaceID, r.Status, r.Prompt, r.StartedAt, r.ImageName, r.ImageDigest, envSnapshot)
	return err
}

func (s *PostgresStore) UpdateRun(ctx context.Context, r *models.Run) error {
	envSnapshot, err := json.Marshal(r.EnvSnapshot)
	if err != nil {
		return fmt.Errorf("store: marshal env_snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE runs SET status=$2, final_text=$3, diff=$4, test_output=$5, error_message=$6,
		 finished_at=$7, duration_ms=$8, input_tokens=$9, output_tokens=$10, git_commit=$11, env_snapshot=$12
		 WHERE id = $1`,
		r.ID, r.Status, r.FinalText, r.Diff, r.TestOutput, r.ErrorMessage,
		r.FinishedAt, r.DurationMs, r.InputTokens, r.OutputTokens, r.GitCommit, envSnapshot)
	return err
}

func (s *PostgresStore) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE user_id = $1 AND started_at >= $2`, userID, since).Scan(&count)
	return count, err
}

// ── EvidenceBundle ──────────────────────────────────────────

const bundleColumns = `id, run_id, user_id, project_id, workspace_id, status, bundle_path, error_message, created_at, updated_at`

func scanBundle(row pgx.Row) (*models.EvidenceBundle, error) {
	var b models.EvidenceBundle
	if err := row.Scan(&b.ID, &b.RunID, &b.UserID, &b.ProjectID, &b.WorkspaceID, &b.Status, &b.BundlePath,
		&b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) GetEvidenceBundle(ctx context.Context, id string) (*models.EvidenceBundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM evidence_bundles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "evidenceBundle", Key: id}
		}
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) GetEvidenceBundleByRun(ctx context.Context, runID string) (*models.EvidenceBundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM evidence_bundles WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "evidenceBundle", Key: runID}
		}
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) UpsertPendingBundle(ctx context.Context, b *models.EvidenceBundle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence_bundles (id, run_id, user_id, project_id, workspace_id, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,'pending',$6,$6)
		 ON CONFLICT (run_id) DO NOTHING`,
		b.ID, b.RunID, b.UserID, b.ProjectID, b.WorkspaceID, b.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateEvidenceBundle(ctx context.Context, b *models.EvidenceBundle) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE evidence_bundles SET status=$2, bundle_path=$3, error_message=$4, updated_at=$5 WHERE run_id = $1`,
		b.RunID, b.Status, nullableString(b.BundlePath), b.ErrorMessage, b.UpdatedAt)
	return err
}

func (s *PostgresStore) ListExpiredReadyBundles(ctx context.Context, olderThan time.Time) ([]models.EvidenceBundle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bundleColumns+` FROM evidence_bundles
		 WHERE status = 'ready' AND created_at < $1 AND bundle_path IS NOT NULL`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.EvidenceBundle, 0)
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

