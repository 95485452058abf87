// Package workspace implements WorkspaceService: the open/stop lifecycle,
// per-user single-warm-workspace LRU eviction, and the workspace state
// machine described by the data model's Workspace entity.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

const repoCloneTarget = "/workspace/repo"

// healthCheckTimeout bounds how long warm() waits for a freshly started
// container's agent worker to answer /health before giving up.
const healthCheckTimeout = 30 * time.Second

// SandboxFailure wraps a sandbox driver error that should transition a
// workspace to the error state.
type SandboxFailure struct{ Err error }

func (e *SandboxFailure) Error() string { return "sandbox failure: " + e.Err.Error() }
func (e *SandboxFailure) Unwrap() error { return e.Err }

// CloneFailure indicates the initial `git clone` inside the container
// exited non-zero.
type CloneFailure struct{ Stderr string }

func (e *CloneFailure) Error() string { return "clone failure: " + e.Stderr }

// Config controls image selection, idle windows, and environment
// injected into every workspace container.
type Config struct {
	Image          string
	WarmIdle       time.Duration
	OpenAIAPIKey   string
	ForceMockCodex bool
}

// Service implements open/stop and owns the workspace state machine.
type Service struct {
	store  store.Store
	driver contracts.SandboxDriver
	cfg    Config
}

// New constructs a WorkspaceService.
func New(s store.Store, driver contracts.SandboxDriver, cfg Config) *Service {
	if cfg.WarmIdle <= 0 {
		cfg.WarmIdle = 20 * time.Minute
	}
	return &Service{store: s, driver: driver, cfg: cfg}
}

// Open resolves the project, evicts any other warm workspace this user
// holds, and ensures the target workspace has a running container.
func (s *Service) Open(ctx context.Context, userID, projectID string) (*models.Workspace, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.UserID != userID {
		return nil, &store.ErrNotFound{Entity: "project", Key: projectID}
	}

	ws, evicted, err := s.store.OpenWorkspace(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("workspace: open transaction: %w", err)
	}

	s.stopEvictedPeers(ctx, evicted)

	if ws.State == models.WorkspaceWarm && ws.ContainerID != "" {
		return ws, nil
	}

	return s.warm(ctx, ws, project)
}

// stopEvictedPeers calls StopAndRemove on the real containers belonging to
// workspaces OpenWorkspace just flipped to cold. Their rows already read
// cold/container_id=null by the time this runs, so the container id must
// come from the transaction's own return value — listing warm workspaces
// again here would always find none. Best-effort: failures are logged,
// never fatal to the caller's Open.
func (s *Service) stopEvictedPeers(ctx context.Context, peers []store.EvictedPeer) {
	for _, peer := range peers {
		if peer.ContainerID == "" {
			continue
		}
		if err := s.driver.StopAndRemove(ctx, peer.ContainerID); err != nil {
			log.Warn().Err(err).Str("workspace_id", peer.WorkspaceID).Msg("workspace: LRU eviction failed to stop container")
		}
	}
}

func (s *Service) warm(ctx context.Context, ws *models.Workspace, project *models.Project) (*models.Workspace, error) {
	if err := s.driver.EnsureVolume(ctx, ws.VolumeName); err != nil {
		return s.fail(ctx, ws, &SandboxFailure{Err: err})
	}

	env := s.buildEnv(ws)
	var containerID string
	err := retryTransient(ctx, func() error {
		id, err := s.driver.CreateContainer(ctx, contracts.ContainerSpec{
			Image:       s.cfg.Image,
			VolumeName:  ws.VolumeName,
			VolumeMount: repoCloneTarget,
			Env:         env,
			ExposedPorts: []int{sandbox.AgentPort},
			ResourceLimits: contracts.ResourceLimits{CPU: 0.5, MemoryMiB: 512},
		})
		if err != nil {
			return err
		}
		containerID = id
		return nil
	})
	if err != nil {
		return s.fail(ctx, ws, &SandboxFailure{Err: err})
	}

	if err := retryTransient(ctx, func() error { return s.driver.Start(ctx, containerID) }); err != nil {
		return s.fail(ctx, ws, &SandboxFailure{Err: err})
	}

	info, err := s.driver.Inspect(ctx, containerID)
	if err != nil {
		_ = s.driver.StopAndRemove(ctx, containerID)
		return s.fail(ctx, ws, &SandboxFailure{Err: err})
	}

	if err := s.driver.WaitForHealth(ctx, info.HostPortForInternal[sandbox.AgentPort], healthCheckTimeout); err != nil {
		_ = s.driver.StopAndRemove(ctx, containerID)
		return s.fail(ctx, ws, &SandboxFailure{Err: err})
	}

	if err := s.ensureClone(ctx, containerID, project.RepoURL); err != nil {
		_ = s.driver.StopAndRemove(ctx, containerID)
		cf := &CloneFailure{Stderr: err.Error()}
		return s.fail(ctx, ws, cf)
	}

	ws.State = models.WorkspaceWarm
	ws.ContainerID = containerID
	ws.ImageName = info.ImageName
	ws.ImageDigest = info.ImageDigest
	ws.RuntimeMetadata = buildRuntimeMetadata(info, env)
	now := time.Now().UTC()
	ws.LastActiveAt = now
	deadline := now.Add(s.cfg.WarmIdle)
	ws.IdleExpiresAt = &deadline

	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("workspace: persist warm state: %w", err)
	}
	return ws, nil
}

func (s *Service) ensureClone(ctx context.Context, containerID, repoURL string) error {
	check, err := s.driver.Exec(ctx, containerID, []string{"test", "-d", ".git"}, repoCloneTarget)
	if err == nil && check.ExitCode == 0 {
		return nil
	}
	res, err := s.driver.Exec(ctx, containerID, []string{"git", "clone", repoURL, "."}, repoCloneTarget)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git clone exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, ws *models.Workspace, cause error) (*models.Workspace, error) {
	ws.State = models.WorkspaceError
	ws.ContainerID = ""
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		log.Error().Err(err).Str("workspace_id", ws.ID).Msg("workspace: failed to persist error state")
	}
	return nil, cause
}

// Stop cools a warm workspace: stops and removes its container but keeps
// thread_id and volume_name intact. Idempotent.
func (s *Service) Stop(ctx context.Context, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.State != models.WorkspaceWarm {
		return nil
	}
	if ws.ContainerID != "" {
		if err := s.driver.StopAndRemove(ctx, ws.ContainerID); err != nil {
			log.Warn().Err(err).Str("workspace_id", workspaceID).Msg("workspace: stop failed")
		}
	}
	ws.State = models.WorkspaceCold
	ws.ContainerID = ""
	return s.store.UpdateWorkspace(ctx, ws)
}

// buildRuntimeMetadata captures the environment snapshot §2 requires
// WorkspaceService to take at create time: the image/network facts
// Inspect returned plus the non-secret env vars injected into the
// container. OPENAI_API_KEY is never included.
func buildRuntimeMetadata(info *contracts.ContainerInfo, env map[string]string) map[string]interface{} {
	meta := map[string]interface{}{
		"imageName":   info.ImageName,
		"imageDigest": info.ImageDigest,
		"ipAddress":   info.IPAddress,
	}
	ports := map[string]string{}
	for port, addr := range info.HostPortForInternal {
		ports[fmt.Sprintf("%d", port)] = addr
	}
	meta["hostPortForInternal"] = ports

	safeEnv := map[string]string{}
	for k, v := range env {
		if k == "OPENAI_API_KEY" {
			continue
		}
		safeEnv[k] = v
	}
	meta["env"] = safeEnv
	return meta
}

func (s *Service) buildEnv(ws *models.Workspace) map[string]string {
	env := map[string]string{}
	if s.cfg.OpenAIAPIKey != "" {
		env["OPENAI_API_KEY"] = s.cfg.OpenAIAPIKey
	}
	if s.cfg.ForceMockCodex {
		env["FORCE_MOCK_CODEX"] = "true"
	}
	if ws.ThreadID != "" {
		env["CODEX_THREAD_ID"] = ws.ThreadID
	}
	return env
}

// retryTransient retries op once after a short backoff, per §4.2's
// at-most-once retry policy. Any error triggers the retry; errors are not
// classified as transient or permanent.
func retryTransient(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1), ctx)
	return backoff.Retry(op, b)
}
