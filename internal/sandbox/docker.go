// Package sandbox implements the SandboxDriver contract over a local
// Docker daemon reached through the docker CLI, plus an in-memory stand-in
// for tests.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/pkg/contracts"
)

// AgentPort is the fixed port the agent worker listens on inside every
// workspace container.
const AgentPort = 7000

// DockerDriver implements contracts.SandboxDriver by shelling out to the
// docker CLI, following the same exec.CommandContext/health-poll shape the
// control plane already used for local agent containers.
type DockerDriver struct {
	volumeMount string
}

// NewDockerDriver returns a driver that mounts each workspace's volume at
// volumeMount (default /workspace/repo) inside the container.
func NewDockerDriver(volumeMount string) *DockerDriver {
	if volumeMount == "" {
		volumeMount = "/workspace/repo"
	}
	return &DockerDriver{volumeMount: volumeMount}
}

func (d *DockerDriver) EnsureVolume(ctx context.Context, name string) error {
	if err := run(ctx, "volume", "create", name); err != nil {
		return fmt.Errorf("sandbox: ensure volume %s: %w", name, err)
	}
	return nil
}

func (d *DockerDriver) DeleteVolume(ctx context.Context, name string) error {
	if err := run(ctx, "volume", "rm", "-f", name); err != nil {
		return fmt.Errorf("sandbox: delete volume %s: %w", name, err)
	}
	return nil
}

func (d *DockerDriver) CreateContainer(ctx context.Context, spec contracts.ContainerSpec) (string, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("sandbox: docker not found in PATH: %w", err)
	}

	args := []string{
		"create",
		"-v", fmt.Sprintf("%s:%s", spec.VolumeName, d.volumeMount),
		"-p", fmt.Sprintf("%d", AgentPort),
		"--cpus", fmt.Sprintf("%.2f", spec.ResourceLimits.CPU),
		"--memory", fmt.Sprintf("%dm", spec.ResourceLimits.MemoryMiB),
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, spec.Image)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sandbox: docker create failed: %s: %w", stderr.String(), err)
	}

	containerID := strings.TrimSpace(stdout.String())
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	return containerID, nil
}

func (d *DockerDriver) Start(ctx context.Context, containerID string) error {
	if err := run(ctx, "start", containerID); err != nil {
		return fmt.Errorf("sandbox: start container %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerDriver) StopAndRemove(ctx context.Context, containerID string) error {
	if err := run(ctx, "stop", "-t", "5", containerID); err != nil {
		log.Warn().Err(err).Str("container", containerID).Msg("sandbox: stop failed, forcing removal")
	}
	if err := run(ctx, "rm", "-f", containerID); err != nil {
		return fmt.Errorf("sandbox: remove container %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, containerID string) (*contracts.ContainerInfo, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.Config.Image}}|{{index .RepoDigests 0}}|{{.NetworkSettings.IPAddress}}|{{(index (index .NetworkSettings.Ports \"7000/tcp\") 0).HostPort}}",
		containerID)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sandbox: inspect container %s: %s: %w", containerID, stderr.String(), err)
	}

	parts := strings.SplitN(strings.TrimSpace(stdout.String()), "|", 4)
	info := &contracts.ContainerInfo{HostPortForInternal: map[int]string{}}
	if len(parts) > 0 {
		info.ImageName = parts[0]
	}
	if len(parts) > 1 {
		info.ImageDigest = parts[1]
	}
	if len(parts) > 2 {
		info.IPAddress = parts[2]
	}
	if len(parts) > 3 && parts[3] != "" {
		info.HostPortForInternal[AgentPort] = "localhost:" + parts[3]
	} else if info.IPAddress != "" {
		info.HostPortForInternal[AgentPort] = fmt.Sprintf("%s:%d", info.IPAddress, AgentPort)
	}
	return info, nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, workdir string) (*contracts.ExecResult, error) {
	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	args = append(args, containerID)
	args = append(args, argv...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: exec in container %s: %w", containerID, err)
		}
	}
	return &contracts.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func (d *DockerDriver) GetArchive(ctx context.Context, containerID string, path string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "docker", "cp", containerID+":"+path, "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: get archive pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: get archive start: %w", err)
	}
	return &cmdReadCloser{ReadCloser: stdout, cmd: cmd}, nil
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}

func (d *DockerDriver) PutFile(ctx context.Context, containerID string, filePath string, content []byte) error {
	dir := path.Dir(filePath)
	script := fmt.Sprintf("mkdir -p %s && cat > %s", dir, filePath)
	cmd := exec.CommandContext(ctx, "docker", "exec", "-i", containerID, "sh", "-c", script)
	cmd.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: put file %s: %s: %w", filePath, stderr.String(), err)
	}
	return nil
}

// WaitForHealth polls http://addr/health until it responds with 2xx or the
// deadline elapses. WorkspaceService calls this after Start and Inspect so that a
// container which never becomes reachable surfaces as a failure instead of
// silently proceeding.
func (d *DockerDriver) WaitForHealth(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("sandbox: health check against %s timed out after %s", addr, timeout)
}

func run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", stderr.String(), err)
	}
	return nil
}
