package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/sandboxctl/pkg/contracts"
)

// MockDriver implements contracts.SandboxDriver entirely in memory, for
// tests and for running the control plane (SANDBOXCTL_MOCK_DRIVER=true)
// in local development where no docker daemon is available.
type MockDriver struct {
	mu         sync.Mutex
	volumes    map[string]bool
	containers map[string]*mockContainer
	nextID     int

	// ExecFunc, when set, lets tests script Exec's response per call.
	ExecFunc func(containerID string, argv []string, workdir string) (*contracts.ExecResult, error)
}

type mockContainer struct {
	spec    contracts.ContainerSpec
	started bool
	files   map[string][]byte
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		volumes:    map[string]bool{},
		containers: map[string]*mockContainer{},
	}
}

func (m *MockDriver) EnsureVolume(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[name] = true
	return nil
}

func (m *MockDriver) DeleteVolume(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumes, name)
	return nil
}

func (m *MockDriver) CreateContainer(_ context.Context, spec contracts.ContainerSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("mock-%d", m.nextID)
	m.containers[id] = &mockContainer{spec: spec, files: map[string][]byte{}}
	return id, nil
}

func (m *MockDriver) Start(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("sandbox: mock container %s not found", containerID)
	}
	c.started = true
	return nil
}

func (m *MockDriver) StopAndRemove(_ context.Context, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, containerID)
	return nil
}

func (m *MockDriver) Inspect(_ context.Context, containerID string) (*contracts.ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("sandbox: mock container %s not found", containerID)
	}
	return &contracts.ContainerInfo{
		ImageName:           c.spec.Image,
		ImageDigest:         "sha256:mock",
		IPAddress:           "127.0.0.1",
		HostPortForInternal: map[int]string{AgentPort: "127.0.0.1:17000"},
	}, nil
}

func (m *MockDriver) Exec(_ context.Context, containerID string, argv []string, workdir string) (*contracts.ExecResult, error) {
	if m.ExecFunc != nil {
		return m.ExecFunc(containerID, argv, workdir)
	}
	return &contracts.ExecResult{Stdout: "", Stderr: "", ExitCode: 0}, nil
}

// GetArchive returns a tar stream of every stored file under dir, mirroring
// `docker cp`'s real contract closely enough for tests to exercise a real
// extraction path. Entries are flat (basename only); callers must not rely
// on any deeper tar structure.
func (m *MockDriver) GetArchive(_ context.Context, containerID string, dir string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return nil, fmt.Errorf("sandbox: mock container %s not found", containerID)
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range c.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		hdr := &tar.Header{
			Name: path.Base(name),
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// HasContainer reports whether containerID is still tracked as live, for
// tests asserting that StopAndRemove actually ran.
func (m *MockDriver) HasContainer(containerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.containers[containerID]
	return ok
}

// WaitForHealth always succeeds immediately: mock containers have no real
// listener to poll and are considered healthy as soon as they start.
func (m *MockDriver) WaitForHealth(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (m *MockDriver) PutFile(_ context.Context, containerID string, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[containerID]
	if !ok {
		return fmt.Errorf("sandbox: mock container %s not found", containerID)
	}
	c.files[path] = content
	return nil
}
