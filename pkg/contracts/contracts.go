// Package contracts defines the boundary interfaces between the control
// plane's core orchestration services and the external collaborators it
// depends on: persistence, the sandbox runtime, and the in-sandbox agent
// worker.
//
// Core services (WorkspaceService, RunService, IdleReaper,
// RetentionCollector, EvidenceBuilder) are constructed against these
// interfaces only. Swapping a concrete Store or SandboxDriver for another
// implementation is a single change in the wiring code (pkg/server).
package contracts

import (
	"context"
	"io"
	"time"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed here so
// callers outside internal/ (tests, an operator CLI) can depend on the
// interface without importing internal/store directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── SandboxDriver ─────────────────────────────────────────────────────

// ResourceLimits bounds CPU and memory for a created container.
type ResourceLimits struct {
	CPU       float64
	MemoryMiB int64
}

// ContainerSpec describes the container WorkspaceService asks the driver
// to create.
type ContainerSpec struct {
	Image          string
	VolumeName     string
	VolumeMount    string
	Env            map[string]string
	ExposedPorts   []int
	ResourceLimits ResourceLimits
}

// ContainerInfo is what Inspect returns about a running container.
type ContainerInfo struct {
	ImageName   string
	ImageDigest string
	IPAddress   string
	// HostPortForInternal maps a port exposed inside the container (7000,
	// the agent worker's listen port) to the address the control plane
	// should dial. When the control plane and sandbox share a network this
	// is the container's internal address; otherwise a published host port.
	HostPortForInternal map[int]string
}

// ExecResult is the outcome of a one-shot command run inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SandboxDriver abstracts container and volume lifecycle operations. The
// control plane never talks to a container runtime directly; it only
// calls through this interface.
type SandboxDriver interface {
	EnsureVolume(ctx context.Context, name string) error
	DeleteVolume(ctx context.Context, name string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	Start(ctx context.Context, containerID string) error
	StopAndRemove(ctx context.Context, containerID string) error

	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)
	Exec(ctx context.Context, containerID string, argv []string, workdir string) (*ExecResult, error)

	// WaitForHealth blocks until addr's agent worker answers /health with
	// 2xx, or timeout elapses. WorkspaceService calls this after Start
	// and Inspect so a container that never becomes reachable surfaces as a
	// SandboxFailure instead of being handed to the first run.
	WaitForHealth(ctx context.Context, addr string, timeout time.Duration) error

	GetArchive(ctx context.Context, containerID string, path string) (io.ReadCloser, error)
	PutFile(ctx context.Context, containerID string, path string, content []byte) error
}

// ── AgentClient ───────────────────────────────────────────────────────

// AgentClient abstracts the in-sandbox agent worker protocol: a single
// synchronous call that submits a prompt and returns the agent's final
// answer plus a repository diff.
type AgentClient interface {
	// Execute dispatches one prompt to the agent worker reachable at addr
	// (as returned by SandboxDriver.Inspect) and waits for its synchronous
	// response, honoring ctx's deadline.
	Execute(ctx context.Context, addr string, req models.AgentRequest) (*models.AgentResponse, error)
}
