// Package models defines the persisted entities and wire types shared
// between the control plane's core services and its storage and transport
// layers.
package models

import "time"

// ── Workspace lifecycle ──────────────────────────────────────────────

// WorkspaceState is a workspace's position in the lifecycle state machine:
// warm/cold transitions driven by Open/Stop, deleted driven by retention,
// error driven by a sandbox failure during warming.
type WorkspaceState string

const (
	WorkspaceWarm    WorkspaceState = "warm"
	WorkspaceCold    WorkspaceState = "cold"
	WorkspaceDeleted WorkspaceState = "deleted"
	WorkspaceError   WorkspaceState = "error"
)

// RunStatus is the lifecycle status of a single prompt execution.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// BundleStatus is the lifecycle status of an evidence bundle.
type BundleStatus string

const (
	BundlePending BundleStatus = "pending"
	BundleReady   BundleStatus = "ready"
	BundleError   BundleStatus = "error"
	BundleDeleted BundleStatus = "deleted"
)

// ── User ──────────────────────────────────────────────────────────────

// User is the identity anchor. Created by an external tool; never mutated
// by the core; destroyed only by administrative action (cascades to all
// owned rows).
type User struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email,omitempty" db:"email"`
	DisplayName string    `json:"displayName,omitempty" db:"display_name"`
	IsAdmin     bool      `json:"isAdmin" db:"is_admin"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// ── ApiKey ────────────────────────────────────────────────────────────

// ApiKey is consumed by the external auth layer only; the core never reads
// it directly and instead receives an already-resolved user_id.
type ApiKey struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"userId" db:"user_id"`
	TokenHash string     `json:"-" db:"token_hash"`
	Label     string     `json:"label,omitempty" db:"label"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	RevokedAt *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// ── Project ───────────────────────────────────────────────────────────

// Project is a logical grouping owning at most one workspace at any time.
// Immutable after creation.
type Project struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	RepoURL   string    `json:"repoUrl" db:"repo_url"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ── Workspace ─────────────────────────────────────────────────────────

// Workspace is the durable handle to a sandbox: exactly one row per
// (user_id, project_id) pair. VolumeName is allocated at first warm and
// never rewritten until the row transitions to deleted. ContainerID is
// non-null only in state warm. ThreadID persists agent conversation
// context across cold/warm cycles.
type Workspace struct {
	ID              string                 `json:"id" db:"id"`
	UserID          string                 `json:"userId" db:"user_id"`
	ProjectID       string                 `json:"projectId" db:"project_id"`
	State           WorkspaceState         `json:"state" db:"state"`
	ContainerID     string                 `json:"containerId,omitempty" db:"container_id"`
	VolumeName      string                 `json:"volumeName,omitempty" db:"volume_name"`
	ThreadID        string                 `json:"threadId,omitempty" db:"thread_id"`
	ImageName       string                 `json:"imageName,omitempty" db:"image_name"`
	ImageDigest     string                 `json:"imageDigest,omitempty" db:"image_digest"`
	RuntimeMetadata map[string]interface{} `json:"runtimeMetadata,omitempty" db:"runtime_metadata"`
	LastActiveAt    time.Time              `json:"lastActiveAt" db:"last_active_at"`
	IdleExpiresAt   *time.Time             `json:"idleExpiresAt,omitempty" db:"idle_expires_at"`
}

// ── Run ───────────────────────────────────────────────────────────────

// Run is one row per prompt invocation against a warm workspace.
type Run struct {
	ID           string                 `json:"id" db:"id"`
	UserID       string                 `json:"userId" db:"user_id"`
	ProjectID    string                 `json:"projectId" db:"project_id"`
	WorkspaceID  string                 `json:"workspaceId" db:"workspace_id"`
	Status       RunStatus              `json:"status" db:"status"`
	Prompt       string                 `json:"prompt" db:"prompt"`
	FinalText    string                 `json:"finalText,omitempty" db:"final_text"`
	Diff         string                 `json:"diff,omitempty" db:"diff"`
	TestOutput   string                 `json:"testOutput,omitempty" db:"test_output"`
	ErrorMessage string                 `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt    time.Time              `json:"startedAt" db:"started_at"`
	FinishedAt   *time.Time             `json:"finishedAt,omitempty" db:"finished_at"`
	DurationMs   *int64                 `json:"durationMs,omitempty" db:"duration_ms"`
	InputTokens  *int                   `json:"inputTokens,omitempty" db:"input_tokens"`
	OutputTokens *int                   `json:"outputTokens,omitempty" db:"output_tokens"`
	GitCommit    string                 `json:"gitCommit,omitempty" db:"git_commit"`
	ImageName    string                 `json:"imageName,omitempty" db:"image_name"`
	ImageDigest  string                 `json:"imageDigest,omitempty" db:"image_digest"`
	EnvSnapshot  map[string]interface{} `json:"envSnapshot,omitempty" db:"env_snapshot"`
}

// ── EvidenceBundle ────────────────────────────────────────────────────

// EvidenceBundle tracks the zip archive produced for one run. RunID is
// unique: at most one bundle per run.
type EvidenceBundle struct {
	ID           string       `json:"id" db:"id"`
	RunID        string       `json:"runId" db:"run_id"`
	UserID       string       `json:"userId" db:"user_id"`
	ProjectID    string       `json:"projectId" db:"project_id"`
	WorkspaceID  string       `json:"workspaceId" db:"workspace_id"`
	Status       BundleStatus `json:"status" db:"status"`
	BundlePath   string       `json:"bundlePath,omitempty" db:"bundle_path"`
	ErrorMessage string       `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time    `json:"updatedAt" db:"updated_at"`
}

// ── Canonical run events ─────────────────────────────────────────────

// EventType enumerates the canonical events RunService and EventSink
// produce. Exactly one run-start and one run-complete are emitted per run,
// with run-complete last.
type EventType string

const (
	EventRunStart        EventType = "run-start"
	EventToken           EventType = "token"
	EventDiff            EventType = "diff"
	EventCommandStarted  EventType = "command-started"
	EventCommandFinished EventType = "command-finished"
	EventRunComplete     EventType = "run-complete"
)

// Event is the canonical envelope written to both the SSE transport and
// events.jsonl. Fields carries the type-specific payload and is marshaled
// inline by the event sink, keeping the envelope shape stable across types.
type Event struct {
	Ts     time.Time              `json:"ts"`
	RunID  string                 `json:"runId"`
	Type   EventType              `json:"type"`
	Fields map[string]interface{} `json:"-"`
}

// TokenFields is the payload of a token event. Sequence is unique and
// monotonically increasing per run, starting at 0.
type TokenFields struct {
	Delta    string `json:"delta"`
	Sequence int    `json:"sequence"`
}

// DiffSummary is a compact alternative to a raw diff body.
type DiffSummary struct {
	FilesChanged int `json:"filesChanged"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// DiffFields is the payload of a diff event.
type DiffFields struct {
	Diff        string       `json:"diff,omitempty"`
	DiffSummary *DiffSummary `json:"diffSummary,omitempty"`
}

// CommandStartedFields is the payload of a command-started event. Emitted
// only when produced by the agent worker; the core never synthesizes it.
type CommandStartedFields struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

// CommandFinishedFields is the payload of a command-finished event.
// Stdout/stderr are truncated to 8 KiB each before storage.
type CommandFinishedFields struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunCompleteFields is the payload of the terminal run-complete event.
type RunCompleteFields struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// ── Agent worker contract types ──────────────────────────────────────

// AgentRequest is sent to the in-sandbox agent worker's /run endpoint.
type AgentRequest struct {
	Text  string `json:"text"`
	RunID string `json:"runId"`
}

// AgentResponse is the agent worker's synchronous reply.
type AgentResponse struct {
	FinalText string `json:"finalText"`
	Diff      string `json:"diff"`
	ThreadID  string `json:"threadId"`
	GitCommit string `json:"gitCommit,omitempty"`

	// CommandLog is not part of the wire response: RunService populates it
	// after the call returns, by parsing the agent-produced
	// command_log.jsonl out of the sandbox's evidence directory. nil means
	// the agent produced no command log for this run.
	CommandLog []CommandLogEntry `json:"-"`
}

// CommandLogEntry is one record from command_log.jsonl, the agent's own
// account of a shell command it ran while producing FinalText/Diff.
type CommandLogEntry struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
