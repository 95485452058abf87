// Package run implements RunService: the per-prompt execution algorithm
// shared by the unary and streaming entry points — quota check, per-workspace
// locking, agent dispatch, canonical event emission, and Run persistence.
package run

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/internal/events"
	"github.com/agentoven/sandboxctl/internal/keyedmutex"
	"github.com/agentoven/sandboxctl/internal/quota"
	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// ErrQuotaExceeded is returned by the unary entry point when the caller's
// daily run limit has been reached; no Run row is inserted.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrNoWarmWorkspace is returned when the target (user_id, project_id) has
// no warm workspace to run against.
var ErrNoWarmWorkspace = errors.New("no warm workspace")

// DefaultTimeout is the hard per-run ceiling on AgentClient.Execute,
// independent of any HTTP client timeout.
const DefaultTimeout = 60 * time.Second

// tokenInterval is an optional, purely cosmetic delay between token
// events; it must never affect unary callers, who never observe events.
const tokenInterval = 20 * time.Millisecond

// Scheduler hands a completed run_id to the evidence pipeline. RunService
// calls Schedule inline after writing events.jsonl; an implementation may
// block while its queue is full, and the build itself runs in the
// background.
type Scheduler interface {
	Schedule(runID string)
}

// Config controls the per-run timeout and warm-idle renewal window.
type Config struct {
	Timeout  time.Duration
	WarmIdle time.Duration
}

// Service implements the shared Run/Stream algorithm.
type Service struct {
	store    store.Store
	agent    contracts.AgentClient
	driver   contracts.SandboxDriver
	locks    *keyedmutex.KeyedMutex
	quota    *quota.Checker
	evidence Scheduler
	cfg      Config
}

// New constructs a RunService.
func New(s store.Store, agent contracts.AgentClient, driver contracts.SandboxDriver, locks *keyedmutex.KeyedMutex, q *quota.Checker, evidence Scheduler, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WarmIdle <= 0 {
		cfg.WarmIdle = 20 * time.Minute
	}
	return &Service{store: s, agent: agent, driver: driver, locks: locks, quota: q, evidence: evidence, cfg: cfg}
}

// Result is the unary reply to RunService.Run.
type Result struct {
	RunID     string
	FinalText string
	Diff      string
}

// Run executes prompt unary: the caller receives the final text and diff
// directly, with no event transport attached.
func (s *Service) Run(ctx context.Context, userID, projectID, prompt string) (*Result, error) {
	run, err := s.execute(ctx, userID, projectID, prompt, nil)
	if err != nil {
		return nil, err
	}
	return &Result{RunID: run.ID, FinalText: run.FinalText, Diff: run.Diff}, nil
}

// Stream executes prompt with every canonical event forwarded live to
// transport in addition to being buffered for the jsonl log.
func (s *Service) Stream(ctx context.Context, userID, projectID, prompt string, transport events.Transport) error {
	_, err := s.execute(ctx, userID, projectID, prompt, transport)
	return err
}

// execute runs the full algorithm shared by Run and Stream. On any
// failure after the quota check, a terminal run-complete event has
// already been emitted by the time this returns.
func (s *Service) execute(ctx context.Context, userID, projectID, prompt string, transport events.Transport) (*models.Run, error) {
	runID := uuid.New().String()
	sink := events.New(runID, transport)

	allowed, err := s.quota.Allow(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("run: quota check: %w", err)
	}
	if !allowed {
		_ = sink.Emit(models.EventRunComplete, map[string]interface{}{
			"status": string(models.RunFailed),
			"error":  "quota_exceeded",
		})
		return nil, ErrQuotaExceeded
	}

	ws, err := s.store.GetWorkspaceByProject(ctx, userID, projectID)
	if err != nil || ws.State != models.WorkspaceWarm || ws.ContainerID == "" {
		_ = sink.Emit(models.EventRunComplete, map[string]interface{}{
			"status": string(models.RunFailed),
			"error":  "no_warm_workspace",
		})
		return nil, ErrNoWarmWorkspace
	}

	release := s.locks.Acquire(ws.ID)
	defer release()

	runRow := &models.Run{
		ID:          runID,
		UserID:      userID,
		ProjectID:   projectID,
		WorkspaceID: ws.ID,
		Status:      models.RunRunning,
		Prompt:      prompt,
		StartedAt:   time.Now().UTC(),
		ImageName:   ws.ImageName,
		ImageDigest: ws.ImageDigest,
		EnvSnapshot: ws.RuntimeMetadata,
	}
	if err := s.store.CreateRun(ctx, runRow); err != nil {
		_ = sink.Emit(models.EventRunComplete, map[string]interface{}{
			"status": string(models.RunFailed),
			"error":  "insert run row: " + err.Error(),
		})
		return nil, fmt.Errorf("run: insert run row: %w", err)
	}

	if err := sink.Emit(models.EventRunStart, nil); err != nil {
		log.Warn().Err(err).Str("run_id", runRow.ID).Msg("run: failed to emit run-start")
	}

	finalErr := s.dispatch(ctx, runRow, ws, sink)

	// Step 12/13 must still happen on a canceled caller context: a failed
	// or canceled run is auditable too.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.writeEventLog(persistCtx, ws.ContainerID, runRow.ID, sink); err != nil {
		log.Error().Err(err).Str("run_id", runRow.ID).Msg("run: failed to write events.jsonl")
	}

	if s.evidence != nil {
		pending := &models.EvidenceBundle{
			ID:          uuid.New().String(),
			RunID:       runRow.ID,
			UserID:      userID,
			ProjectID:   projectID,
			WorkspaceID: ws.ID,
			Status:      models.BundlePending,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := s.store.UpsertPendingBundle(persistCtx, pending); err != nil {
			log.Error().Err(err).Str("run_id", runRow.ID).Msg("run: failed to upsert pending evidence bundle")
		}
		s.evidence.Schedule(runRow.ID)
	}

	return runRow, finalErr
}

// dispatch calls the agent, streams tokens, and updates the Run row. It
// always leaves a terminal run-complete event in sink, even on failure.
func (s *Service) dispatch(ctx context.Context, runRow *models.Run, ws *models.Workspace, sink *events.Sink) error {
	if ctx.Err() != nil {
		return s.fail(ctx, runRow, sink, models.RunFailed, "canceled")
	}

	info, err := s.driver.Inspect(ctx, ws.ContainerID)
	if err != nil {
		return s.fail(ctx, runRow, sink, models.RunFailed, err.Error())
	}
	addr, ok := info.HostPortForInternal[sandbox.AgentPort]
	if !ok {
		return s.fail(ctx, runRow, sink, models.RunFailed, "agent port not reachable")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	resp, err := s.agent.Execute(callCtx, addr, models.AgentRequest{Text: runRow.Prompt, RunID: runRow.ID})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return s.fail(ctx, runRow, sink, models.RunTimeout, "agent timeout")
		}
		if ctx.Err() != nil {
			return s.fail(ctx, runRow, sink, models.RunFailed, "canceled")
		}
		return s.fail(ctx, runRow, sink, models.RunFailed, err.Error())
	}

	if err := s.emitTokens(sink, resp.FinalText); err != nil {
		log.Warn().Err(err).Str("run_id", runRow.ID).Msg("run: failed emitting token events")
	}
	if resp.Diff != "" {
		if err := sink.Emit(models.EventDiff, map[string]interface{}{"diff": resp.Diff}); err != nil {
			log.Warn().Err(err).Str("run_id", runRow.ID).Msg("run: failed emitting diff event")
		}
	}

	hasCommandLog, hasOutputsManifest := s.inspectEvidenceManifest(ctx, ws.ContainerID, runRow.ID, resp)
	s.emitCommandLog(sink, runRow.ID, resp.CommandLog)

	now := time.Now().UTC()
	duration := now.Sub(runRow.StartedAt).Milliseconds()
	runRow.Status = models.RunSucceeded
	runRow.FinalText = resp.FinalText
	runRow.Diff = resp.Diff
	runRow.GitCommit = resp.GitCommit
	runRow.FinishedAt = &now
	runRow.DurationMs = &duration
	runRow.EnvSnapshot = augmentEnvSnapshot(runRow.EnvSnapshot, runRow.ID, hasCommandLog, hasOutputsManifest)

	if err := s.store.UpdateRun(ctx, runRow); err != nil {
		return s.fail(ctx, runRow, sink, models.RunFailed, "persist succeeded run: "+err.Error())
	}

	ws.ThreadID = resp.ThreadID
	ws.LastActiveAt = now
	deadline := now.Add(s.cfg.WarmIdle)
	ws.IdleExpiresAt = &deadline
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		log.Error().Err(err).Str("workspace_id", ws.ID).Msg("run: failed to renew workspace idle deadline")
	}

	return sink.Emit(models.EventRunComplete, map[string]interface{}{"status": string(models.RunSucceeded)})
}

// fail persists the terminal failure/timeout status and emits the
// corresponding run-complete event.
func (s *Service) fail(ctx context.Context, runRow *models.Run, sink *events.Sink, status models.RunStatus, message string) error {
	now := time.Now().UTC()
	duration := now.Sub(runRow.StartedAt).Milliseconds()
	runRow.Status = status
	runRow.ErrorMessage = message
	runRow.FinishedAt = &now
	runRow.DurationMs = &duration

	// Persist even if the caller's context triggered this failure.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.store.UpdateRun(persistCtx, runRow); err != nil {
		log.Error().Err(err).Str("run_id", runRow.ID).Msg("run: failed to persist failure status")
	}

	if err := sink.Emit(models.EventRunComplete, map[string]interface{}{
		"status": string(status),
		"error":  message,
	}); err != nil {
		log.Warn().Err(err).Str("run_id", runRow.ID).Msg("run: failed emitting terminal run-complete")
	}

	return fmt.Errorf("run: %s: %s", status, message)
}

// emitTokens splits finalText on whitespace boundaries, preserving the
// whitespace as its own zero-length-delta-adjacent token, so that the
// concatenation of every delta reconstructs finalText exactly.
func (s *Service) emitTokens(sink *events.Sink, finalText string) error {
	streaming := sink.Streaming()
	sequence := 0
	for _, tok := range splitPreservingWhitespace(finalText) {
		if err := sink.Emit(models.EventToken, map[string]interface{}{
			"delta":    tok,
			"sequence": sequence,
		}); err != nil {
			return err
		}
		sequence++
		if streaming {
			time.Sleep(tokenInterval)
		}
	}
	return nil
}

// splitPreservingWhitespace breaks s into runs of whitespace and runs of
// non-whitespace, alternating, such that concatenation reproduces s.
func splitPreservingWhitespace(s string) []string {
	if s == "" {
		return nil
	}
	var tokens []string
	var cur strings.Builder
	curIsSpace := isSpace(rune(s[0]))
	for _, r := range s {
		if isSpace(r) != curIsSpace {
			tokens = append(tokens, cur.String())
			cur.Reset()
			curIsSpace = isSpace(r)
		}
		cur.WriteRune(r)
	}
	tokens = append(tokens, cur.String())
	return tokens
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func augmentEnvSnapshot(snapshot map[string]interface{}, runID string, hasCommandLog, hasOutputsManifest bool) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range snapshot {
		out[k] = v
	}
	out["evidencePath"] = fmt.Sprintf("/workspace/evidence/%s/", runID)
	out["hasCommandLog"] = hasCommandLog
	out["hasOutputsManifest"] = hasOutputsManifest
	return out
}

// inspectEvidenceManifest looks at what the agent actually left behind
// under the run's evidence directory: it parses command_log.jsonl into
// resp.CommandLog, if present, and reports whether command_log.jsonl and
// outputs.json exist at all. A read failure is logged and treated as
// "absent" rather than failing the run — the agent's evidence output is
// best-effort, never required for a run to succeed.
func (s *Service) inspectEvidenceManifest(ctx context.Context, containerID, runID string, resp *models.AgentResponse) (hasCommandLog, hasOutputsManifest bool) {
	dir := fmt.Sprintf("/workspace/evidence/%s/", runID)
	rc, err := s.driver.GetArchive(ctx, containerID, dir)
	if err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("run: failed to read evidence directory for manifest inspection")
		return false, false
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("run: failed reading evidence archive")
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		switch path.Base(hdr.Name) {
		case "command_log.jsonl":
			hasCommandLog = true
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("run: failed reading command_log.jsonl")
				continue
			}
			resp.CommandLog = parseCommandLog(buf.Bytes())
		case "outputs.json":
			hasOutputsManifest = true
		}
	}
	return hasCommandLog, hasOutputsManifest
}

// parseCommandLog decodes command_log.jsonl, skipping any line that fails
// to parse rather than discarding the whole log.
func parseCommandLog(data []byte) []models.CommandLogEntry {
	var entries []models.CommandLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry models.CommandLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// emitCommandLog forwards one command-started/command-finished pair per
// parsed entry. EventSink never synthesizes these on its own; RunService
// only emits them when the agent actually produced a command_log.jsonl.
func (s *Service) emitCommandLog(sink *events.Sink, runID string, entries []models.CommandLogEntry) {
	for _, entry := range entries {
		if err := sink.Emit(models.EventCommandStarted, map[string]interface{}{
			"command": entry.Command,
			"cwd":     entry.Cwd,
		}); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("run: failed emitting command-started")
		}
		if err := sink.Emit(models.EventCommandFinished, map[string]interface{}{
			"command":  entry.Command,
			"cwd":      entry.Cwd,
			"exitCode": entry.ExitCode,
			"stdout":   truncate(entry.Stdout, 8*1024),
			"stderr":   truncate(entry.Stderr, 8*1024),
		}); err != nil {
			log.Warn().Err(err).Str("run_id", runID).Msg("run: failed emitting command-finished")
		}
	}
}

// truncate caps s at n bytes, per CommandFinishedFields' stated 8 KiB limit.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// writeEventLog assembles the full events.jsonl and writes it into the
// sandbox; step 12 of the run algorithm, which must complete before
// scheduling the evidence build.
func (s *Service) writeEventLog(ctx context.Context, containerID, runID string, sink *events.Sink) error {
	jsonl, err := sink.JSONL()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/workspace/evidence/%s/events.jsonl", runID)
	return s.driver.PutFile(ctx, containerID, path, jsonl)
}
