package run_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/agentoven/sandboxctl/internal/agentclient"
	"github.com/agentoven/sandboxctl/internal/keyedmutex"
	"github.com/agentoven/sandboxctl/internal/quota"
	"github.com/agentoven/sandboxctl/internal/run"
	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

type noopScheduler struct{ scheduled []string }

func (n *noopScheduler) Schedule(runID string) { n.scheduled = append(n.scheduled, runID) }

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONTROL_PLANE_DATA_DIR", dir)
	defer os.Unsetenv("CONTROL_PLANE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWarmWorkspace(t *testing.T, s store.Store, driver *sandbox.MockDriver, userID, projectID string) *models.Workspace {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateProject(ctx, &models.Project{ID: projectID, UserID: userID, Name: projectID, RepoURL: "https://example.com/repo.git"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	ws, _, err := s.OpenWorkspace(ctx, userID, projectID)
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	containerID, err := driver.CreateContainer(ctx, contracts.ContainerSpec{Image: "x", VolumeName: ws.VolumeName})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if err := driver.Start(ctx, containerID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ws.ContainerID = containerID
	if err := s.UpdateWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpdateWorkspace() error = %v", err)
	}
	return ws
}

func TestRunHappyPath(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	ws := seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{
		RespondFunc: func(req models.AgentRequest) (*models.AgentResponse, error) {
			return &models.AgentResponse{FinalText: "created hello.txt", Diff: "+hello.txt", ThreadID: "thread-1"}, nil
		},
	}

	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{})
	result, err := svc.Run(context.Background(), "u1", "p1", "create hello.txt")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.FinalText != "created hello.txt" {
		t.Errorf("FinalText = %q", result.FinalText)
	}

	got, err := s.GetRun(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != models.RunSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	if got.FinishedAt == nil || got.DurationMs == nil {
		t.Error("expected FinishedAt and DurationMs to be set")
	}

	updatedWs, err := s.GetWorkspace(context.Background(), ws.ID)
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if updatedWs.ThreadID != "thread-1" {
		t.Errorf("ThreadID = %q, want thread-1", updatedWs.ThreadID)
	}
}

func TestRunDeniesOverQuota(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{}
	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 0), &noopScheduler{}, run.Config{})

	if _, err := svc.Run(context.Background(), "u1", "p1", "hi"); err != run.ErrQuotaExceeded {
		t.Fatalf("Run() error = %v, want ErrQuotaExceeded", err)
	}

	runs, err := s.ListRunsByProject(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("ListRunsByProject() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no Run row on quota denial, got %d", len(runs))
	}
}

func TestRunFailsWithoutWarmWorkspace(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	ctx := context.Background()
	if err := s.CreateProject(ctx, &models.Project{ID: "p1", UserID: "u1", Name: "p1", RepoURL: "https://example.com/repo.git"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	client := &agentclient.MockClient{}
	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{})

	if _, err := svc.Run(ctx, "u1", "p1", "hi"); err != run.ErrNoWarmWorkspace {
		t.Fatalf("Run() error = %v, want ErrNoWarmWorkspace", err)
	}
}

// fakeTransport records every SSE frame it's handed, for tests asserting
// on the exact sequence of events a streaming Run produces.
type fakeTransport struct {
	frames []string
}

func (f *fakeTransport) WriteFrame(eventType string, payload []byte) error {
	f.frames = append(f.frames, eventType)
	return nil
}

func TestRunForwardsCommandLogWhenAgentProducesOne(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	ws := seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{
		RespondFunc: func(req models.AgentRequest) (*models.AgentResponse, error) {
			commandLog := `{"command":"go test ./...","cwd":"/workspace/repo","exitCode":0,"stdout":"ok","stderr":""}` + "\n"
			if err := driver.PutFile(context.Background(), ws.ContainerID, fmt.Sprintf("/workspace/evidence/%s/command_log.jsonl", req.RunID), []byte(commandLog)); err != nil {
				t.Fatalf("PutFile() error = %v", err)
			}
			if err := driver.PutFile(context.Background(), ws.ContainerID, fmt.Sprintf("/workspace/evidence/%s/outputs.json", req.RunID), []byte(`{}`)); err != nil {
				t.Fatalf("PutFile() error = %v", err)
			}
			return &models.AgentResponse{FinalText: "ran tests", ThreadID: "thread-1"}, nil
		},
	}

	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{})
	transport := &fakeTransport{}
	if err := svc.Stream(context.Background(), "u1", "p1", "run the tests", transport); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var commandStarted, commandFinished int
	for _, evt := range transport.frames {
		switch evt {
		case string(models.EventCommandStarted):
			commandStarted++
		case string(models.EventCommandFinished):
			commandFinished++
		}
	}
	if commandStarted != 1 || commandFinished != 1 {
		t.Errorf("expected one command-started and one command-finished frame, got %d/%d in %v", commandStarted, commandFinished, transport.frames)
	}

	runs, err := s.ListRunsByProject(context.Background(), "p1", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunsByProject() error = %v, len = %d", err, len(runs))
	}
	if runs[0].EnvSnapshot["hasCommandLog"] != true {
		t.Errorf("EnvSnapshot[hasCommandLog] = %v, want true", runs[0].EnvSnapshot["hasCommandLog"])
	}
	if runs[0].EnvSnapshot["hasOutputsManifest"] != true {
		t.Errorf("EnvSnapshot[hasOutputsManifest] = %v, want true", runs[0].EnvSnapshot["hasOutputsManifest"])
	}
}

func TestRunOmitsCommandLogWhenAgentProducesNone(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{
		RespondFunc: func(req models.AgentRequest) (*models.AgentResponse, error) {
			return &models.AgentResponse{FinalText: "no commands run"}, nil
		},
	}

	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{})
	transport := &fakeTransport{}
	if err := svc.Stream(context.Background(), "u1", "p1", "just answer", transport); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	for _, evt := range transport.frames {
		if evt == string(models.EventCommandStarted) || evt == string(models.EventCommandFinished) {
			t.Errorf("expected no command-log events, got frame %q", evt)
		}
	}

	runs, err := s.ListRunsByProject(context.Background(), "p1", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunsByProject() error = %v, len = %d", err, len(runs))
	}
	if runs[0].EnvSnapshot["hasCommandLog"] != false {
		t.Errorf("EnvSnapshot[hasCommandLog] = %v, want false", runs[0].EnvSnapshot["hasCommandLog"])
	}
}

func TestRunTransitionsToTimeoutOnAgentDeadline(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{Delay: 50 * time.Millisecond}
	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{Timeout: 10 * time.Millisecond})

	if _, err := svc.Run(context.Background(), "u1", "p1", "go slow"); err == nil {
		t.Fatal("Run() error = nil, want a timeout error")
	}

	runs, err := s.ListRunsByProject(context.Background(), "p1", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunsByProject() error = %v, len = %d", err, len(runs))
	}
	if runs[0].Status != models.RunTimeout {
		t.Errorf("Status = %q, want %q", runs[0].Status, models.RunTimeout)
	}
}

func TestConcurrentRunsSerializeStartTimes(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	seedWarmWorkspace(t, s, driver, "u1", "p1")

	client := &agentclient.MockClient{
		RespondFunc: func(req models.AgentRequest) (*models.AgentResponse, error) {
			time.Sleep(5 * time.Millisecond)
			return &models.AgentResponse{FinalText: "ok"}, nil
		},
	}
	svc := run.New(s, client, driver, keyedmutex.New(), quota.New(s, 500), &noopScheduler{}, run.Config{})

	results := make(chan *run.Result, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := svc.Run(context.Background(), "u1", "p1", "go")
			results <- r
			errs <- err
		}()
	}

	var runIDs []string
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		r := <-results
		runIDs = append(runIDs, r.RunID)
	}

	r1, _ := s.GetRun(context.Background(), runIDs[0])
	r2, _ := s.GetRun(context.Background(), runIDs[1])
	if r1.StartedAt.Equal(r2.StartedAt) {
		t.Error("expected strictly ordered StartedAt values for serialized runs")
	}
}
