package handlers_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/sandboxctl/internal/agentclient"
	"github.com/agentoven/sandboxctl/internal/api"
	"github.com/agentoven/sandboxctl/internal/api/handlers"
	"github.com/agentoven/sandboxctl/internal/authn"
	"github.com/agentoven/sandboxctl/internal/evidence"
	"github.com/agentoven/sandboxctl/internal/keyedmutex"
	"github.com/agentoven/sandboxctl/internal/metricsregistry"
	"github.com/agentoven/sandboxctl/internal/quota"
	"github.com/agentoven/sandboxctl/internal/retention"
	"github.com/agentoven/sandboxctl/internal/run"
	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/internal/workspace"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
	"go.opentelemetry.io/otel/metric/noop"
)

type testServer struct {
	router http.Handler
	apiKey string
	driver *sandbox.MockDriver
	store  store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.CreateUser(ctx, &models.User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	rawKey := "test-api-key"
	sum := sha256.Sum256([]byte(rawKey))
	if err := s.CreateApiKey(ctx, &models.ApiKey{ID: "k1", UserID: "u1", TokenHash: hex.EncodeToString(sum[:])}); err != nil {
		t.Fatalf("CreateApiKey() error = %v", err)
	}

	driver := sandbox.NewMockDriver()
	driver.ExecFunc = func(containerID string, argv []string, workdir string) (*contracts.ExecResult, error) {
		if len(argv) > 0 && argv[0] == "test" {
			return &contracts.ExecResult{ExitCode: 1}, nil
		}
		return &contracts.ExecResult{ExitCode: 0}, nil
	}

	wsSvc := workspace.New(s, driver, workspace.Config{Image: "sandboxctl/workspace:latest"})

	agent := &agentclient.MockClient{RespondFunc: func(req models.AgentRequest) (*models.AgentResponse, error) {
		return &models.AgentResponse{FinalText: "hello " + req.Text, Diff: "", ThreadID: "thread-1"}, nil
	}}

	evidenceBuilder := evidence.New(s, t.TempDir())
	evidenceScheduler := evidence.NewScheduler(evidenceBuilder, driver, 1, 8)

	quotaChecker := quota.New(s, 500)
	runSvc := run.New(s, agent, driver, keyedmutex.New(), quotaChecker, evidenceScheduler, run.Config{})

	meter := noop.NewMeterProvider().Meter("test")
	metrics, err := metricsregistry.New(meter)
	if err != nil {
		t.Fatalf("metricsregistry.New() error = %v", err)
	}

	retentionCollector := retention.New(s, driver, metrics, retention.Config{})

	authChain := authn.NewProviderChain()
	authChain.RegisterProvider(authn.NewAPIKeyProvider(s))

	deps := handlers.New(s, wsSvc, runSvc, retentionCollector, metrics)
	router := api.NewRouter(deps, authChain)

	return &testServer{router: router, apiKey: rawKey, driver: driver, store: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+ts.apiKey)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProtectedRouteRejectsMissingCredential(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateAndListProjects(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/projects", map[string]string{"name": "demo", "repoUrl": "https://example.com/repo.git"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created["projectId"] == "" {
		t.Fatal("expected projectId in response")
	}

	rec = ts.do(t, http.MethodGet, "/projects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var listed struct {
		Projects []models.Project `json:"projects"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(listed.Projects))
	}
}

func TestOpenProjectAndSendMessage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/projects", map[string]string{"name": "demo", "repoUrl": "https://example.com/repo.git"})
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	projectID := created["projectId"]

	rec = ts.do(t, http.MethodPost, "/projects/"+projectID+"/open", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/projects/"+projectID+"/message", map[string]string{"text": "fix the bug"})
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		RunID     string `json:"runId"`
		FinalText string `json:"finalText"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.RunID == "" || result.FinalText != "hello fix the bug" {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec = ts.do(t, http.MethodGet, "/runs/"+result.RunID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d, want 200", rec.Code)
	}
}

func TestSendMessageWithoutWarmWorkspaceReturns409(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/projects", map[string]string{"name": "demo", "repoUrl": "https://example.com/repo.git"})
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	projectID := created["projectId"]

	rec = ts.do(t, http.MethodPost, "/projects/"+projectID+"/message", map[string]string{"text": "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/runs/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetEvidenceNotFoundBeforeAnyRun(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/runs/no-such-run/evidence", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMetricsAndGC(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/ops/gc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("gc status = %d, want 200", rec.Code)
	}
}
