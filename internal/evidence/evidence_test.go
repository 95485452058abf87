package evidence_test

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/sandboxctl/internal/evidence"
	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/contracts"
	"github.com/agentoven/sandboxctl/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRunAndWorkspace(t *testing.T, s store.Store, driver *sandbox.MockDriver) (*models.Run, *models.Workspace) {
	t.Helper()
	ctx := context.Background()

	if err := s.CreateProject(ctx, &models.Project{ID: "p1", UserID: "u1", Name: "p1", RepoURL: "x"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	ws, _, err := s.OpenWorkspace(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	containerID, err := driver.CreateContainer(ctx, contracts.ContainerSpec{Image: "x", VolumeName: ws.VolumeName})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	ws.ContainerID = containerID
	ws.RuntimeMetadata = map[string]interface{}{"hello": "world"}
	if err := s.UpdateWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpdateWorkspace() error = %v", err)
	}

	run := &models.Run{
		ID:          "run-1",
		UserID:      "u1",
		ProjectID:   "p1",
		WorkspaceID: ws.ID,
		Status:      models.RunSucceeded,
		Prompt:      "do the thing",
		FinalText:   "did the thing",
		Diff:        "--- a\n+++ b\n",
		StartedAt:   time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	bundle := &models.EvidenceBundle{
		ID:        "bundle-1",
		RunID:     run.ID,
		UserID:    "u1",
		ProjectID: "p1",
		Status:    models.BundlePending,
	}
	if err := s.UpsertPendingBundle(ctx, bundle); err != nil {
		t.Fatalf("UpsertPendingBundle() error = %v", err)
	}

	for _, f := range []string{"events.jsonl", "command_log.jsonl", "outputs.json"} {
		path := "/workspace/evidence/" + run.ID + "/" + f
		if err := driver.PutFile(ctx, containerID, path, []byte(`{"hello":"`+f+`"}`+"\n")); err != nil {
			t.Fatalf("PutFile(%s) error = %v", f, err)
		}
	}

	return run, ws
}

func TestBuildAssemblesZipWithCanonicalLayout(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	run, _ := seedRunAndWorkspace(t, s, driver)

	root := t.TempDir()
	b := evidence.New(s, root)
	if err := b.Build(context.Background(), run.ID, driver); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	bundle, err := s.GetEvidenceBundleByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetEvidenceBundleByRun() error = %v", err)
	}
	if bundle.Status != models.BundleReady {
		t.Fatalf("Status = %q, want ready", bundle.Status)
	}
	if bundle.BundlePath != filepath.Join(root, run.ID+".zip") {
		t.Errorf("BundlePath = %q", bundle.BundlePath)
	}

	zr, err := zip.OpenReader(bundle.BundlePath)
	if err != nil {
		t.Fatalf("zip.OpenReader() error = %v", err)
	}
	defer zr.Close()

	want := map[string]bool{
		run.ID + "/metadata.json":     false,
		run.ID + "/env_snapshot.json": false,
		run.ID + "/events.jsonl":      false,
		run.ID + "/command_log.jsonl": false,
		run.ID + "/outputs.json":      false,
		run.ID + "/diff.patch":        false,
	}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("zip missing entry %q", name)
		}
	}

	if _, err := os.Stat(filepath.Join(root, "temp", run.ID)); !os.IsNotExist(err) {
		t.Error("expected temp directory to be removed after build")
	}

	for _, f := range zr.File {
		if f.Name == run.ID+"/metadata.json" {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("open metadata.json: %v", err)
			}
			var decoded map[string]interface{}
			if err := json.NewDecoder(rc).Decode(&decoded); err != nil {
				t.Fatalf("decode metadata.json: %v", err)
			}
			rc.Close()
			if decoded["run"] == nil || decoded["workspace"] == nil {
				t.Error("metadata.json missing run or workspace key")
			}
		}
	}
}

func TestBuildFailsWhenWorkspaceHasNoContainer(t *testing.T) {
	s := newTestStore(t)
	driver := sandbox.NewMockDriver()
	run, ws := seedRunAndWorkspace(t, s, driver)

	ws.ContainerID = ""
	if err := s.UpdateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("UpdateWorkspace() error = %v", err)
	}

	b := evidence.New(s, t.TempDir())
	if err := b.Build(context.Background(), run.ID, driver); err == nil {
		t.Fatal("Build() expected error, got nil")
	}

	bundle, err := s.GetEvidenceBundleByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetEvidenceBundleByRun() error = %v", err)
	}
	if bundle.Status != models.BundleError {
		t.Errorf("Status = %q, want error", bundle.Status)
	}
	if bundle.ErrorMessage == "" {
		t.Error("expected ErrorMessage to be set")
	}
}
