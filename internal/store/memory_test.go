package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests whose snapshot
// persistence writes into a per-test temp directory.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONTROL_PLANE_DATA_DIR", dir)
	defer os.Unsetenv("CONTROL_PLANE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.Project{ID: "p1", UserID: "u1", Name: "demo", RepoURL: "https://example.com/repo.git"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.UserID != "u1" {
		t.Errorf("GetProject().UserID = %q, want u1", got.UserID)
	}

	if _, err := s.GetProject(ctx, "missing"); err == nil {
		t.Error("GetProject(missing) expected error, got nil")
	}
}

func TestOpenWorkspaceSingleWarmInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.OpenWorkspace(ctx, "u1", "pA1"); err != nil {
		t.Fatalf("OpenWorkspace(pA1) error = %v", err)
	}
	if _, _, err := s.OpenWorkspace(ctx, "u1", "pA2"); err != nil {
		t.Fatalf("OpenWorkspace(pA2) error = %v", err)
	}

	warm, err := s.ListWarmWorkspaces(ctx, "u1", "")
	if err != nil {
		t.Fatalf("ListWarmWorkspaces() error = %v", err)
	}
	if len(warm) != 1 {
		t.Fatalf("expected exactly one warm workspace, got %d", len(warm))
	}
	if warm[0].ProjectID != "pA2" {
		t.Errorf("expected pA2 to remain warm, got %q", warm[0].ProjectID)
	}

	cold, err := s.GetWorkspaceByProject(ctx, "u1", "pA1")
	if err != nil {
		t.Fatalf("GetWorkspaceByProject(pA1) error = %v", err)
	}
	if cold.State != models.WorkspaceCold {
		t.Errorf("expected pA1 to be cold, got %q", cold.State)
	}
}

func TestOpenWorkspaceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.OpenWorkspace(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	second, _, err := s.OpenWorkspace(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("OpenWorkspace() second call error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("OpenWorkspace() returned different IDs across calls: %q vs %q", first.ID, second.ID)
	}
	if first.VolumeName != second.VolumeName {
		t.Errorf("volume_name changed across idempotent Open calls: %q vs %q", first.VolumeName, second.VolumeName)
	}
}

func TestListIdleExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws, _, err := s.OpenWorkspace(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	ws.ContainerID = "c1"
	past := time.Now().Add(-time.Minute)
	ws.IdleExpiresAt = &past
	if err := s.UpdateWorkspace(ctx, ws); err != nil {
		t.Fatalf("UpdateWorkspace() error = %v", err)
	}

	expired, err := s.ListIdleExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListIdleExpired() error = %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected 1 idle-expired workspace, got %d", len(expired))
	}
}

func TestCountRunsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < 3; i++ {
		run := &models.Run{
			ID:        time.Now().Format("150405.000000000") + string(rune('a'+i)),
			UserID:    "u1",
			StartedAt: today.Add(time.Duration(i) * time.Minute),
			Status:    models.RunSucceeded,
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	count, err := s.CountRunsSince(ctx, "u1", today)
	if err != nil {
		t.Fatalf("CountRunsSince() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountRunsSince() = %d, want 3", count)
	}
}

func TestEvidenceBundleUpsertIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.EvidenceBundle{ID: "b1", RunID: "r1", Status: models.BundlePending, CreatedAt: time.Now()}
	if err := s.UpsertPendingBundle(ctx, first); err != nil {
		t.Fatalf("UpsertPendingBundle() error = %v", err)
	}
	second := &models.EvidenceBundle{ID: "b2", RunID: "r1", Status: models.BundlePending, CreatedAt: time.Now()}
	if err := s.UpsertPendingBundle(ctx, second); err != nil {
		t.Fatalf("UpsertPendingBundle() second call error = %v", err)
	}

	got, err := s.GetEvidenceBundleByRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetEvidenceBundleByRun() error = %v", err)
	}
	if got.ID != "b1" {
		t.Errorf("expected upsert to be a no-op, got ID %q", got.ID)
	}
}
