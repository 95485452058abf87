package quota_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentoven/sandboxctl/internal/quota"
	"github.com/agentoven/sandboxctl/internal/store"
	"github.com/agentoven/sandboxctl/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONTROL_PLANE_DATA_DIR", dir)
	defer os.Unsetenv("CONTROL_PLANE_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAllowDeniesAtLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	checker := quota.New(s, 2)

	for i := 0; i < 2; i++ {
		run := &models.Run{
			ID:        time.Now().Format("150405.000000000") + string(rune('a'+i)),
			UserID:    "u1",
			StartedAt: time.Now().UTC(),
			Status:    models.RunSucceeded,
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	allowed, err := checker.Allow(ctx, "u1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("expected Allow() to deny at the limit")
	}

	allowedOther, err := checker.Allow(ctx, "u2")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowedOther {
		t.Error("expected a different user to still be allowed")
	}
}
