package sandbox_test

import (
	"context"
	"testing"

	"github.com/agentoven/sandboxctl/internal/sandbox"
	"github.com/agentoven/sandboxctl/pkg/contracts"
)

func TestMockDriverLifecycle(t *testing.T) {
	d := sandbox.NewMockDriver()
	ctx := context.Background()

	if err := d.EnsureVolume(ctx, "ws-1"); err != nil {
		t.Fatalf("EnsureVolume() error = %v", err)
	}

	id, err := d.CreateContainer(ctx, contracts.ContainerSpec{
		Image:      "agentoven/workspace:latest",
		VolumeName: "ws-1",
		ResourceLimits: contracts.ResourceLimits{CPU: 0.5, MemoryMiB: 512},
	})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	if err := d.Start(ctx, id); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	info, err := d.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info.ImageName != "agentoven/workspace:latest" {
		t.Errorf("Inspect().ImageName = %q", info.ImageName)
	}

	if err := d.PutFile(ctx, id, "/workspace/repo/notes.txt", []byte("hello")); err != nil {
		t.Fatalf("PutFile() error = %v", err)
	}
	rc, err := d.GetArchive(ctx, id, "/workspace/repo/notes.txt")
	if err != nil {
		t.Fatalf("GetArchive() error = %v", err)
	}
	defer rc.Close()

	if err := d.StopAndRemove(ctx, id); err != nil {
		t.Fatalf("StopAndRemove() error = %v", err)
	}
	if _, err := d.Inspect(ctx, id); err == nil {
		t.Error("Inspect() after StopAndRemove() expected error, got nil")
	}

	if err := d.DeleteVolume(ctx, "ws-1"); err != nil {
		t.Fatalf("DeleteVolume() error = %v", err)
	}
}

func TestMockDriverExecFunc(t *testing.T) {
	d := sandbox.NewMockDriver()
	ctx := context.Background()

	id, err := d.CreateContainer(ctx, contracts.ContainerSpec{Image: "x", VolumeName: "v"})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}

	d.ExecFunc = func(containerID string, argv []string, workdir string) (*contracts.ExecResult, error) {
		return &contracts.ExecResult{Stdout: "ran", ExitCode: 1}, nil
	}

	res, err := d.Exec(ctx, id, []string{"git", "diff"}, "/workspace/repo")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.ExitCode != 1 || res.Stdout != "ran" {
		t.Errorf("Exec() = %+v, want scripted response", res)
	}
}
