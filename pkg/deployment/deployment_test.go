package deployment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rockcloud/sandboxctl/pkg/types"
)

type fakeOperator struct {
	submitErr error
	stopped   []string
}

func (f *fakeOperator) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	if f.submitErr != nil {
		return types.SandboxInfo{}, f.submitErr
	}
	return types.SandboxInfo{SandboxID: cfg.SandboxID, State: types.StatePending}, nil
}

func (f *fakeOperator) GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error) {
	return types.SandboxInfo{SandboxID: sandboxID, State: types.StateRunning, Alive: true}, nil
}

func (f *fakeOperator) Stop(ctx context.Context, sandboxID string) (bool, error) {
	f.stopped = append(f.stopped, sandboxID)
	return true, nil
}

func (f *fakeOperator) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	return types.MountInfo{SandboxID: sandboxID, MountPath: "/workspace"}, nil
}

func (f *fakeOperator) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	return types.ResourceMetrics{SandboxID: sandboxID, CPUPercent: 1}, nil
}

func (f *fakeOperator) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	return types.CommandResult{Stdout: imageTag}, nil
}

func (f *fakeOperator) CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error) {
	return types.SystemResourceMetrics{TotalSandboxes: 1}, nil
}

func TestService_SubmitThenGetStatus(t *testing.T) {
	s := New(&fakeOperator{}, filepath.Join(t.TempDir()))

	info, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: "sb-1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if info.SandboxID != "sb-1" {
		t.Errorf("unexpected sandbox id: %s", info.SandboxID)
	}

	status, err := s.GetStatus(context.Background(), "sb-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !status.Alive {
		t.Error("expected live status to report alive")
	}
}

func TestService_GetStatus_MergesActorPhases(t *testing.T) {
	s := New(&fakeOperator{}, t.TempDir())

	if _, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: "sb-phases"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	status, err := s.GetStatus(context.Background(), "sb-phases")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(status.Phases) == 0 {
		t.Fatal("expected the actor's cached bring-up phases to be merged into the live status")
	}
}

func TestService_SubmitRejectsDuplicate(t *testing.T) {
	s := New(&fakeOperator{}, t.TempDir())

	if _, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: "sb-1"}); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: "sb-1"}); err == nil {
		t.Fatal("expected second Submit for the same id to fail")
	}
}

func TestService_StopRemovesActorAndIsIdempotent(t *testing.T) {
	op := &fakeOperator{}
	s := New(op, t.TempDir())

	if _, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: "sb-2"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := s.Stop(context.Background(), "sb-2"); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if _, err := s.Stop(context.Background(), "sb-2"); err != nil {
		t.Fatalf("second Stop on an unregistered sandbox should still succeed, got: %v", err)
	}
	if len(op.stopped) != 2 {
		t.Errorf("expected operator.Stop called twice (actor path + fallback path), got %d", len(op.stopped))
	}
}

func TestService_Shutdown_StopsAllActors(t *testing.T) {
	op := &fakeOperator{}
	s := New(op, t.TempDir())

	for _, id := range []string{"sb-a", "sb-b"} {
		if _, err := s.Submit(context.Background(), types.DeploymentConfig{SandboxID: id}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", id, err)
		}
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(op.stopped) != 2 {
		t.Errorf("expected both sandboxes stopped, got %v", op.stopped)
	}
}
