package actor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/types"
)

// fakeOperator is a hand-rolled in-memory operator.Operator, in the same
// inline-mock style as pkg/reaper's mockStopper and pkg/kv's fakeStore.
type fakeOperator struct {
	submitErr error
	info      types.SandboxInfo
	stopped   []string
}

func (f *fakeOperator) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	if f.submitErr != nil {
		return types.SandboxInfo{}, f.submitErr
	}
	return f.info, nil
}

func (f *fakeOperator) GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error) {
	return f.info, nil
}

func (f *fakeOperator) Stop(ctx context.Context, sandboxID string) (bool, error) {
	f.stopped = append(f.stopped, sandboxID)
	return true, nil
}

func (f *fakeOperator) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	return types.MountInfo{SandboxID: sandboxID}, nil
}

func (f *fakeOperator) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	return types.ResourceMetrics{SandboxID: sandboxID}, nil
}

func (f *fakeOperator) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	return types.CommandResult{}, nil
}

func (f *fakeOperator) CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error) {
	return types.SystemResourceMetrics{}, nil
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestActor_StartReachesGatewayReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/alive" {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	op := &fakeOperator{info: types.SandboxInfo{
		SandboxID:   "sb-1",
		HostIP:      "127.0.0.1",
		PortMapping: map[string]int{types.PortProxy: portOf(t, srv.URL)},
	}}

	a := New("sb-1", op, filepath.Join(t.TempDir(), "status.json"))
	info, err := a.Start(context.Background(), types.DeploymentConfig{SandboxID: "sb-1"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if info.SandboxID != "sb-1" {
		t.Errorf("unexpected sandbox id: %s", info.SandboxID)
	}

	deadline := time.Now().Add(2 * time.Second)
	gatewayReady := false
	for time.Now().Before(deadline) && !gatewayReady {
		for _, p := range a.Phases() {
			if p.Name == types.PhaseGatewayReady && p.Status == types.PhaseSucceeded {
				gatewayReady = true
			}
		}
		if !gatewayReady {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !gatewayReady {
		t.Fatalf("expected gateway_ready to reach SUCCEEDED, got phases %v", a.Phases())
	}

	stopped, err := a.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopped {
		t.Error("expected Stop to report stopped=true")
	}
	if len(op.stopped) != 1 || op.stopped[0] != "sb-1" {
		t.Errorf("expected operator.Stop to be called once for sb-1, got %v", op.stopped)
	}
}

func TestActor_Stop_IsIdempotent(t *testing.T) {
	op := &fakeOperator{info: types.SandboxInfo{SandboxID: "sb-2"}}
	a := New("sb-2", op, filepath.Join(t.TempDir(), "status.json"))

	// Submit fails, so run() never launches; Stop should still succeed by
	// calling the operator directly instead of blocking on a.commands.
	op.submitErr = context.DeadlineExceeded
	_, err := a.Start(context.Background(), types.DeploymentConfig{SandboxID: "sb-2"})
	if err == nil {
		t.Fatal("expected Start to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Stop(ctx); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if _, err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got error: %v", err)
	}
	if len(op.stopped) != 1 {
		t.Errorf("expected exactly one operator.Stop call, got %d", len(op.stopped))
	}
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	op := &fakeOperator{}
	a := New("sb-3", op, filepath.Join(t.TempDir(), "status.json"))

	r.Add(a)
	got, err := r.Get("sb-3")
	if err != nil || got != a {
		t.Fatalf("expected to retrieve the same actor, got %v, %v", got, err)
	}

	r.Remove("sb-3")
	if _, err := r.Get("sb-3"); err == nil {
		t.Error("expected an error after removing the actor")
	}
}
