package servicestatus

import (
	"context"
	"sync"
	"testing"

	"github.com/rockcloud/sandboxctl/pkg/types"
)

// fakeFileWriter is an in-memory stand-in for workerclient.Client, keyed by
// path, matching the inline-mock style used throughout this module.
type fakeFileWriter struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeFileWriter() *fakeFileWriter {
	return &fakeFileWriter{files: make(map[string]string)}
}

func (f *fakeFileWriter) WriteFile(ctx context.Context, path, content string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return len(content), nil
}

func (f *fakeFileWriter) read(path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.files[path]
	return blob, ok
}

func TestWriter_AdvancePushesFullSnapshotOnEveryCall(t *testing.T) {
	client := newFakeFileWriter()
	w := NewWriter("/var/run/rock/service_status.json")
	w.SetClient(client)

	if err := w.Advance(types.PhaseImagePull, types.PhaseRunning); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := w.Advance(types.PhaseImagePull, types.PhaseSucceeded); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := w.Advance(types.PhaseDockerRun, types.PhaseRunning); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	blob, ok := client.read("/var/run/rock/service_status.json")
	if !ok {
		t.Fatal("expected a status file to have been pushed into the container")
	}
	decoded, err := Decode([]byte(blob))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(decoded.Phases))
	}
	if decoded.Phases[0].Status != types.PhaseSucceeded {
		t.Errorf("expected image_pull SUCCEEDED, got %s", decoded.Phases[0].Status)
	}
}

func TestWriter_AdvanceToleratesNoClientYet(t *testing.T) {
	w := NewWriter("/var/run/rock/service_status.json")

	if err := w.Advance(types.PhaseImagePull, types.PhaseRunning); err != nil {
		t.Fatalf("expected Advance to tolerate a nil client, got: %v", err)
	}
	if got := w.Snapshot().Phases[0].Status; got != types.PhaseRunning {
		t.Errorf("expected the in-memory snapshot to still advance, got %s", got)
	}
}

func TestWriter_FailedPhaseStaysTerminal(t *testing.T) {
	w := NewWriter("/var/run/rock/service_status.json")
	w.SetClient(newFakeFileWriter())

	if err := w.Advance(types.PhaseImagePull, types.PhaseFailed); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := w.Advance(types.PhaseImagePull, types.PhaseRunning); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}

	snap := w.Snapshot()
	if snap.Phases[0].Status != types.PhaseFailed {
		t.Errorf("expected FAILED to remain terminal, got %s", snap.Phases[0].Status)
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name              string
		phases            []types.PhaseEntry
		hostObservedAlive bool
		expected          bool
	}{
		{"alive and no failures", []types.PhaseEntry{{Name: "gateway_ready", Status: types.PhaseSucceeded}}, true, true},
		{"host says dead overrides running phase", []types.PhaseEntry{{Name: "gateway_ready", Status: types.PhaseRunning}}, false, false},
		{"failed phase overrides host-observed alive", []types.PhaseEntry{{Name: "docker_run", Status: types.PhaseFailed}}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := types.ServiceStatus{Phases: tt.phases}
			if got := Reconcile(status, tt.hostObservedAlive); got != tt.expected {
				t.Errorf("Reconcile() = %v, want %v", got, tt.expected)
			}
		})
	}
}
