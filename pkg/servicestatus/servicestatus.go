// Package servicestatus implements the reader/writer split over
// types.ServiceStatus: the actor is the sole writer, persisting the object
// inside the sandbox container (over the worker's write_file verb) so it
// survives an actor-host failure; every other caller only reads and
// decodes it, typically via the worker's read_file verb.
package servicestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/types"
)

// DefaultPath is the well-known in-container location the host reads back
// via the worker's read_file verb.
const DefaultPath = "/var/run/rock/service_status.json"

// writeTimeout bounds each individual status push into the container; it
// is independent of whatever context the bring-up sequence itself is
// running under, since a status write must not be aborted just because
// the caller's own deadline is shorter.
const writeTimeout = 5 * time.Second

// FileWriter is the subset of workerclient.Client a Writer pushes status
// through. Satisfied by *workerclient.Client.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string) (int, error)
}

// Writer is the actor's sole handle for persisting bring-up progress. It is
// not safe for concurrent use by more than one actor for the same sandbox,
// matching the "single-threaded logical object per sandbox" contract.
//
// Early phases (image_pull, docker_run) are reached before the sandbox has
// a reachable worker endpoint, so Advance tolerates push failures: the
// in-memory snapshot always holds the complete phase history and is
// pushed whole on every call, so the first successful write after the
// worker becomes reachable (ordinarily at gateway_ready) carries the full
// backlog into the container.
type Writer struct {
	path string

	mu     sync.Mutex
	status types.ServiceStatus
	client FileWriter
}

// NewWriter starts a fresh ServiceStatus for a newly created sandbox. path
// is the in-container location to write to; an empty path uses
// DefaultPath.
func NewWriter(path string) *Writer {
	if path == "" {
		path = DefaultPath
	}
	return &Writer{path: path}
}

// SetClient binds the worker endpoint the writer pushes status through.
// Called once the actor has submitted the sandbox and learned its host/
// port; nil disables pushes, leaving the writer in-memory only.
func (w *Writer) SetClient(client FileWriter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = client
}

// Advance moves a phase forward and pushes the full object into the
// container. It is a no-op if the phase has already terminally failed. A
// push failure (most commonly: the worker isn't reachable yet) is
// returned but never loses the in-memory snapshot.
func (w *Writer) Advance(phase string, status types.PhaseStatus) error {
	w.mu.Lock()
	w.status.SetPhase(phase, status)
	snapshot := w.status
	client := w.client
	w.mu.Unlock()

	return push(client, w.path, snapshot)
}

// Snapshot returns the writer's current in-memory view.
func (w *Writer) Snapshot() types.ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// push writes status into the container at path, tolerating a nil client
// (not yet reachable) by doing nothing.
func push(client FileWriter, path string, status types.ServiceStatus) error {
	if client == nil {
		return nil
	}
	blob, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("servicestatus: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := client.WriteFile(ctx, path, string(blob)); err != nil {
		return fmt.Errorf("servicestatus: write status into container: %w", err)
	}
	return nil
}

// Decode parses a raw ServiceStatus blob. Readers never construct a
// ServiceStatus directly — they only decode what the actor wrote.
func Decode(blob []byte) (types.ServiceStatus, error) {
	var status types.ServiceStatus
	if err := json.Unmarshal(blob, &status); err != nil {
		return status, fmt.Errorf("servicestatus: decode: %w", err)
	}
	return status, nil
}

// Reconcile resolves a disagreement between the host-observed liveness
// check and the last phase the actor wrote. alive=false always wins, even
// if the last observed phase was RUNNING — a crashed actor can leave a
// stale RUNNING phase behind.
func Reconcile(status types.ServiceStatus, hostObservedAlive bool) bool {
	if !hostObservedAlive {
		return false
	}
	if status.HasFailed() {
		return false
	}
	return true
}
