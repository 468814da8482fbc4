// Package deployment is the thin facade between the sandbox manager and a
// single operator.Operator backend: it resolves or creates the actor for a
// sandbox id and translates actor/operator errors into the apierr
// taxonomy. It also owns the RWMutex discipline that lets every normal
// per-sandbox call run concurrently while a shutdown quiesces them all.
package deployment

import (
	"context"
	"fmt"
	"sync"

	"github.com/rockcloud/sandboxctl/pkg/actor"
	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/operator"
	"github.com/rockcloud/sandboxctl/pkg/servicestatus"
	"github.com/rockcloud/sandboxctl/pkg/types"
	"github.com/rockcloud/sandboxctl/pkg/workerclient"
)

// Service translates manager-level calls into actor/operator calls.
type Service struct {
	op         operator.Operator
	registry   *actor.Registry
	statusPath string

	// quiesceMu is read-locked for the duration of every per-sandbox
	// operation and write-locked only during Shutdown, so a shutdown
	// cannot race an in-flight submit/stop leaving an actor half-created.
	quiesceMu sync.RWMutex
}

// New returns a deployment Service fronting the given operator backend.
// statusPath is the well-known in-container path each actor pushes its
// bring-up ServiceStatus to over the worker's write_file verb; an empty
// value uses servicestatus.DefaultPath. Every sandbox runs in its own
// container, so the same in-container path is reused across sandboxes
// without collision.
func New(op operator.Operator, statusPath string) *Service {
	return &Service{
		op:         op,
		registry:   actor.NewRegistry(),
		statusPath: statusPath,
	}
}

// Registry exposes the service's actor registry for read-only discovery
// use (e.g. pkg/scheduler's RegistryHostLister), without handing out any
// ability to mutate actor lifecycle outside this package.
func (s *Service) Registry() *actor.Registry {
	return s.registry
}

// Submit creates a new actor for cfg.SandboxID and starts its bring-up.
func (s *Service) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()

	if _, err := s.registry.Get(cfg.SandboxID); err == nil {
		return types.SandboxInfo{}, apierr.NewConflict("sandbox %s already exists", cfg.SandboxID)
	}

	a := actor.New(cfg.SandboxID, s.op, s.statusPath)
	info, err := a.Start(ctx, cfg)
	if err != nil {
		return types.SandboxInfo{}, apierr.AsAPIError(err)
	}
	s.registry.Add(a)
	return info, nil
}

// GetStatus returns the live view of a sandbox from the operator, per the
// manager's "live view, never from cache alone" contract, merged with the
// bring-up Phases that only the actor (or, lacking one, the in-container
// status file itself) knows about — the operator backends never populate
// SandboxInfo.Phases themselves.
//
// A sandbox with no registered actor (e.g. after a control-plane restart)
// falls back to reading the status file directly out of the container via
// the worker's read_file verb, using the live view's own host/port to
// reach it.
func (s *Service) GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()

	live, err := s.op.GetStatus(ctx, sandboxID)
	if err != nil {
		return types.SandboxInfo{}, apierr.AsAPIError(err)
	}

	if a, aerr := s.registry.Get(sandboxID); aerr == nil {
		live.Phases = a.Phases()
		return live, nil
	}

	live.Phases = s.readPhasesFromContainer(ctx, live)
	return live, nil
}

// readPhasesFromContainer reads the status file back out of the sandbox
// over the worker's read_file verb. Any failure (sandbox not yet reachable,
// no proxy port published, no status file written yet) is tolerated by
// returning a nil Phases slice rather than failing the whole status call.
func (s *Service) readPhasesFromContainer(ctx context.Context, live types.SandboxInfo) []types.PhaseEntry {
	proxyPort, ok := live.PortMapping[types.PortProxy]
	if !ok {
		return nil
	}
	path := s.statusPath
	if path == "" {
		path = servicestatus.DefaultPath
	}
	client := workerclient.New(fmt.Sprintf("http://%s:%d", live.HostIP, proxyPort), live.SandboxID)
	blob, err := client.ReadFile(ctx, path)
	if err != nil {
		logger.Debug("deployment: reading status file from sandbox %s: %v", live.SandboxID, err)
		return nil
	}
	status, err := servicestatus.Decode([]byte(blob))
	if err != nil {
		logger.Debug("deployment: decoding status file from sandbox %s: %v", live.SandboxID, err)
		return nil
	}
	return status.Phases
}

// Stop tears down a sandbox through its actor when one is registered, and
// falls back to the operator directly otherwise (a sandbox whose actor was
// lost across a control-plane restart must still be stoppable). Either
// path is idempotent: stopping twice is not an error.
func (s *Service) Stop(ctx context.Context, sandboxID string) (bool, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()

	a, err := s.registry.Get(sandboxID)
	if err != nil {
		stopped, opErr := s.op.Stop(ctx, sandboxID)
		if opErr != nil {
			return false, apierr.AsAPIError(opErr)
		}
		return stopped, nil
	}

	stopped, stopErr := a.Stop(ctx)
	s.registry.Remove(sandboxID)
	if stopErr != nil {
		return false, apierr.AsAPIError(stopErr)
	}
	return stopped, nil
}

// GetMount delegates to the operator; mount semantics are backend-specific,
// not actor state.
func (s *Service) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()
	mount, err := s.op.GetMount(ctx, sandboxID)
	if err != nil {
		return types.MountInfo{}, apierr.AsAPIError(err)
	}
	return mount, nil
}

// GetStatistics delegates to the operator.
func (s *Service) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()
	metrics, err := s.op.GetStatistics(ctx, sandboxID)
	if err != nil {
		return types.ResourceMetrics{}, apierr.AsAPIError(err)
	}
	return metrics, nil
}

// Commit delegates to the operator, surfacing a backend's typed
// unsupported-capability error unchanged (e.g. the kubernetes backend's
// Commit).
func (s *Service) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()
	result, err := s.op.Commit(ctx, sandboxID, imageTag, username, password)
	if err != nil {
		return types.CommandResult{}, apierr.AsAPIError(err)
	}
	return result, nil
}

// CollectSystemResourceMetrics delegates to the operator.
func (s *Service) CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error) {
	s.quiesceMu.RLock()
	defer s.quiesceMu.RUnlock()
	metrics, err := s.op.CollectSystemResourceMetrics(ctx)
	if err != nil {
		return types.SystemResourceMetrics{}, apierr.AsAPIError(err)
	}
	return metrics, nil
}

// Shutdown takes the write lock, blocking until every in-flight per-sandbox
// call has returned, then stops every registered actor.
func (s *Service) Shutdown(ctx context.Context) error {
	s.quiesceMu.Lock()
	defer s.quiesceMu.Unlock()

	var errs []error
	for _, a := range s.registry.List() {
		if _, err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping sandbox %s: %w", a.SandboxID(), err))
		}
		s.registry.Remove(a.SandboxID())
	}
	if len(errs) > 0 {
		return fmt.Errorf("deployment shutdown: %v", errs)
	}
	return nil
}
