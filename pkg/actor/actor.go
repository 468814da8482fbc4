// Package actor realizes one goroutine per live sandbox, driving its
// CREATE -> image_pull -> docker_run -> gateway_ready -> RUNNING bring-up
// against an operator.Operator and recording progress through
// pkg/servicestatus. The Registry adapts the teacher's pkg/state
// RWMutex-map-of-structs shape from "runtime info keyed by id/session" to
// "actor keyed by sandbox id".
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/operator"
	"github.com/rockcloud/sandboxctl/pkg/servicestatus"
	"github.com/rockcloud/sandboxctl/pkg/types"
	"github.com/rockcloud/sandboxctl/pkg/workerclient"
)

// aliveProbeInterval and gatewayReadyTimeout govern how the actor waits for
// gateway_ready: it polls the worker's /alive endpoint on the newly
// published proxy port until it responds or gatewayReadyTimeout expires.
const (
	aliveProbeInterval = 2 * time.Second
	gatewayReadyTimeout = 60 * time.Second
)

// Actor owns the bring-up and teardown of exactly one sandbox. It is not
// safe for concurrent Start/Stop calls from more than one goroutine; the
// Registry is the only thing that may hand out a reference to it.
type Actor struct {
	sandboxID string
	op        operator.Operator
	status    *servicestatus.Writer

	mu      sync.RWMutex
	info    types.SandboxInfo
	err     error
	started bool

	commands chan command
	done     chan struct{}
	stopOnce sync.Once
}

type command struct {
	reply chan error
}

// New creates an actor for sandboxID, bound to the given operator backend.
// statusPath is the in-container file the actor's bring-up progress is
// pushed to via the worker's write_file verb once the worker becomes
// reachable; an empty path uses servicestatus.DefaultPath.
func New(sandboxID string, op operator.Operator, statusPath string) *Actor {
	return &Actor{
		sandboxID: sandboxID,
		op:        op,
		status:    servicestatus.NewWriter(statusPath),
		commands:  make(chan command, 4),
		done:      make(chan struct{}),
	}
}

// Start runs the bring-up sequence synchronously up through submitting the
// sandbox, then launches the goroutine that drives gateway_ready in the
// background and afterward idles, waiting for a stop command. It returns
// the SandboxInfo the operator reported at submit time so the caller can persist TTL/
// alive records immediately, without waiting for the sandbox to become
// reachable.
func (a *Actor) Start(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	if err := a.status.Advance(types.PhaseImagePull, types.PhaseRunning); err != nil {
		logger.Info("actor %s: failed to persist bring-up status: %v", a.sandboxID, err)
	}

	info, err := a.op.Submit(ctx, cfg)
	if err != nil {
		_ = a.status.Advance(types.PhaseImagePull, types.PhaseFailed)
		a.setResult(info, err)
		return types.SandboxInfo{}, err
	}
	if proxyPort, ok := info.PortMapping[types.PortProxy]; ok {
		a.status.SetClient(workerclient.New(fmt.Sprintf("http://%s:%d", info.HostIP, proxyPort), a.sandboxID))
	}
	_ = a.status.Advance(types.PhaseImagePull, types.PhaseSucceeded)
	_ = a.status.Advance(types.PhaseDockerRun, types.PhaseSucceeded)

	a.setResult(info, nil)
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.run(cfg)
	return info, nil
}

func (a *Actor) setResult(info types.SandboxInfo, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info = info
	a.err = err
}

func (a *Actor) hasStarted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.started
}

// run advances gateway_ready by polling the worker's liveness endpoint,
// then idles on the command channel until a stop request arrives or the
// actor's done channel is closed from elsewhere.
func (a *Actor) run(cfg types.DeploymentConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), gatewayReadyTimeout)
	defer cancel()

	if err := a.waitForGateway(ctx); err != nil {
		_ = a.status.Advance(types.PhaseGatewayReady, types.PhaseFailed)
		logger.Info("actor %s: gateway never became ready: %v", a.sandboxID, err)
	} else {
		_ = a.status.Advance(types.PhaseGatewayReady, types.PhaseSucceeded)
	}

	for {
		select {
		case cmd := <-a.commands:
			_, err := a.op.Stop(context.Background(), a.sandboxID)
			cmd.reply <- err
			close(a.done)
			return
		case <-a.done:
			return
		}
	}
}

func (a *Actor) waitForGateway(ctx context.Context) error {
	a.mu.RLock()
	info := a.info
	a.mu.RUnlock()

	proxyPort, ok := info.PortMapping[types.PortProxy]
	if !ok {
		return fmt.Errorf("actor %s: no proxy port published", a.sandboxID)
	}
	client := workerclient.New(fmt.Sprintf("http://%s:%d", info.HostIP, proxyPort), a.sandboxID)

	ticker := time.NewTicker(aliveProbeInterval)
	defer ticker.Stop()
	for {
		if client.IsAlive(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.NewTimeout(ctx.Err(), "sandbox %s did not become alive in time", a.sandboxID)
		case <-ticker.C:
		}
	}
}

// Stop idempotently tears down the sandbox: only the first call invokes the
// operator; every later call returns (false, nil) without re-invoking it.
func (a *Actor) Stop(ctx context.Context) (bool, error) {
	var stopped bool
	var stopErr error
	a.stopOnce.Do(func() {
		if !a.hasStarted() {
			// Submit failed before run() ever launched; nothing is
			// listening on a.commands, so stop directly.
			_, stopErr = a.op.Stop(ctx, a.sandboxID)
			stopped = stopErr == nil
			return
		}
		reply := make(chan error, 1)
		a.commands <- command{reply: reply}
		select {
		case stopErr = <-reply:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		stopped = stopErr == nil
	})
	return stopped, stopErr
}

// Status returns the actor's current view of its sandbox.
func (a *Actor) Status() (types.SandboxInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info, a.err
}

// SandboxID returns the id this actor owns.
func (a *Actor) SandboxID() string {
	return a.sandboxID
}

// Phases returns the actor's cached bring-up progress, the same object last
// pushed (or attempted to be pushed) into the sandbox container.
func (a *Actor) Phases() []types.PhaseEntry {
	return a.status.Snapshot().Phases
}
