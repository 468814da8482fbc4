// Package operator defines the backend-agnostic contract the deployment
// service drives: submit/get_status/stop/get_mount/get_statistics/commit
// against a single sandbox, plus one aggregate resource snapshot. Two
// concrete implementations satisfy it — pkg/operator/dockerop (one
// container + one network per sandbox) and pkg/operator/k8sop (one Pod +
// Service + optional Ingress per sandbox).
package operator

import (
	"context"

	"github.com/rockcloud/sandboxctl/pkg/types"
)

// Operator is the backend a sandbox actor drives to realize a
// DeploymentConfig as a running sandbox on a specific substrate.
type Operator interface {
	// Submit creates the sandbox's backing resources and returns the
	// initial SandboxInfo. Implementations must roll back any
	// partially-created resource before returning an error.
	Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error)

	// GetStatus returns the live view of a sandbox directly from the
	// substrate (not from any cache).
	GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error)

	// Stop tears down a sandbox's backing resources. It is idempotent:
	// stopping an already-stopped or unknown sandbox returns (false, nil)
	// rather than an error.
	Stop(ctx context.Context, sandboxID string) (bool, error)

	// GetMount returns how the sandbox's filesystem can be reached from
	// the host running the control plane.
	GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error)

	// GetStatistics returns a point-in-time resource usage snapshot for
	// one sandbox.
	GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error)

	// Commit snapshots the sandbox's current filesystem state as a new
	// image tagged imageTag, optionally pushing it to a registry using
	// username/password. Backends that cannot support this return a typed
	// Upstream error rather than silently no-op-ing.
	Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error)

	// CollectSystemResourceMetrics returns an aggregate snapshot across all
	// sandboxes this operator manages, for the admin surface's fleet-wide
	// health view.
	CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error)
}
