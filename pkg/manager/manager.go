// Package manager is the sandbox manager: the public API surface the HTTP
// admin handler calls into. It validates submissions against the configured
// quota, delegates the actual lifecycle work to deployment.Service, and owns
// the KV-backed TTL bookkeeping (component G of the control plane).
package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/deployment"
	"github.com/rockcloud/sandboxctl/pkg/kv"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

// nowFunc is overridden in tests so TTL math is deterministic.
var nowFunc = time.Now

// Manager is the sandbox manager described in §4.G: validation, quota
// enforcement, persistence of sandbox metadata, delegation to the
// deployment service, TTL bookkeeping, and status merge.
type Manager struct {
	deployment *deployment.Service
	kvClient   kv.Client
	cfg        *config.Config
}

// New returns a Manager fronting svc, with kvClient optionally nil — a nil
// kvClient disables caching/TTL bookkeeping entirely, falling back to the
// deployment service's live view on every call.
func New(svc *deployment.Service, kvClient kv.Client, cfg *config.Config) *Manager {
	return &Manager{deployment: svc, kvClient: kvClient, cfg: cfg}
}

// Submit validates cfg against the configured quota, mints a sandbox id if
// the caller did not supply one, starts the sandbox through the deployment
// service, and persists the alive/TTL KV records. Per the five-step
// algorithm in §4.G.
func (m *Manager) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxStartResponse, error) {
	if err := m.validateSpec(&cfg); err != nil {
		return types.SandboxStartResponse{}, err
	}

	if cfg.SandboxID == "" {
		cfg.SandboxID = newSandboxID()
	} else if m.exists(ctx, cfg.SandboxID) {
		return types.SandboxStartResponse{}, apierr.NewBadRequest("sandbox %s already exists", cfg.SandboxID)
	}

	if cfg.AutoClearTimeMinutes <= 0 {
		cfg.AutoClearTimeMinutes = m.cfg.DefaultAutoClearMin
	}
	if cfg.Image == "" {
		cfg.Image = m.cfg.DefaultImage
	}

	info, err := m.deployment.Submit(ctx, cfg)
	if err != nil {
		// No half-state to clean up: deployment.Submit itself guarantees
		// that a failed Start never registers an actor (see pkg/deployment).
		return types.SandboxStartResponse{}, apierr.AsAPIError(err)
	}

	if err := m.persist(ctx, info, cfg.AutoClearTimeMinutes); err != nil {
		return types.SandboxStartResponse{}, apierr.NewInternal(err, "persisting sandbox %s to KV store", cfg.SandboxID)
	}

	return types.SandboxStartResponse{
		SandboxID: info.SandboxID,
		HostIP:    info.HostIP,
		HostName:  info.HostName,
	}, nil
}

// GetStatus implements the six-step status algorithm: live view, merge
// with cache, RUNNING-if-alive, slide the TTL forward, write back, return.
func (m *Manager) GetStatus(ctx context.Context, sandboxID string) (types.SandboxStatusResponse, error) {
	live, err := m.deployment.GetStatus(ctx, sandboxID)
	if err != nil {
		return types.SandboxStatusResponse{}, apierr.AsAPIError(err)
	}

	merged := live
	autoClearMinutes := m.cfg.DefaultAutoClearMin

	if m.kvClient != nil {
		var cached types.SandboxInfo
		found, err := m.kvClient.JSONGet(ctx, kv.AliveKey(sandboxID), &cached)
		if err != nil {
			return types.SandboxStatusResponse{}, apierr.NewInternal(err, "reading cached status for %s", sandboxID)
		}
		if found {
			merged = mergeSandboxInfo(cached, live)
		}

		var ttl types.TTLRecord
		if found, err := m.kvClient.JSONGet(ctx, kv.TimeoutKey(sandboxID), &ttl); err == nil && found {
			autoClearMinutes = ttl.AutoClearTimeMinutes
		}
	}

	if merged.Alive {
		merged.State = types.StateRunning
	}

	if m.kvClient != nil {
		if err := m.persist(ctx, merged, autoClearMinutes); err != nil {
			return types.SandboxStatusResponse{}, apierr.NewInternal(err, "refreshing TTL for %s", sandboxID)
		}
	}

	return types.SandboxStatusResponse{
		SandboxID:   merged.SandboxID,
		Image:       merged.Image,
		State:       merged.State,
		Alive:       merged.Alive,
		HostIP:      merged.HostIP,
		PortMapping: merged.PortMapping,
		Phases:      merged.Phases,
	}, nil
}

// Stop tears a sandbox down through the deployment service and then
// unconditionally removes its KV records, regardless of whether the
// deployment-level stop found a live actor.
func (m *Manager) Stop(ctx context.Context, sandboxID string) (bool, error) {
	stopped, err := m.deployment.Stop(ctx, sandboxID)
	if err != nil && apierr.AsAPIError(err).Kind != apierr.NotFound {
		return false, apierr.AsAPIError(err)
	}

	if m.kvClient != nil {
		_ = m.kvClient.JSONDelete(ctx, kv.AliveKey(sandboxID))
		_ = m.kvClient.JSONDelete(ctx, kv.TimeoutKey(sandboxID))
	}

	return stopped, nil
}

// GetStatistics delegates to the deployment service.
func (m *Manager) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	metrics, err := m.deployment.GetStatistics(ctx, sandboxID)
	if err != nil {
		return types.ResourceMetrics{}, apierr.AsAPIError(err)
	}
	return metrics, nil
}

// Commit delegates to the deployment service.
func (m *Manager) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	result, err := m.deployment.Commit(ctx, sandboxID, imageTag, username, password)
	if err != nil {
		return types.CommandResult{}, apierr.AsAPIError(err)
	}
	return result, nil
}

// GetMount delegates to the deployment service.
func (m *Manager) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	mount, err := m.deployment.GetMount(ctx, sandboxID)
	if err != nil {
		return types.MountInfo{}, apierr.AsAPIError(err)
	}
	return mount, nil
}

// Shutdown drains the deployment service.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.deployment.Shutdown(ctx)
}

// validateSpec rejects a DeploymentConfig whose CPU or memory request
// exceeds the configured quota, or whose memory string does not parse.
// Deterministic and referentially transparent given m.cfg, per §4.G.
func (m *Manager) validateSpec(cfg *types.DeploymentConfig) error {
	if cfg.CPUs <= 0 {
		return apierr.NewBadRequest("cpus must be a positive fractional count, got %.2f", cfg.CPUs)
	}
	if cfg.CPUs > m.cfg.MaxAllowedCPUs {
		return apierr.NewBadRequest("requested %.2f cpus exceeds the maximum of %.2f", cfg.CPUs, m.cfg.MaxAllowedCPUs)
	}

	if cfg.Memory == "" {
		return nil
	}
	requested, err := units.RAMInBytes(cfg.Memory)
	if err != nil {
		return apierr.NewBadRequest("unparsable memory quantity %q", cfg.Memory)
	}
	if requested <= 0 {
		return apierr.NewBadRequest("memory must be a positive quantity, got %q", cfg.Memory)
	}
	maxAllowed, err := units.RAMInBytes(m.cfg.MaxAllowedMemory)
	if err != nil {
		return apierr.NewInternal(err, "unparsable configured MAX_ALLOWED_MEMORY %q", m.cfg.MaxAllowedMemory)
	}
	if requested > maxAllowed {
		return apierr.NewBadRequest("requested memory %s exceeds the maximum of %s", cfg.Memory, m.cfg.MaxAllowedMemory)
	}
	return nil
}

// exists reports whether a sandbox id is already known to the KV cache.
// A caller-supplied id that collides only at the operator level (KV
// disabled, or a stale KV record) is still caught by deployment.Submit's
// own duplicate-actor check.
func (m *Manager) exists(ctx context.Context, sandboxID string) bool {
	if m.kvClient == nil {
		return false
	}
	var existing types.SandboxInfo
	found, err := m.kvClient.JSONGet(ctx, kv.AliveKey(sandboxID), &existing)
	return err == nil && found
}

// persist writes the alive and TTL records for a sandbox, sliding the
// expiration forward from now.
func (m *Manager) persist(ctx context.Context, info types.SandboxInfo, autoClearMinutes int) error {
	if m.kvClient == nil {
		return nil
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = nowFunc()
	}
	ttl := time.Duration(autoClearMinutes) * time.Minute
	if err := m.kvClient.JSONSet(ctx, kv.AliveKey(info.SandboxID), info, ttl); err != nil {
		return err
	}
	record := types.TTLRecord{
		AutoClearTimeMinutes: autoClearMinutes,
		ExpireTime:           nowFunc().Add(ttl).Unix(),
	}
	return m.kvClient.JSONSet(ctx, kv.TimeoutKey(info.SandboxID), record, ttl)
}

// mergeSandboxInfo applies the merge rule from §4.G step 2: cached wins for
// static metadata, live wins for the fields the operator is authoritative
// on (phases, port mapping, liveness, state, host identity).
func mergeSandboxInfo(cached, live types.SandboxInfo) types.SandboxInfo {
	merged := cached
	merged.Phases = live.Phases
	merged.PortMapping = live.PortMapping
	merged.Alive = live.Alive
	merged.State = live.State
	merged.HostIP = live.HostIP
	merged.HostName = live.HostName
	return merged
}

// newSandboxID mints a random sandbox id when the caller did not supply
// one, in the same crypto/rand-then-hex style as the teacher's generateID.
func newSandboxID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sb-%d", nowFunc().UnixNano())
	}
	return fmt.Sprintf("sb-%s", hex.EncodeToString(b))
}
