// Package dockerop implements pkg/operator.Operator on top of the Docker
// Engine API: one container plus one bridge network per sandbox, with the
// PROXY and VSCODE ports published to the host on randomly assigned ports.
// Grounded in the Docker client construction, image-pull, and container
// lifecycle patterns used by this pack's other Docker-backed sandbox
// provider (containerTypes.Config/HostConfig, nat.Port port bindings,
// ContainerInspect state switch, ContainerExecCreate/Attach + stdcopy).
package dockerop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/rockcloud/sandboxctl/pkg/apierr"
	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/logger"
	"github.com/rockcloud/sandboxctl/pkg/types"
	"github.com/rockcloud/sandboxctl/pkg/workerclient"
)

// gatewayProbeTimeout bounds the reachability probe GetStatus performs
// against a container's published proxy port; it must stay well under any
// caller's own request timeout since GetStatus runs it synchronously on
// every call.
const gatewayProbeTimeout = 2 * time.Second

const (
	managedLabel   = "sandboxctl.managed"
	sandboxIDLabel = "sandboxctl.sandbox_id"
	namePrefix     = "sandboxctl-sandbox-"
	networkPrefix  = "sandboxctl-net-"
)

// Operator drives the Docker Engine API for one host.
type Operator struct {
	client *client.Client
	cfg    *config.Config
}

// New dials the Docker daemon (from the environment, or cfg.DockerHost when
// set) and verifies connectivity before returning.
func New(cfg *config.Config) (*Operator, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("dockerop: create client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("dockerop: connect to docker daemon: %w", err)
	}

	return &Operator{client: cli, cfg: cfg}, nil
}

func containerName(sandboxID string) string { return namePrefix + sandboxID }
func networkName(sandboxID string) string   { return networkPrefix + sandboxID }

// Submit creates a dedicated network and container for the sandbox,
// publishing the proxy and vscode ports to random host ports. Any resource
// created before a failing step is rolled back.
func (o *Operator) Submit(ctx context.Context, cfg types.DeploymentConfig) (types.SandboxInfo, error) {
	image := cfg.Image
	if image == "" {
		image = o.cfg.DefaultImage
	}
	if err := o.ensureImage(ctx, image); err != nil {
		return types.SandboxInfo{}, apierr.NewUpstream(err, "pulling image %s", image)
	}

	netName := networkName(cfg.SandboxID)
	netResp, err := o.client.NetworkCreate(ctx, netName, network.CreateOptions{
		Labels: map[string]string{managedLabel: "true", sandboxIDLabel: cfg.SandboxID},
	})
	if err != nil {
		return types.SandboxInfo{}, apierr.NewUpstream(err, "creating network for sandbox %s", cfg.SandboxID)
	}

	containerCfg, hostCfg, netCfg, err := o.buildContainerSpec(cfg, image, netName, netResp.ID)
	if err != nil {
		_ = o.client.NetworkRemove(ctx, netResp.ID)
		return types.SandboxInfo{}, apierr.NewBadRequest("%v", err)
	}

	name := containerName(cfg.SandboxID)
	createResp, err := o.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		_ = o.client.NetworkRemove(ctx, netResp.ID)
		return types.SandboxInfo{}, apierr.NewUpstream(err, "creating container for sandbox %s", cfg.SandboxID)
	}

	if err := o.client.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		_ = o.client.ContainerRemove(ctx, createResp.ID, container.RemoveOptions{Force: true})
		_ = o.client.NetworkRemove(ctx, netResp.ID)
		return types.SandboxInfo{}, apierr.NewUpstream(err, "starting container for sandbox %s", cfg.SandboxID)
	}

	return o.GetStatus(ctx, cfg.SandboxID)
}

func (o *Operator) buildContainerSpec(cfg types.DeploymentConfig, image, netName, netID string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	var env []string
	for k, v := range cfg.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	proxyPort := nat.Port(fmt.Sprintf("%d/tcp", o.cfg.ProxyPort))
	vscodePort := nat.Port(fmt.Sprintf("%d/tcp", o.cfg.VSCodePort))

	containerCfg := &container.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			managedLabel:   "true",
			sandboxIDLabel: cfg.SandboxID,
		},
		ExposedPorts: nat.PortSet{
			proxyPort:  struct{}{},
			vscodePort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			proxyPort:  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
			vscodePort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
	}

	if cfg.CPUs > 0 {
		hostCfg.NanoCPUs = int64(cfg.CPUs * 1e9)
	}
	if cfg.Memory != "" {
		bytesLimit, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid memory quantity %q: %w", cfg.Memory, err)
		}
		hostCfg.Memory = bytesLimit
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			netName: {NetworkID: netID},
		},
	}

	return containerCfg, hostCfg, netCfg, nil
}

// ensureImage pulls image only if it is not already present locally.
func (o *Operator) ensureImage(ctx context.Context, img string) error {
	if _, _, err := o.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}
	reader, err := o.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("complete pull for %s: %w", img, err)
	}
	return nil
}

// GetStatus inspects the container directly; it never consults a cache.
func (o *Operator) GetStatus(ctx context.Context, sandboxID string) (types.SandboxInfo, error) {
	name := containerName(sandboxID)
	info, err := o.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.SandboxInfo{}, apierr.NewNotFound("sandbox %s not found", sandboxID)
		}
		return types.SandboxInfo{}, apierr.NewUpstream(err, "inspecting sandbox %s", sandboxID)
	}

	containerRunning := info.State != nil && info.State.Running

	createdAt, _ := time.Parse(time.RFC3339Nano, info.Created)

	portMapping := map[string]int{}
	if info.NetworkSettings != nil {
		if p, ok := hostPort(info.NetworkSettings.Ports, o.cfg.ProxyPort); ok {
			portMapping[types.PortProxy] = p
		}
		if p, ok := hostPort(info.NetworkSettings.Ports, o.cfg.VSCodePort); ok {
			portMapping[types.PortVSCode] = p
		}
	}

	// is_alive combines the container's own running flag with a
	// reachability probe against the in-container gateway, mirroring the
	// kubernetes backend's continuously re-evaluated ReadinessProbe.
	alive := containerRunning && o.probeGateway(ctx, sandboxID, portMapping)

	state := types.StateStopped
	if containerRunning {
		state = types.StateRunning
	} else if info.State != nil && info.State.Status == "created" {
		state = types.StatePending
	}

	return types.SandboxInfo{
		SandboxID:   sandboxID,
		Image:       info.Config.Image,
		State:       state,
		Alive:       alive,
		HostIP:      "127.0.0.1",
		PortMapping: portMapping,
		CreatedAt:   createdAt,
	}, nil
}

// probeGateway performs a bounded HTTP reachability check against the
// container's published proxy port. A container can be "running" by
// Docker's own account before its gateway process is actually accepting
// connections (or after it has wedged), so Alive must reflect both.
func (o *Operator) probeGateway(ctx context.Context, sandboxID string, portMapping map[string]int) bool {
	proxyPort, ok := portMapping[types.PortProxy]
	if !ok {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, gatewayProbeTimeout)
	defer cancel()
	client := workerclient.New(fmt.Sprintf("http://127.0.0.1:%d", proxyPort), sandboxID)
	return client.IsAlive(probeCtx)
}

func hostPort(ports nat.PortMap, containerPort int) (int, bool) {
	bindings, ok := ports[nat.Port(fmt.Sprintf("%d/tcp", containerPort))]
	if !ok || len(bindings) == 0 {
		return 0, false
	}
	p, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Stop removes the container and its dedicated network. It is idempotent:
// a missing container is reported as (false, nil), not an error.
func (o *Operator) Stop(ctx context.Context, sandboxID string) (bool, error) {
	name := containerName(sandboxID)
	err := o.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return false, apierr.NewUpstream(err, "removing container for sandbox %s", sandboxID)
	}
	stopped := err == nil

	netErr := o.client.NetworkRemove(ctx, networkName(sandboxID))
	if netErr != nil && !errdefs.IsNotFound(netErr) {
		logger.Info("dockerop: failed to remove network for sandbox %s: %v", sandboxID, netErr)
	}

	return stopped, nil
}

// GetMount reports the host-visible location of the sandbox filesystem. The
// Docker backend exposes no host bind mount per sandbox, so this describes
// the in-container path reachable via the worker's file verbs instead.
func (o *Operator) GetMount(ctx context.Context, sandboxID string) (types.MountInfo, error) {
	if _, err := o.GetStatus(ctx, sandboxID); err != nil {
		return types.MountInfo{}, err
	}
	return types.MountInfo{SandboxID: sandboxID, MountPath: "/workspace"}, nil
}

// GetStatistics pulls a single non-streaming stats sample and computes CPU
// percent the same way `docker stats` does: delta of cumulative CPU usage
// over delta of system CPU usage, scaled by the online CPU count.
func (o *Operator) GetStatistics(ctx context.Context, sandboxID string) (types.ResourceMetrics, error) {
	name := containerName(sandboxID)
	resp, err := o.client.ContainerStatsOneShot(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ResourceMetrics{}, apierr.NewNotFound("sandbox %s not found", sandboxID)
		}
		return types.ResourceMetrics{}, apierr.NewUpstream(err, "reading statistics for sandbox %s", sandboxID)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := decodeJSON(resp.Body, &stats); err != nil {
		return types.ResourceMetrics{}, apierr.NewUpstream(err, "decoding statistics for sandbox %s", sandboxID)
	}

	cpuPercent := 0.0
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}

	return types.ResourceMetrics{
		SandboxID:     sandboxID,
		CPUPercent:    cpuPercent,
		MemoryUsedMB:  float64(stats.MemoryStats.Usage) / (1024 * 1024),
		MemoryLimitMB: float64(stats.MemoryStats.Limit) / (1024 * 1024),
	}, nil
}

// Commit snapshots the container's filesystem as a new image and, when
// credentials are supplied, pushes it to the registry implied by imageTag.
func (o *Operator) Commit(ctx context.Context, sandboxID, imageTag, username, password string) (types.CommandResult, error) {
	name := containerName(sandboxID)
	commitResp, err := o.client.ContainerCommit(ctx, name, container.CommitOptions{Reference: imageTag})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.CommandResult{}, apierr.NewNotFound("sandbox %s not found", sandboxID)
		}
		return types.CommandResult{}, apierr.NewUpstream(err, "committing sandbox %s", sandboxID)
	}

	if username == "" {
		return types.CommandResult{Stdout: commitResp.ID, ExitCode: 0}, nil
	}

	authCfg := registry.AuthConfig{Username: username, Password: password}
	encodedAuth, err := registry.EncodeAuthConfig(authCfg)
	if err != nil {
		return types.CommandResult{}, apierr.NewInternal(err, "encoding registry auth for sandbox %s", sandboxID)
	}

	pushReader, err := o.client.ImagePush(ctx, imageTag, image.PushOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "pushing image %s", imageTag)
	}
	defer pushReader.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, pushReader); err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "reading push response for %s", imageTag)
	}

	return types.CommandResult{Stdout: out.String(), ExitCode: 0}, nil
}

// CollectSystemResourceMetrics aggregates a one-shot stats sample over every
// sandbox container this operator manages.
func (o *Operator) CollectSystemResourceMetrics(ctx context.Context) (types.SystemResourceMetrics, error) {
	args := filters.NewArgs()
	args.Add("label", managedLabel+"=true")
	containers, err := o.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return types.SystemResourceMetrics{}, apierr.NewUpstream(err, "listing managed sandboxes")
	}

	agg := types.SystemResourceMetrics{TotalSandboxes: len(containers)}
	for _, c := range containers {
		sandboxID := c.Labels[sandboxIDLabel]
		if sandboxID == "" {
			continue
		}
		metrics, err := o.GetStatistics(ctx, sandboxID)
		if err != nil {
			logger.Debug("dockerop: skipping statistics for sandbox %s: %v", sandboxID, err)
			continue
		}
		agg.CPUPercent += metrics.CPUPercent
		agg.MemoryUsedMB += metrics.MemoryUsedMB
	}
	return agg, nil
}

// Exec runs a one-shot command inside the sandbox container. Not part of
// the Operator interface — the worker running inside the container owns
// execute/read_file/write_file for the spec's normal request path; this is
// a direct container-exec fallback, and no package in this module calls it.
func (o *Operator) Exec(ctx context.Context, sandboxID string, cmd []string) (types.CommandResult, error) {
	name := containerName(sandboxID)
	execResp, err := o.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "exec create on sandbox %s", sandboxID)
	}

	attach, err := o.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "exec attach on sandbox %s", sandboxID)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "reading exec output on sandbox %s", sandboxID)
	}

	inspect, err := o.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return types.CommandResult{}, apierr.NewUpstream(err, "exec inspect on sandbox %s", sandboxID)
	}

	return types.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

func decodeJSON(r io.Reader, dest interface{}) error {
	return json.NewDecoder(r).Decode(dest)
}
