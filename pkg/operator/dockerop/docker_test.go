package dockerop

import (
	"strings"
	"testing"

	"github.com/docker/go-connections/nat"

	"github.com/rockcloud/sandboxctl/pkg/config"
	"github.com/rockcloud/sandboxctl/pkg/types"
)

func testOperator() *Operator {
	return &Operator{cfg: &config.Config{ProxyPort: 8090, VSCodePort: 8091}}
}

func TestContainerName(t *testing.T) {
	if got := containerName("abc123"); got != "sandboxctl-sandbox-abc123" {
		t.Errorf("unexpected container name: %s", got)
	}
}

func TestNetworkName(t *testing.T) {
	if got := networkName("abc123"); got != "sandboxctl-net-abc123" {
		t.Errorf("unexpected network name: %s", got)
	}
}

func TestBuildContainerSpec_PublishesProxyAndVSCodePorts(t *testing.T) {
	o := testOperator()
	cfg := types.DeploymentConfig{SandboxID: "sb-1", CPUs: 2, Memory: "512m", Environment: map[string]string{"FOO": "bar"}}

	containerCfg, hostCfg, netCfg, err := o.buildContainerSpec(cfg, "python:3.11", "sandboxctl-net-sb-1", "net-id")
	if err != nil {
		t.Fatalf("buildContainerSpec failed: %v", err)
	}

	if _, ok := containerCfg.ExposedPorts[nat.Port("8090/tcp")]; !ok {
		t.Error("expected proxy port to be exposed")
	}
	if _, ok := containerCfg.ExposedPorts[nat.Port("8091/tcp")]; !ok {
		t.Error("expected vscode port to be exposed")
	}
	if _, ok := hostCfg.PortBindings[nat.Port("8090/tcp")]; !ok {
		t.Error("expected proxy port to have a host binding")
	}
	if hostCfg.NanoCPUs != 2e9 {
		t.Errorf("expected NanoCPUs=2e9, got %d", hostCfg.NanoCPUs)
	}
	if hostCfg.Memory != 512*1024*1024 {
		t.Errorf("expected 512MiB memory limit, got %d", hostCfg.Memory)
	}
	if _, ok := netCfg.EndpointsConfig["sandboxctl-net-sb-1"]; !ok {
		t.Error("expected sandbox network to be attached")
	}

	found := false
	for _, e := range containerCfg.Env {
		if e == "FOO=bar" {
			found = true
		}
	}
	if !found {
		t.Error("expected FOO=bar in container environment")
	}
}

func TestBuildContainerSpec_InvalidMemoryIsRejected(t *testing.T) {
	o := testOperator()
	cfg := types.DeploymentConfig{SandboxID: "sb-1", Memory: "not-a-size"}

	_, _, _, err := o.buildContainerSpec(cfg, "python:3.11", "net", "net-id")
	if err == nil {
		t.Fatal("expected an error for an unparsable memory quantity")
	}
	if !strings.Contains(err.Error(), "memory") {
		t.Errorf("expected error to mention memory, got: %v", err)
	}
}

func TestHostPort(t *testing.T) {
	ports := nat.PortMap{
		nat.Port("8090/tcp"): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32768"}},
	}
	port, ok := hostPort(ports, 8090)
	if !ok || port != 32768 {
		t.Errorf("expected (32768, true), got (%d, %v)", port, ok)
	}

	if _, ok := hostPort(ports, 9999); ok {
		t.Error("expected no binding for an unmapped container port")
	}
}
