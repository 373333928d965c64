package dockerbuild

import (
	"context"
	"fmt"
	"sort"

	"log/slog"

	"github.com/docker/go-connections/nat"

	"github.com/splax/launchpad/internal/pipeline"
	"github.com/splax/launchpad/internal/poller"
)

// Deployer rolls images out as local containers with ephemeral host ports.
// It stands in for a cloud runtime while keeping the same pollable contract.
type Deployer struct {
	client *Client
	// host is the address baked into service URLs, "localhost" by default.
	host   string
	logger *slog.Logger
}

// NewDeployer constructs a Deployer.
func NewDeployer(client *Client, host string, logger *slog.Logger) *Deployer {
	if host == "" {
		host = "localhost"
	}
	return &Deployer{client: client, host: host, logger: logger}
}

// StartDeploy replaces the service's container in the background and
// returns the rollout handle. The terminal snapshot's result ref is the
// service URL.
func (d *Deployer) StartDeploy(ctx context.Context, imageRef string, cfg pipeline.RuntimeConfig) (poller.Operation, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("image ref cannot be empty")
	}
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("service port must be positive")
	}

	op := newOperation("preparing rollout")
	go func() {
		url, err := d.rollout(ctx, imageRef, cfg, op)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("rollout failed", "service", cfg.ServiceName, "error", err)
			}
			op.fail(err.Error())
			return
		}
		op.succeed(url, "service running")
	}()
	return op, nil
}

func (d *Deployer) rollout(ctx context.Context, imageRef string, cfg pipeline.RuntimeConfig, op *operation) (string, error) {
	name := "launchpad-" + cfg.ServiceName

	op.setStep(0, 3, "removing previous container")
	op.appendLog(fmt.Sprintf("replacing container %s", name))
	if err := d.client.removeContainer(ctx, name); err != nil {
		return "", err
	}

	op.setStep(1, 3, "starting container")
	port := nat.Port(fmt.Sprintf("%d/tcp", cfg.Port))
	ports := nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	handle, err := d.client.runContainer(ctx, name, imageRef, envList(cfg.EnvVars), ports)
	if err != nil {
		return "", err
	}
	op.appendLog(fmt.Sprintf("container %s started", handle.ID[:12]))

	op.setStep(2, 3, "resolving host port")
	hostPort := firstHostPort(handle.Bindings, port)
	if hostPort == "" {
		return "", fmt.Errorf("no host port bound for container port %s", port)
	}
	url := fmt.Sprintf("http://%s:%s", d.host, hostPort)
	op.appendLog(fmt.Sprintf("service reachable at %s", url))
	return url, nil
}

func envList(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func firstHostPort(bindings nat.PortMap, port nat.Port) string {
	for _, binding := range bindings[port] {
		if binding.HostPort != "" {
			return binding.HostPort
		}
	}
	// Fall back to any bound port when the container exposes extras.
	for _, list := range bindings {
		for _, binding := range list {
			if binding.HostPort != "" {
				return binding.HostPort
			}
		}
	}
	return ""
}
