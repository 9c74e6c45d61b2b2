package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/kihw/selfstart/internal/server/engine"
)

const stopTimeoutSeconds = 30

// Client implements engine.Client on top of the Docker API socket.
type Client struct {
	api *client.Client
}

// New connects to the Docker daemon using the standard environment knobs
// (DOCKER_HOST and friends) and verifies the connection with a ping.
func New(ctx context.Context) (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := api.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &Client{api: api}, nil
}

func (c *Client) Inspect(ctx context.Context, name string) (engine.Info, error) {
	inspected, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.Info{}, nil
		}
		return engine.Info{}, fmt.Errorf("inspect container %s: %w", name, err)
	}

	info := engine.Info{Exists: true}
	if inspected.State != nil {
		info.Running = inspected.State.Running
		if started, parseErr := time.Parse(time.RFC3339Nano, inspected.State.StartedAt); parseErr == nil {
			info.StartedAt = started
		}
	}
	if inspected.NetworkSettings != nil {
		info.HostPort = boundHostPort(inspected.NetworkSettings.Ports)
	}
	return info, nil
}

// boundHostPort picks the first TCP port binding published to the host.
func boundHostPort(ports nat.PortMap) int {
	for port, bindings := range ports {
		if port.Proto() != "tcp" {
			continue
		}
		for _, binding := range bindings {
			if parsed, err := nat.ParsePort(binding.HostPort); err == nil && parsed > 0 {
				return parsed
			}
		}
	}
	return 0
}

func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if err := c.api.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]engine.Container, error) {
	listed, err := c.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]engine.Container, 0, len(listed))
	for _, item := range listed {
		entry := engine.Container{
			Image:    item.Image,
			State:    item.State,
			Labels:   item.Labels,
			HostPort: publishedPort(item.Ports),
		}
		if len(item.Names) > 0 {
			entry.Name = strings.TrimPrefix(item.Names[0], "/")
		}
		out = append(out, entry)
	}
	return out, nil
}

// publishedPort picks the first host-published TCP port from a listing entry.
func publishedPort(ports []container.Port) int {
	for _, p := range ports {
		if p.PublicPort == 0 || !strings.EqualFold(p.Type, "tcp") {
			continue
		}
		return int(p.PublicPort)
	}
	return 0
}

var _ engine.Client = (*Client)(nil)
