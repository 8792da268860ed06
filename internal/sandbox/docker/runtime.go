// Package docker implements sandbox.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/sandbox"
)

// Runtime drives sandbox containers through a Docker client owned by the
// composition root.
type Runtime struct {
	client *client.Client
	logger *slog.Logger
}

// NewRuntime connects to the Docker daemon named by cfg.DockerHost, falling
// back to the environment (DOCKER_HOST etc.), and verifies the connection.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Runtime{client: cli, logger: logger.With("component", "docker_runtime")}, nil
}

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

func (r *Runtime) Inspect(ctx context.Context, name string) (*sandbox.Container, error) {
	info, err := r.client.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapError(err)
	}
	return containerFromInspect(info), nil
}

func (r *Runtime) Create(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	containerConfig, hostConfig := buildConfig(spec)

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return "", sandbox.ErrNameConflict
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("Container create warning", "name", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

// buildConfig translates a sandbox spec into Docker create parameters.
func buildConfig(spec sandbox.ContainerSpec) (*containerTypes.Config, *containerTypes.HostConfig) {
	containerConfig := &containerTypes.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{},
	}

	if spec.MemoryMB > 0 {
		hostConfig.Memory = spec.MemoryMB * 1024 * 1024
	}
	if spec.CPUs > 0 {
		hostConfig.NanoCPUs = int64(spec.CPUs * 1e9)
	}
	if spec.Network != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(spec.Network)
	}

	if spec.AgentPort > 0 {
		agent := nat.Port(fmt.Sprintf("%d/tcp", spec.AgentPort))
		containerConfig.ExposedPorts[agent] = struct{}{}
		if spec.Network == "" {
			// Empty HostPort = Docker assigns a random available port.
			hostConfig.PortBindings[agent] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
		}
	}
	if spec.ServicePort > 0 {
		service := nat.Port(fmt.Sprintf("%d/tcp", spec.ServicePort))
		containerConfig.ExposedPorts[service] = struct{}{}
		if spec.HostServicePort > 0 {
			hostConfig.PortBindings[service] = []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(spec.HostServicePort),
			}}
		}
	}
	return containerConfig, hostConfig
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return mapError(err)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, containerTypes.StopOptions{Timeout: &seconds}); err != nil {
		return mapError(err)
	}
	return nil
}

func (r *Runtime) Restart(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerRestart(ctx, id, containerTypes.StopOptions{Timeout: &seconds}); err != nil {
		return mapError(err)
	}
	return nil
}

// Remove force-removes the container. RemoveVolumes only covers anonymous
// volumes; sandboxes use no named volumes.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	err := r.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]*sandbox.Container, error) {
	args := filters.NewArgs()
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args.Add("label", k+"="+labels[k])
	}

	summaries, err := r.client.ContainerList(ctx, containerTypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*sandbox.Container, 0, len(summaries))
	for _, s := range summaries {
		info, err := r.client.ContainerInspect(ctx, s.ID)
		if err != nil {
			// Removed between list and inspect.
			continue
		}
		result = append(result, containerFromInspect(info))
	}
	return result, nil
}

// PullImage pulls image unless it is a local-only reference.
func (r *Runtime) PullImage(ctx context.Context, image string) error {
	if isLocalImage(image) {
		return nil
	}
	reader, err := r.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, id, containerTypes.WaitConditionNotRunning)
	select {
	case result := <-statusCh:
		if result.Error != nil && result.Error.Message != "" {
			return int(result.StatusCode), fmt.Errorf("container wait: %s", result.Error.Message)
		}
		return int(result.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("container wait: %w", mapError(err))
	}
}

func (r *Runtime) Logs(ctx context.Context, id string, w io.Writer) error {
	reader, err := r.client.ContainerLogs(ctx, id, containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = reader.Close() }()

	// Containers run without a TTY, so the stream is multiplexed.
	if _, err := stdcopy.StdCopy(w, w, reader); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to read container logs: %w", err)
	}
	return nil
}

// containerFromInspect maps Docker's inspect result to sandbox.Container.
func containerFromInspect(info containerTypes.InspectResponse) *sandbox.Container {
	c := &sandbox.Container{}
	if info.ContainerJSONBase != nil {
		c.ID = info.ID
		c.Name = strings.TrimPrefix(info.Name, "/")
		if state := info.State; state != nil {
			c.Running = state.Running
			c.ExitCode = state.ExitCode
			c.StartedAt = parseDockerTime(state.StartedAt)
			c.FinishedAt = parseDockerTime(state.FinishedAt)
		}
	}
	if info.Config != nil {
		c.Labels = info.Config.Labels
		if port := agentPortFromEnv(info.Config.Env); port != "" && info.NetworkSettings != nil {
			c.AgentHostPort = hostPort(info.NetworkSettings.Ports, nat.Port(port+"/tcp"))
		}
	}
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	return c
}

// agentPortFromEnv finds the AGENT_PORT the manager injected.
func agentPortFromEnv(env []string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "AGENT_PORT="); ok {
			return v
		}
	}
	return ""
}

func hostPort(ports nat.PortMap, port nat.Port) int {
	for _, binding := range ports[port] {
		if p, err := strconv.Atoi(binding.HostPort); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

// parseDockerTime parses Docker's RFC 3339 timestamps. Docker reports
// "0001-01-01T00:00:00Z" for events that never happened, which maps to the
// zero time.
func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isLocalImage reports whether an image cannot be pulled from a registry:
// locally built "sandboxd-local/" tags and bare sha256 digests.
func isLocalImage(image string) bool {
	return strings.HasPrefix(image, "sandboxd-local/") || strings.HasPrefix(image, "sha256:")
}

func mapError(err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %v", sandbox.ErrNotFound, err)
	}
	return err
}

var _ sandbox.Runtime = (*Runtime)(nil)
