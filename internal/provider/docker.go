package provider

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DockerConfig configures the container-runtime backend.
type DockerConfig struct {
	Host        string
	RatePerHour decimal.Decimal
}

// Docker runs sandboxes as long-lived containers with networking disabled.
// Weaker isolation than a microVM, so it sits late in the fallback chain.
type Docker struct {
	client *client.Client
	config DockerConfig
	logger *zap.Logger
}

func NewDocker(config DockerConfig, logger *zap.Logger) (*Docker, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}

	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Docker{
		client: cli,
		config: config,
		logger: logger,
	}, nil
}

func (p *Docker) Name() string {
	return "docker"
}

func (p *Docker) Health() Health {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := p.client.Ping(ctx); err != nil {
		return HealthDown
	}

	return HealthHealthy
}

func (p *Docker) CostRatePerHour(_ bool) decimal.Decimal {
	// The container backend has no accelerated tier.
	return p.config.RatePerHour
}

func (p *Docker) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	containerConfig := &container.Config{
		Image:     req.Image,
		Tty:       false,
		OpenStdin: true,
		Cmd:       []string{"sleep", "infinity"},
		Labels:    req.Metadata,
	}

	hostConfig := &container.HostConfig{
		AutoRemove:  false,
		NetworkMode: "none",
	}

	if req.Limits.CPUCount > 0 {
		hostConfig.Resources.NanoCPUs = req.Limits.CPUCount * 1e9
	}
	if req.Limits.RamMB > 0 {
		hostConfig.Resources.Memory = req.Limits.RamMB * 1024 * 1024
	}

	created, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "sandbox-"+req.SandboxID)
	if err != nil {
		return Handle{}, p.classify(fmt.Errorf("failed to create container: %w", err))
	}

	if err := p.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})

		return Handle{}, p.classify(fmt.Errorf("failed to start container: %w", err))
	}

	p.logger.Debug("started sandbox container",
		zap.String("sandbox_id", req.SandboxID),
		zap.String("container_id", created.ID),
	)

	return Handle{ProviderName: p.Name(), BackendID: created.ID}, nil
}

func (p *Docker) Execute(ctx context.Context, handle Handle, cmd Command) (CommandResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd.Cmd},
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := p.client.ContainerExecCreate(ctx, handle.BackendID, execConfig)
	if err != nil {
		return CommandResult{}, p.classify(fmt.Errorf("failed to create exec: %w", err))
	}

	attachResp, err := p.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return CommandResult{}, p.classify(fmt.Errorf("failed to attach exec: %w", err))
	}
	defer attachResp.Close()

	start := time.Now()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return CommandResult{}, Transient(p.Name(), ctx.Err())
		}

		return CommandResult{}, p.classify(fmt.Errorf("failed to read exec output: %w", err))
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return CommandResult{}, p.classify(fmt.Errorf("failed to inspect exec: %w", err))
	}

	return CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}, nil
}

func (p *Docker) Destroy(ctx context.Context, handle Handle) error {
	stopTimeout := 10
	_ = p.client.ContainerStop(ctx, handle.BackendID, container.StopOptions{Timeout: &stopTimeout})

	err := p.client.ContainerRemove(ctx, handle.BackendID, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		// Already gone.
		return nil
	}
	if err != nil {
		return p.classify(fmt.Errorf("failed to remove container: %w", err))
	}

	return nil
}

func (p *Docker) List(ctx context.Context, managerID string) ([]RemoteSandbox, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", fmt.Sprintf("%s=%s", MetadataManagedBy, managerID)),
		),
	})
	if err != nil {
		return nil, p.classify(fmt.Errorf("failed to list containers: %w", err))
	}

	out := make([]RemoteSandbox, 0, len(containers))
	for _, item := range containers {
		out = append(out, RemoteSandbox{
			Handle:    Handle{ProviderName: p.Name(), BackendID: item.ID},
			Image:     item.Image,
			CreatedAt: time.Unix(item.Created, 0),
			Metadata:  item.Labels,
		})
	}

	return out, nil
}

// classify maps docker daemon errors onto the fallback policy: a missing
// image or container is specific to this backend and fatal for it, while
// daemon/transport problems are worth falling through.
func (p *Docker) classify(err error) error {
	if client.IsErrNotFound(err) {
		return Fatal(p.Name(), err)
	}

	return Transient(p.Name(), err)
}
