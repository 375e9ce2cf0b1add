package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/basket/shotreport/internal/report"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker runs the engine in an ephemeral container with the work directory
// mounted at /workspace.
type Docker struct {
	client      *client.Client
	image       string
	cmd         []string
	memoryBytes int64
	networkMode string
	workspace   string
}

func NewDocker(cfg Config) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "node:20-bookworm"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	network := cfg.Network
	if network == "" {
		network = "bridge"
	}
	workspace := cfg.WorkDir
	if workspace == "" {
		workspace = "."
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}

	return &Docker{
		client:      cli,
		image:       image,
		cmd:         append([]string{cfg.Command}, cfg.Args...),
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: network,
		workspace:   workspace,
	}, nil
}

func (d *Docker) Run(ctx context.Context, payload json.RawMessage, emit EmitFunc) error {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        d.cmd,
		Env:        []string{PayloadEnv + "=" + string(payload)},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("create container: %w", err)}
	}
	containerID := resp.ID

	// Register the wait before start so an AutoRemove'd container is not
	// gone by the time we ask.
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("start container: %w", err)}
	}

	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("get logs: %w", err)}
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	stderr := &tailBuffer{max: maxStderrTail}
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, stderr, logs)
		pw.CloseWithError(copyErr)
	}()

	if err := ScanEvents(ctx, pr, emit); err != nil {
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		_ = pr.CloseWithError(err)
		return err
	}

	select {
	case err := <-errCh:
		return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("wait container: %w", err)}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &report.CollaboratorError{Collaborator: "runner", Err: fmt.Errorf("container exited with %d: %s", status.StatusCode, stderr.String())}
		}
		return nil
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return ctx.Err()
	}
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}
