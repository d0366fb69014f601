package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

var (
	// ErrContainerNotRunning is returned when the target container is missing
	// or stopped.
	ErrContainerNotRunning = errors.New("container not running")
	// ErrContainerNotAllowed is returned when the access policy does not
	// cover the target container.
	ErrContainerNotAllowed = errors.New("container not allowed")
)

// DockerConfig describes a shell inside a running container. User is set by
// the server, never by the caller.
type DockerConfig struct {
	ContainerID string   `json:"container_id"`
	User        string   `json:"-"`
	Shell       []string `json:"shell,omitempty"`
	Cols        uint     `json:"cols,omitempty"`
	Rows        uint     `json:"rows,omitempty"`
}

// DockerAccess lists the containers exec sessions may enter: by id or name in
// Containers, or by a "key=value" Label. The zero value allows nothing.
type DockerAccess struct {
	Containers []string
	Label      string
}

// permits matches against the inspected container, never the requested
// reference, since docker resolves ambiguous id prefixes itself.
func (a DockerAccess) permits(inspect container.InspectResponse) bool {
	if a.Label != "" && inspect.Config != nil {
		key, value, _ := strings.Cut(a.Label, "=")
		if v, ok := inspect.Config.Labels[key]; ok && v == value {
			return true
		}
	}
	var id, name string
	if inspect.ContainerJSONBase != nil {
		id = inspect.ID
		name = strings.TrimPrefix(inspect.Name, "/")
	}
	return slices.ContainsFunc(a.Containers, func(allowed string) bool {
		if allowed == name {
			return true
		}
		// Short ids match the full id by prefix.
		return id != "" && len(allowed) >= 12 && strings.HasPrefix(id, allowed)
	})
}

// NewDockerClient creates a client from the standard DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

type dockerTransport struct {
	cli    client.APIClient
	execID string
	conn   net.Conn
	reader *bufio.Reader
}

// DialDocker starts an interactive exec session with a TTY in a running
// container that access permits.
func DialDocker(ctx context.Context, cli client.APIClient, cfg DockerConfig, access DockerAccess, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContainerID == "" {
		return nil, fmt.Errorf("%w: container id is required", ErrInvalidConfig)
	}

	inspect, err := cli.ContainerInspect(ctx, cfg.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrContainerNotRunning, cfg.ContainerID)
		}
		return nil, fmt.Errorf("inspect container %s: %w", cfg.ContainerID, err)
	}
	if !access.permits(inspect) {
		logger.Warn("Exec into container denied", "container_id", cfg.ContainerID)
		return nil, fmt.Errorf("%w: %s", ErrContainerNotAllowed, cfg.ContainerID)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotRunning, cfg.ContainerID)
	}

	shell := cfg.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c", "if command -v bash >/dev/null; then exec bash -l; else exec sh; fi"}
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	resp, err := cli.ContainerExecCreate(ctx, cfg.ContainerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          shell,
		User:         cfg.User,
		Env:          []string{"TERM=xterm-256color"},
		ConsoleSize:  &[2]uint{rows, cols},
	})
	if err != nil {
		return nil, fmt.Errorf("create exec session in container %s: %w", cfg.ContainerID, err)
	}

	attachResp, err := cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	logger.Info("Exec session created", "exec_id", resp.ID, "container_id", cfg.ContainerID)
	return &dockerTransport{
		cli:    cli,
		execID: resp.ID,
		conn:   attachResp.Conn,
		reader: attachResp.Reader,
	}, nil
}

func (t *dockerTransport) Read(p []byte) (int, error)  { return t.reader.Read(p) }
func (t *dockerTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *dockerTransport) Close() error                { return t.conn.Close() }

func (t *dockerTransport) Resize(cols, rows uint) error {
	if err := t.cli.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec session %s to %dx%d: %w", t.execID, cols, rows, err)
	}
	return nil
}
