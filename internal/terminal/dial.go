package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docker/docker/client"
)

// Transport kinds accepted by Dialer.
const (
	KindSSH    = "ssh"
	KindDocker = "docker"
)

// ErrUnsupportedTransport is returned for an unknown transport kind or one
// that is not configured on this server.
var ErrUnsupportedTransport = errors.New("unsupported transport")

// DialRequest selects a transport and carries its settings.
type DialRequest struct {
	Transport string       `json:"transport"`
	SSH       SSHConfig    `json:"ssh"`
	Docker    DockerConfig `json:"docker"`
}

// Dialer opens transports for DialRequests. Docker exec sessions always run
// as ExecUser and are limited to DockerAccess.
type Dialer struct {
	Docker         client.APIClient
	DockerAccess   DockerAccess
	KnownHostsPath string
	ExecUser       string
	Logger         *slog.Logger
}

// Dial opens the transport named by req.
func (d *Dialer) Dial(ctx context.Context, req DialRequest) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch req.Transport {
	case KindSSH, "":
		hostKeys, err := HostKeyCallback(d.KnownHostsPath, logger)
		if err != nil {
			return nil, err
		}
		return DialSSH(ctx, req.SSH, hostKeys, logger)
	case KindDocker:
		if d.Docker == nil {
			return nil, fmt.Errorf("%w: docker is not available", ErrUnsupportedTransport)
		}
		cfg := req.Docker
		cfg.User = d.ExecUser
		return DialDocker(ctx, d.Docker, cfg, d.DockerAccess, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, req.Transport)
	}
}
