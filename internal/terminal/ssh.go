package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultCols        = 80
	defaultRows        = 24
	defaultDialTimeout = 15 * time.Second
)

// ErrInvalidConfig marks a connection request that is missing required
// settings.
var ErrInvalidConfig = errors.New("invalid terminal config")

// SSHConfig describes how to reach a shell over SSH.
type SSHConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       uint   `json:"cols,omitempty"`
	Rows       uint   `json:"rows,omitempty"`
}

// Validate checks that the config names a host, a user and a credential.
func (c SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: ssh host is required", ErrInvalidConfig)
	}
	if c.User == "" {
		return fmt.Errorf("%w: ssh user is required", ErrInvalidConfig)
	}
	if c.Password == "" && c.PrivateKey == "" {
		return fmt.Errorf("%w: ssh password or private key is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: ssh port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c SSHConfig) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, nil
}

// HostKeyCallback returns a known_hosts verifier for path, or accepts any host
// key when path is empty.
func HostKeyCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		logger.Warn("SSH host keys are not verified; set SSH_KNOWN_HOSTS to enable verification")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

type sshTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// DialSSH opens an interactive login shell with a PTY on the remote host.
func DialSSH(ctx context.Context, cfg SSHConfig, hostKeys ssh.HostKeyCallback, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}

	addr := cfg.addr()
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         defaultDialTimeout,
	})
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(clientConn, chans, reqs)

	t, err := openShell(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("SSH shell opened", "addr", addr, "user", cfg.User)
	return t, nil
}

func openShell(client *ssh.Client, cfg SSHConfig) (*sshTransport, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &sshTransport{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (t *sshTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *sshTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *sshTransport) Resize(cols, rows uint) error {
	if err := t.session.WindowChange(int(rows), int(cols)); err != nil {
		return fmt.Errorf("resize ssh pty to %dx%d: %w", cols, rows, err)
	}
	return nil
}

func (t *sshTransport) Close() error {
	_ = t.session.Close()
	if err := t.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
