package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/termpilot/internal/agent"
	"github.com/ashureev/termpilot/internal/config"
	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/spf13/cobra"
)

type runOptions struct {
	ssh           terminal.SSHConfig
	keyFile       string
	maxTurns      int
	stopOnTimeout bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] TASK...",
		Short: "Run one agent task against an SSH host and print its steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-turns") {
				cfg.Agent.MaxTurns = opts.maxTurns
			}
			if cmd.Flags().Changed("stop-on-timeout") {
				cfg.Agent.StopOnTimeout = opts.stopOnTimeout
			}
			if opts.ssh.Password == "" {
				opts.ssh.Password = os.Getenv("TERMPILOT_SSH_PASSWORD")
			}
			if opts.keyFile != "" {
				key, err := os.ReadFile(opts.keyFile)
				if err != nil {
					return fmt.Errorf("read identity file: %w", err)
				}
				opts.ssh.PrivateKey = string(key)
			}
			state, err := runTask(cmd.Context(), cfg, opts.ssh, strings.Join(args, " "), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if state != domain.StateCompleted {
				return fmt.Errorf("task ended %s", state)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ssh.Host, "host", "", "SSH host")
	f.IntVar(&opts.ssh.Port, "port", 22, "SSH port")
	f.StringVar(&opts.ssh.User, "user", os.Getenv("USER"), "SSH user")
	f.StringVar(&opts.ssh.Password, "password", "", "SSH password (or TERMPILOT_SSH_PASSWORD)")
	f.StringVarP(&opts.keyFile, "identity", "i", "", "private key file")
	f.StringVar(&opts.ssh.Passphrase, "passphrase", "", "private key passphrase")
	f.IntVar(&opts.maxTurns, "max-turns", agent.DefaultMaxTurns, "turn limit")
	f.BoolVar(&opts.stopOnTimeout, "stop-on-timeout", true, "stop the task when a command stalls")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

func runTask(ctx context.Context, cfg *config.Config, sshCfg terminal.SSHConfig, prompt string, out io.Writer) (domain.TaskState, error) {
	logger := slog.Default()

	hostKeys, err := terminal.HostKeyCallback(cfg.Terminal.KnownHostsPath, logger)
	if err != nil {
		return domain.StateErrored, err
	}
	transport, err := terminal.DialSSH(ctx, sshCfg, hostKeys, logger)
	if err != nil {
		return domain.StateErrored, err
	}
	conn := terminal.NewConn(transport, terminal.ConnConfig{
		ScrollbackBytes: cfg.Terminal.ScrollbackBytes,
		Capture: terminal.CaptureConfig{
			CommandTimeout: cfg.Terminal.CommandTimeout,
			KeysDwell:      cfg.Terminal.KeysDwell,
			MaxBytes:       cfg.Terminal.CaptureMaxBytes,
		},
	}, logger)
	defer conn.Close()

	models := model.NewFactory(model.NewMapCache(), logger)
	defer func() { _ = models.Reset() }()
	m, err := models.Get(ctx, modelSettings(cfg))
	if err != nil {
		return domain.StateErrored, err
	}

	sess := agent.NewSession(
		agent.Owner{UserID: "cli", SessionID: "run"},
		conn.Capturer(),
		agent.Config{
			Model:         m,
			ModelName:     cfg.Model.Name,
			MaxTurns:      cfg.Agent.MaxTurns,
			StopOnTimeout: cfg.Agent.StopOnTimeout,
		},
		&stepPrinter{out: out},
		logger,
	)
	state, err := sess.Run(ctx, prompt)
	if err != nil {
		return state, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return state, fmt.Errorf("interrupted: %w", ctx.Err())
	}
	return state, nil
}

// stepPrinter writes resolved steps as plain text.
type stepPrinter struct {
	out io.Writer
}

func (p *stepPrinter) TaskStarted(task domain.Task) {
	fmt.Fprintf(p.out, "task %s: %s\n", task.ID, task.Prompt)
}

func (p *stepPrinter) StepChanged(_ domain.Task, step domain.Step) {
	if step.Status == domain.StepRunning {
		switch step.Kind {
		case domain.StepCommand:
			fmt.Fprintf(p.out, "$ %s\n", step.Command)
		case domain.StepSendKeys:
			fmt.Fprintf(p.out, "keys: %s\n", step.Command)
		}
		return
	}
	if step.Output == "" {
		return
	}
	switch step.Kind {
	case domain.StepCommand, domain.StepSendKeys, domain.StepRead:
		fmt.Fprintln(p.out, indent(step.Output))
	default:
		fmt.Fprintf(p.out, "[%s] %s\n", step.Kind, step.Output)
	}
}

func (p *stepPrinter) StateChanged(task domain.Task) {
	if task.State.Finished() {
		fmt.Fprintf(p.out, "task %s\n", task.State)
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
