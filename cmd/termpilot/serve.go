package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/termpilot/internal/agent"
	"github.com/ashureev/termpilot/internal/api"
	"github.com/ashureev/termpilot/internal/config"
	"github.com/ashureev/termpilot/internal/identity"
	"github.com/ashureev/termpilot/internal/middleware"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/relay"
	"github.com/ashureev/termpilot/internal/store"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and websocket service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func modelSettings(cfg *config.Config) model.Settings {
	return model.Settings{
		Provider: cfg.Model.Provider,
		Name:     cfg.Model.Name,
		APIKey:   cfg.Model.GeminiAPIKey,
		GRPCAddr: cfg.Model.GRPCAddr,
	}
}

// modelHealth reports the configured model through its health check, when it
// has one.
type modelHealth struct {
	factory  *model.Factory
	settings model.Settings
}

func (h modelHealth) Ping(ctx context.Context) error {
	m, err := h.factory.Get(ctx, h.settings)
	if err != nil {
		return err
	}
	if checker, ok := m.(interface{ Health(context.Context) error }); ok {
		return checker.Health(ctx)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model_provider", cfg.Model.Provider)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected")

	store.StartRetentionWorker(ctx, repo, cfg.TaskRetention, logger)

	models := model.NewFactory(model.NewMapCache(), logger)
	defer func() {
		if resetErr := models.Reset(); resetErr != nil {
			logger.Warn("Failed to close model clients", "error", resetErr)
		}
	}()

	dockerCfg := cfg.Terminal.Docker
	dialer := &terminal.Dialer{
		KnownHostsPath: cfg.Terminal.KnownHostsPath,
		ExecUser:       dockerCfg.ExecUser,
		DockerAccess: terminal.DockerAccess{
			Containers: dockerCfg.AllowedContainers,
			Label:      dockerCfg.AllowLabel,
		},
		Logger: logger,
	}
	if dockerCfg.Enabled {
		docker, err := terminal.NewDockerClient()
		if err != nil {
			return fmt.Errorf("docker exec terminals enabled: %w", err)
		}
		defer docker.Close()
		dialer.Docker = docker
		logger.Info("Docker exec terminals enabled",
			"exec_user", dockerCfg.ExecUser,
			"allowed_containers", len(dockerCfg.AllowedContainers),
			"allow_label", dockerCfg.AllowLabel,
		)
	}

	terminals := terminal.NewRegistry(logger)
	defer terminals.CloseAll()

	svc := agent.NewService(models, terminals, repo, agent.ServiceConfig{
		Model:         modelSettings(cfg),
		MaxTurns:      cfg.Agent.MaxTurns,
		StopOnTimeout: cfg.Agent.StopOnTimeout,
	}, logger)

	agentHandler := agent.NewHandler(svc, terminals, dialer, repo, cfg, logger)
	defer agentHandler.Close()

	relays := relay.NewManager(relay.Config{
		MaxSessions: cfg.Relay.MaxSessions,
		SessionTTL:  cfg.Relay.SessionTTL,
	}, logger)
	defer relays.Close()

	healthHandler := api.NewHealthHandler(api.HealthDeps{
		Store:     repo,
		Model:     modelHealth{factory: models, settings: modelSettings(cfg)},
		Terminals: terminals,
		Relay:     relays,
		Agents:    svc,
	}, logger)
	wsHandler := terminal.NewWebSocketHandler(terminals, cfg.FrontendURL, cfg.IsDevelopment(), logger)
	relayHandler := relay.NewHandler(relays, terminals, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	agentHandler.RegisterRoutes(r)
	r.Get("/ws/terminal", wsHandler.ServeHTTP)
	r.Get("/ws/relay", relayHandler.ServeHTTP)

	// SSE streams stay open, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	svc.Close(shutdownCtx)
	agentHandler.Close()
	relays.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server stopped successfully")
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
