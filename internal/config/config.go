// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers.
const (
	ProviderGemini = "gemini"
	ProviderGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    string

	Model    ModelConfig
	Agent    AgentConfig
	Terminal TerminalConfig
	Relay    RelayConfig

	TaskRetention time.Duration
	RateLimit     RateLimitConfig
}

// ModelConfig selects and configures the LLM backend.
type ModelConfig struct {
	Provider     string
	Name         string
	GeminiAPIKey string
	GRPCAddr     string
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxTurns      int
	StopOnTimeout bool
}

// TerminalConfig configures terminal connections and captures.
type TerminalConfig struct {
	CommandTimeout  time.Duration
	KeysDwell       time.Duration
	ScrollbackBytes int
	CaptureMaxBytes int
	KnownHostsPath  string
	Docker          DockerConfig
}

// DockerConfig gates docker exec terminals. Exec sessions always run as
// ExecUser and only reach containers listed in AllowedContainers or carrying
// AllowLabel.
type DockerConfig struct {
	Enabled           bool
	ExecUser          string
	AllowedContainers []string
	AllowLabel        string
}

// RelayConfig bounds the terminal sharing relay.
type RelayConfig struct {
	MaxSessions int
	SessionTTL  time.Duration
}

// RateLimitConfig limits task submissions per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/termpilot.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Model: ModelConfig{
			Provider:     strings.ToLower(getEnv("MODEL_PROVIDER", ProviderGemini)),
			Name:         getEnv("MODEL_NAME", "gemini-2.5-flash"),
			GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
			GRPCAddr:     getEnv("MODEL_GRPC_ADDR", "localhost:50051"),
		},
		Agent: AgentConfig{
			MaxTurns:      getEnvInt("AGENT_MAX_TURNS", 20),
			StopOnTimeout: getEnvBool("AGENT_STOP_ON_TIMEOUT", true),
		},
		Terminal: TerminalConfig{
			CommandTimeout:  getEnvDuration("CAPTURE_COMMAND_TIMEOUT", 30*time.Second),
			KeysDwell:       getEnvDuration("CAPTURE_KEYS_DWELL", 3*time.Second),
			ScrollbackBytes: getEnvInt("SCROLLBACK_BYTES", 64*1024),
			CaptureMaxBytes: getEnvInt("CAPTURE_MAX_BYTES", 64*1024),
			KnownHostsPath:  getEnv("SSH_KNOWN_HOSTS", ""),
			Docker: DockerConfig{
				Enabled:           getEnvBool("DOCKER_ENABLED", false),
				ExecUser:          getEnv("DOCKER_EXEC_USER", "1000"),
				AllowedContainers: getEnvList("DOCKER_ALLOWED_CONTAINERS"),
				AllowLabel:        getEnv("DOCKER_ALLOW_LABEL", "termpilot.allow=true"),
			},
		},
		Relay: RelayConfig{
			MaxSessions: getEnvInt("RELAY_MAX_SESSIONS", 10),
			SessionTTL:  getEnvDuration("RELAY_SESSION_TTL", 30*time.Minute),
		},
		TaskRetention: getEnvDuration("TASK_RETENTION", 7*24*time.Hour),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Model.Provider {
	case ProviderGemini:
		if c.Model.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when MODEL_PROVIDER=%s", ProviderGemini)
		}
	case ProviderGRPC:
		if c.Model.GRPCAddr == "" {
			return fmt.Errorf("MODEL_GRPC_ADDR is required when MODEL_PROVIDER=%s", ProviderGRPC)
		}
	default:
		return fmt.Errorf("MODEL_PROVIDER must be %q or %q, got %q", ProviderGemini, ProviderGRPC, c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("AGENT_MAX_TURNS must be > 0")
	}
	if c.Terminal.CommandTimeout <= 0 || c.Terminal.KeysDwell <= 0 {
		return fmt.Errorf("CAPTURE_COMMAND_TIMEOUT and CAPTURE_KEYS_DWELL must be > 0")
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("SCROLLBACK_BYTES must be > 0")
	}
	if c.Terminal.CaptureMaxBytes <= 0 {
		return fmt.Errorf("CAPTURE_MAX_BYTES must be > 0")
	}
	if d := c.Terminal.Docker; d.Enabled {
		if d.ExecUser == "" {
			return fmt.Errorf("DOCKER_EXEC_USER is required when DOCKER_ENABLED is set")
		}
		if len(d.AllowedContainers) == 0 && d.AllowLabel == "" {
			return fmt.Errorf("DOCKER_ALLOWED_CONTAINERS or DOCKER_ALLOW_LABEL is required when DOCKER_ENABLED is set")
		}
	}
	if c.Relay.MaxSessions <= 0 {
		return fmt.Errorf("RELAY_MAX_SESSIONS must be > 0")
	}
	if c.Relay.SessionTTL <= 0 {
		return fmt.Errorf("RELAY_SESSION_TTL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
