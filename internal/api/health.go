package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports a number of live objects.
type Counter interface {
	Count() int
}

// AgentCounter reports agent sessions and how many have a task in flight.
type AgentCounter interface {
	Count() (total, busy int)
}

// HealthDeps are the components the health endpoint reports on. Nil members
// are skipped.
type HealthDeps struct {
	Store     Pinger
	Model     Pinger
	Terminals Counter
	Relay     Counter
	Agents    AgentCounter
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	deps   HealthDeps
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps HealthDeps, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{deps: deps, logger: logger}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if h.deps.Store != nil {
		if err := h.deps.Store.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "dependency", "database", "error", err)
			checks["database"] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if h.deps.Model != nil {
		if err := h.deps.Model.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", "dependency", "model", "error", err)
			checks["model"] = "unreachable"
			status = "degraded"
		} else {
			checks["model"] = "ok"
		}
	}

	counts := map[string]int{}
	if h.deps.Terminals != nil {
		counts["terminals"] = h.deps.Terminals.Count()
	}
	if h.deps.Relay != nil {
		counts["relay_sessions"] = h.deps.Relay.Count()
	}
	if h.deps.Agents != nil {
		total, busy := h.deps.Agents.Count()
		counts["agent_sessions"] = total
		counts["agent_tasks_running"] = busy
	}

	JSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
		"counts": counts,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
