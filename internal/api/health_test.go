package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type staticCounter int

func (c staticCounter) Count() int { return int(c) }

type agentCounter struct{ total, busy int }

func (c agentCounter) Count() (int, int) { return c.total, c.busy }

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Counts map[string]int    `json:"counts"`
}

func getHealth(t *testing.T, deps HealthDeps) (int, healthBody) {
	t.Helper()
	r := chi.NewRouter()
	NewHealthHandler(deps, slog.New(slog.DiscardHandler)).RegisterHealth(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, body
}

func TestHealthHealthy(t *testing.T) {
	t.Parallel()

	ok := pingerFunc(func(context.Context) error { return nil })
	code, body := getHealth(t, HealthDeps{
		Store:     ok,
		Model:     ok,
		Terminals: staticCounter(2),
		Relay:     staticCounter(1),
		Agents:    agentCounter{total: 3, busy: 1},
	})

	if code != http.StatusOK || body.Status != "healthy" {
		t.Fatalf("code = %d, body = %+v", code, body)
	}
	if body.Checks["database"] != "ok" || body.Checks["model"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
	want := map[string]int{"terminals": 2, "relay_sessions": 1, "agent_sessions": 3, "agent_tasks_running": 1}
	for k, v := range want {
		if body.Counts[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, body.Counts[k], v)
		}
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()

	down := pingerFunc(func(context.Context) error { return errors.New("down") })

	code, body := getHealth(t, HealthDeps{Store: down})
	if code != http.StatusServiceUnavailable || body.Checks["database"] != "unreachable" {
		t.Errorf("store down: code = %d, body = %+v", code, body)
	}

	code, body = getHealth(t, HealthDeps{Model: down})
	if code != http.StatusOK || body.Status != "degraded" || body.Checks["model"] != "unreachable" {
		t.Errorf("model down: code = %d, body = %+v", code, body)
	}
}
