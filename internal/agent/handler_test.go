package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/termpilot/internal/config"
	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/identity"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/go-chi/chi/v5"
)

type fakeDialer struct {
	err error
}

func (d *fakeDialer) Dial(context.Context, terminal.DialRequest) (terminal.Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	return newIdleTransport(), nil
}

type handlerEnv struct {
	svc    *Service
	reg    *terminal.Registry
	repo   *memRepo
	dialer *fakeDialer
	router http.Handler
}

// withUser injects a fixed identity; requests without the X-Test-User
// header stay anonymous.
func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get("X-Test-User"); u != "" {
			r = r.WithContext(identity.WithIdentity(r.Context(), u, "s1"))
		}
		next.ServeHTTP(w, r)
	})
}

func newHandlerEnv(t *testing.T, m model.Model, mutate func(*config.Config)) *handlerEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.RateLimit.Requests = 100
	cfg.RateLimit.Window = time.Minute
	cfg.Terminal.CommandTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	repo := newMemRepo()
	svc, reg, _ := newTestService(m, repo)
	dialer := &fakeDialer{}
	h := NewHandler(svc, reg, dialer, repo, cfg, slog.New(slog.DiscardHandler))

	r := chi.NewRouter()
	r.Use(withUser)
	h.RegisterRoutes(r)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
		h.Close()
		reg.CloseAll()
	})
	return &handlerEnv{svc: svc, reg: reg, repo: repo, dialer: dialer, router: r}
}

func (e *handlerEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Test-User", "u1")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func textModel(text string) *scriptedModel {
	return &scriptedModel{replies: []replyFunc{reply(model.Part{Text: text})}}
}

func blockingModel() *scriptedModel {
	return &scriptedModel{replies: []replyFunc{func(ctx context.Context, _ model.Request) (*model.Response, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}}}
}

func TestHandleConnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dialErr  error
		wantCode int
	}{
		{name: "connected", wantCode: http.StatusOK},
		{name: "invalid config", dialErr: fmt.Errorf("%w: ssh host is required", terminal.ErrInvalidConfig), wantCode: http.StatusBadRequest},
		{name: "unsupported transport", dialErr: fmt.Errorf("%w: telnet", terminal.ErrUnsupportedTransport), wantCode: http.StatusBadRequest},
		{name: "container stopped", dialErr: terminal.ErrContainerNotRunning, wantCode: http.StatusNotFound},
		{name: "container not allowed", dialErr: fmt.Errorf("%w: tenant-db", terminal.ErrContainerNotAllowed), wantCode: http.StatusForbidden},
		{name: "unreachable host", dialErr: errors.New("dial tcp: connection refused"), wantCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newHandlerEnv(t, textModel("ok"), nil)
			env.dialer.err = tt.dialErr

			w := env.do(t, http.MethodPost, "/api/terminal/connect", `{"transport":"ssh","ssh":{"host":"h","user":"u","password":"p"}}`)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if connected := env.reg.Get("u1", "s1") != nil; connected != (tt.dialErr == nil) {
				t.Errorf("registered = %v, want %v", connected, tt.dialErr == nil)
			}
		})
	}
}

func TestHandleConnectBadBody(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("ok"), nil)
	if w := env.do(t, http.MethodPost, "/api/terminal/connect", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleUnauthorized(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("ok"), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/agent/state", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleTaskRequiresTerminal(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("ok"), nil)
	w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"list files"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if got := decodeBody[map[string]string](t, w)["error"]; got != "terminal_not_connected" {
		t.Errorf("error = %q", got)
	}
}

func TestHandleTaskLifecycle(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("All done."), nil)
	if w := env.do(t, http.MethodPost, "/api/terminal/connect", `{"transport":"docker","docker":{"container_id":"c1"}}`); w.Code != http.StatusOK {
		t.Fatalf("connect status = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"   "}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"say done"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("task status = %d: %s", w.Code, w.Body.String())
	}
	task := decodeBody[domain.Task](t, w)
	if task.Prompt != "say done" || task.State != domain.StateRunning {
		t.Errorf("task = %+v", task)
	}

	waitForState(t, env.svc.Lookup("u1", "s1"), domain.StateCompleted)

	state := decodeBody[stateResponse](t, env.do(t, http.MethodGet, "/api/agent/state", ""))
	if state.State != domain.StateCompleted || !state.Connected || !state.CanRetry {
		t.Errorf("state = %+v", state)
	}
	if len(state.Steps) != 1 || state.Steps[0].Output != "All done." {
		t.Errorf("steps = %+v", state.Steps)
	}

	if w := env.do(t, http.MethodPost, "/api/agent/retry", ""); w.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", w.Code)
	}
	waitForState(t, env.svc.Lookup("u1", "s1"), domain.StateCompleted)

	list := decodeBody[[]domain.Task](t, env.do(t, http.MethodGet, "/api/agent/tasks?limit=10", ""))
	if len(list) != 2 {
		t.Fatalf("tasks = %d, want 2", len(list))
	}

	detail := decodeBody[taskDetail](t, env.do(t, http.MethodGet, "/api/agent/tasks/"+task.ID, ""))
	if detail.Task == nil || detail.Task.ID != task.ID || len(detail.Steps) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	if w := env.do(t, http.MethodPost, "/api/terminal/disconnect", ""); w.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d", w.Code)
	}
	if env.reg.Get("u1", "s1") != nil {
		t.Error("terminal still registered after disconnect")
	}
}

func TestHandleTaskLimits(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("ok"), nil)
	if w := env.do(t, http.MethodGet, "/api/agent/tasks?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/agent/tasks/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", w.Code)
	}

	other := &domain.Task{ID: "t-other", UserID: "u2", SessionID: "s1", Prompt: "x", State: domain.StateCompleted, StartedAt: time.Now()}
	_ = env.repo.CreateTask(context.Background(), other)
	if w := env.do(t, http.MethodGet, "/api/agent/tasks/t-other", ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign task status = %d, want 404", w.Code)
	}

	big := `{"prompt":"` + strings.Repeat("a", defaultMaxRequestBodySize) + `"}`
	if w := env.do(t, http.MethodPost, "/api/agent/task", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", w.Code)
	}
}

func TestHandleRateLimit(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("ok"), func(c *config.Config) { c.RateLimit.Requests = 1 })
	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"a"}`); w.Code != http.StatusConflict {
		t.Fatalf("first status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"a"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", w.Code)
	}
}

func TestHandleControls(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, blockingModel(), nil)

	idle := decodeBody[controlResponse](t, env.do(t, http.MethodPost, "/api/agent/pause", ""))
	if idle.Changed || idle.State != string(domain.StateIdle) {
		t.Errorf("pause with no session = %+v", idle)
	}

	connect(t, env.reg, "u1", "s1")
	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"hang"}`); w.Code != http.StatusAccepted {
		t.Fatalf("task status = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"again"}`); w.Code != http.StatusConflict {
		t.Errorf("second task status = %d, want 409", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/agent/new", ""); w.Code != http.StatusConflict {
		t.Errorf("new chat while running status = %d, want 409", w.Code)
	}

	paused := decodeBody[controlResponse](t, env.do(t, http.MethodPost, "/api/agent/pause", ""))
	if !paused.Changed {
		t.Errorf("pause = %+v, want changed", paused)
	}
	resumed := decodeBody[controlResponse](t, env.do(t, http.MethodPost, "/api/agent/resume", ""))
	if !resumed.Changed {
		t.Errorf("resume = %+v, want changed", resumed)
	}

	stopped := decodeBody[controlResponse](t, env.do(t, http.MethodPost, "/api/agent/stop", ""))
	if !stopped.Changed {
		t.Errorf("stop = %+v, want changed", stopped)
	}
	waitForState(t, env.svc.Lookup("u1", "s1"), domain.StateAborted)

	fresh := decodeBody[controlResponse](t, env.do(t, http.MethodPost, "/api/agent/new", ""))
	if !fresh.Changed || fresh.State != string(domain.StateIdle) {
		t.Errorf("new chat = %+v", fresh)
	}
	if view := env.svc.Lookup("u1", "s1").View(); len(view.Steps) != 0 || view.CanRetry {
		t.Errorf("view after new chat = %+v", view)
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t, textModel("streamed"), nil)
	connect(t, env.reg, "u1", "s1")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/agent/stream", nil)
	req.Header.Set("X-Test-User", "u1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan [2]string, 32)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var event string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{event, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()

	next := func() [2]string {
		t.Helper()
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream event")
		}
		return [2]string{}
	}

	first := next()
	if first[0] != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", first[0])
	}
	var snap stateResponse
	if err := json.Unmarshal([]byte(first[1]), &snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateIdle || !snap.Connected {
		t.Errorf("snapshot = %+v", snap)
	}

	if w := env.do(t, http.MethodPost, "/api/agent/task", `{"prompt":"go"}`); w.Code != http.StatusAccepted {
		t.Fatalf("task status = %d", w.Code)
	}

	for {
		ev := next()
		if ev[0] != string(EventState) {
			continue
		}
		var got Event
		if err := json.NewDecoder(bytes.NewReader([]byte(ev[1]))).Decode(&got); err != nil {
			t.Fatalf("state event: %v", err)
		}
		if got.Task != nil && got.Task.State == domain.StateCompleted {
			return
		}
	}
}

func TestSSEMessageQueue(t *testing.T) {
	t.Parallel()

	q := NewSSEMessageQueue(3)
	for i := int64(1); i <= 5; i++ {
		q.Enqueue(i, &Event{Type: EventStep, UserID: "u1", SessionID: "s1"})
	}
	q.Enqueue(6, &Event{Type: EventStep, UserID: "u2", SessionID: "s1"})

	missed := q.GetMissedMessages("u1", "s1", 3)
	if len(missed) != 2 || missed[0].EventID != 4 || missed[1].EventID != 5 {
		t.Fatalf("missed = %+v", missed)
	}
	if all := q.GetMissedMessages("u1", "s1", 0); len(all) != 3 {
		t.Errorf("retained = %d, want 3", len(all))
	}

	q.Prune("u1", "s1")
	if got := q.GetMissedMessages("u1", "s1", 0); got != nil {
		t.Errorf("after prune = %+v", got)
	}
	if got := q.GetMissedMessages("u2", "s1", 0); len(got) != 1 {
		t.Errorf("other session = %+v", got)
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first two requests rejected")
	}
	if rl.Allow("u1") {
		t.Error("third request allowed")
	}
	if !rl.Allow("u2") {
		t.Error("other user throttled")
	}
	rl.Stop()
}
