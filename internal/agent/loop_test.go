package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/terminal"
)

type replyFunc func(ctx context.Context, req model.Request) (*model.Response, error)

// scriptedModel answers the n-th Generate call with replies[n]; the last
// reply repeats.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []replyFunc
	requests []model.Request
}

func (m *scriptedModel) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	m.mu.Lock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	fn := m.replies[i]
	m.mu.Unlock()
	return fn(ctx, req)
}

func (m *scriptedModel) Close() error { return nil }

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func reply(parts ...model.Part) replyFunc {
	return func(context.Context, model.Request) (*model.Response, error) {
		return &model.Response{Parts: parts}, nil
	}
}

func call(name string, args map[string]any) replyFunc {
	return reply(model.Part{FunctionCall: &model.FunctionCall{Name: name, Args: args}})
}

type fakeTerminal struct {
	mu       sync.Mutex
	run      func(ctx context.Context, cmd string) terminal.Result
	commands []string
	keys     []string
	aborts   int
	snapshot string
}

func (f *fakeTerminal) RunCommand(ctx context.Context, cmd string) terminal.Result {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(ctx, cmd)
	}
	return terminal.Result{Output: "ok", Status: terminal.StatusDone}
}

func (f *fakeTerminal) SendKeys(_ context.Context, keys string) terminal.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys)
	return terminal.Result{Output: "(no output)", Status: terminal.StatusDone}
}

func (f *fakeTerminal) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
}

func (f *fakeTerminal) Snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

type recordingObserver struct {
	mu     sync.Mutex
	tasks  []domain.Task
	steps  []domain.Step
	states []domain.TaskState
}

func (o *recordingObserver) TaskStarted(task domain.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, task)
}

func (o *recordingObserver) StepChanged(_ domain.Task, step domain.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *recordingObserver) StateChanged(task domain.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, task.State)
}

func (o *recordingObserver) sawState(state domain.TaskState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.states {
		if s == state {
			return true
		}
	}
	return false
}

func newTestSession(m model.Model, term Terminal, obs Observer, mutate func(*Config)) *Session {
	cfg := Config{Model: m, MaxTurns: DefaultMaxTurns, StopOnTimeout: true}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSession(Owner{UserID: "u1", SessionID: "s1"}, term, cfg, obs, slog.New(slog.DiscardHandler))
}

func runTask(t *testing.T, s *Session, prompt string) domain.TaskState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.Run(ctx, prompt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return state
}

func waitForState(t *testing.T, s *Session, want domain.TaskState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func wait(t *testing.T, s *Session) domain.TaskState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return state
}

func lastStep(t *testing.T, s *Session) domain.Step {
	t.Helper()
	steps := s.View().Steps
	if len(steps) == 0 {
		t.Fatal("no steps recorded")
	}
	return steps[len(steps)-1]
}

func countSteps(steps []domain.Step, kind domain.StepKind) int {
	n := 0
	for _, st := range steps {
		if st.Kind == kind {
			n++
		}
	}
	return n
}

func TestListFilesScenario(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{
		call(model.ToolRunCommand, map[string]any{"command": "ls"}),
		call(model.ToolTaskComplete, map[string]any{"summary": "Listed files: a.txt, b.txt"}),
	}}
	term := &fakeTerminal{run: func(context.Context, string) terminal.Result {
		return terminal.Result{Output: "a.txt\nb.txt", Status: terminal.StatusDone}
	}}
	s := newTestSession(m, term, nil, nil)

	if state := runTask(t, s, "list files"); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if m.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", m.calls())
	}

	second := m.request(1).History
	if len(second) != 3 {
		t.Fatalf("second request history = %d turns, want 3", len(second))
	}
	resp := second[2].Parts[0].FunctionResponse
	if second[2].Role != model.RoleUser || resp == nil || resp.Response["output"] != "a.txt\nb.txt" {
		t.Errorf("tool result turn = %+v", second[2])
	}

	view := s.View()
	if n := countSteps(view.Steps, domain.StepComplete); n != 1 {
		t.Errorf("complete steps = %d, want 1", n)
	}
	if view.Steps[0].Kind != domain.StepCommand || view.Steps[0].Output != "a.txt\nb.txt" || view.Steps[0].Status != domain.StepDone {
		t.Errorf("command step = %+v", view.Steps[0])
	}
	if got := len(s.History()); got != 5 {
		t.Errorf("history = %d turns, want 5", got)
	}
}

func TestPlainTextEndsTask(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{reply(model.Part{Text: "Nothing to do."})}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if state := runTask(t, s, "hello"); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if st := lastStep(t, s); st.Kind != domain.StepMessage || st.Output != "Nothing to do." {
		t.Errorf("last step = %+v", st)
	}
	h := s.History()
	if len(h) != 2 || h[1].Role != model.RoleModel || h[1].Parts[0].Text != "Nothing to do." {
		t.Errorf("history = %+v", h)
	}
}

func TestMaxTurnsIsAHardLimit(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{call(model.ToolRunCommand, map[string]any{"command": "true"})}}
	s := newTestSession(m, &fakeTerminal{}, nil, func(c *Config) { c.MaxTurns = 3 })

	if state := runTask(t, s, "loop forever"); state != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", state)
	}
	if m.calls() != 3 {
		t.Errorf("model calls = %d, want 3", m.calls())
	}
	if st := lastStep(t, s); st.Kind != domain.StepAborted {
		t.Errorf("last step = %+v, want aborted marker", st)
	}
}

func TestPauseThenStopAborts(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	m := &scriptedModel{replies: []replyFunc{
		func(context.Context, model.Request) (*model.Response, error) {
			close(entered)
			<-release
			return &model.Response{Parts: []model.Part{{FunctionCall: &model.FunctionCall{
				Name: model.ToolRunCommand, Args: map[string]any{"command": "ls"},
			}}}}, nil
		},
	}}
	obs := &recordingObserver{}
	s := newTestSession(m, &fakeTerminal{}, obs, nil)

	if _, err := s.Start(context.Background(), "list files"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	if !s.Pause() {
		t.Fatal("Pause returned false while running")
	}
	close(release)
	waitForState(t, s, domain.StatePaused)

	if !s.Stop() {
		t.Fatal("Stop returned false while paused")
	}
	if state := wait(t, s); state != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", state)
	}
	if m.calls() != 1 {
		t.Errorf("model calls = %d, want 1", m.calls())
	}
	if st := lastStep(t, s); st.Kind != domain.StepAborted || st.Output != "Stopped by user." {
		t.Errorf("last step = %+v", st)
	}
	if !obs.sawState(domain.StatePaused) {
		t.Error("observer never saw paused")
	}
}

func TestPauseResumeContinues(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	m := &scriptedModel{replies: []replyFunc{
		func(context.Context, model.Request) (*model.Response, error) {
			close(entered)
			<-release
			return &model.Response{Parts: []model.Part{{FunctionCall: &model.FunctionCall{
				Name: model.ToolRunCommand, Args: map[string]any{"command": "ls"},
			}}}}, nil
		},
		call(model.ToolTaskComplete, map[string]any{"summary": "done"}),
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if _, err := s.Start(context.Background(), "list files"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	s.Pause()
	if v := s.View(); v.State != domain.StateRunning || !v.PausePending {
		t.Errorf("view before the loop parks = %s pending=%v, want running with pause pending", v.State, v.PausePending)
	}
	close(release)
	waitForState(t, s, domain.StatePaused)
	if m.calls() != 1 {
		t.Fatalf("model called while paused: %d", m.calls())
	}
	if s.View().PausePending {
		t.Error("pause still pending once parked")
	}

	if !s.Resume() {
		t.Fatal("Resume returned false while paused")
	}
	if state := wait(t, s); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if m.calls() != 2 {
		t.Errorf("model calls = %d, want 2", m.calls())
	}
}

func TestStopInterruptsModelCall(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	m := &scriptedModel{replies: []replyFunc{
		func(ctx context.Context, _ model.Request) (*model.Response, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if _, err := s.Start(context.Background(), "slow"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered
	s.Stop()

	if state := wait(t, s); state != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", state)
	}
	steps := s.View().Steps
	if countSteps(steps, domain.StepError) != 0 {
		t.Errorf("unexpected error step: %+v", steps)
	}
	if st := lastStep(t, s); st.Kind != domain.StepAborted {
		t.Errorf("last step = %+v", st)
	}
}

func TestStopAbortsCapture(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	term := &fakeTerminal{run: func(ctx context.Context, _ string) terminal.Result {
		close(started)
		<-ctx.Done()
		return terminal.Result{Output: "(aborted by user)", Status: terminal.StatusAborted}
	}}
	m := &scriptedModel{replies: []replyFunc{call(model.ToolRunCommand, map[string]any{"command": "sleep 100"})}}
	s := newTestSession(m, term, nil, nil)

	if _, err := s.Start(context.Background(), "sleep"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	s.Stop()

	if state := wait(t, s); state != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", state)
	}
	term.mu.Lock()
	aborts := term.aborts
	term.mu.Unlock()
	if aborts == 0 {
		t.Error("terminal capture was not aborted")
	}
	h := s.History()
	if len(h) != 3 || h[2].Parts[0].FunctionResponse == nil {
		t.Errorf("history should end with the tool result: %+v", h)
	}
}

func TestTimeoutEscalationStops(t *testing.T) {
	t.Parallel()

	term := &fakeTerminal{run: func(context.Context, string) terminal.Result {
		return terminal.Result{Output: "Password:", Status: terminal.StatusTimeout}
	}}
	m := &scriptedModel{replies: []replyFunc{call(model.ToolRunCommand, map[string]any{"command": "sudo true"})}}
	s := newTestSession(m, term, nil, nil)

	if state := runTask(t, s, "sudo"); state != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", state)
	}
	if m.calls() != 1 {
		t.Errorf("model calls = %d, want 1", m.calls())
	}
	steps := s.View().Steps
	if len(steps) != 3 {
		t.Fatalf("steps = %+v, want command, note, aborted", steps)
	}
	if steps[0].Status != domain.StepTimeout || steps[1].Kind != domain.StepNote || steps[2].Kind != domain.StepAborted {
		t.Errorf("steps = %+v", steps)
	}
}

func TestTimeoutWithoutEscalationContinues(t *testing.T) {
	t.Parallel()

	term := &fakeTerminal{run: func(context.Context, string) terminal.Result {
		return terminal.Result{Output: "still running", Status: terminal.StatusTimeout}
	}}
	m := &scriptedModel{replies: []replyFunc{
		call(model.ToolRunCommand, map[string]any{"command": "make"}),
		call(model.ToolTaskComplete, map[string]any{"summary": "gave up"}),
	}}
	s := newTestSession(m, term, nil, func(c *Config) { c.StopOnTimeout = false })

	if state := runTask(t, s, "build"); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if m.calls() != 2 {
		t.Errorf("model calls = %d, want 2", m.calls())
	}
}

func TestModelErrorMarksErrored(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{
		func(context.Context, model.Request) (*model.Response, error) {
			return nil, errors.New("quota exceeded")
		},
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if state := runTask(t, s, "anything"); state != domain.StateErrored {
		t.Fatalf("state = %s, want errored", state)
	}
	if st := lastStep(t, s); st.Kind != domain.StepError {
		t.Errorf("last step = %+v", st)
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{
		func(context.Context, model.Request) (*model.Response, error) {
			panic("bad collaborator")
		},
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if state := runTask(t, s, "anything"); state != domain.StateErrored {
		t.Fatalf("state = %s, want errored", state)
	}
	if st := lastStep(t, s); st.Kind != domain.StepError {
		t.Errorf("last step = %+v", st)
	}
}

func TestUnknownToolHalts(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{call("format_disk", nil)}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	if state := runTask(t, s, "clean up"); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if st := lastStep(t, s); st.Kind != domain.StepMessage {
		t.Errorf("last step = %+v", st)
	}
	h := s.History()
	resp := h[len(h)-1].Parts[0].FunctionResponse
	if resp == nil || resp.Response["error"] == nil {
		t.Errorf("last turn should be an error result: %+v", h[len(h)-1])
	}
}

func TestAskUserAndReadTerminal(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{
		call(model.ToolReadTerminal, map[string]any{"reasoning": "look first"}),
		call(model.ToolSendKeys, map[string]any{"keys": "q"}),
		call(model.ToolAskUser, map[string]any{"question": "Which file?"}),
	}}
	term := &fakeTerminal{snapshot: "$ less notes.txt"}
	s := newTestSession(m, term, nil, nil)

	if state := runTask(t, s, "edit notes"); state != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	steps := s.View().Steps
	if len(steps) != 3 {
		t.Fatalf("steps = %+v", steps)
	}
	if steps[0].Kind != domain.StepRead || steps[0].Output != "$ less notes.txt" || steps[0].Reasoning != "look first" {
		t.Errorf("read step = %+v", steps[0])
	}
	if steps[1].Kind != domain.StepSendKeys || steps[1].Command != "q" {
		t.Errorf("keys step = %+v", steps[1])
	}
	if steps[2].Kind != domain.StepQuestion || steps[2].Output != "Which file?" {
		t.Errorf("question step = %+v", steps[2])
	}
	if len(term.keys) != 1 || term.keys[0] != "q" {
		t.Errorf("keys sent = %v", term.keys)
	}
}

func TestControlsWhenIdle(t *testing.T) {
	t.Parallel()

	s := newTestSession(&scriptedModel{replies: []replyFunc{reply(model.Part{Text: "hi"})}}, &fakeTerminal{}, nil, nil)

	if s.Pause() {
		t.Error("Pause on idle session returned true")
	}
	if s.Resume() {
		t.Error("Resume on idle session returned true")
	}
	if s.Stop() {
		t.Error("Stop on idle session returned true")
	}
	if s.State() != domain.StateIdle {
		t.Errorf("state = %s, want idle", s.State())
	}
	if _, err := s.Retry(context.Background()); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("Retry = %v, want ErrNoPrompt", err)
	}
	if _, err := s.Start(context.Background(), "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("Start blank = %v, want ErrEmptyPrompt", err)
	}
}

func TestRetryStartsFromEmptyHistory(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{reply(model.Part{Text: "done"})}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	runTask(t, s, "first")
	runTask(t, s, "second")
	if got := len(m.request(1).History); got != 3 {
		t.Fatalf("second task history = %d turns, want 3", got)
	}

	if _, err := s.Retry(context.Background()); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	wait(t, s)
	retried := m.request(2).History
	if len(retried) != 1 || retried[0].Parts[0].Text != "second" {
		t.Errorf("retry history = %+v, want just the last prompt", retried)
	}
	if n := len(s.View().Steps); n != 1 {
		t.Errorf("steps after retry = %d, want 1", n)
	}
}

func TestRetryAndNewChatRejectedWhileRunning(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	m := &scriptedModel{replies: []replyFunc{
		func(ctx context.Context, _ model.Request) (*model.Response, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)
	if _, err := s.Start(context.Background(), "work"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-entered

	if _, err := s.Retry(context.Background()); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("Retry = %v, want ErrTaskRunning", err)
	}
	if _, err := s.Start(context.Background(), "more"); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("Start = %v, want ErrTaskRunning", err)
	}
	if err := s.NewChat(); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("NewChat = %v, want ErrTaskRunning", err)
	}

	s.Stop()
	wait(t, s)

	if err := s.NewChat(); err != nil {
		t.Fatalf("NewChat: %v", err)
	}
	v := s.View()
	if v.State != domain.StateIdle || len(v.Steps) != 0 || v.CanRetry || v.Task != nil {
		t.Errorf("view after NewChat = %+v", v)
	}
	if len(s.History()) != 0 {
		t.Error("history not cleared")
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []replyFunc{
		func(ctx context.Context, _ model.Request) (*model.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	s := newTestSession(m, &fakeTerminal{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	state, err := s.Run(ctx, "hang")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state != domain.StateAborted {
		t.Errorf("state = %s, want aborted", state)
	}
}

func TestObserverSeesTaskLifecycle(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m := &scriptedModel{replies: []replyFunc{
		call(model.ToolRunCommand, map[string]any{"command": "ls"}),
		call(model.ToolTaskComplete, map[string]any{"summary": "ok"}),
	}}
	s := newTestSession(m, &fakeTerminal{}, obs, nil)
	runTask(t, s, "list")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.tasks) != 1 || obs.tasks[0].Prompt != "list" {
		t.Errorf("tasks = %+v", obs.tasks)
	}
	// command created, command resolved, completion.
	if len(obs.steps) != 3 || obs.steps[0].Status != domain.StepRunning || obs.steps[1].Status != domain.StepDone {
		t.Errorf("steps = %+v", obs.steps)
	}
	if obs.states[0] != domain.StateRunning || obs.states[len(obs.states)-1] != domain.StateCompleted {
		t.Errorf("states = %v", obs.states)
	}
}
