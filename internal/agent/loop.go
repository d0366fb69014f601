package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/google/uuid"
)

// DefaultMaxTurns bounds the model calls of a single task.
const DefaultMaxTurns = 20

// readTerminalLines is how much of the screen read_terminal hands the model.
const readTerminalLines = 200

var (
	// ErrTaskRunning is returned when an operation needs the loop to be idle.
	ErrTaskRunning = errors.New("task already running")
	// ErrNoPrompt is returned by Retry before any task was submitted.
	ErrNoPrompt = errors.New("no previous task to retry")
	// ErrEmptyPrompt is returned for a blank task.
	ErrEmptyPrompt = errors.New("task prompt is empty")
	// ErrStopped is the cancellation cause of an operator stop.
	ErrStopped = errors.New("stopped by user")
	// ErrCommandStalled is the cancellation cause when a command timed out
	// and the loop gives control back to the operator.
	ErrCommandStalled = errors.New("command appears to be waiting for input")
)

// Terminal is the capture surface the loop drives.
type Terminal interface {
	RunCommand(ctx context.Context, command string) terminal.Result
	SendKeys(ctx context.Context, keys string) terminal.Result
	Abort()
	Snapshot() string
}

// Observer is told about every task, step and state change. Calls are made
// from the loop goroutine and from control methods and must not block for
// long.
type Observer interface {
	TaskStarted(task domain.Task)
	StepChanged(task domain.Task, step domain.Step)
	StateChanged(task domain.Task)
}

type noopObserver struct{}

func (noopObserver) TaskStarted(domain.Task)              {}
func (noopObserver) StepChanged(domain.Task, domain.Step) {}
func (noopObserver) StateChanged(domain.Task)             {}

// Config configures a Session.
type Config struct {
	Model             model.Model
	ModelName         string
	SystemInstruction string
	Tools             []model.ToolDeclaration
	MaxTurns          int
	StopOnTimeout     bool
}

// Owner identifies whose session this is.
type Owner struct {
	UserID    string
	SessionID string
}

// View is a point-in-time copy of a session.
type View struct {
	State        domain.TaskState `json:"state"`
	Task         *domain.Task     `json:"task,omitempty"`
	Steps        []domain.Step    `json:"steps"`
	CanRetry     bool             `json:"can_retry"`
	PausePending bool             `json:"pause_pending"`
}

// Session runs agent tasks against one terminal. At most one task runs at a
// time; history and steps carry over between tasks until NewChat or Retry.
type Session struct {
	owner    Owner
	term     Terminal
	cfg      Config
	observer Observer
	logger   *slog.Logger
	gate     Gate

	mu         sync.Mutex
	state      domain.TaskState
	task       *domain.Task
	history    []model.Turn
	steps      []domain.Step
	lastPrompt string
	cancel     context.CancelCauseFunc
	done       chan struct{}
}

// NewSession creates an idle session.
func NewSession(owner Owner, term Terminal, cfg Config, observer Observer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Tools == nil {
		cfg.Tools = model.DefaultTools()
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = model.DefaultSystemInstruction
	}
	return &Session{
		owner:    owner,
		term:     term,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With("user_id", owner.UserID, "session_id", owner.SessionID),
		state:    domain.StateIdle,
	}
}

// Start submits a task and runs it in the background. The task outlives ctx;
// use Stop to end it.
func (s *Session) Start(ctx context.Context, prompt string) (domain.Task, error) {
	return s.start(ctx, prompt, false)
}

// Retry runs the most recent task again from an empty history.
func (s *Session) Retry(ctx context.Context) (domain.Task, error) {
	return s.start(ctx, "", true)
}

func (s *Session) start(ctx context.Context, prompt string, retry bool) (domain.Task, error) {
	prompt = strings.TrimSpace(prompt)

	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return domain.Task{}, ErrTaskRunning
	}
	if retry {
		if s.lastPrompt == "" {
			s.mu.Unlock()
			return domain.Task{}, ErrNoPrompt
		}
		prompt = s.lastPrompt
		s.history = nil
		s.steps = nil
	}
	if prompt == "" {
		s.mu.Unlock()
		return domain.Task{}, ErrEmptyPrompt
	}

	task := &domain.Task{
		ID:        uuid.NewString(),
		UserID:    s.owner.UserID,
		SessionID: s.owner.SessionID,
		Prompt:    prompt,
		State:     domain.StateRunning,
		StartedAt: time.Now().UTC(),
	}
	s.task = task
	s.state = domain.StateRunning
	s.lastPrompt = prompt
	s.history = append(s.history, model.TextTurn(model.RoleUser, prompt))
	s.gate.Reset()

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	snapshot := *task
	s.mu.Unlock()

	s.logger.Info("Agent task started", "task_id", task.ID, "retry", retry)
	s.observer.TaskStarted(snapshot)
	s.observer.StateChanged(snapshot)

	go s.run(runCtx, cancel, done)
	return snapshot, nil
}

// Run submits a task and blocks until it finishes. Cancelling ctx stops the
// task.
func (s *Session) Run(ctx context.Context, prompt string) (domain.TaskState, error) {
	if _, err := s.Start(ctx, prompt); err != nil {
		return s.State(), err
	}
	stop := context.AfterFunc(ctx, func() { s.Stop() })
	defer stop()
	return s.Wait(context.Background())
}

// Wait blocks until the current task finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) (domain.TaskState, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return s.State(), nil
	}
	select {
	case <-done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Pause asks the loop to park before its next model call. It reports false
// unless a task is running and not already pausing.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateRunning {
		return false
	}
	return s.gate.Request()
}

// Resume releases a paused loop. It is a no-op when nothing is paused.
func (s *Session) Resume() bool {
	return s.gate.Release()
}

// Stop cancels the running task: the model call is interrupted, any capture
// resolves immediately and a paused loop wakes up to exit. It is a no-op
// when no task is running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	cancel := s.cancel
	busy := s.busyLocked()
	s.mu.Unlock()
	if !busy || cancel == nil {
		return false
	}
	cancel(ErrStopped)
	s.term.Abort()
	s.logger.Info("Agent task stop requested")
	return true
}

// NewChat forgets history, steps and the last prompt.
func (s *Session) NewChat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return ErrTaskRunning
	}
	s.history = nil
	s.steps = nil
	s.lastPrompt = ""
	s.task = nil
	s.state = domain.StateIdle
	s.gate.Reset()
	return nil
}

// State returns the loop state.
func (s *Session) State() domain.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a task is running or paused.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

// View returns a copy of the session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		State:        s.state,
		Steps:        make([]domain.Step, len(s.steps)),
		CanRetry:     s.lastPrompt != "" && !s.busyLocked(),
		PausePending: s.gate.Requested(),
	}
	copy(v.Steps, s.steps)
	if s.task != nil {
		t := *s.task
		v.Task = &t
	}
	return v
}

// History returns a copy of the conversation history.
func (s *Session) History() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneHistory(s.history)
}

func (s *Session) busyLocked() bool {
	return s.state == domain.StateRunning || s.state == domain.StatePaused
}

func (s *Session) run(ctx context.Context, cancel context.CancelCauseFunc, done chan struct{}) {
	defer close(done)
	defer cancel(nil)

	final := s.loop(ctx, cancel)

	s.mu.Lock()
	now := time.Now().UTC()
	s.state = final
	s.cancel = nil
	s.task.State = final
	s.task.EndedAt = &now
	snapshot := *s.task
	s.mu.Unlock()

	s.logger.Info("Agent task finished", "task_id", snapshot.ID, "state", final)
	s.observer.StateChanged(snapshot)
}

func (s *Session) loop(ctx context.Context, cancel context.CancelCauseFunc) domain.TaskState {
	for turn := 0; turn < s.cfg.MaxTurns; turn++ {
		if state, done := s.iterate(ctx, cancel); done {
			return state
		}
	}
	s.addStep(domain.Step{
		Kind:   domain.StepAborted,
		Output: fmt.Sprintf("Stopped after reaching the limit of %d turns.", s.cfg.MaxTurns),
		Status: domain.StepDone,
	})
	return domain.StateAborted
}

func (s *Session) iterate(ctx context.Context, cancel context.CancelCauseFunc) (state domain.TaskState, done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Agent iteration panicked", "panic", r)
			s.addStep(domain.Step{
				Kind:   domain.StepError,
				Output: fmt.Sprintf("Internal error: %v", r),
				Status: domain.StepDone,
			})
			state, done = domain.StateErrored, true
		}
	}()

	if err := s.gate.Wait(ctx, func() { s.setState(domain.StatePaused) }); err != nil {
		return s.abort(err), true
	}
	s.setState(domain.StateRunning)

	if ctx.Err() != nil {
		return s.abort(context.Cause(ctx)), true
	}

	resp, err := s.cfg.Model.Generate(ctx, model.Request{
		Model:             s.cfg.ModelName,
		SystemInstruction: s.cfg.SystemInstruction,
		History:           s.History(),
		Tools:             s.cfg.Tools,
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.abort(context.Cause(ctx)), true
		}
		s.logger.Error("Model request failed", "error", err)
		s.addStep(domain.Step{
			Kind:   domain.StepError,
			Output: "Model request failed: " + err.Error(),
			Status: domain.StepDone,
		})
		return domain.StateErrored, true
	}

	return s.apply(ctx, cancel, resp.Parts, ParseAction(resp.Parts))
}

func (s *Session) apply(ctx context.Context, cancel context.CancelCauseFunc, parts []model.Part, action Action) (domain.TaskState, bool) {
	switch a := action.(type) {
	case Reply:
		text := a.Text
		if text == "" {
			text = "(empty response)"
		}
		s.appendHistory(model.TextTurn(model.RoleModel, text))
		s.addStep(domain.Step{Kind: domain.StepMessage, Output: text, Status: domain.StepDone})
		return domain.StateCompleted, true

	case TaskComplete:
		s.addStep(domain.Step{Kind: domain.StepComplete, Output: a.Summary, Status: domain.StepDone})
		s.appendHistory(callTurn(parts, a.Call), statusResult(a.Call, "completed"))
		return domain.StateCompleted, true

	case RunCommand:
		step := s.addStep(domain.Step{
			Kind:      domain.StepCommand,
			Command:   a.Command,
			Reasoning: a.Reasoning,
			Status:    domain.StepRunning,
		})
		res := s.term.RunCommand(ctx, a.Command)
		s.resolveStep(step.ID, res)
		s.appendHistory(callTurn(parts, a.Call), outputResult(a.Call, res.Output))
		if res.Status == terminal.StatusTimeout && s.cfg.StopOnTimeout {
			s.addStep(domain.Step{
				Kind:   domain.StepNote,
				Output: "The command did not finish in time and may be waiting for input. Stopping so you can take over in the terminal.",
				Status: domain.StepDone,
			})
			cancel(ErrCommandStalled)
		}
		return "", false

	case SendKeys:
		step := s.addStep(domain.Step{
			Kind:      domain.StepSendKeys,
			Command:   a.Keys,
			Reasoning: a.Reasoning,
			Status:    domain.StepRunning,
		})
		res := s.term.SendKeys(ctx, a.Keys)
		s.resolveStep(step.ID, res)
		s.appendHistory(callTurn(parts, a.Call), outputResult(a.Call, res.Output))
		return "", false

	case AskUser:
		s.addStep(domain.Step{
			Kind:      domain.StepQuestion,
			Reasoning: a.Reasoning,
			Output:    a.Question,
			Status:    domain.StepDone,
		})
		s.appendHistory(callTurn(parts, a.Call),
			statusResult(a.Call, "question shown to the user; the answer arrives as the next user message"))
		return domain.StateCompleted, true

	case ReadTerminal:
		out := tailLines(s.term.Snapshot(), readTerminalLines)
		s.addStep(domain.Step{
			Kind:      domain.StepRead,
			Reasoning: a.Reasoning,
			Output:    out,
			Status:    domain.StepDone,
		})
		s.appendHistory(callTurn(parts, a.Call), outputResult(a.Call, out))
		return "", false

	case UnknownTool:
		msg := fmt.Sprintf("The model asked for a tool that does not exist: %s", a.Call.Name)
		if a.Text != "" {
			msg = a.Text + "\n\n" + msg
		}
		s.addStep(domain.Step{Kind: domain.StepMessage, Output: msg, Status: domain.StepDone})
		s.appendHistory(callTurn(parts, a.Call), errorResult(a.Call, "unknown tool "+a.Call.Name))
		return domain.StateCompleted, true
	}

	panic(fmt.Sprintf("unhandled action %T", action))
}

func (s *Session) abort(cause error) domain.TaskState {
	msg := "Stopped: " + cause.Error() + "."
	switch {
	case errors.Is(cause, ErrStopped):
		msg = "Stopped by user."
	case errors.Is(cause, ErrCommandStalled):
		msg = "Stopped: the last command appears to be waiting for input."
	}
	s.addStep(domain.Step{Kind: domain.StepAborted, Output: msg, Status: domain.StepDone})
	return domain.StateAborted
}

func (s *Session) setState(state domain.TaskState) {
	s.mu.Lock()
	if s.state == state || s.task == nil {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.task.State = state
	snapshot := *s.task
	s.mu.Unlock()

	s.observer.StateChanged(snapshot)
}

func (s *Session) appendHistory(turns ...model.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, turns...)
}

func (s *Session) addStep(step domain.Step) domain.Step {
	s.mu.Lock()
	now := time.Now().UTC()
	step.ID = uuid.NewString()
	step.TaskID = s.task.ID
	step.Seq = len(s.steps) + 1
	step.CreatedAt = now
	step.UpdatedAt = now
	s.steps = append(s.steps, step)
	task := *s.task
	s.mu.Unlock()

	s.observer.StepChanged(task, step)
	return step
}

func (s *Session) resolveStep(id string, res terminal.Result) {
	status := domain.StepDone
	if res.Status == terminal.StatusTimeout {
		status = domain.StepTimeout
	}

	s.mu.Lock()
	var step domain.Step
	found := false
	for i := range s.steps {
		if s.steps[i].ID == id {
			s.steps[i].Output = res.Output
			s.steps[i].Status = status
			s.steps[i].UpdatedAt = time.Now().UTC()
			step = s.steps[i]
			found = true
			break
		}
	}
	task := *s.task
	s.mu.Unlock()

	if found {
		s.observer.StepChanged(task, step)
	}
}

func tailLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
