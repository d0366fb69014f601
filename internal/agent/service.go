package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/identity"
	"github.com/ashureev/termpilot/internal/model"
	"github.com/ashureev/termpilot/internal/store"
	"github.com/ashureev/termpilot/internal/terminal"
)

const storeTimeout = 5 * time.Second

// ModelSource hands out model clients. *model.Factory implements it.
type ModelSource interface {
	Get(ctx context.Context, s model.Settings) (model.Model, error)
}

// ServiceConfig configures the sessions a Service creates.
type ServiceConfig struct {
	Model         model.Settings
	MaxTurns      int
	StopOnTimeout bool
}

// EventType names the kind of an Event.
type EventType string

// Event types.
const (
	EventTask  EventType = "task"
	EventStep  EventType = "step"
	EventState EventType = "state"
)

// Event is a session change published to stream subscribers.
type Event struct {
	Type      EventType    `json:"type"`
	UserID    string       `json:"-"`
	SessionID string       `json:"-"`
	Task      *domain.Task `json:"task,omitempty"`
	Step      *domain.Step `json:"step,omitempty"`
}

// Service owns one agent Session per user session and bridges them to the
// terminal registry, the task store and the event stream.
type Service struct {
	models    ModelSource
	terminals *terminal.Registry
	repo      store.Repository
	cfg       ServiceConfig
	events    chan *Event
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a Service. repo may be nil to disable persistence.
func NewService(models ModelSource, terminals *terminal.Registry, repo store.Repository, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		models:    models,
		terminals: terminals,
		repo:      repo,
		cfg:       cfg,
		events:    make(chan *Event, 256),
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Events returns the channel every session change is published on.
func (s *Service) Events() <-chan *Event {
	return s.events
}

// Lookup returns the existing session, or nil.
func (s *Service) Lookup(userID, sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[identity.SessionKey(userID, sessionID)]
}

// Session returns the session for a user session, creating it on first use.
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*Session, error) {
	key := identity.SessionKey(userID, sessionID)

	if sess := s.Lookup(userID, sessionID); sess != nil {
		return sess, nil
	}

	m, err := s.models.Get(ctx, s.cfg.Model)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}

	owner := Owner{UserID: userID, SessionID: sessionID}
	sess := NewSession(owner,
		&registryTerminal{registry: s.terminals, owner: owner},
		Config{
			Model:         m,
			ModelName:     s.cfg.Model.Name,
			MaxTurns:      s.cfg.MaxTurns,
			StopOnTimeout: s.cfg.StopOnTimeout,
		},
		&recorder{svc: s},
		s.logger,
	)
	s.sessions[key] = sess
	return sess, nil
}

// Submit starts a task for a user session. The terminal must be connected.
func (s *Service) Submit(ctx context.Context, userID, sessionID, prompt string) (domain.Task, error) {
	if conn := s.terminals.Get(userID, sessionID); conn == nil || !conn.Connected() {
		return domain.Task{}, terminal.ErrNotConnected
	}
	sess, err := s.Session(ctx, userID, sessionID)
	if err != nil {
		return domain.Task{}, err
	}
	return sess.Start(ctx, prompt)
}

// Retry reruns the last task of a user session.
func (s *Service) Retry(ctx context.Context, userID, sessionID string) (domain.Task, error) {
	if conn := s.terminals.Get(userID, sessionID); conn == nil || !conn.Connected() {
		return domain.Task{}, terminal.ErrNotConnected
	}
	sess := s.Lookup(userID, sessionID)
	if sess == nil {
		return domain.Task{}, ErrNoPrompt
	}
	return sess.Retry(ctx)
}

// Stop stops the running task of a user session, if any, and waits for the
// loop to exit.
func (s *Service) Stop(ctx context.Context, userID, sessionID string) bool {
	sess := s.Lookup(userID, sessionID)
	if sess == nil || !sess.Stop() {
		return false
	}
	if _, err := sess.Wait(ctx); err != nil {
		s.logger.Warn("Agent task did not stop in time", "user_id", userID, "session_id", sessionID, "error", err)
	}
	return true
}

// Count returns the number of sessions and how many are busy.
func (s *Service) Count() (total, busy int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		total++
		if sess.Busy() {
			busy++
		}
	}
	return total, busy
}

// Close stops every running task.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.Stop() {
			_, _ = sess.Wait(ctx)
		}
	}
}

func (s *Service) publish(ev *Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("Agent event dropped, stream consumer is behind",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"type", ev.Type,
		)
	}
}

// registryTerminal resolves the session's current connection on every call,
// so a reconnect is picked up by a session that outlives its terminal.
type registryTerminal struct {
	registry *terminal.Registry
	owner    Owner
}

func (t *registryTerminal) capturer() *terminal.Capturer {
	conn := t.registry.Get(t.owner.UserID, t.owner.SessionID)
	if conn == nil {
		return nil
	}
	return conn.Capturer()
}

var notConnected = terminal.Result{
	Output: "Error: " + terminal.ErrNotConnected.Error(),
	Status: terminal.StatusError,
}

func (t *registryTerminal) RunCommand(ctx context.Context, command string) terminal.Result {
	c := t.capturer()
	if c == nil {
		return notConnected
	}
	return c.RunCommand(ctx, command)
}

func (t *registryTerminal) SendKeys(ctx context.Context, keys string) terminal.Result {
	c := t.capturer()
	if c == nil {
		return notConnected
	}
	return c.SendKeys(ctx, keys)
}

func (t *registryTerminal) Abort() {
	if c := t.capturer(); c != nil {
		c.Abort()
	}
}

func (t *registryTerminal) Snapshot() string {
	c := t.capturer()
	if c == nil {
		return notConnected.Output
	}
	return c.Snapshot()
}

// recorder persists and publishes session changes.
type recorder struct {
	svc *Service
}

func (r *recorder) TaskStarted(task domain.Task) {
	if repo := r.svc.repo; repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := repo.CreateTask(ctx, &task); err != nil {
			r.svc.logger.Warn("Failed to record task", "task_id", task.ID, "error", err)
		}
	}
	r.svc.publish(&Event{Type: EventTask, UserID: task.UserID, SessionID: task.SessionID, Task: &task})
}

func (r *recorder) StepChanged(task domain.Task, step domain.Step) {
	if repo := r.svc.repo; repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := repo.UpsertStep(ctx, &step); err != nil {
			r.svc.logger.Warn("Failed to record step", "task_id", task.ID, "step_id", step.ID, "error", err)
		}
	}
	r.svc.publish(&Event{Type: EventStep, UserID: task.UserID, SessionID: task.SessionID, Step: &step})
}

func (r *recorder) StateChanged(task domain.Task) {
	if repo := r.svc.repo; repo != nil && task.State.Finished() && task.EndedAt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := repo.FinishTask(ctx, task.ID, task.State, *task.EndedAt); err != nil {
			r.svc.logger.Warn("Failed to record task result", "task_id", task.ID, "error", err)
		}
	}
	r.svc.publish(&Event{Type: EventState, UserID: task.UserID, SessionID: task.SessionID, Task: &task})
}
