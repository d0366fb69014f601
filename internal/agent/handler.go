package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/termpilot/internal/api"
	"github.com/ashureev/termpilot/internal/config"
	"github.com/ashureev/termpilot/internal/domain"
	"github.com/ashureev/termpilot/internal/identity"
	"github.com/ashureev/termpilot/internal/store"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/go-chi/chi/v5"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
	defaultMaxRequestBodySize = 1 << 20
	defaultSSERetry           = 5 * time.Second
	defaultSSEKeepalive       = 15 * time.Second
	connectTimeout            = 20 * time.Second
	defaultTaskListLimit      = 20
	maxTaskListLimit          = 100
)

// TerminalDialer opens terminal transports. *terminal.Dialer implements it.
type TerminalDialer interface {
	Dial(ctx context.Context, req terminal.DialRequest) (terminal.Transport, error)
}

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers events for reconnecting clients, sharded per
// session so one user's burst cannot evict another user's events.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// QueuedMessage is an event kept for replay.
type QueuedMessage struct {
	EventID   int64
	Event     *Event
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-session message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to its session queue.
func (q *SSEMessageQueue) Enqueue(eventID int64, ev *Event) {
	key := identity.SessionKey(ev.UserID, ev.SessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(&QueuedMessage{EventID: eventID, Event: ev, Timestamp: time.Now()})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves events after a specific event ID for a session.
func (q *SSEMessageQueue) GetMissedMessages(userID, sessionID string, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[identity.SessionKey(userID, sessionID)]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the queue of a session.
func (q *SSEMessageQueue) Prune(userID, sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, identity.SessionKey(userID, sessionID))
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// startEviction periodically removes expired keys so the map does not grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler serves the agent and terminal-connection HTTP API.
type Handler struct {
	svc            *Service
	terminals      *terminal.Registry
	dialer         TerminalDialer
	repo           store.Repository
	rateLimiter    *RateLimiter
	sseConnections map[string]map[int64]*SSEConnection
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	done           chan struct{}
	closeOnce      sync.Once
	cfg            *config.Config
	logger         *slog.Logger
}

// NewHandler creates the handler and starts fanning service events out to
// stream clients. cfg may be nil to use defaults.
func NewHandler(svc *Service, terminals *terminal.Registry, dialer TerminalDialer, repo store.Repository, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.Requests
		rateLimitWindow = cfg.RateLimit.Window
	}

	h := &Handler{
		svc:            svc,
		terminals:      terminals,
		dialer:         dialer,
		repo:           repo,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		sseConnections: make(map[string]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(0),
		done:           make(chan struct{}),
		cfg:            cfg,
		logger:         logger,
	}

	go h.broadcastLoop(svc.Events())

	return h
}

// RegisterRoutes registers the agent and terminal routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/terminal", func(r chi.Router) {
		r.Post("/connect", h.HandleConnect)
		r.Post("/disconnect", h.HandleDisconnect)
	})
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/task", h.HandleTask)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/stop", h.HandleStop)
		r.Post("/retry", h.HandleRetry)
		r.Post("/new", h.HandleNewChat)
		r.Get("/state", h.HandleState)
		r.Get("/stream", h.HandleStream)
		r.Get("/tasks", h.HandleListTasks)
		r.Get("/tasks/{taskID}", h.HandleGetTask)
	})
}

// Close stops the broadcaster and the rate limiter.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.rateLimiter.Stop()
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	return userID, identity.SessionIDFromContext(r.Context()), true
}

// HandleConnect handles POST /api/terminal/connect.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req terminal.DialRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	transport, err := h.dialer.Dial(ctx, req)
	if err != nil {
		h.logger.Warn("Terminal connect failed",
			"user_id", userID,
			"session_id", sessionID,
			"transport", req.Transport,
			"error", err,
		)
		switch {
		case errors.Is(err, terminal.ErrInvalidConfig), errors.Is(err, terminal.ErrUnsupportedTransport):
			api.Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, terminal.ErrContainerNotAllowed):
			api.Error(w, http.StatusForbidden, err.Error())
		case errors.Is(err, terminal.ErrContainerNotRunning):
			api.Error(w, http.StatusNotFound, err.Error())
		default:
			api.Error(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	connCfg := terminal.ConnConfig{}
	if h.cfg != nil {
		connCfg.ScrollbackBytes = h.cfg.Terminal.ScrollbackBytes
		connCfg.Capture = terminal.CaptureConfig{
			CommandTimeout: h.cfg.Terminal.CommandTimeout,
			KeysDwell:      h.cfg.Terminal.KeysDwell,
			MaxBytes:       h.cfg.Terminal.CaptureMaxBytes,
		}
	}
	conn := terminal.NewConn(transport, connCfg, h.logger.With("user_id", userID, "session_id", sessionID))
	h.terminals.Register(userID, sessionID, conn)

	kind := req.Transport
	if kind == "" {
		kind = terminal.KindSSH
	}
	h.logger.Info("Terminal connected", "user_id", userID, "session_id", sessionID, "transport", kind)
	api.JSON(w, http.StatusOK, map[string]string{"status": "connected", "transport": kind})
}

// HandleDisconnect handles POST /api/terminal/disconnect. A running task is
// stopped before the terminal closes.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	stopped := h.svc.Stop(r.Context(), userID, sessionID)
	closed := h.terminals.Disconnect(userID, sessionID)
	api.JSON(w, http.StatusOK, map[string]bool{"disconnected": closed, "stopped_task": stopped})
}

type taskRequest struct {
	Prompt string `json:"prompt"`
}

// HandleTask handles POST /api/agent/task.
func (h *Handler) HandleTask(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req taskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.svc.Submit(r.Context(), userID, sessionID, req.Prompt)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	h.logger.Info("Agent task submitted",
		"user_id", userID,
		"session_id", sessionID,
		"task_id", task.ID,
		"prompt_length", len(task.Prompt),
	)
	api.JSON(w, http.StatusAccepted, task)
}

// HandleRetry handles POST /api/agent/retry.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	task, err := h.svc.Retry(r.Context(), userID, sessionID)
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	api.JSON(w, http.StatusAccepted, task)
}

func (h *Handler) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrNoPrompt):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTaskRunning):
		api.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, terminal.ErrNotConnected):
		api.Error(w, http.StatusConflict, "terminal_not_connected")
	default:
		h.logger.Error("Agent task failed to start", "error", err)
		api.Error(w, http.StatusBadGateway, "model unavailable")
	}
}

type controlResponse struct {
	Changed bool   `json:"changed"`
	State   string `json:"state"`
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, fn func(*Session) bool) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	sess := h.svc.Lookup(userID, sessionID)
	if sess == nil {
		api.JSON(w, http.StatusOK, controlResponse{State: string(domain.StateIdle)})
		return
	}
	changed := fn(sess)
	api.JSON(w, http.StatusOK, controlResponse{Changed: changed, State: string(sess.State())})
}

// HandlePause handles POST /api/agent/pause.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*Session).Pause)
}

// HandleResume handles POST /api/agent/resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*Session).Resume)
}

// HandleStop handles POST /api/agent/stop.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, (*Session).Stop)
}

// HandleNewChat handles POST /api/agent/new. It is rejected while a task runs.
func (h *Handler) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if sess := h.svc.Lookup(userID, sessionID); sess != nil {
		if err := sess.NewChat(); err != nil {
			api.Error(w, http.StatusConflict, err.Error())
			return
		}
	}
	h.messageQueue.Prune(userID, sessionID)
	api.JSON(w, http.StatusOK, controlResponse{Changed: true, State: string(domain.StateIdle)})
}

// HandleState handles GET /api/agent/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, h.view(userID, sessionID))
}

type stateResponse struct {
	View
	Connected bool `json:"connected"`
}

func (h *Handler) view(userID, sessionID string) stateResponse {
	resp := stateResponse{View: View{State: domain.StateIdle, Steps: []domain.Step{}}}
	if sess := h.svc.Lookup(userID, sessionID); sess != nil {
		resp.View = sess.View()
	}
	if conn := h.terminals.Get(userID, sessionID); conn != nil {
		resp.Connected = conn.Connected()
	}
	return resp
}

// HandleListTasks handles GET /api/agent/tasks.
func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.repo == nil {
		api.JSON(w, http.StatusOK, []*domain.Task{})
		return
	}
	limit := defaultTaskListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxTaskListLimit)
	}
	tasks, err := h.repo.ListTasks(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list tasks", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	api.JSON(w, http.StatusOK, tasks)
}

type taskDetail struct {
	Task  *domain.Task   `json:"task"`
	Steps []*domain.Step `json:"steps"`
}

// HandleGetTask handles GET /api/agent/tasks/{taskID}.
func (h *Handler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.repo == nil {
		api.Error(w, http.StatusNotFound, "task not found")
		return
	}
	taskID := chi.URLParam(r, "taskID")
	task, err := h.repo.GetTask(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.UserID != userID) {
		api.Error(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load task", "task_id", taskID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	steps, err := h.repo.ListSteps(r.Context(), taskID)
	if err != nil {
		h.logger.Error("Failed to load steps", "task_id", taskID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	api.JSON(w, http.StatusOK, taskDetail{Task: task, Steps: steps})
}

// broadcastLoop distributes service events to connected stream clients.
func (h *Handler) broadcastLoop(events <-chan *Event) {
	h.logger.Info("Agent event broadcaster started")
	for {
		select {
		case <-h.done:
			h.logger.Info("Agent event broadcaster shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}

			eventID := h.nextEventID()
			h.messageQueue.Enqueue(eventID, ev)

			key := identity.SessionKey(ev.UserID, ev.SessionID)
			h.connectionsMu.RLock()
			userConns := h.sseConnections[key]
			conns := make([]*SSEConnection, 0, len(userConns))
			for _, c := range userConns {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, ev)
			}
		}
	}
}

func (h *Handler) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

// sendToConnection sends an event to a specific connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev *Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal SSE event", "error", err, "conn_id", conn.ID)
		return
	}
	if err := writeSSEWithID(conn.Writer, eventID, string(ev.Type), string(data)); err != nil {
		h.logger.Warn("Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/agent/stream: the step and state event stream
// of the caller's session, with Last-Event-ID replay.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := requireUser(w, r)
	if !ok {
		return
	}
	streamKey := identity.SessionKey(userID, sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", defaultSSERetry.Milliseconds())); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	// Hold the connection lock until the snapshot and replay are written so
	// live events cannot interleave with them.
	conn.mu.Lock()
	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[streamKey]; !exists {
		h.sseConnections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		close(conn.Done)
		h.connectionsMu.Lock()
		if userConns, exists := h.sseConnections[streamKey]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(h.sseConnections, streamKey)
			}
		}
		h.connectionsMu.Unlock()
		h.logger.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	var missed []*QueuedMessage
	if lastEventID > 0 {
		missed = h.messageQueue.GetMissedMessages(userID, sessionID, lastEventID)
	}
	err := h.writeStreamHead(w, userID, sessionID, missed)
	conn.mu.Unlock()
	if err != nil {
		h.logger.Warn("Failed to write SSE stream head", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"replayed", len(missed),
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(defaultSSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				h.logger.Warn("Failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *Handler) writeStreamHead(w io.Writer, userID, sessionID string, missed []*QueuedMessage) error {
	snapshot, err := json.Marshal(h.view(userID, sessionID))
	if err != nil {
		return err
	}
	if err := writeSSE(w, "snapshot", string(snapshot)); err != nil {
		return err
	}
	for _, msg := range missed {
		data, err := json.Marshal(msg.Event)
		if err != nil {
			return err
		}
		if err := writeSSEWithID(w, msg.EventID, string(msg.Event.Type), string(data)); err != nil {
			return err
		}
	}
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
