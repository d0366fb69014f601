package terminal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/termpilot/internal/identity"
	"github.com/coder/websocket"
)

// WebSocketHandler streams a registered terminal connection to the operator's
// browser and forwards keystrokes back.
type WebSocketHandler struct {
	registry      *Registry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *Registry, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsWriter adapts websocket.Conn to io.Writer.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	if err := w.conn.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// wsMessage represents WebSocket message structure.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Cols    uint   `json:"cols,omitempty"`
	Rows    uint   `json:"rows,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("Terminal socket request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !CheckOrigin(r, h.allowedOrigin, h.isDev) {
		h.logger.Warn("WebSocket origin rejected", "origin", r.Header.Get("Origin"), "allowed", h.allowedOrigin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := h.registry.Get(userID, sessionID)
	if conn == nil {
		if err := writeJSON(ctx, ws, map[string]string{"error": "terminal_not_connected"}); err != nil {
			h.logger.Debug("Failed to send terminal_not_connected", "error", err)
		}
		return
	}

	out := NewAsyncWriter(&wsWriter{conn: ws, ctx: ctx}, 0, h.logger)
	defer out.Close()
	if backlog := conn.Scrollback(); len(backlog) > 0 {
		_, _ = out.Write(backlog)
	}
	unsubscribe := conn.Subscribe(func(p []byte) { _, _ = out.Write(p) })
	defer unsubscribe()

	go func() {
		select {
		case <-conn.Done():
			_ = writeJSON(context.Background(), ws, map[string]string{"type": "disconnected"})
			cancel()
		case <-out.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.inputLoop(ctx, ws, conn, userID)
	h.logger.Info("Terminal socket ended", "user_id", userID, "session_id", sessionID)
}

// CheckOrigin reports whether a websocket upgrade from r is allowed.
func CheckOrigin(r *http.Request, allowedOrigin string, isDev bool) bool {
	if isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			// Raw keystrokes.
			if _, err := conn.Write(message); err != nil {
				h.logger.Warn("Terminal write error", "error", err)
				return
			}
			continue
		}

		switch msg.Type {
		case "data":
			if _, err := conn.Write([]byte(msg.Content)); err != nil {
				h.logger.Warn("Terminal write error", "error", err)
				return
			}
		case "ping":
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "resize":
			if err := conn.Resize(msg.Cols, msg.Rows); err != nil {
				h.logger.Warn("Failed to resize", "error", err)
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
