package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/termpilot/internal/identity"
	"github.com/ashureev/termpilot/internal/terminal"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Roles accepted in the role query parameter.
const (
	RoleHost   = "host"
	RoleViewer = "viewer"
)

const maxMessageBytes = 1 << 20

// Handler upgrades relay sockets. Hosts connect with ?role=host and may add
// mirror=terminal to share the terminal registered for their session.
// Viewers connect with ?role=viewer&code=CODE.
type Handler struct {
	mgr           *Manager
	terminals     *terminal.Registry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a relay socket handler. terminals may be nil to disable
// terminal mirroring.
func NewHandler(mgr *Manager, terminals *terminal.Registry, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		mgr:           mgr,
		terminals:     terminals,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role != RoleHost && role != RoleViewer {
		http.Error(w, "role must be host or viewer", http.StatusBadRequest)
		return
	}
	if !terminal.CheckOrigin(r, h.allowedOrigin, h.isDev) {
		h.logger.Warn("Relay origin rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept relay socket", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	// Reads end when the peer's close handshake completes, so a manager-side
	// Close still flushes its final message.
	peer := newWSPeer(ws, h.logger)
	defer func() { <-peer.Finished() }()

	ctx := r.Context()
	if role == RoleHost {
		h.serveHost(ctx, r, peer)
		return
	}
	h.serveViewer(ctx, r.URL.Query().Get("code"), peer)
}

func (h *Handler) serveHost(ctx context.Context, r *http.Request, peer *wsPeer) {
	code, err := h.mgr.CreateSession(peer)
	if err != nil {
		msg := "Failed to create share session"
		if errors.Is(err, ErrAtCapacity) {
			msg = "Relay is at capacity, try again later"
		}
		_ = peer.Send(NewMessage(TypeError, msg))
		peer.Close("rejected")
		return
	}
	defer h.mgr.Teardown(code)

	if r.URL.Query().Get("mirror") == "terminal" && h.terminals != nil {
		userID := identity.UserIDFromContext(r.Context())
		sessionID := identity.SessionIDFromContext(r.Context())
		if conn := h.terminals.Get(userID, sessionID); conn != nil {
			unsubscribe := conn.Subscribe(h.mgr.Mirror(code))
			defer unsubscribe()
			h.logger.Info("Relay mirroring terminal", "code", codeTag(code), "user_id", userID, "session_id", sessionID)
		} else {
			_ = peer.Send(NewMessage(TypeError, "No terminal connected to mirror"))
		}
	}

	for {
		var msg Message
		if err := wsjson.Read(ctx, peer.conn, &msg); err != nil {
			h.logReadEnd(err, "host", code)
			return
		}
		if msg.Type == TypeOutput {
			h.mgr.BroadcastFromHost(code, msg.Text())
		}
	}
}

func (h *Handler) serveViewer(ctx context.Context, code string, peer *wsPeer) {
	if err := h.mgr.AttachViewer(code, peer); err != nil {
		_ = peer.Send(NewMessage(TypeError, "Unknown or expired share code"))
		peer.Close("unknown code")
		h.logger.Info("Relay viewer rejected", "code", codeTag(code), "error", err)
		return
	}
	defer func() {
		h.mgr.DetachViewer(code, peer)
		peer.Close("viewer left")
	}()

	for {
		var msg Message
		if err := wsjson.Read(ctx, peer.conn, &msg); err != nil {
			h.logReadEnd(err, "viewer", code)
			return
		}
		if err := h.mgr.ForwardFromViewer(code, msg); err != nil {
			if errors.Is(err, ErrUnknownCode) {
				return
			}
			h.logger.Debug("Relay input dropped", "code", codeTag(code), "error", err)
		}
	}
}

func (h *Handler) logReadEnd(err error, role, code string) {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
		h.logger.Debug("Relay socket closed", "role", role, "code", codeTag(code))
		return
	}
	h.logger.Warn("Relay read error", "role", role, "code", codeTag(code), "error", err)
}
