package relay

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

// Defaults for a relay manager.
const (
	DefaultMaxSessions = 10
	DefaultSessionTTL  = 30 * time.Minute
	codeBytes          = 16
)

// Reasons sent to viewers when a session ends.
const (
	ReasonExpired          = "Share session expired"
	ReasonHostDisconnected = "Host disconnected"
	ReasonShutdown         = "Server shutting down"
)

var (
	// ErrAtCapacity is returned when a host tries to share while the maximum
	// number of sessions is live.
	ErrAtCapacity = errors.New("relay at capacity")
	// ErrUnknownCode is returned for codes that were never issued, expired or
	// already ended.
	ErrUnknownCode = errors.New("unknown share code")
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Peer is one end of a relay session. Send must not block.
type Peer interface {
	Send(msg Message) error
	Close(reason string)
	Open() bool
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	SessionTTL  time.Duration
}

type session struct {
	code      string
	host      Peer
	viewers   map[Peer]struct{}
	createdAt time.Time
	timer     *time.Timer
}

// Manager tracks live relay sessions by share code.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a relay manager. Zero config values use the defaults.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}
	return codeEncoding.EncodeToString(buf), nil
}

// codeTag shortens a share code for logs.
func codeTag(code string) string {
	if len(code) > 6 {
		return code[:6]
	}
	return code
}

// CreateSession registers host as the owner of a new session, sends it the
// share code and starts the expiry timer.
func (m *Manager) CreateSession(host Peer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.logger.Warn("Relay session rejected", "reason", "at capacity", "max_sessions", m.cfg.MaxSessions)
		return "", ErrAtCapacity
	}

	code, err := newCode()
	if err != nil {
		return "", err
	}
	if _, taken := m.sessions[code]; taken {
		return "", fmt.Errorf("generate share code: collision")
	}

	s := &session{
		code:      code,
		host:      host,
		viewers:   make(map[Peer]struct{}),
		createdAt: time.Now(),
	}
	s.timer = time.AfterFunc(m.cfg.SessionTTL, func() { m.Expire(code) })
	m.sessions[code] = s

	if err := host.Send(NewMessage(TypeShareCode, code)); err != nil {
		m.logger.Debug("Failed to send share code", "code", codeTag(code), "error", err)
	}
	m.logger.Info("Relay session created", "code", codeTag(code), "ttl", m.cfg.SessionTTL, "sessions", len(m.sessions))
	return code, nil
}

// AttachViewer adds viewer to the session and tells the host the new count.
func (m *Manager) AttachViewer(code string, viewer Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrUnknownCode
	}
	s.viewers[viewer] = struct{}{}

	_ = viewer.Send(NewMessage(TypeConnected, CodeData{Code: code}))
	_ = s.host.Send(NewMessage(TypeViewerJoined, CountData{Count: len(s.viewers)}))
	m.logger.Info("Relay viewer joined", "code", codeTag(code), "viewers", len(s.viewers))
	return nil
}

// DetachViewer removes viewer from the session. It is a no-op for unknown
// codes or viewers.
func (m *Manager) DetachViewer(code string, viewer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return
	}
	if _, member := s.viewers[viewer]; !member {
		return
	}
	delete(s.viewers, viewer)

	_ = s.host.Send(NewMessage(TypeViewerLeft, CountData{Count: len(s.viewers)}))
	m.logger.Info("Relay viewer left", "code", codeTag(code), "viewers", len(s.viewers))
}

// BroadcastFromHost sends host output to every open viewer. Closed viewers
// are skipped and cleaned up by their own disconnect.
func (m *Manager) BroadcastFromHost(code, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok || len(s.viewers) == 0 {
		return
	}
	msg := NewMessage(TypeOutput, data)
	for v := range s.viewers {
		if !v.Open() {
			continue
		}
		if err := v.Send(msg); err != nil {
			m.logger.Debug("Relay output dropped", "code", codeTag(code), "error", err)
		}
	}
}

// ForwardFromViewer delivers viewer input or resize messages to the host.
// Other message types are ignored.
func (m *Manager) ForwardFromViewer(code string, msg Message) error {
	if msg.Type != TypeInput && msg.Type != TypeResize {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[code]
	if !ok {
		return ErrUnknownCode
	}
	return s.host.Send(msg)
}

// Mirror returns a terminal output subscriber that broadcasts every chunk to
// the session's viewers. A UTF-8 sequence split across reads is held back
// until it completes, so viewers never see a broken character.
func (m *Manager) Mirror(code string) func([]byte) {
	var (
		mu    sync.Mutex
		carry []byte
	)
	return func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		buf := append(carry, p...)
		n := completeRunes(buf)
		carry = bytes.Clone(buf[n:])
		if n > 0 {
			m.BroadcastFromHost(code, string(buf[:n]))
		}
	}
}

// completeRunes returns the length of b without a trailing incomplete UTF-8
// sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// Expire ends a session whose TTL elapsed. The host and viewers are told the
// session expired.
func (m *Manager) Expire(code string) {
	s := m.remove(code)
	if s == nil {
		return
	}
	_ = s.host.Send(NewMessage(TypeExpired, ReasonExpired))
	m.closeSession(s, ReasonExpired)
	m.logger.Info("Relay session expired", "code", codeTag(code), "age", time.Since(s.createdAt).Round(time.Second))
}

// Teardown ends a session after its host left.
func (m *Manager) Teardown(code string) {
	m.end(code, ReasonHostDisconnected)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session.
func (m *Manager) Close() {
	m.mu.Lock()
	codes := make([]string, 0, len(m.sessions))
	for code := range m.sessions {
		codes = append(codes, code)
	}
	m.mu.Unlock()

	for _, code := range codes {
		m.end(code, ReasonShutdown)
	}
}

func (m *Manager) end(code, reason string) {
	s := m.remove(code)
	if s == nil {
		return
	}
	m.closeSession(s, reason)
	m.logger.Info("Relay session ended", "code", codeTag(code), "reason", reason)
}

func (m *Manager) remove(code string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	delete(m.sessions, code)
	s.timer.Stop()
	return s
}

func (m *Manager) closeSession(s *session, reason string) {
	msg := NewMessage(TypeHostDisconnected, reason)
	for v := range s.viewers {
		_ = v.Send(msg)
		v.Close(reason)
	}
	s.host.Close(reason)
}
