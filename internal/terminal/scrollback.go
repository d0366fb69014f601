package terminal

import (
	"sync"
)

// DefaultScrollbackBytes is used when no scrollback size is configured.
const DefaultScrollbackBytes = 64 * 1024

// Scrollback keeps the most recent output of a terminal connection in a fixed
// size ring. Older bytes are overwritten once the ring is full.
type Scrollback struct {
	mu   sync.RWMutex
	buf  []byte
	head int // next write position
	n    int // bytes held
}

// NewScrollback creates a ring of the given size.
func NewScrollback(size int) *Scrollback {
	if size <= 0 {
		size = DefaultScrollbackBytes
	}
	return &Scrollback{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := len(p)
	size := len(s.buf)
	if len(p) >= size {
		// Only the last size bytes survive.
		copy(s.buf, p[len(p)-size:])
		s.head = 0
		s.n = size
		return written, nil
	}
	first := copy(s.buf[s.head:], p)
	if first < len(p) {
		copy(s.buf, p[first:])
	}
	s.head = (s.head + len(p)) % size
	s.n = min(s.n+len(p), size)
	return written, nil
}

// Bytes returns a copy of the held output, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]byte, s.n)
	start := (s.head - s.n + len(s.buf)) % len(s.buf)
	first := copy(out, s.buf[start:min(start+s.n, len(s.buf))])
	copy(out[first:], s.buf[:s.n-first])
	return out
}

// String returns the held output, oldest first.
func (s *Scrollback) String() string {
	return string(s.Bytes())
}

// Len returns the number of bytes held.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

// Reset drops everything.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = 0
	s.n = 0
}

// Capacity returns the ring size.
func (s *Scrollback) Capacity() int {
	return len(s.buf)
}
