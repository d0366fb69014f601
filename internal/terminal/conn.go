package terminal

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrNotConnected is returned when writing to a closed terminal connection.
var ErrNotConnected = errors.New("terminal not connected")

// Transport is a byte stream to a remote shell, such as an SSH session or a
// docker exec.
type Transport interface {
	io.ReadWriteCloser
	Resize(cols, rows uint) error
}

// ConnConfig configures a terminal connection.
type ConnConfig struct {
	ScrollbackBytes int
	Capture         CaptureConfig
}

type subscriber struct {
	id int
	fn func([]byte)
}

// Conn owns a Transport and fans its output out to subscribers. A single pump
// goroutine reads the transport, so every subscriber observes chunks in
// arrival order. Subscribers run on the pump goroutine and must not block.
type Conn struct {
	transport  Transport
	scrollback *Scrollback
	capturer   *Capturer
	logger     *slog.Logger

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   []subscriber
	nextID int

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewConn wraps transport and starts reading from it.
func NewConn(transport Transport, cfg ConnConfig, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		transport:  transport,
		scrollback: NewScrollback(cfg.ScrollbackBytes),
		logger:     logger,
		done:       make(chan struct{}),
	}
	c.capturer = NewCapturer(c, cfg.Capture, logger)
	go c.pump()
	return c
}

func (c *Conn) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_, _ = c.scrollback.Write(chunk)
			c.dispatch(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Terminal read failed", "error", err)
			}
			c.shutdown(err)
			return
		}
	}
}

func (c *Conn) dispatch(chunk []byte) {
	c.mu.RLock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, s := range subs {
		s.fn(chunk)
	}
}

// Subscribe registers fn for every subsequent output chunk. The returned func
// removes the subscription and is safe to call more than once.
func (c *Conn) Subscribe(fn func([]byte)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Write sends input to the remote shell.
func (c *Conn) Write(p []byte) (int, error) {
	if !c.Connected() {
		return 0, ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(p)
}

// Resize changes the remote window size.
func (c *Conn) Resize(cols, rows uint) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.transport.Resize(cols, rows)
}

// Connected reports whether the transport is still open.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, if any.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Scrollback returns the raw recent output.
func (c *Conn) Scrollback() []byte {
	return c.scrollback.Bytes()
}

// Snapshot returns the recent output with control sequences removed.
func (c *Conn) Snapshot() string {
	return Sanitize(c.scrollback.String())
}

// Capturer returns the capture session bound to this connection.
func (c *Conn) Capturer() *Capturer {
	return c.capturer
}

// Close aborts any in-flight capture and closes the transport.
func (c *Conn) Close() error {
	c.capturer.Abort()
	err := c.transport.Close()
	c.shutdown(io.EOF)
	return err
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}
