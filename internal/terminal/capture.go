package terminal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrCaptureInProgress is returned when a second capture is started while one
// is still outstanding on the same connection.
var ErrCaptureInProgress = errors.New("capture already in progress")

// Status describes how a capture ended.
type Status string

// Capture outcomes.
const (
	StatusDone    Status = "done"
	StatusTimeout Status = "timeout"
	StatusAborted Status = "aborted"
	StatusError   Status = "error"
)

const (
	noOutput      = "(no output)"
	abortedOutput = "(aborted by user)"
)

// Result is what a capture hands back to its caller. Output is never empty.
type Result struct {
	Output string
	Status Status
}

// minCaptureBytes keeps the retained tail longer than any completion marker.
const minCaptureBytes = 1024

// CaptureConfig holds capture timings and the output cap. Output beyond
// MaxBytes keeps its head and tail around a truncation notice.
type CaptureConfig struct {
	CommandTimeout time.Duration
	KeysDwell      time.Duration
	MaxBytes       int
}

// DefaultCaptureConfig returns the default capture settings.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		CommandTimeout: 30 * time.Second,
		KeysDwell:      3 * time.Second,
		MaxBytes:       64 * 1024,
	}
}

// Stream is the part of a terminal connection a capture needs. Done is
// closed when the stream ends.
type Stream interface {
	Write(p []byte) (int, error)
	Subscribe(fn func([]byte)) func()
	Connected() bool
	Done() <-chan struct{}
	Snapshot() string
}

// Capturer runs commands and keystrokes against a Stream and collects the
// output they produce. At most one capture is outstanding at a time.
type Capturer struct {
	stream      Stream
	cfg         CaptureConfig
	logger      *slog.Logger
	newSentinel func() string

	mu     sync.Mutex
	active *capture
}

// NewCapturer creates a Capturer for stream. Zero settings fall back to the
// defaults.
func NewCapturer(stream Stream, cfg CaptureConfig, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultCaptureConfig()
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.KeysDwell <= 0 {
		cfg.KeysDwell = def.KeysDwell
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	cfg.MaxBytes = max(cfg.MaxBytes, minCaptureBytes)
	return &Capturer{
		stream:      stream,
		cfg:         cfg,
		logger:      logger,
		newSentinel: randomSentinel,
	}
}

func randomSentinel() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "__TP_DONE_" + hex.EncodeToString(b) + "__"
}

// RunCommand writes command followed by an echo of a unique completion marker
// and waits until the marker shows up at the start of a line, the command
// timeout elapses, the stream ends, or ctx is cancelled.
func (c *Capturer) RunCommand(ctx context.Context, command string) Result {
	if !c.connected() {
		return errorResult(ErrNotConnected)
	}
	sentinel := c.newSentinel()
	cp, err := c.begin(sentinel)
	if err != nil {
		return errorResult(err)
	}
	defer c.end(cp)

	unsubscribe := c.stream.Subscribe(cp.feed)
	defer unsubscribe()

	payload := command + "\n" + "echo " + sentinel + "\n"
	if _, err := c.stream.Write([]byte(payload)); err != nil {
		return errorResult(fmt.Errorf("write command: %w", err))
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case <-cp.resolved:
	case <-timer.C:
		c.logger.Info("Command capture timed out", "timeout", c.cfg.CommandTimeout)
		cp.resolve(Result{Output: cp.timeoutOutput(c.cfg.CommandTimeout), Status: StatusTimeout})
	case <-c.stream.Done():
		c.logger.Info("Terminal closed during command capture")
		cp.disconnected()
	case <-ctx.Done():
		cp.abort()
	}
	<-cp.resolved
	return cp.result
}

// SendKeys writes the encoded keys and returns whatever output arrives during
// the dwell window. There is no completion detection.
func (c *Capturer) SendKeys(ctx context.Context, keys string) Result {
	if !c.connected() {
		return errorResult(ErrNotConnected)
	}
	cp, err := c.begin("")
	if err != nil {
		return errorResult(err)
	}
	defer c.end(cp)

	unsubscribe := c.stream.Subscribe(cp.feed)
	defer unsubscribe()

	if _, err := c.stream.Write([]byte(EncodeKeys(keys))); err != nil {
		return errorResult(fmt.Errorf("write keys: %w", err))
	}

	timer := time.NewTimer(c.cfg.KeysDwell)
	defer timer.Stop()

	select {
	case <-cp.resolved:
	case <-timer.C:
		cp.resolve(Result{Output: cp.cleaned(), Status: StatusDone})
	case <-c.stream.Done():
		cp.disconnected()
	case <-ctx.Done():
		cp.abort()
	}
	<-cp.resolved
	return cp.result
}

// Abort resolves the outstanding capture with what it has collected so far.
// It is a no-op when nothing is in flight.
func (c *Capturer) Abort() {
	c.mu.Lock()
	cp := c.active
	c.mu.Unlock()
	if cp != nil {
		cp.abort()
	}
}

// Snapshot returns the sanitized recent output of the terminal.
func (c *Capturer) Snapshot() string {
	if !c.connected() {
		return "Error: " + ErrNotConnected.Error()
	}
	if s := strings.TrimSpace(c.stream.Snapshot()); s != "" {
		return s
	}
	return noOutput
}

// Busy reports whether a capture is outstanding.
func (c *Capturer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Capturer) connected() bool {
	return c != nil && c.stream != nil && c.stream.Connected()
}

func (c *Capturer) begin(sentinel string) (*capture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, ErrCaptureInProgress
	}
	c.active = &capture{sentinel: sentinel, limit: c.cfg.MaxBytes, resolved: make(chan struct{})}
	return c.active, nil
}

func (c *Capturer) end(cp *capture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == cp {
		c.active = nil
	}
}

func errorResult(err error) Result {
	return Result{Output: "Error: " + err.Error(), Status: StatusError}
}

// capture accumulates output for one request and resolves exactly once.
// Once raw grows past twice the limit, the first half of the limit is frozen
// in head and raw keeps only the most recent bytes.
type capture struct {
	sentinel string
	limit    int

	mu       sync.Mutex
	head     []byte
	raw      []byte
	dropped  int
	scanFrom int

	once     sync.Once
	resolved chan struct{}
	result   Result
}

func (cp *capture) feed(chunk []byte) {
	cp.mu.Lock()
	select {
	case <-cp.resolved:
		cp.mu.Unlock()
		return
	default:
	}
	cp.raw = append(cp.raw, chunk...)
	if cp.sentinel == "" {
		cp.trim()
		cp.mu.Unlock()
		return
	}
	found := cp.scan()
	var out string
	if found {
		// Output after the marker is the next prompt.
		if i := bytes.LastIndex(cp.raw, []byte(cp.sentinel)); i >= 0 {
			cp.raw = cp.raw[:i+len(cp.sentinel)]
		}
		out = extractCommandOutput(cp.text(), cp.sentinel)
	} else {
		cp.trim()
	}
	cp.mu.Unlock()

	if found {
		cp.resolve(Result{Output: out, Status: StatusDone})
	}
}

// scan looks for the marker in the text received since the last line break
// seen by the previous scan. Callers hold cp.mu.
func (cp *capture) scan() bool {
	window := Sanitize(string(cp.raw[cp.scanFrom:]))
	if cp.scanFrom == 0 && cp.head == nil {
		window = "\n" + window
	}
	if strings.Contains(window, "\n"+cp.sentinel) {
		return true
	}
	if i := bytes.LastIndexByte(cp.raw[cp.scanFrom:], '\n'); i > 0 {
		cp.scanFrom += i
	}
	return false
}

// trim enforces the capture limit. The bytes from the last line break on are
// always kept, so a marker split across chunks is still found. Callers hold
// cp.mu.
func (cp *capture) trim() {
	if len(cp.raw) <= 2*cp.limit {
		return
	}
	if cp.head == nil {
		n := cp.limit / 2
		cp.head = bytes.Clone(cp.raw[:n])
		cp.raw = cp.raw[n:]
		cp.scanFrom = max(cp.scanFrom-n, 0)
	}
	cut := len(cp.raw) - (cp.limit - len(cp.head))
	cp.raw = bytes.Clone(cp.raw[cut:])
	cp.dropped += cut
	cp.scanFrom = max(cp.scanFrom-cut, 0)
}

// text returns the sanitized output collected so far. Past the limit it is
// the head and the most recent tail around a truncation notice. Callers hold
// cp.mu.
func (cp *capture) text() string {
	head, tail, dropped := cp.head, cp.raw, cp.dropped
	if head == nil {
		if len(tail) <= cp.limit {
			return Sanitize(string(tail))
		}
		head, tail = tail[:cp.limit/2], tail[cp.limit/2:]
	}
	if keep := cp.limit - len(head); len(tail) > keep {
		dropped += len(tail) - keep
		tail = tail[len(tail)-keep:]
	}
	return Sanitize(strings.ToValidUTF8(string(head), "")) +
		fmt.Sprintf("\n[... %d bytes of output truncated ...]\n", dropped) +
		Sanitize(strings.ToValidUTF8(string(tail), ""))
}

func (cp *capture) resolve(r Result) {
	cp.once.Do(func() {
		if strings.TrimSpace(r.Output) == "" {
			r.Output = noOutput
		}
		cp.result = r
		close(cp.resolved)
	})
}

func (cp *capture) abort() {
	out := cp.cleaned()
	if out == noOutput {
		out = abortedOutput
	}
	cp.resolve(Result{Output: out, Status: StatusAborted})
}

// disconnected resolves with a not-connected error and any partial output.
func (cp *capture) disconnected() {
	out := "Error: " + ErrNotConnected.Error()
	if partial := cp.cleaned(); partial != noOutput {
		out += "\n\nOutput before the connection closed:\n" + partial
	}
	cp.resolve(Result{Output: out, Status: StatusError})
}

func (cp *capture) cleaned() string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := strings.TrimSpace(cp.text())
	if out == "" {
		return noOutput
	}
	return out
}

func (cp *capture) timeoutOutput(after time.Duration) string {
	msg := fmt.Sprintf("(no completion marker after %s: the command is probably still running or waiting for input; use send_keys to interact with it)", after)
	if partial := cp.cleaned(); partial != noOutput {
		msg += "\n\nOutput so far:\n" + partial
	}
	return msg
}

// extractCommandOutput returns the text between the echoed command line and
// the completion marker.
func extractCommandOutput(clean, sentinel string) string {
	idx := strings.Index("\n"+clean, "\n"+sentinel)
	if idx < 0 {
		return ""
	}
	before := clean[:max(idx-1, 0)]
	if i := strings.IndexByte(before, '\n'); i >= 0 {
		before = before[i+1:]
	} else {
		before = ""
	}
	echo := "echo " + sentinel
	lines := strings.Split(before, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if !strings.Contains(l, echo) {
			kept = append(kept, l)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
