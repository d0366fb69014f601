package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeShell answers "echo X" lines by printing X, and prints canned output for
// every other command. Everything written to it is echoed back like a tty.
type fakeShell struct {
	out    *io.PipeReader
	in     *io.PipeWriter
	mu     sync.Mutex
	canned map[string]string
	sizes  [][2]uint
	closed bool
}

func newFakeShell(canned map[string]string) *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{out: r, in: w, canned: canned}
}

func (s *fakeShell) Read(p []byte) (int, error) { return s.out.Read(p) }

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.mu.Unlock()

	var reply strings.Builder
	for _, line := range strings.Split(strings.TrimSuffix(string(p), "\n"), "\n") {
		reply.WriteString(line + "\r\n")
		if rest, ok := strings.CutPrefix(line, "echo "); ok {
			reply.WriteString(rest + "\r\n")
			continue
		}
		if out, ok := s.canned[line]; ok {
			reply.WriteString(out)
		}
	}
	go func() { _, _ = s.in.Write([]byte(reply.String())) }()
	return len(p), nil
}

func (s *fakeShell) Resize(cols, rows uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]uint{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.in.Close()
}

func TestConnRunCommandEndToEnd(t *testing.T) {
	t.Parallel()

	shell := newFakeShell(map[string]string{
		"ls": "\x1b[0m\x1b[01;34mbin\x1b[0m  notes.txt\r\n",
	})
	conn := NewConn(shell, ConnConfig{Capture: CaptureConfig{CommandTimeout: 2 * time.Second}}, nil)
	defer conn.Close()

	got := conn.Capturer().RunCommand(context.Background(), "ls")
	if got.Status != StatusDone {
		t.Fatalf("Status = %q, output %q", got.Status, got.Output)
	}
	if got.Output != "bin  notes.txt" {
		t.Errorf("Output = %q, want %q", got.Output, "bin  notes.txt")
	}
	if !strings.Contains(conn.Snapshot(), "notes.txt") {
		t.Errorf("Snapshot() = %q, want recent output", conn.Snapshot())
	}
}

func TestConnSubscribersSeeOrderedOutput(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	conn := NewConn(&pipeTransport{r: r}, ConnConfig{}, nil)
	defer conn.Close()

	var mu sync.Mutex
	var got strings.Builder
	received := make(chan struct{}, 16)
	unsubscribe := conn.Subscribe(func(p []byte) {
		mu.Lock()
		got.Write(p)
		mu.Unlock()
		received <- struct{}{}
	})

	for _, chunk := range []string{"one ", "two ", "three"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
		<-received
	}
	unsubscribe()
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	if got.String() != "one two three" {
		t.Errorf("received %q", got.String())
	}
	if string(conn.Scrollback()) != "one two three" {
		t.Errorf("Scrollback() = %q", conn.Scrollback())
	}
}

func TestConnClose(t *testing.T) {
	t.Parallel()

	shell := newFakeShell(nil)
	conn := NewConn(shell, ConnConfig{}, nil)

	if err := conn.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if conn.Connected() {
		t.Error("Connected() = true after Close")
	}
	if _, err := conn.Write([]byte("ls\n")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write after Close = %v, want ErrNotConnected", err)
	}
	if err := conn.Resize(80, 24); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Resize after Close = %v, want ErrNotConnected", err)
	}
	got := conn.Capturer().RunCommand(context.Background(), "ls")
	if got.Status != StatusError {
		t.Errorf("RunCommand after Close status = %q, want error", got.Status)
	}

	shell.mu.Lock()
	defer shell.mu.Unlock()
	if len(shell.sizes) != 1 || shell.sizes[0] != [2]uint{120, 40} {
		t.Errorf("sizes = %v", shell.sizes)
	}
}

func TestConnRemoteHangup(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	conn := NewConn(&pipeTransport{r: r}, ConnConfig{}, nil)
	_ = w.Close()

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after EOF")
	}
	if !errors.Is(conn.Err(), io.EOF) {
		t.Errorf("Err() = %v, want EOF", conn.Err())
	}
}

// exitTransport prints a logout banner and hangs up on the first write.
type exitTransport struct {
	pipeTransport
	w *io.PipeWriter
}

func (e *exitTransport) Write(b []byte) (int, error) {
	go func() {
		_, _ = e.w.Write([]byte("exit\r\nlogout\r\n"))
		_ = e.w.Close()
	}()
	return len(b), nil
}

func TestConnHangupEndsCapture(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	conn := NewConn(&exitTransport{pipeTransport: pipeTransport{r: r}, w: w}, ConnConfig{Capture: CaptureConfig{CommandTimeout: 10 * time.Second}}, discardLogger())

	start := time.Now()
	got := conn.Capturer().RunCommand(context.Background(), "exit")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("RunCommand took %v after the transport closed", elapsed)
	}
	if got.Status != StatusError || !strings.Contains(got.Output, "not connected") || !strings.Contains(got.Output, "logout") {
		t.Fatalf("got %+v, want not connected error with partial output", got)
	}
}

type pipeTransport struct {
	r *io.PipeReader
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return len(b), nil }
func (p *pipeTransport) Resize(uint, uint) error     { return nil }
func (p *pipeTransport) Close() error                { return p.r.Close() }

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
