package terminal

import (
	"io"
	"log/slog"
	"sync"
)

const defaultQueueSize = 100

// AsyncWriter decouples a slow sink, such as a websocket, from the terminal
// pump. Writes are queued and flushed by a background goroutine. When the
// queue is full the oldest chunk is dropped.
type AsyncWriter struct {
	dst    io.Writer
	queue  chan []byte
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
	err     error
}

// NewAsyncWriter starts a writer flushing to dst.
func NewAsyncWriter(dst io.Writer, queueSize int, logger *slog.Logger) *AsyncWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &AsyncWriter{
		dst:    dst,
		queue:  make(chan []byte, queueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w
}

// Write queues a copy of p. It never blocks. After the sink fails, Write
// returns the sink's error.
func (w *AsyncWriter) Write(p []byte) (int, error) {
	if err := w.Err(); err != nil {
		return 0, err
	}
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case <-w.closed:
		return 0, io.ErrClosedPipe
	case w.queue <- data:
		return len(p), nil
	default:
	}

	// Queue full: drop the oldest chunk and retry once.
	select {
	case <-w.queue:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	default:
	}
	select {
	case w.queue <- data:
	default:
		w.logger.Warn("Output queue full, chunk dropped", "queue_len", len(w.queue))
	}
	return len(p), nil
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for {
		select {
		case <-w.closed:
			return
		case data := <-w.queue:
			if _, err := w.dst.Write(data); err != nil {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				w.logger.Debug("Async sink write failed", "error", err)
				return
			}
		}
	}
}

// Err returns the error that stopped the writer, if any.
func (w *AsyncWriter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Dropped returns how many chunks were discarded under backpressure.
func (w *AsyncWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Done is closed when the flushing goroutine exits.
func (w *AsyncWriter) Done() <-chan struct{} {
	return w.done
}

// Close stops the writer. Queued chunks that were not flushed are discarded.
func (w *AsyncWriter) Close() error {
	w.once.Do(func() { close(w.closed) })
	<-w.done
	return nil
}
