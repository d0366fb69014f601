package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	peerQueueSize    = 256
	peerWriteTimeout = 10 * time.Second
)

var (
	errPeerClosed = errors.New("relay peer closed")
	errPeerSlow   = errors.New("relay peer send queue full")
)

// wsPeer is a Peer backed by a websocket. A single writer goroutine drains
// the send queue so Send never blocks the manager.
type wsPeer struct {
	conn   *websocket.Conn
	out    chan Message
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
	closing   chan struct{}
	finished  chan struct{}
}

func newWSPeer(conn *websocket.Conn, logger *slog.Logger) *wsPeer {
	p := &wsPeer{
		conn:     conn,
		out:      make(chan Message, peerQueueSize),
		logger:   logger,
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

func (p *wsPeer) Send(msg Message) error {
	select {
	case <-p.closing:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return errPeerSlow
	}
}

func (p *wsPeer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.closing)
	})
}

func (p *wsPeer) Open() bool {
	select {
	case <-p.closing:
		return false
	default:
		return true
	}
}

// Finished is closed once queued messages are flushed and the socket is
// closed.
func (p *wsPeer) Finished() <-chan struct{} {
	return p.finished
}

func (p *wsPeer) writeLoop() {
	defer close(p.finished)
	for {
		select {
		case msg := <-p.out:
			if err := p.write(msg); err != nil {
				p.logger.Debug("Relay write failed", "error", err)
				p.Close("write failed")
				p.shutdown()
				return
			}
		case <-p.closing:
			p.flush()
			p.shutdown()
			return
		}
	}
}

func (p *wsPeer) flush() {
	for {
		select {
		case msg := <-p.out:
			if err := p.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *wsPeer) write(msg Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), peerWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, p.conn, msg)
}

func (p *wsPeer) shutdown() {
	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	if err := p.conn.Close(websocket.StatusNormalClosure, reason); err != nil {
		p.logger.Debug("Relay socket close", "error", err)
	}
}
