package agent

import (
	"context"
	"sync"
)

// Gate is the pause point of the loop. A pause is requested from outside;
// the loop parks on the gate at the top of its next iteration until Release
// or until its context ends.
type Gate struct {
	mu        sync.Mutex
	requested bool
	release   chan struct{}
}

// Request asks the loop to pause at its next check. It reports false when a
// pause is already pending or in effect.
func (g *Gate) Request() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.requested || g.release != nil {
		return false
	}
	g.requested = true
	return true
}

// Requested reports whether a pause is pending but not yet in effect.
func (g *Gate) Requested() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requested
}

// Wait parks the caller if a pause is pending. onPaused runs once the gate is
// armed. Wait returns nil after Release and the context cause if ctx ends
// first.
func (g *Gate) Wait(ctx context.Context, onPaused func()) error {
	g.mu.Lock()
	if !g.requested {
		g.mu.Unlock()
		return nil
	}
	g.requested = false
	release := make(chan struct{})
	g.release = release
	g.mu.Unlock()

	if onPaused != nil {
		onPaused()
	}

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.release == release {
			g.release = nil
		}
		g.mu.Unlock()
		return context.Cause(ctx)
	}
}

// Release unparks the loop, or withdraws a pending request that has not
// taken effect yet. It reports whether anything changed.
func (g *Gate) Release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.release != nil {
		close(g.release)
		g.release = nil
		return true
	}
	if g.requested {
		g.requested = false
		return true
	}
	return false
}

// Reset clears the gate for a new task.
func (g *Gate) Reset() {
	g.Release()
}
