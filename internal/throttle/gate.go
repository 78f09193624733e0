package throttle

import (
	"context"
	"sync"
)

// gate is a concurrency limiter whose capacity can be resized while callers
// hold slots. Shrinking never revokes held slots; it only delays new ones.
type gate struct {
	mu      sync.Mutex
	cap     int
	inUse   int
	waiters []chan struct{}
}

func newGate(capacity int) *gate {
	if capacity < 1 {
		capacity = 1
	}
	return &gate{cap: capacity}
}

func (g *gate) limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cap
}

// acquire blocks until a slot is free or ctx is done.
func (g *gate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.cap {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// Already granted between the signal and the cancel; give it back.
		g.release()
		return ctx.Err()
	}
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.wake()
}

// resize changes capacity and admits waiters into any new headroom.
// Caller must not hold g.mu.
func (g *gate) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cap = capacity
	g.wake()
}

// wake grants slots to waiters while there is headroom. Caller holds g.mu.
func (g *gate) wake() {
	for g.inUse < g.cap && len(g.waiters) > 0 {
		g.inUse++
		close(g.waiters[0])
		g.waiters = g.waiters[1:]
	}
}
