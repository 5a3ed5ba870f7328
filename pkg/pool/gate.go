package pool

import (
	"context"
	"sync"

	"github.com/graphsmith/graphsmith/pkg/faults"
)

// stageGate is a resizable counting semaphore. Shrinking the limit never
// cancels holders; the gate simply stops admitting until enough slots are
// released. Waiters are served in arrival order.
type stageGate struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	waiters []chan struct{}
}

func newStageGate(limit int) *stageGate {
	return &stageGate{limit: limit}
}

// tryAcquire takes a slot if one is free and nobody is queued ahead.
func (g *stageGate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse < g.limit && len(g.waiters) == 0 {
		g.inUse++
		return true
	}
	return false
}

// acquire takes a slot, waiting until one frees up or ctx ends. The returned
// error is faults.ErrTimeout for a deadline and faults.ErrShutdown for a
// cancellation.
func (g *stageGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.limit && len(g.waiters) == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		granted := true
		for i, x := range g.waiters {
			if x == w {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				granted = false
				break
			}
		}
		if granted {
			// The grant raced the cancellation; hand the slot on.
			g.inUse--
			g.wakeLocked()
		}
		g.mu.Unlock()
		return faults.FromContext(ctx.Err())
	}
}

// release frees one slot and admits the next waiter if capacity allows.
func (g *stageGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse--
	g.wakeLocked()
}

// resize changes the limit. Growth admits queued waiters immediately.
func (g *stageGate) resize(limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = limit
	g.wakeLocked()
}

func (g *stageGate) wakeLocked() {
	for g.inUse < g.limit && len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inUse++
		close(w)
	}
}

// snapshot reads occupancy without side effects.
func (g *stageGate) snapshot() (inUse, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, g.limit
}
