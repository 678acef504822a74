package osd

import (
	"context"
	"sync"

	"github.com/user/osd/internal/osdmap"
)

// EpochGate holds back work that needs the node to have consumed a given map
// epoch.
type EpochGate struct {
	mu      sync.Mutex
	epoch   osdmap.Epoch
	closed  bool
	waiters map[osdmap.Epoch][]chan struct{}
}

func NewEpochGate() *EpochGate {
	return &EpochGate{waiters: map[osdmap.Epoch][]chan struct{}{}}
}

// GotMap records that epoch e has been consumed and releases every waiter
// for e or an older epoch.
func (g *EpochGate) GotMap(e osdmap.Epoch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e <= g.epoch {
		return
	}
	g.epoch = e
	for want, chs := range g.waiters {
		if want > e {
			continue
		}
		for _, ch := range chs {
			close(ch)
		}
		delete(g.waiters, want)
	}
}

// Epoch returns the newest consumed epoch.
func (g *EpochGate) Epoch() osdmap.Epoch {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Wait blocks until epoch e has been consumed, the gate is closed or ctx is
// done.
func (g *EpochGate) Wait(ctx context.Context, e osdmap.Epoch) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrStopping
	}
	if e <= g.epoch {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.waiters[e] = append(g.waiters[e], ch)
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		closed := g.closed && g.epoch < e
		g.mu.Unlock()
		if closed {
			return ErrStopping
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases every waiter with ErrStopping.
func (g *EpochGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for want, chs := range g.waiters {
		for _, ch := range chs {
			close(ch)
		}
		delete(g.waiters, want)
	}
}
