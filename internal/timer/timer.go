// Package timer runs periodic node tasks that can be armed and cancelled.
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Periodic calls a function on a fixed interval while armed.
type Periodic struct {
	name string
	fn   func(ctx context.Context)

	mu       sync.Mutex
	cancel   context.CancelFunc
	interval time.Duration
	stopped  bool
	wg       sync.WaitGroup
}

// NewPeriodic returns an unarmed timer that runs fn.
func NewPeriodic(name string, fn func(ctx context.Context)) *Periodic {
	return &Periodic{name: name, fn: fn}
}

// ArmPeriodic starts calling fn every interval, replacing any previous
// schedule. The loop ends when ctx is done or the timer is cancelled. A
// stopped timer stays stopped.
func (p *Periodic) ArmPeriodic(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.interval = interval
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, interval)
	}()
}

// Cancel clears the schedule. A call already in progress runs to completion.
func (p *Periodic) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.interval = 0
	}
}

// Stop clears the schedule and waits for every loop, including a call in
// progress, to return. It must not be called from fn.
func (p *Periodic) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Cancel()
	p.wg.Wait()
}

// Armed reports whether the timer is scheduled, and at what interval.
func (p *Periodic) Armed() (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil, p.interval
}

func (p *Periodic) run(ctx context.Context, interval time.Duration) {
	slog.Debug("timer armed", "timer", p.name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("timer cancelled", "timer", p.name)
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			p.fn(ctx)
		}
	}
}
