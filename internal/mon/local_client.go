package mon

import (
	"context"
	"sync"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
)

type subscription struct {
	start   osdmap.Epoch
	onetime bool
	full    bool
}

// LocalClient is the Client of one node connected to a Local monitor. Pushes
// are queued and delivered in order by a single goroutine, so the dispatcher
// may call back into the client or the monitor.
type LocalClient struct {
	mon    *Local
	whoami int32
	d      msg.Dispatcher

	mu      sync.Mutex
	subs    map[string]*subscription
	queue   []msg.Message
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	kick chan struct{}
}

var _ Client = (*LocalClient)(nil)

func (c *LocalClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.pump(ctx)
	return nil
}

func (c *LocalClient) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.queue = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *LocalClient) pump(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		for {
			c.mu.Lock()
			if c.stopped || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			m := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			c.d.Dispatch(ctx, msg.Mon(0), m)
		}
	}
}

// deliver queues m for the dispatcher.
func (c *LocalClient) deliver(m msg.Message) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *LocalClient) wants(what string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[what]
	return ok
}

func (c *LocalClient) GetVersion(ctx context.Context, what string) (osdmap.Epoch, osdmap.Epoch, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	oldest, newest := c.mon.Versions()
	return oldest, newest, nil
}

func (c *LocalClient) SubWant(what string, start osdmap.Epoch, onetime bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[what] = &subscription{start: start, onetime: onetime}
}

func (c *LocalClient) RenewSubs(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.renew()
	return nil
}

// renew sends a map push for the osdmap subscription when the monitor has
// epochs it has not been sent yet. Once served, the subscription continues
// from the next epoch as a continuous incremental one.
func (c *LocalClient) renew() {
	c.mu.Lock()
	sub, ok := c.subs[SubOSDMap]
	if c.stopped || !ok {
		c.mu.Unlock()
		return
	}
	start, full := sub.start, sub.full
	c.mu.Unlock()

	push := c.mon.buildPush(start, full)
	if push == nil {
		return
	}

	c.mu.Lock()
	if c.subs[SubOSDMap] == sub {
		sub.start = push.Last() + 1
		sub.onetime = false
		sub.full = false
	}
	c.mu.Unlock()
	c.deliver(push)
}

func (c *LocalClient) SubGot(what string, e osdmap.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[what]
	if !ok || e < sub.start {
		return
	}
	if sub.onetime && what != SubOSDMap {
		delete(c.subs, what)
		return
	}
	sub.start = e + 1
	sub.full = false
}

func (c *LocalClient) Subscribe(ctx context.Context, what string, start osdmap.Epoch, full bool) error {
	c.mu.Lock()
	c.subs[what] = &subscription{start: start, onetime: true, full: full}
	c.mu.Unlock()
	return c.RenewSubs(ctx)
}

func (c *LocalClient) Send(ctx context.Context, m msg.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return c.mon.handle(c.whoami, m)
}
