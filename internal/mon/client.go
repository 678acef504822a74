// Package mon is the node's view of the monitor: the client contract the node
// core relies on, and Local, an in-process monitor that serves a standalone
// node and integration tests.
package mon

import (
	"context"
	"errors"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
)

// Subscription topics.
const (
	SubOSDMap    = "osdmap"
	SubPGCreates = "osd_pg_creates"
	SubMgrMap    = "mgrmap"
)

// ErrStopped is returned by a client that has been stopped.
var ErrStopped = errors.New("mon: client stopped")

// Client is the coordination-service client the node uses. Pushes arrive
// asynchronously through the dispatcher the client was created with.
type Client interface {
	Start(ctx context.Context) error
	Stop()

	// GetVersion returns the range of epochs the monitor retains for what.
	GetVersion(ctx context.Context, what string) (oldest, newest osdmap.Epoch, err error)

	// SubWant registers interest in what starting at start. A continuous
	// subscription keeps delivering new epochs; a onetime one is dropped once
	// satisfied. Nothing is sent until RenewSubs.
	SubWant(what string, start osdmap.Epoch, onetime bool)
	RenewSubs(ctx context.Context) error
	// SubGot records that epochs through e have been received.
	SubGot(what string, e osdmap.Epoch)

	// Subscribe asks once for what from start and renews immediately. With
	// full set, every epoch is sent as a full map.
	Subscribe(ctx context.Context, what string, start osdmap.Epoch, full bool) error

	Send(ctx context.Context, m msg.Message) error
}
