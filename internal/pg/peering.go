package pg

import (
	"context"
	"log/slog"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
)

// EventKind names a peering event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventNotify EventKind = "notify"
	EventInfo   EventKind = "info"
	EventQuery  EventKind = "query"
	EventLog    EventKind = "log"
)

// Event is a peering event delivered to a pg.
type Event struct {
	Kind    EventKind
	From    int32
	Epoch   osdmap.Epoch
	History msg.PGHistory
}

// Peering is the peering state machine of a pg. The node core only tells it
// when the pg moves to a new map and when a peer sends it something.
type Peering interface {
	AdvanceMap(ctx context.Context, pg *PG, from, to *osdmap.Map)
	ActivateMap(ctx context.Context, pg *PG)
	HandleEvent(ctx context.Context, pg *PG, ev Event)
}

// LogPeering is a Peering that only logs.
type LogPeering struct{}

func (LogPeering) AdvanceMap(_ context.Context, pg *PG, from, to *osdmap.Map) {
	slog.Debug("pg advance map", "pgid", pg.ID().String(), "from", from.GetEpoch(), "to", to.GetEpoch())
}

func (LogPeering) ActivateMap(_ context.Context, pg *PG) {
	slog.Debug("pg activate map", "pgid", pg.ID().String(), "epoch", pg.Epoch())
}

func (LogPeering) HandleEvent(_ context.Context, pg *PG, ev Event) {
	slog.Debug("pg peering event", "pgid", pg.ID().String(), "event", string(ev.Kind), "from", ev.From, "epoch", ev.Epoch)
}

// Backend executes client operations on a pg.
type Backend interface {
	Do(ctx context.Context, pg *PG, op *msg.OSDOp) error
}

// LogBackend is a Backend that only logs.
type LogBackend struct{}

func (LogBackend) Do(_ context.Context, pg *PG, op *msg.OSDOp) error {
	slog.Debug("pg op", "pgid", pg.ID().String(), "reqid", op.ReqID, "oid", op.OID, "epoch", pg.Epoch())
	return nil
}
