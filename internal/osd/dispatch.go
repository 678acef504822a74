package osd

import (
	"context"
	"log/slog"

	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
)

var _ msg.Dispatcher = (*OSD)(nil)

// Dispatch routes an inbound message. Map pushes are applied inline, in the
// order they arrive; everything else runs as a node task. Messages are
// dropped while the node stops.
func (o *OSD) Dispatch(ctx context.Context, from msg.Entity, m msg.Message) {
	if o.State() == StateStopping {
		return
	}
	metrics.RecordMessage(m.Kind().String())

	switch m := m.(type) {
	case *msg.OSDMap:
		o.report("handle osd map", o.HandleOSDMap(ctx, from, m))
	case *msg.OSDOp:
		o.spawn(func(ctx context.Context) {
			o.report("client op", o.handleOSDOp(ctx, m))
		})
	case *msg.PGCreate:
		if !from.IsMon() {
			slog.Info("pg create from non-mon", "osd", o.whoami, "from", from.String())
			return
		}
		for _, c := range m.PGs {
			o.GetOrCreatePG(c.PGID, &CreateInfo{PGID: c.PGID, Epoch: c.Epoch, History: c.History, ByMon: true})
		}
	case *msg.PGNotify:
		o.peeringEvent(m.PGID, m.Epoch, pg.Event{Kind: pg.EventNotify, From: m.From, Epoch: m.Epoch, History: m.History},
			&CreateInfo{PGID: m.PGID, Epoch: m.Epoch, History: m.History})
	case *msg.PGInfo:
		o.peeringEvent(m.PGID, m.Epoch, pg.Event{Kind: pg.EventInfo, From: m.From, Epoch: m.Epoch, History: m.History},
			&CreateInfo{PGID: m.PGID, Epoch: m.Epoch, History: m.History})
	case *msg.PGQuery:
		if _, ok := o.pgs.Get(m.PGID); !ok {
			slog.Debug("query for a pg we do not have", "osd", o.whoami, "pgid", m.PGID.String(), "from", m.From)
			return
		}
		o.peeringEvent(m.PGID, m.Epoch, pg.Event{Kind: pg.EventQuery, From: m.From, Epoch: m.Epoch}, nil)
	case *msg.PGLog:
		slog.Debug("handle pg log", "osd", o.whoami, "pgid", m.PGID.String(), "from", m.From)
		o.peeringEvent(m.PGID, m.Epoch, pg.Event{Kind: pg.EventLog, From: m.From, Epoch: m.Epoch}, nil)
	default:
		slog.Info("unhandled message", "osd", o.whoami, "kind", m.Kind().String(), "from", from.String())
	}
}

// peeringEvent waits for the node to reach epoch e and for pgid to be present,
// creating it from info when given, then hands ev to the pg.
func (o *OSD) peeringEvent(pgid osdmap.SPGID, e osdmap.Epoch, ev pg.Event, info *CreateInfo) {
	o.spawn(func(ctx context.Context) {
		if err := o.gate.Wait(ctx, e); err != nil {
			o.report("peering event", err)
			return
		}
		p, err := o.GetOrCreatePG(pgid, info).Wait(ctx)
		if err != nil {
			o.report("peering event", err)
			return
		}
		p.HandleEvent(ctx, ev)
	})
}

func (o *OSD) handleOSDOp(ctx context.Context, m *msg.OSDOp) error {
	if err := o.gate.Wait(ctx, m.MapEpoch); err != nil {
		return err
	}
	p, err := o.WaitForPG(m.PGID).Wait(ctx)
	if err != nil {
		return err
	}
	return p.Do(ctx, m)
}
