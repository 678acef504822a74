package osd

import (
	"context"
	"log/slog"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
)

// Status is a point-in-time summary of the node.
type Status struct {
	Whoami         int32        `json:"whoami"`
	State          string       `json:"state"`
	Epoch          osdmap.Epoch `json:"epoch"`
	OldestMap      osdmap.Epoch `json:"oldest_map"`
	NewestMap      osdmap.Epoch `json:"newest_map"`
	UpEpoch        osdmap.Epoch `json:"up_epoch"`
	BootEpoch      osdmap.Epoch `json:"boot_epoch"`
	BindEpoch      osdmap.Epoch `json:"bind_epoch"`
	PGs            int          `json:"pgs"`
	HeartbeatPeers int          `json:"heartbeat_peers"`
	PublicAddrs    string       `json:"public_addrs"`
	ClusterAddrs   string       `json:"cluster_addrs"`
}

func (o *OSD) Status() Status {
	sb := o.Superblock()
	return Status{
		Whoami:         o.whoami,
		State:          o.State().String(),
		Epoch:          o.CurrentMap().Epoch,
		OldestMap:      sb.OldestMap,
		NewestMap:      sb.NewestMap,
		UpEpoch:        o.UpEpoch(),
		BootEpoch:      o.BootEpoch(),
		BindEpoch:      o.BindEpoch(),
		PGs:            o.pgs.Len(),
		HeartbeatPeers: len(o.hb.Peers()),
		PublicAddrs:    o.publicAddrs.String(),
		ClusterAddrs:   o.clusterAddrs.String(),
	}
}

// Stats reports every pg this node is primary for, stamped with the current
// epoch.
func (o *OSD) Stats() *msg.PGStats {
	epoch := o.CurrentMap().Epoch
	out := &msg.PGStats{Whoami: o.whoami, Epoch: epoch}
	for _, p := range o.pgs.PGs() {
		if !p.IsPrimary() {
			continue
		}
		st := p.Stat()
		st.ReportedEpoch = epoch
		out.Stats = append(out.Stats, st)
	}
	return out
}

// sendBeacon reports the primaries of this node and the oldest epoch any of
// them was last clean at. A pg never clean counts from its creation.
func (o *OSD) sendBeacon(ctx context.Context) error {
	m := o.CurrentMap()
	beacon := &msg.Beacon{
		Whoami:            o.whoami,
		Epoch:             m.Epoch,
		MinLastEpochClean: m.Epoch,
	}
	for _, p := range o.pgs.PGs() {
		if !p.IsPrimary() {
			continue
		}
		beacon.PGs = append(beacon.PGs, p.ID().PGID)
		h := p.History()
		lec := h.LastEpochClean
		if lec == 0 {
			lec = h.EpochCreated
		}
		beacon.MinLastEpochClean = min(beacon.MinLastEpochClean, lec)
	}
	return o.monc.Send(ctx, beacon)
}

// updateHeartbeatPeers adds every other member of the up and acting sets of
// every hosted pg, then drops stale peers.
func (o *OSD) updateHeartbeatPeers() {
	if o.State() != StateActive {
		return
	}
	m := o.CurrentMap()
	for _, p := range o.pgs.PGs() {
		pl := m.PGToUpActingOSDs(p.ID().PGID)
		for _, osd := range append(pl.Up, pl.Acting...) {
			if osd == osdmap.ItemNone || osd == o.whoami {
				continue
			}
			if err := o.hb.AddPeer(osd, m.Epoch); err != nil {
				slog.Debug("add heartbeat peer", "osd", o.whoami, "peer", osd, "error", err)
			}
		}
	}
	o.hb.UpdatePeers(o.whoami)
}

// beacon runs on the beacon timer.
func (o *OSD) beacon(ctx context.Context) {
	o.report("send beacon", o.sendBeacon(ctx))
	o.report("send pg stats", o.monc.Send(ctx, o.Stats()))
}

// tick runs on the tick timer.
func (o *OSD) tick(ctx context.Context) {
	o.updateHeartbeatPeers()
	o.report("send alive", o.sendAlive(ctx))
}
