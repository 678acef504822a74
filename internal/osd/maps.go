package osd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/mon"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
)

// HandleOSDMap applies a map push: it persists the new epochs together with
// the superblock in one transaction, then consumes them one by one. A push
// that does not connect to the stored epochs is not applied; the node
// resubscribes instead. A returned error leaves the stored state unchanged
// and is retried on the next push, unless it is fatal.
func (o *OSD) HandleOSDMap(ctx context.Context, from msg.Entity, m *msg.OSDMap) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sb := o.Superblock()
	if m.FSID != sb.ClusterFSID.String() {
		slog.Warn("dropping map push with foreign fsid", "osd", o.whoami, "fsid", m.FSID)
		metrics.RecordBatch("dropped")
		return nil
	}
	if o.State() == StateInitializing {
		slog.Warn("dropping map push while initializing", "osd", o.whoami)
		metrics.RecordBatch("dropped")
		return nil
	}

	first, last := m.First(), m.Last()
	slog.Info("handle osd map", "osd", o.whoami, "first", first, "last", last,
		"newest_map", sb.NewestMap, "src_oldest", m.OldestMap, "src_newest", m.NewestMap)
	if last <= sb.NewestMap {
		metrics.RecordBatch("stale")
		return nil
	}

	skipMaps := false
	start := sb.NewestMap + 1
	if first > start {
		slog.Info("map push skips epochs", "osd", o.whoami, "from", start, "to", first-1)
		if m.OldestMap <= start {
			metrics.RecordBatch("gap")
			return o.subscribe(ctx, start, false)
		}
		// The sender no longer has start. Ask for everything it still has,
		// as full maps, so the first one received is a full map. Epochs
		// below its oldest are lost to this node.
		if m.OldestMap < first {
			metrics.RecordBatch("gap")
			return o.subscribe(ctx, m.OldestMap, true)
		}
		skipMaps = true
		start = first
	}

	ctx, span := tracer.Start(ctx, "osd.apply_maps")
	defer span.End()
	span.SetAttributes(attribute.Int64("osd.first", int64(start)), attribute.Int64("osd.last", int64(last)))

	txn := objectstore.NewTransaction()
	if err := o.storeMaps(ctx, txn, start, last, sb, m); err != nil {
		o.evict(start, last)
		span.RecordError(err)
		metrics.RecordBatch("error")
		return err
	}

	next := sb
	if next.OldestMap == 0 || skipMaps {
		next.OldestMap = first
	}
	if skipMaps {
		o.trimMaps(txn, sb)
	}
	next.NewestMap = last
	next.CurrentEpoch = last
	// The node has been clean through the prior epoch since it booted.
	if boot := o.BootEpoch(); boot != 0 && boot >= next.Mounted {
		next.Mounted = boot
		next.CleanThru = last
	}
	if err := o.meta.StoreSuperblock(txn, next); err != nil {
		o.evict(start, last)
		metrics.RecordBatch("error")
		return err
	}
	if err := o.meta.Apply(txn); err != nil {
		o.evict(start, last)
		span.RecordError(err)
		metrics.RecordBatch("error")
		return fmt.Errorf("apply maps e%d..e%d: %w", start, last, err)
	}
	o.publishSuperblock(next)
	if skipMaps && sb.OldestMap != 0 {
		o.evict(sb.OldestMap, sb.NewestMap)
	}
	o.monc.SubGot(mon.SubOSDMap, last)
	metrics.RecordBatch("applied")

	return o.committedOSDMaps(ctx, start, last, from, m)
}

// storeMaps queues every epoch in [start, last] on txn. Full maps are stored
// as sent; incrementals are applied to the previous epoch and the result is
// re-encoded. Each epoch is cached as soon as it is built so the next one can
// chain off it.
func (o *OSD) storeMaps(ctx context.Context, txn *objectstore.Transaction, start, last osdmap.Epoch,
	sb mapstore.Superblock, m *msg.OSDMap) error {
	for e := start; e <= last; e++ {
		if o.cache.Contains(e) {
			continue
		}
		var (
			next *osdmap.Map
			blob []byte
		)
		if full, ok := m.Maps[e]; ok {
			decoded, err := osdmap.Decode(full)
			if err != nil {
				return fmt.Errorf("decode full map e%d: %w", e, err)
			}
			if decoded.Epoch != e {
				return fmt.Errorf("full map e%d: %w: holds e%d", e, osdmap.ErrCorrupt, decoded.Epoch)
			}
			next, blob = decoded, full
			slog.Debug("store full map", "osd", o.whoami, "epoch", e)
		} else if incBlob, ok := m.Incrementals[e]; ok {
			inc, err := osdmap.DecodeIncremental(incBlob)
			if err != nil {
				return fmt.Errorf("decode incremental e%d: %w", e, err)
			}
			prev, err := o.cache.Get(ctx, e-1)
			if err != nil {
				err = fmt.Errorf("load map e%d for incremental e%d: %w", e-1, e, err)
				if e-1 <= sb.NewestMap {
					return fatal(err)
				}
				return err
			}
			next, err = prev.ApplyIncremental(inc)
			if err != nil {
				return fmt.Errorf("apply incremental e%d: %w", e, err)
			}
			blob, err = next.Encode(inc.EncodeFeatures | osdmap.FeatureReserved)
			if err != nil {
				return fmt.Errorf("encode map e%d: %w", e, err)
			}
			slog.Debug("store map from incremental", "osd", o.whoami, "epoch", e)
		} else {
			return fmt.Errorf("map push claims e%d..e%d but lacks e%d", start, last, e)
		}

		if err := o.snapshotDeletedPools(ctx, txn, e, next, sb); err != nil {
			return err
		}
		o.meta.StoreMap(txn, e, blob)
		o.cache.AddBlob(e, blob)
		o.cache.Add(e, next)
	}
	return nil
}

// snapshotDeletedPools keeps the final definition of every pool that exists
// at e-1 but not at e, so pgs of deleted pools can still be created and
// loaded.
func (o *OSD) snapshotDeletedPools(ctx context.Context, txn *objectstore.Transaction, e osdmap.Epoch,
	next *osdmap.Map, sb mapstore.Superblock) error {
	if e <= 1 {
		return nil
	}
	prev, err := o.cache.Get(ctx, e-1)
	if err != nil {
		err = fmt.Errorf("load map e%d to compare pools of e%d: %w", e-1, e, err)
		switch {
		case e-1 <= sb.NewestMap:
			return fatal(err)
		case errors.Is(err, mapstore.ErrNoMap):
			// A push that skipped epochs has no predecessor to compare with.
			slog.Debug("no previous map to compare pools with", "osd", o.whoami, "epoch", e)
			return nil
		default:
			return err
		}
	}
	for id, pool := range prev.Pools {
		if next.HavePool(id) {
			continue
		}
		fp := mapstore.FinalPool{Pool: pool}
		if pool.IsErasure() {
			fp.ECProfile = prev.ErasureCodeProfile(pool.ErasureCodeProfile)
		}
		if err := o.meta.StoreFinalPool(txn, fp); err != nil {
			return err
		}
		slog.Info("pool deleted, keeping final info", "osd", o.whoami, "pool", id, "epoch", e)
	}
	return nil
}

// trimMaps queues removal of every stored epoch of sb. Once a push skips
// epochs the node can no longer chain from them.
func (o *OSD) trimMaps(txn *objectstore.Transaction, sb mapstore.Superblock) {
	if sb.OldestMap == 0 {
		return
	}
	slog.Info("trimming maps below skipped epochs", "osd", o.whoami, "from", sb.OldestMap, "to", sb.NewestMap)
	for e := sb.OldestMap; e <= sb.NewestMap; e++ {
		o.meta.RemoveMap(txn, e)
	}
}

func (o *OSD) evict(start, last osdmap.Epoch) {
	for e := start; e <= last; e++ {
		o.cache.Remove(e)
	}
}

// committedOSDMaps consumes the newly stored epochs in order, then lets the
// lifecycle react to the newest one.
func (o *OSD) committedOSDMaps(ctx context.Context, first, last osdmap.Epoch, from msg.Entity, m *msg.OSDMap) error {
	slog.Info("committed osd maps", "osd", o.whoami, "first", first, "last", last)
	for e := first; e <= last; e++ {
		cur, err := o.cache.Get(ctx, e)
		if err != nil {
			return fatal(fmt.Errorf("load committed map e%d: %w", e, err))
		}
		o.publishMap(cur)
		if o.UpEpoch() == 0 && cur.IsUp(o.whoami) && cur.Addrs(o.whoami).Equal(o.publicAddrs) {
			o.upEpoch.Store(uint32(e))
			if o.BootEpoch() == 0 {
				o.bootEpoch.Store(uint32(e))
			}
			slog.Info("up in map", "osd", o.whoami, "up_epoch", e, "boot_epoch", o.BootEpoch())
		}
		o.checkOSDMapFeatures(cur)
		o.consumeMap(e)
	}

	cur := o.CurrentMap()
	if o.State() == StateBooting && cur.IsUp(o.whoami) && cur.Addrs(o.whoami).Equal(o.publicAddrs) &&
		o.BindEpoch() < cur.UpFrom(o.whoami) {
		slog.Info("activating", "osd", o.whoami, "epoch", cur.Epoch)
		o.setState(StateActive)
		o.QueueWantUpThru(cur.UpFrom(o.whoami))
		o.beaconTimer.ArmPeriodic(o.ctx, o.cfg.BeaconInterval)
		o.tickTimer.ArmPeriodic(o.ctx, o.cfg.TickInterval)
	}

	switch o.State() {
	case StateActive:
		if !cur.Exists(o.whoami) {
			return o.shutdown()
		}
		if o.shouldRestart(cur) {
			return o.restart(ctx)
		}
		return o.catchUp(ctx, last, m)
	case StatePreboot:
		if from.IsMon() {
			return o.preboot(ctx, m.OldestMap, m.NewestMap)
		}
		slog.Info("map from a peer, restarting boot", "osd", o.whoami, "from", from.String())
		return o.startBoot(ctx)
	case StateBooting:
		return o.catchUp(ctx, last, m)
	default:
		return nil
	}
}

// catchUp asks for the rest when the sender has newer epochs than it sent.
func (o *OSD) catchUp(ctx context.Context, last osdmap.Epoch, m *msg.OSDMap) error {
	if m.NewestMap <= last {
		return nil
	}
	return o.subscribe(ctx, last+1, false)
}

func (o *OSD) checkOSDMapFeatures(m *osdmap.Map) {
	o.hb.SetRequireAuthorizer(m.RequireOSDRelease >= osdmap.ReleaseNautilus)
}

// consumeMap schedules every hosted pg to advance to e, then opens the epoch
// gate for e. It does not wait for the pgs to get there.
func (o *OSD) consumeMap(e osdmap.Epoch) {
	iter.ForEach(o.pgs.PGs(), func(p **pg.PG) {
		(*p).ScheduleAdvance(e)
	})
	o.gate.GotMap(e)
	if o.onConsume != nil {
		o.onConsume(e)
	}
}
