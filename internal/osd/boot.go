package osd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/mon"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
)

// Store metadata keys written by Mkfs.
const (
	MetaClusterFSID = "cluster_fsid"
	MetaWhoami      = "whoami"
)

// Mkfs initializes store for node whoami of cluster clusterFSID: the meta
// collection and a superblock with a fresh node uuid. Running it again on a
// store made for the same node is a no-op.
func Mkfs(store objectstore.Store, clusterFSID uuid.UUID, whoami int32) (mapstore.Superblock, error) {
	if err := store.Mkfs(); err != nil {
		return mapstore.Superblock{}, fmt.Errorf("mkfs: %w", err)
	}
	if err := store.Mount(); err != nil {
		return mapstore.Superblock{}, fmt.Errorf("mount: %w", err)
	}
	defer func() {
		if err := store.Umount(); err != nil {
			slog.Error("umount after mkfs", "error", err)
		}
	}()

	meta := mapstore.New(store)
	sb, err := meta.LoadSuperblock()
	switch {
	case err == nil:
		if sb.ClusterFSID != clusterFSID || sb.Whoami != whoami {
			return sb, fmt.Errorf("mkfs: store belongs to osd.%d of cluster %s", sb.Whoami, sb.ClusterFSID)
		}
		return sb, nil
	case !errors.Is(err, mapstore.ErrNoSuperblock):
		return sb, err
	}

	sb = mapstore.Superblock{
		ClusterFSID: clusterFSID,
		OSDFSID:     uuid.New(),
		Whoami:      whoami,
		Compat:      mapstore.InitialCompatSet(),
	}
	txn := objectstore.NewTransaction()
	meta.CreateMeta(txn)
	if err := meta.StoreSuperblock(txn, sb); err != nil {
		return sb, err
	}
	if err := meta.Apply(txn); err != nil {
		return sb, fmt.Errorf("mkfs: write superblock: %w", err)
	}
	if err := store.WriteMeta(MetaClusterFSID, clusterFSID.String()); err != nil {
		return sb, err
	}
	if err := store.WriteMeta(MetaWhoami, strconv.Itoa(int(whoami))); err != nil {
		return sb, err
	}
	slog.Info("mkfs done", "osd", whoami, "cluster_fsid", clusterFSID.String(), "osd_fsid", sb.OSDFSID.String())
	return sb, nil
}

// Start mounts the store, restores the last consumed map and every hosted pg,
// connects to the monitor and begins the boot sequence.
func (o *OSD) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "osd.start")
	defer span.End()
	span.SetAttributes(attribute.Int("osd.whoami", int(o.whoami)))

	o.mu.Lock()
	defer o.mu.Unlock()
	o.setState(StateInitializing)

	if err := o.store.Mount(); err != nil {
		return fmt.Errorf("mount object store: %w", err)
	}
	sb, err := o.meta.LoadSuperblock()
	if err != nil {
		return fmt.Errorf("load superblock: %w", err)
	}
	if sb.Whoami != o.whoami {
		return fmt.Errorf("superblock belongs to osd.%d, not osd.%d", sb.Whoami, o.whoami)
	}
	o.publishSuperblock(sb)

	m, err := o.cache.Get(ctx, sb.CurrentEpoch)
	if err != nil {
		span.RecordError(err)
		return fatal(fmt.Errorf("load map e%d: %w", sb.CurrentEpoch, err))
	}
	o.publishMap(m)
	o.gate.GotMap(m.Epoch)

	if err := o.loadPGs(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	o.monc = o.dial(o)
	if err := o.monc.Start(o.ctx); err != nil {
		return fmt.Errorf("start monitor client: %w", err)
	}
	o.monc.SubWant(mon.SubPGCreates, 0, false)
	o.monc.SubWant(mon.SubMgrMap, 0, false)
	o.monc.SubWant(mon.SubOSDMap, 0, false)
	if err := o.monc.RenewSubs(ctx); err != nil {
		return fmt.Errorf("renew subscriptions: %w", err)
	}

	cluster, changed, err := o.clusterAddrs.ReplaceUnknown(o.publicAddrs)
	if err != nil {
		return fmt.Errorf("cluster addrs: %w", err)
	}
	if changed {
		slog.Info("replaced unknown cluster addrs", "osd", o.whoami, "addrs", cluster.String())
		o.clusterAddrs = cluster
		if o.cfg.HBBackAddrs.Equal(o.cfg.ClusterAddrs) {
			o.cfg.HBBackAddrs = cluster
		}
	}
	if err := o.hb.Start(o.cfg.HBFrontAddrs, o.cfg.HBBackAddrs); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}

	slog.Info("osd started", "osd", o.whoami, "epoch", m.Epoch, "pgs", o.pgs.Len(),
		"oldest_map", sb.OldestMap, "newest_map", sb.NewestMap)
	return o.startBoot(ctx)
}

// startBoot re-enters preboot and asks the monitor how far behind the node is.
func (o *OSD) startBoot(ctx context.Context) error {
	o.setState(StatePreboot)
	oldest, newest, err := o.monc.GetVersion(ctx, mon.SubOSDMap)
	if err != nil {
		return fmt.Errorf("get osdmap version: %w", err)
	}
	return o.preboot(ctx, oldest, newest)
}

// preboot sends the boot message once the node's map is recent enough and
// nothing in it forbids booting; otherwise it asks for more maps.
func (o *OSD) preboot(ctx context.Context, oldest, newest osdmap.Epoch) error {
	m := o.CurrentMap()
	e := m.Epoch
	slog.Info("preboot", "osd", o.whoami, "epoch", e, "mon_oldest", oldest, "mon_newest", newest)

	switch {
	case e == 0:
		slog.Warn("waiting for initial osdmap", "osd", o.whoami)
	case m.IsDestroyed(o.whoami):
		slog.Warn("osdmap says I am destroyed", "osd", o.whoami, "epoch", e)
		// Only trust it when our map is the newest the monitor has.
		if newest > 0 && e > newest-1 {
			return fatal(errors.Mark(errors.Newf("osd.%d destroyed at e%d", o.whoami, e), ErrDestroyed))
		}
	case m.IsNoUp(o.whoami):
		slog.Warn("osdmap NOUP flag is set, waiting for it to clear", "osd", o.whoami)
	case !m.TestFlag(osdmap.FlagSortBitwise):
		slog.Error("osdmap SORTBITWISE flag is not set; please set it", "osd", o.whoami)
	case m.RequireOSDRelease < osdmap.ReleaseLuminous:
		slog.Error("osdmap require_osd_release < luminous; please upgrade", "osd", o.whoami,
			"release", m.RequireOSDRelease.String())
	case (oldest == 0 || e >= oldest-1) && int64(e)+int64(o.cfg.MapMessageMax) > int64(newest):
		return o.sendBoot(ctx)
	}

	if e+1 >= oldest {
		return o.subscribe(ctx, e+1, false)
	}
	return o.subscribe(ctx, oldest, true)
}

func (o *OSD) subscribe(ctx context.Context, start osdmap.Epoch, full bool) error {
	slog.Info("subscribing to osdmap", "osd", o.whoami, "start", start, "full", full)
	if err := o.monc.Subscribe(ctx, mon.SubOSDMap, start, full); err != nil {
		return fmt.Errorf("subscribe osdmap from e%d: %w", start, err)
	}
	return nil
}

func (o *OSD) sendBoot(ctx context.Context) error {
	o.setState(StateBooting)
	m := o.CurrentMap()
	sb := o.Superblock()
	boot := &msg.Boot{
		Whoami:       o.whoami,
		OSDFSID:      sb.OSDFSID.String(),
		ClusterFSID:  sb.ClusterFSID.String(),
		OldestMap:    sb.OldestMap,
		NewestMap:    sb.NewestMap,
		MapEpoch:     m.Epoch,
		BootEpoch:    m.Epoch,
		PublicAddrs:  o.publicAddrs,
		ClusterAddrs: o.clusterAddrs,
		HBBackAddrs:  o.hb.BackAddrs(),
		HBFrontAddrs: o.hb.FrontAddrs(),
		Features:     osdmap.FeaturesAll,
		Metadata:     o.metadata(),
	}
	slog.Info("sending boot", "osd", o.whoami, "epoch", m.Epoch,
		"public", boot.PublicAddrs.String(), "cluster", boot.ClusterAddrs.String(),
		"hb_front", boot.HBFrontAddrs.String(), "hb_back", boot.HBBackAddrs.String())
	if err := o.monc.Send(ctx, boot); err != nil {
		return fmt.Errorf("send boot: %w", err)
	}
	return nil
}

func (o *OSD) metadata() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		"hostname":   host,
		"front_addr": o.publicAddrs.String(),
		"back_addr":  o.clusterAddrs.String(),
	}
}

// sendAlive asks the monitor to raise the node's up_thru to the wanted epoch,
// unless the map already has it or that was already asked for.
func (o *OSD) sendAlive(ctx context.Context) error {
	m := o.CurrentMap()
	want := osdmap.Epoch(o.upThruWanted.Load())
	if m.UpThru(o.whoami) >= want {
		return nil
	}
	sent := osdmap.Epoch(o.upThruSent.Load())
	slog.Debug("send alive", "osd", o.whoami, "want", want, "sent", sent, "up_thru", m.UpThru(o.whoami))
	if !m.Exists(o.whoami) || want <= sent {
		return nil
	}
	o.upThruSent.Store(uint32(want))
	return o.monc.Send(ctx, &msg.Alive{Whoami: o.whoami, Epoch: m.Epoch, Want: want})
}

// QueueWantUpThru asks the monitor to record that this node was alive through
// epoch want. It is sent on the next tick.
func (o *OSD) QueueWantUpThru(want osdmap.Epoch) {
	for {
		cur := o.upThruWanted.Load()
		if uint32(want) <= cur {
			return
		}
		if o.upThruWanted.CompareAndSwap(cur, uint32(want)) {
			slog.Debug("want up_thru", "osd", o.whoami, "want", want)
			return
		}
	}
}

// shouldRestart reports whether map m no longer shows this node up at its
// bound addresses.
func (o *OSD) shouldRestart(m *osdmap.Map) bool {
	switch {
	case !m.IsUp(o.whoami):
		slog.Info("map marked me down", "osd", o.whoami, "epoch", m.Epoch)
		return true
	case !m.Addrs(o.whoami).Equal(o.publicAddrs):
		slog.Error("map has wrong client addr", "osd", o.whoami, "epoch", m.Epoch,
			"map", m.Addrs(o.whoami).String(), "mine", o.publicAddrs.String())
		return true
	case !m.ClusterAddrs(o.whoami).Equal(o.clusterAddrs):
		slog.Error("map has wrong cluster addr", "osd", o.whoami, "epoch", m.Epoch,
			"map", m.ClusterAddrs(o.whoami).String(), "mine", o.clusterAddrs.String())
		return true
	default:
		return false
	}
}

// restart drops the node back to preboot after it was marked down.
func (o *OSD) restart(ctx context.Context) error {
	o.beaconTimer.Cancel()
	o.tickTimer.Cancel()
	o.upEpoch.Store(0)
	o.upThruWanted.Store(0)
	o.upThruSent.Store(0)
	o.bindEpoch.Store(uint32(o.CurrentMap().Epoch))
	slog.Info("restarting boot", "osd", o.whoami, "bind_epoch", o.BindEpoch())
	return o.startBoot(ctx)
}

// shutdown records a clean stop in the superblock and stops the node. It runs
// when the map no longer contains this node.
func (o *OSD) shutdown() error {
	sb := o.Superblock()
	sb.Mounted = o.BootEpoch()
	sb.CleanThru = o.CurrentMap().Epoch
	txn := objectstore.NewTransaction()
	if err := o.meta.StoreSuperblock(txn, sb); err != nil {
		return err
	}
	if err := o.meta.Apply(txn); err != nil {
		return fatal(fmt.Errorf("store superblock on shutdown: %w", err))
	}
	o.publishSuperblock(sb)
	slog.Warn("osd no longer exists in the map, shutting down", "osd", o.whoami, "epoch", sb.CleanThru)
	go o.Stop()
	return nil
}

// Stop stops the node: pending work is dropped, tasks are awaited and the
// store is unmounted. Errors are logged.
func (o *OSD) Stop() {
	o.stopOnce.Do(func() {
		slog.Info("stopping osd", "osd", o.whoami)
		o.setState(StateStopping)
		o.taskMu.Lock()
		o.stopping = true
		o.taskMu.Unlock()

		o.gate.Close()
		o.cancel()
		o.beaconTimer.Stop()
		o.tickTimer.Stop()
		o.tasks.Wait()

		o.hb.Stop()
		if o.monc != nil {
			o.monc.Stop()
		}
		o.pgs.Close()
		if err := o.store.Umount(); err != nil {
			slog.Error("error while stopping osd", "osd", o.whoami, "error", err)
		}
		slog.Info("osd stopped", "osd", o.whoami)
	})
}
