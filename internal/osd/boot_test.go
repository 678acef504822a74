package osd

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/mon"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/osdmap/osdmaptest"
)

func TestMkfsIsIdempotentForTheSameNode(t *testing.T) {
	store := testStore(t)
	fsid := uuid.New()
	first, err := Mkfs(store, fsid, 3)
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	again, err := Mkfs(store, fsid, 3)
	if err != nil {
		t.Fatalf("second Mkfs: %v", err)
	}
	if again.OSDFSID != first.OSDFSID || again.Whoami != 3 || again.ClusterFSID != fsid {
		t.Errorf("second Mkfs = %+v, want %+v", again, first)
	}
	if _, err := Mkfs(store, fsid, 4); err == nil {
		t.Error("Mkfs for another node on the same store should fail")
	}
	if _, err := Mkfs(store, uuid.New(), 3); err == nil {
		t.Error("Mkfs for another cluster on the same store should fail")
	}
}

func TestStartRejectsAnotherNodesStore(t *testing.T) {
	store := testStore(t)
	if _, err := Mkfs(store, uuid.New(), 1); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	fatal := make(chan error, 1)
	o, err := New(testConfig(0, fatal), store, func(msg.Dispatcher) mon.Client { return &fakeMon{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err == nil {
		t.Fatal("Start should fail on a store made for osd.1")
	}
	_ = store.Umount()
}

func TestPrebootWaitsForInitialMap(t *testing.T) {
	f := newFixture(t)
	if f.osd.State() != StatePreboot {
		t.Fatalf("state = %s, want preboot", f.osd.State())
	}
	sub, ok := f.mon.lastSub()
	if !ok || sub != (subCall{start: 1}) {
		t.Fatalf("subscription = %+v, want from e1", sub)
	}
	if len(f.mon.boots()) != 0 {
		t.Fatal("booted without a map")
	}
}

func TestPrebootLagRequestsMoreMaps(t *testing.T) {
	f := newFixture(t)
	f.b.Bootstrap(3, osdmaptest.ReplicatedPool(1, 2, 8))
	f.b.Advance(99)
	f.mon.setVersions(1, 100)

	f.apply(f.fulls(1, 10, 1))
	if f.osd.State() != StatePreboot {
		t.Fatalf("state = %s, want preboot", f.osd.State())
	}
	if sub, _ := f.mon.lastSub(); sub != (subCall{start: 11}) {
		t.Errorf("subscription = %+v, want from e11", sub)
	}
	if n := len(f.mon.boots()); n != 0 {
		t.Fatalf("sent %d boots at e10 of 100", n)
	}

	f.apply(f.incs(11, 70))
	boots := f.mon.boots()
	if len(boots) != 1 {
		t.Fatalf("sent %d boots, want 1", len(boots))
	}
	if boots[0].MapEpoch != 70 {
		t.Errorf("boot at e%d, want e70", boots[0].MapEpoch)
	}
	if f.osd.State() != StateBooting {
		t.Errorf("state = %s, want booting", f.osd.State())
	}
}

func TestPrebootHoldsBackOnMapFlags(t *testing.T) {
	noFlags := osdmap.Flags(0)
	cases := map[string]func(inc *osdmap.Incremental){
		"noup":           func(inc *osdmap.Incremental) { inc.NewNoUp = map[int32]bool{0: true} },
		"no sortbitwise": func(inc *osdmap.Incremental) { inc.NewFlags = &noFlags },
		"old release":    func(inc *osdmap.Incremental) { inc.NewRequireOSDRelease = osdmap.ReleaseLuminous - 1 },
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.b.Bootstrap(3, osdmaptest.ReplicatedPool(1, 2, 8))
			f.b.Next(change)
			f.mon.setVersions(1, 2)

			f.apply(f.fulls(1, 2, 1))
			if len(f.mon.boots()) != 0 {
				t.Fatal("boot sent")
			}
			if f.osd.State() != StatePreboot {
				t.Errorf("state = %s, want preboot", f.osd.State())
			}
			if sub, _ := f.mon.lastSub(); sub != (subCall{start: 3}) {
				t.Errorf("subscription = %+v, want from e3", sub)
			}
		})
	}
}

func TestDestroyedInNewestMapIsFatal(t *testing.T) {
	f := newFixture(t)
	f.b.Bootstrap(3, osdmaptest.ReplicatedPool(1, 2, 8))
	f.b.Next(func(inc *osdmap.Incremental) { inc.NewDestroyed = []int32{0} })

	f.osd.Dispatch(context.Background(), msg.Mon(0), f.fulls(1, 2, 1))
	select {
	case err := <-f.fatal:
		if !IsDestroyed(err) || !IsFatal(err) {
			t.Errorf("fatal error %v is not a destroyed error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no fatal error")
	}
	if len(f.mon.boots()) != 0 {
		t.Error("destroyed node sent a boot")
	}
}

func TestDestroyedInOlderMapWaitsForNewer(t *testing.T) {
	f := newFixture(t)
	f.b.Bootstrap(3, osdmaptest.ReplicatedPool(1, 2, 8))
	f.b.Next(func(inc *osdmap.Incremental) { inc.NewDestroyed = []int32{0} })
	m := f.fulls(1, 2, 1)
	m.NewestMap = 5

	if err := f.osd.HandleOSDMap(context.Background(), msg.Mon(0), m); err != nil {
		t.Fatalf("HandleOSDMap: %v", err)
	}
	if sub, _ := f.mon.lastSub(); sub != (subCall{start: 3}) {
		t.Errorf("subscription = %+v, want from e3", sub)
	}
	select {
	case err := <-f.fatal:
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestPeerPushInPrebootAsksMonitorAgain(t *testing.T) {
	f := newFixture(t)
	f.b.Bootstrap(3, osdmaptest.ReplicatedPool(1, 2, 8))
	f.mon.setVersions(1, 1)
	before := f.mon.numVersions()

	if err := f.osd.HandleOSDMap(context.Background(), msg.OSD(2), f.fulls(1, 1, 1)); err != nil {
		t.Fatalf("HandleOSDMap: %v", err)
	}
	if f.mon.numVersions() != before+1 {
		t.Errorf("monitor asked %d times, want %d", f.mon.numVersions(), before+1)
	}
	if f.osd.State() != StateBooting {
		t.Errorf("state = %s, want booting", f.osd.State())
	}
}

func TestBecomesActiveOnceUpSinceBind(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(1, osdmaptest.ReplicatedPool(1, 2, 8))
	if f.osd.State() != StateBooting {
		t.Fatalf("state = %s, want booting", f.osd.State())
	}
	if f.osd.UpEpoch() != 1 || f.osd.BootEpoch() != 1 {
		t.Errorf("up/boot epoch = %d/%d, want 1/1", f.osd.UpEpoch(), f.osd.BootEpoch())
	}

	f.b.Advance(1)
	f.apply(f.incs(2, 2))
	if f.osd.State() != StateActive {
		t.Fatalf("state = %s, want active", f.osd.State())
	}
	if armed, _ := f.osd.beaconTimer.Armed(); !armed {
		t.Error("beacon timer not armed")
	}
	if armed, _ := f.osd.tickTimer.Armed(); !armed {
		t.Error("tick timer not armed")
	}
	sb := f.osd.Superblock()
	if sb.Mounted != 1 || sb.CleanThru != 2 {
		t.Errorf("mounted/clean_thru = %d/%d, want 1/2", sb.Mounted, sb.CleanThru)
	}
}

// activate drives the fixture node to active at e2.
func (f *fixture) activate() {
	f.t.Helper()
	f.bootstrapTo(1, osdmaptest.ReplicatedPool(1, 3, 8))
	f.b.Advance(1)
	f.apply(f.incs(2, 2))
	if f.osd.State() != StateActive {
		f.t.Fatalf("state = %s, want active", f.osd.State())
	}
}

func TestRestartWhenMarkedDown(t *testing.T) {
	f := newFixture(t)
	f.activate()

	down := f.b.Next(func(inc *osdmap.Incremental) { inc.NewDown = []int32{0} }).Epoch
	f.mon.setVersions(1, down)
	f.apply(f.incs(down, down))

	if f.osd.State() != StateBooting {
		t.Fatalf("state = %s, want booting", f.osd.State())
	}
	if f.osd.BindEpoch() != down {
		t.Errorf("bind epoch = %d, want %d", f.osd.BindEpoch(), down)
	}
	if f.osd.UpEpoch() != 0 {
		t.Errorf("up epoch = %d, want 0", f.osd.UpEpoch())
	}
	if armed, _ := f.osd.beaconTimer.Armed(); armed {
		t.Error("beacon timer still armed")
	}

	up := f.b.Next(func(inc *osdmap.Incremental) {
		inc.NewUp = map[int32]osdmap.UpInfo{0: osdmaptest.UpInfo(0)}
	}).Epoch
	f.apply(f.incs(up, up))
	if f.osd.State() != StateActive {
		t.Fatalf("state = %s, want active", f.osd.State())
	}
	if f.osd.UpEpoch() != up {
		t.Errorf("up epoch = %d, want %d", f.osd.UpEpoch(), up)
	}
	if f.osd.BootEpoch() != 1 {
		t.Errorf("boot epoch = %d, want 1", f.osd.BootEpoch())
	}
}

func TestRestartOnWrongAddrs(t *testing.T) {
	f := newFixture(t)
	f.activate()

	public, cluster := osdmaptest.Addrs(0)
	public[0].Nonce = 99
	e := f.b.Next(func(inc *osdmap.Incremental) {
		inc.NewDown = []int32{0}
		inc.NewUp = map[int32]osdmap.UpInfo{0: {PublicAddrs: public, ClusterAddrs: cluster}}
	}).Epoch
	f.mon.setVersions(1, e)
	f.apply(f.incs(e, e))

	if f.osd.State() != StateBooting || f.osd.BindEpoch() != e {
		t.Errorf("state %s bind %d, want booting bound at %d", f.osd.State(), f.osd.BindEpoch(), e)
	}
}

func TestShutdownWhenRemovedFromMap(t *testing.T) {
	f := newFixture(t)
	f.activate()

	gone := f.b.Next(func(inc *osdmap.Incremental) { inc.Removed = []int32{0} }).Epoch
	f.apply(f.incs(gone, gone))

	waitFor(t, 2*time.Second, func() bool { return f.osd.State() == StateStopping }, "stopping")
	sb := f.osd.Superblock()
	if sb.Mounted != f.osd.BootEpoch() || sb.CleanThru != gone {
		t.Errorf("mounted/clean_thru = %d/%d, want %d/%d", sb.Mounted, sb.CleanThru, f.osd.BootEpoch(), gone)
	}
}

func TestTickAsksForUpThruOnce(t *testing.T) {
	f := newFixture(t)
	f.activate()
	ctx := context.Background()

	f.osd.tick(ctx)
	f.osd.tick(ctx)

	var alive []*msg.Alive
	f.mon.mu.Lock()
	for _, m := range f.mon.sent {
		if a, ok := m.(*msg.Alive); ok {
			alive = append(alive, a)
		}
	}
	f.mon.mu.Unlock()
	if len(alive) != 1 || alive[0].Want != 1 {
		t.Fatalf("alive messages = %+v, want one for up_from e1", alive)
	}
	if len(f.osd.Heartbeat().Peers()) == 0 {
		t.Error("tick added no heartbeat peers")
	}
}

func TestBeaconReportsPrimaries(t *testing.T) {
	f := newFixture(t)
	f.activate()
	ctx := context.Background()

	f.osd.beacon(ctx)

	var (
		beacon *msg.Beacon
		stats  *msg.PGStats
	)
	f.mon.mu.Lock()
	for _, m := range f.mon.sent {
		switch m := m.(type) {
		case *msg.Beacon:
			beacon = m
		case *msg.PGStats:
			stats = m
		}
	}
	f.mon.mu.Unlock()
	if beacon == nil || beacon.Epoch != 2 || beacon.Whoami != 0 {
		t.Fatalf("beacon = %+v", beacon)
	}
	if stats == nil || stats.Epoch != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestStopUnmountsStore(t *testing.T) {
	f := newFixture(t)
	f.osd.Stop()
	if _, err := f.store.ListCollections(); err == nil {
		t.Error("store still mounted after Stop")
	}
	if err := f.store.Mount(); err != nil {
		t.Fatalf("remount: %v", err)
	}
	t.Cleanup(func() { _ = f.store.Umount() })
	sb, err := mapstore.New(f.store).LoadSuperblock()
	if err != nil {
		t.Fatalf("superblock missing after stop: %v", err)
	}
	if sb.Whoami != 0 || sb.ClusterFSID != f.fsid {
		t.Errorf("superblock = %+v", sb)
	}
}
