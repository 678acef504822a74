package osd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/osdmap/osdmaptest"
	"github.com/user/osd/internal/pg"
)

type recordingBackend struct {
	mu  sync.Mutex
	ops []*msg.OSDOp
}

func (r *recordingBackend) Do(_ context.Context, _ *pg.PG, op *msg.OSDOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *recordingBackend) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

type recordingEvents struct {
	pg.LogPeering
	mu     sync.Mutex
	events []pg.Event
}

func (r *recordingEvents) HandleEvent(_ context.Context, _ *pg.PG, ev pg.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEvents) kinds() []pg.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pg.EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func creatingPool(id int64, pgNum uint32) osdmap.Pool {
	p := osdmaptest.ReplicatedPool(id, 3, pgNum)
	p.Flags |= osdmap.PoolFlagCreating
	return p
}

var testPGID = osdmap.MakeSPGID(1, 3, osdmap.NoShard)

func monCreate(e osdmap.Epoch) *CreateInfo {
	return &CreateInfo{
		PGID:    testPGID,
		Epoch:   e,
		History: msg.PGHistory{EpochCreated: e, EpochPoolCreated: e, SameIntervalSince: e},
		ByMon:   true,
	}
}

func waitPG(t *testing.T, fut pg.Future) *pg.PG {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for pg: %v", err)
	}
	return p
}

func counter(result string) float64 {
	return testutil.ToFloat64(metrics.PGCreates.WithLabelValues(result))
}

func TestMonitorCreatesPG(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(3, creatingPool(1, 8))
	created := counter("created")

	f.osd.Dispatch(context.Background(), msg.Mon(0), &msg.PGCreate{
		Epoch: 1,
		PGs:   []msg.PGCreateEntry{{PGID: testPGID, Epoch: 1, History: msg.PGHistory{EpochCreated: 1}}},
	})
	p := waitPG(t, f.osd.WaitForPG(testPGID))

	waitFor(t, 2*time.Second, func() bool { return p.Epoch() == 3 }, "pg at e3")
	if ok, err := f.store.CollectionExists(objectstore.PGCollection(testPGID)); err != nil || !ok {
		t.Errorf("pg collection exists = %v, %v", ok, err)
	}
	info, err := pg.ReadInfo(f.store, testPGID)
	if err != nil {
		t.Fatalf("ReadInfo: %v", err)
	}
	if info.History.EpochCreated != 1 {
		t.Errorf("epoch created = %d, want 1", info.History.EpochCreated)
	}
	if got := counter("created") - created; got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	select {
	case err := <-f.fatal:
		t.Fatalf("fatal error: %v", err)
	default:
	}
}

func TestPGCreateFromPeerIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(1, creatingPool(1, 8))

	f.osd.Dispatch(context.Background(), msg.OSD(1), &msg.PGCreate{
		Epoch: 1,
		PGs:   []msg.PGCreateEntry{{PGID: testPGID, Epoch: 1}},
	})
	if st := f.osd.pgs.State(testPGID); st != pg.StateAbsent {
		t.Errorf("state = %s, want absent", st)
	}
}

func TestCreateDroppedWhenPoolGone(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(1, creatingPool(1, 8))
	f.b.Next(func(inc *osdmap.Incremental) { inc.OldPools = []int64{1} })
	f.apply(f.incs(2, 2))
	dropped := counter("dropped")

	fut := f.osd.GetOrCreatePG(testPGID, monCreate(1))

	waitFor(t, 2*time.Second, func() bool { return counter("dropped")-dropped == 1 }, "create dropped")
	if st := f.osd.pgs.State(testPGID); st != pg.StateAbsent {
		t.Errorf("state = %s, want absent", st)
	}
	if _, ok := fut.Ready(); ok {
		t.Error("future resolved for a dropped create")
	}
	if ok, _ := f.store.CollectionExists(objectstore.PGCollection(testPGID)); ok {
		t.Error("dropped create left a collection")
	}
}

func TestCreateDroppedWithoutCreatingFlag(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(2, osdmaptest.ReplicatedPool(1, 3, 8))
	dropped := counter("dropped")

	f.osd.GetOrCreatePG(testPGID, monCreate(1))

	waitFor(t, 2*time.Second, func() bool { return counter("dropped")-dropped == 1 }, "create dropped")
	if st := f.osd.pgs.State(testPGID); st != pg.StateAbsent {
		t.Errorf("state = %s, want absent", st)
	}
}

func TestMonitorCreateBelowNautilusIsFatal(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(1, creatingPool(1, 8))
	f.b.Next(func(inc *osdmap.Incremental) { inc.NewRequireOSDRelease = osdmap.ReleaseLuminous })
	f.apply(f.incs(2, 2))

	f.osd.GetOrCreatePG(testPGID, monCreate(1))
	select {
	case err := <-f.fatal:
		if !IsFatal(err) {
			t.Errorf("error %v not marked fatal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error")
	}
}

func TestConcurrentCreatesShareOneHandle(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(2, creatingPool(1, 8))
	created, joined := counter("created"), counter("joined")

	const n = 16
	handles := make([]*pg.PG, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			fut := f.osd.GetOrCreatePG(testPGID, monCreate(1))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			handles[i], _ = fut.Wait(ctx)
		}()
	}
	wg.Wait()

	for i, h := range handles {
		if h == nil || h != handles[0] {
			t.Fatalf("handle %d = %p, want %p", i, h, handles[0])
		}
	}
	if got := counter("created") - created; got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	if got := counter("joined") - joined; got != n-1 {
		t.Errorf("joined = %v, want %d", got, n-1)
	}
}

func TestCreatedPGFollowsNewMaps(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(5, creatingPool(1, 8))

	p := waitPG(t, f.osd.GetOrCreatePG(testPGID, monCreate(1)))
	if p.Target() < 5 {
		t.Errorf("target = %d right after creation, want at least 5", p.Target())
	}
	waitFor(t, 2*time.Second, func() bool { return p.Epoch() == 5 }, "pg at e5")

	f.b.Advance(1)
	f.apply(f.incs(6, 6))
	waitFor(t, 2*time.Second, func() bool { return p.Epoch() == 6 }, "pg at e6")
}

func TestPeerNotifyCreatesPGOfDeletedPool(t *testing.T) {
	events := &recordingEvents{}
	f := newFixture(t, func(c *Config) { c.Peering = events })
	f.bootstrapTo(1, osdmaptest.ReplicatedPool(1, 3, 8))
	f.b.Next(func(inc *osdmap.Incremental) { inc.OldPools = []int64{1} })
	f.apply(f.incs(2, 2))

	f.osd.Dispatch(context.Background(), msg.OSD(1), &msg.PGNotify{
		From:    1,
		PGID:    testPGID,
		Epoch:   2,
		History: msg.PGHistory{EpochCreated: 1},
	})
	p := waitPG(t, f.osd.WaitForPG(testPGID))
	if p.PoolName() != "pool-1" {
		t.Errorf("pool name = %q, want pool-1", p.PoolName())
	}
	waitFor(t, 2*time.Second, func() bool { return len(events.kinds()) == 1 }, "notify handed to peering")
	if k := events.kinds()[0]; k != pg.EventNotify {
		t.Errorf("event = %s, want notify", k)
	}
}

func TestQueryForUnknownPGIsIgnored(t *testing.T) {
	events := &recordingEvents{}
	f := newFixture(t, func(c *Config) { c.Peering = events })
	f.bootstrapTo(1, creatingPool(1, 8))

	f.osd.Dispatch(context.Background(), msg.OSD(1), &msg.PGQuery{From: 1, PGID: testPGID, Epoch: 1})
	time.Sleep(50 * time.Millisecond)
	if st := f.osd.pgs.State(testPGID); st != pg.StateAbsent {
		t.Errorf("state = %s, want absent", st)
	}
	if k := events.kinds(); len(k) != 0 {
		t.Errorf("events = %v, want none", k)
	}

	waitPG(t, f.osd.GetOrCreatePG(testPGID, monCreate(1)))
	f.osd.Dispatch(context.Background(), msg.OSD(1), &msg.PGQuery{From: 1, PGID: testPGID, Epoch: 1})
	waitFor(t, 2*time.Second, func() bool { return len(events.kinds()) == 1 }, "query handed to peering")
}

func TestClientOpWaitsForMapAndPG(t *testing.T) {
	backend := &recordingBackend{}
	f := newFixture(t, func(c *Config) { c.Backend = backend })
	f.bootstrapTo(1, creatingPool(1, 8))

	f.osd.Dispatch(context.Background(), msg.Client(7), &msg.OSDOp{ReqID: 1, PGID: testPGID, MapEpoch: 2, OID: "obj"})
	waitPG(t, f.osd.GetOrCreatePG(testPGID, monCreate(1)))
	time.Sleep(30 * time.Millisecond)
	if backend.count() != 0 {
		t.Fatal("op ran before the node reached its epoch")
	}

	f.b.Advance(1)
	f.apply(f.incs(2, 2))
	waitFor(t, 2*time.Second, func() bool { return backend.count() == 1 }, "op executed")
}

func TestRestartLoadsPGs(t *testing.T) {
	f := newFixture(t)
	f.bootstrapTo(3, creatingPool(1, 8))
	waitPG(t, f.osd.GetOrCreatePG(testPGID, monCreate(1)))
	waitFor(t, 2*time.Second, func() bool {
		e, err := pg.ReadEpoch(f.store, testPGID)
		return err == nil && e == 3
	}, "pg epoch persisted")
	f.osd.Stop()

	if err := f.store.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	txn := objectstore.NewTransaction()
	txn.CreateCollection(objectstore.TempCollection(testPGID), 0)
	txn.CreateCollection("junk", 0)
	if err := f.store.DoTransaction(txn); err != nil {
		t.Fatalf("DoTransaction: %v", err)
	}
	if err := f.store.Umount(); err != nil {
		t.Fatalf("Umount: %v", err)
	}

	f.osd = f.newOSD()
	if err := f.osd.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.osd.pgs.Len() != 1 {
		t.Fatalf("loaded %d pgs, want 1", f.osd.pgs.Len())
	}
	loaded, ok := f.osd.PG(testPGID)
	if !ok {
		t.Fatal("pg not loaded")
	}
	if loaded.Epoch() != 3 || loaded.History().EpochCreated != 1 {
		t.Errorf("loaded pg at e%d created e%d", loaded.Epoch(), loaded.History().EpochCreated)
	}
	if f.osd.CurrentMap().Epoch != 3 {
		t.Errorf("restored map e%d, want e3", f.osd.CurrentMap().Epoch)
	}
}

func TestStatsReportPrimaries(t *testing.T) {
	f := newFixture(t)
	pool := creatingPool(1, 8)
	f.bootstrapTo(2, pool)

	for seed := uint32(0); seed < pool.PGNum; seed++ {
		pgid := osdmap.MakeSPGID(1, seed, osdmap.NoShard)
		info := monCreate(1)
		info.PGID = pgid
		waitPG(t, f.osd.GetOrCreatePG(pgid, info))
	}

	primaries := 0
	for _, p := range f.osd.PGs() {
		if p.IsPrimary() {
			primaries++
		}
	}
	stats := f.osd.Stats()
	if len(stats.Stats) != primaries {
		t.Fatalf("stats for %d pgs, want %d", len(stats.Stats), primaries)
	}
	for _, st := range stats.Stats {
		if st.ReportedEpoch != 2 || st.State != "primary" {
			t.Errorf("stat %+v", st)
		}
	}
	if s := f.osd.Status(); s.PGs != 8 || s.Epoch != 2 {
		t.Errorf("status = %+v", s)
	}
}

func TestBeaconCarriesMinLastEpochClean(t *testing.T) {
	f := newFixture(t)
	pool := creatingPool(1, 8)
	f.bootstrapTo(6, pool)

	// Seed s was last clean at e2+s; seed 5 was never clean and counts from
	// its creation at e1.
	lec := func(seed uint32) osdmap.Epoch {
		if seed == 5 {
			return 1
		}
		return osdmap.Epoch(2 + seed)
	}
	for seed := uint32(0); seed < pool.PGNum; seed++ {
		pgid := osdmap.MakeSPGID(1, seed, osdmap.NoShard)
		info := monCreate(1)
		info.PGID = pgid
		if seed != 5 {
			info.History.LastEpochClean = lec(seed)
		}
		waitPG(t, f.osd.GetOrCreatePG(pgid, info))
	}
	want := osdmap.Epoch(6)
	for _, p := range f.osd.PGs() {
		if p.IsPrimary() {
			want = min(want, lec(p.ID().PGID.Seed))
		}
	}

	if err := f.osd.sendBeacon(context.Background()); err != nil {
		t.Fatalf("sendBeacon: %v", err)
	}
	var beacon *msg.Beacon
	f.mon.mu.Lock()
	for _, m := range f.mon.sent {
		if b, ok := m.(*msg.Beacon); ok {
			beacon = b
		}
	}
	f.mon.mu.Unlock()
	if beacon == nil {
		t.Fatal("no beacon sent")
	}
	if beacon.MinLastEpochClean != want {
		t.Errorf("min_last_epoch_clean = %d, want %d", beacon.MinLastEpochClean, want)
	}
}
