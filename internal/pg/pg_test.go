package pg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/osdmap/osdmaptest"
)

type builderMaps struct {
	mu sync.Mutex
	b  *osdmaptest.Builder
	// epochs below trimmed read as never stored.
	trimmed osdmap.Epoch
}

func (m *builderMaps) Get(_ context.Context, e osdmap.Epoch) (*osdmap.Map, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if got := m.b.Map(e); got != nil && e >= m.trimmed {
		return got, nil
	}
	return nil, fmt.Errorf("%w: e%d", mapstore.ErrNoMap, e)
}

func (m *builderMaps) trim(below osdmap.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimmed = below
}

func (m *builderMaps) next(fn func(inc *osdmap.Incremental)) *osdmap.Map {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.b.Next(fn)
}

type recordingPeering struct {
	mu       sync.Mutex
	advances [][2]osdmap.Epoch
	events   []Event
}

func (r *recordingPeering) AdvanceMap(_ context.Context, _ *PG, from, to *osdmap.Map) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advances = append(r.advances, [2]osdmap.Epoch{from.Epoch, to.Epoch})
}

func (r *recordingPeering) ActivateMap(context.Context, *PG) {}

func (r *recordingPeering) HandleEvent(_ context.Context, _ *PG, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPeering) steps() [][2]osdmap.Epoch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]osdmap.Epoch(nil), r.advances...)
}

func testObjectStore(t *testing.T) objectstore.Store {
	t.Helper()
	s, err := objectstore.New(objectstore.Options{Backend: "pebble", Dir: t.TempDir(), NoSync: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Mkfs(); err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	if err := s.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { _ = s.Umount() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type pgFixture struct {
	pg      *PG
	maps    *builderMaps
	store   objectstore.Store
	peering *recordingPeering
	fatal   chan error
	oldest  atomic.Uint32
}

func newPGFixture(t *testing.T, size int) *pgFixture {
	t.Helper()
	b := osdmaptest.NewBuilder("fsid-1")
	m := b.Bootstrap(3, osdmaptest.ReplicatedPool(1, size, 8))
	f := &pgFixture{
		maps:    &builderMaps{b: b},
		store:   testObjectStore(t),
		peering: &recordingPeering{},
		fatal:   make(chan error, 1),
	}
	cfg := Config{
		Whoami:    0,
		Store:     f.store,
		Maps:      f.maps,
		Peering:   f.peering,
		OnFatal:   func(err error) { f.fatal <- err },
		OldestMap: func() osdmap.Epoch { return osdmap.Epoch(f.oldest.Load()) },
	}
	pool, _ := m.Pool(1)
	pgid := osdmap.MakeSPGID(1, 3, osdmap.NoShard)
	f.pg = New(cfg, pgid, pool, nil, m)

	txn := objectstore.NewTransaction()
	if err := f.pg.CreateOnDisk(txn, msg.PGHistory{EpochCreated: 1, SameIntervalSince: 1}); err != nil {
		t.Fatalf("CreateOnDisk: %v", err)
	}
	if err := f.store.DoTransaction(txn); err != nil {
		t.Fatalf("DoTransaction: %v", err)
	}
	f.pg.Start(context.Background())
	t.Cleanup(f.pg.Stop)
	return f
}

func TestAdvanceWalksEveryEpoch(t *testing.T) {
	f := newPGFixture(t, 2)
	var last *osdmap.Map
	for i := 0; i < 5; i++ {
		last = f.maps.next(nil)
	}
	f.pg.ScheduleAdvance(last.Epoch)
	waitFor(t, 2*time.Second, func() bool {
		e, err := ReadEpoch(f.store, f.pg.ID())
		return err == nil && e == 6
	}, "persisted epoch 6")

	if f.pg.Epoch() != 6 {
		t.Errorf("epoch = %d, want 6", f.pg.Epoch())
	}
	steps := f.peering.steps()
	if len(steps) != 5 {
		t.Fatalf("advance steps = %v, want 5", steps)
	}
	for i, s := range steps {
		want := osdmap.Epoch(i + 1)
		if s[0] != want || s[1] != want+1 {
			t.Errorf("step %d = %v, want [%d %d]", i, s, want, want+1)
		}
	}
}

func TestScheduleAdvanceNeverMovesBackward(t *testing.T) {
	f := newPGFixture(t, 2)
	for i := 0; i < 4; i++ {
		f.maps.next(nil)
	}
	f.pg.ScheduleAdvance(5)
	f.pg.ScheduleAdvance(3)
	if f.pg.Target() != 5 {
		t.Fatalf("target = %d, want 5", f.pg.Target())
	}
	waitFor(t, 2*time.Second, func() bool { return f.pg.Epoch() == 5 }, "epoch 5")
	f.pg.ScheduleAdvance(2)
	time.Sleep(20 * time.Millisecond)
	if f.pg.Epoch() != 5 {
		t.Errorf("epoch = %d after an older target, want 5", f.pg.Epoch())
	}
}

func TestIntervalChangeMovesSameIntervalSince(t *testing.T) {
	f := newPGFixture(t, 3)
	if got := len(f.pg.Interval().Acting); got != 3 {
		t.Fatalf("acting = %v, want 3 members", f.pg.Interval().Acting)
	}
	m := f.maps.next(func(inc *osdmap.Incremental) { inc.NewDown = []int32{2} })
	f.pg.ScheduleAdvance(m.Epoch)
	waitFor(t, 2*time.Second, func() bool { return f.pg.Epoch() == 2 }, "epoch 2")

	if got := f.pg.History().SameIntervalSince; got != 2 {
		t.Errorf("same_interval_since = %d, want 2", got)
	}
	if got := len(f.pg.Interval().Acting); got != 2 {
		t.Errorf("acting = %v, want 2 members", f.pg.Interval().Acting)
	}
	if f.pg.Role() < 0 {
		t.Errorf("osd.0 should still hold a role, got %d", f.pg.Role())
	}
}

func TestMissingMapIsFatal(t *testing.T) {
	f := newPGFixture(t, 2)
	f.pg.ScheduleAdvance(9)
	select {
	case err := <-f.fatal:
		if err == nil {
			t.Fatal("expected an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("advance past the known maps should be fatal")
	}
}

func TestAdvancePassesOverEpochsBelowOldest(t *testing.T) {
	f := newPGFixture(t, 2)
	for i := 0; i < 5; i++ {
		f.maps.next(nil)
	}
	f.maps.trim(5)
	f.oldest.Store(5)

	f.pg.ScheduleAdvance(6)
	waitFor(t, 2*time.Second, func() bool {
		e, err := ReadEpoch(f.store, f.pg.ID())
		return err == nil && e == 6
	}, "persisted epoch 6")

	if steps := f.peering.steps(); len(steps) != 1 || steps[0] != [2]osdmap.Epoch{5, 6} {
		t.Errorf("advance steps = %v, want [[5 6]]", steps)
	}
	if got := f.pg.History().SameIntervalSince; got != 5 {
		t.Errorf("same_interval_since = %d, want 5", got)
	}
	select {
	case err := <-f.fatal:
		t.Fatalf("fatal error: %v", err)
	default:
	}
}

func TestReadStateAfterTrimmedEpochs(t *testing.T) {
	f := newPGFixture(t, 2)
	for i := 0; i < 3; i++ {
		f.maps.next(nil)
	}
	loaded := New(f.pg.cfg, f.pg.ID(), f.pg.Pool(), nil, f.maps.b.Map(4))
	if err := loaded.ReadState(); err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if h := loaded.History(); h.EpochCreated != 1 || h.SameIntervalSince != 4 {
		t.Errorf("history = %+v, want created 1 interval since 4", h)
	}
}

func TestReadState(t *testing.T) {
	f := newPGFixture(t, 2)
	loaded := New(f.pg.cfg, f.pg.ID(), f.pg.Pool(), nil, f.maps.b.Map(1))
	if err := loaded.ReadState(); err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if loaded.History().EpochCreated != 1 {
		t.Errorf("history = %+v", loaded.History())
	}

	missing := New(f.pg.cfg, osdmap.MakeSPGID(1, 5, osdmap.NoShard), f.pg.Pool(), nil, f.maps.b.Map(1))
	if err := missing.ReadState(); !errors.Is(err, ErrNoInfo) {
		t.Errorf("ReadState of a missing pg err = %v, want ErrNoInfo", err)
	}
}

func TestErasureRoleRequiresOwnShard(t *testing.T) {
	b := osdmaptest.NewBuilder("fsid-1")
	pool := osdmap.Pool{ID: 2, Name: "ec", Type: osdmap.PoolErasure, Size: 3, MinSize: 2, PGNum: 4}
	m := b.Bootstrap(3, pool)
	pgid := osdmap.PGID{Pool: 2, Seed: 1}
	acting := m.PGToUpActingOSDs(pgid).Acting
	pos := m.CalcPGRole(0, acting)
	if pos < 0 {
		t.Fatalf("osd.0 not in acting %v", acting)
	}
	own := ComputeInterval(m, osdmap.SPGID{PGID: pgid, Shard: osdmap.ShardID(pos)}, pool, 0)
	if own.Role != pos {
		t.Errorf("role for own shard = %d, want %d", own.Role, pos)
	}
	other := ComputeInterval(m, osdmap.SPGID{PGID: pgid, Shard: osdmap.ShardID((pos + 1) % 3)}, pool, 0)
	if other.Role != -1 {
		t.Errorf("role for another shard = %d, want -1", other.Role)
	}
}
