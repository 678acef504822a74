package pg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/osdmap/osdmaptest"
)

func testPG(t *testing.T, pgid osdmap.SPGID) *PG {
	t.Helper()
	b := osdmaptest.NewBuilder("fsid-1")
	m := b.Bootstrap(3, osdmaptest.ReplicatedPool(pgid.Pool(), 2, 8))
	pool, _ := m.Pool(pgid.Pool())
	return New(Config{Whoami: 0}, pgid, pool, nil, m)
}

func TestGetOrCreateSingleWinner(t *testing.T) {
	d := NewDirectory()
	pgid := osdmap.MakeSPGID(1, 0, osdmap.NoShard)
	handle := testPG(t, pgid)

	const n = 32
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		got  = make([]*PG, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fut, won := d.GetOrCreate(pgid, true)
			if won {
				wins.Add(1)
				d.Created(pgid, handle)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			pg, err := fut.Wait(ctx)
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			got[i] = pg
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
	for i, pg := range got {
		if pg != handle {
			t.Errorf("caller %d got a different handle", i)
		}
	}
	if d.State(pgid) != StatePresent {
		t.Errorf("state = %s, want present", d.State(pgid))
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d, want 1", d.Len())
	}
}

func TestWaitForResolvesOnLoad(t *testing.T) {
	d := NewDirectory()
	pgid := osdmap.MakeSPGID(1, 2, osdmap.NoShard)
	fut := d.WaitFor(pgid)
	if _, ok := fut.Ready(); ok {
		t.Fatal("future ready before the pg exists")
	}
	if d.State(pgid) != StateAbsent {
		t.Fatalf("WaitFor changed state to %s", d.State(pgid))
	}

	handle := testPG(t, pgid)
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Loaded(pgid, handle)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pg, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if pg != handle {
		t.Fatal("Wait returned a different handle")
	}
}

func TestAbortKeepsWaitersWaiting(t *testing.T) {
	d := NewDirectory()
	pgid := osdmap.MakeSPGID(1, 3, osdmap.NoShard)
	fut, won := d.GetOrCreate(pgid, true)
	if !won {
		t.Fatal("first caller should win")
	}
	if _, again := d.GetOrCreate(pgid, true); again {
		t.Fatal("second caller won while creating")
	}
	d.Abort(pgid)
	if d.State(pgid) != StateAbsent {
		t.Fatalf("state after abort = %s, want absent", d.State(pgid))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := fut.Wait(ctx); err == nil {
		t.Fatal("waiter resolved after an aborted creation")
	}

	fut2, won := d.GetOrCreate(pgid, true)
	if !won {
		t.Fatal("creation should be possible again after abort")
	}
	handle := testPG(t, pgid)
	d.Created(pgid, handle)
	if pg, ok := fut.Ready(); !ok || pg != handle {
		t.Error("original waiter did not see the later creation")
	}
	if pg, ok := fut2.Ready(); !ok || pg != handle {
		t.Error("second future not resolved")
	}
}

func entryCount(d *Directory) int {
	n := 0
	d.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestCancelledWaitLeavesNoEntry(t *testing.T) {
	d := NewDirectory()
	for seed := uint32(0); seed < 50; seed++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := d.WaitFor(osdmap.MakeSPGID(9, seed, osdmap.NoShard)).Wait(ctx)
		cancel()
		if err == nil {
			t.Fatal("wait for a pg that never arrives resolved")
		}
	}
	if n := entryCount(d); n != 0 {
		t.Errorf("entries after cancelled waits = %d, want 0", n)
	}

	pgid := osdmap.MakeSPGID(1, 4, osdmap.NoShard)
	if _, won := d.GetOrCreate(pgid, true); !won {
		t.Fatal("first caller should win")
	}
	d.Abort(pgid)
	if n := entryCount(d); n != 0 {
		t.Errorf("entries after an aborted creation = %d, want 0", n)
	}
}

func TestBlockedWaitKeepsEntry(t *testing.T) {
	d := NewDirectory()
	pgid := osdmap.MakeSPGID(1, 5, osdmap.NoShard)
	fut := d.WaitFor(pgid)

	got := make(chan *PG, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pg, _ := fut.Wait(ctx)
		got <- pg
	}()
	deadline := time.Now().Add(time.Second)
	for entryCount(d) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, won := d.GetOrCreate(pgid, true); !won {
		t.Fatal("creator should win")
	}
	d.Abort(pgid)
	if entryCount(d) != 1 {
		t.Fatal("abort dropped an entry a waiter blocks on")
	}
	handle := testPG(t, pgid)
	d.Loaded(pgid, handle)
	if pg := <-got; pg != handle {
		t.Error("blocked waiter did not see the loaded pg")
	}
}

func TestPGsOrdered(t *testing.T) {
	d := NewDirectory()
	ids := []osdmap.SPGID{
		osdmap.MakeSPGID(2, 1, osdmap.NoShard),
		osdmap.MakeSPGID(1, 7, osdmap.NoShard),
		osdmap.MakeSPGID(1, 2, osdmap.NoShard),
	}
	for _, id := range ids {
		d.Loaded(id, testPG(t, id))
	}
	d.WaitFor(osdmap.MakeSPGID(3, 0, osdmap.NoShard))

	pgs := d.PGs()
	if len(pgs) != 3 {
		t.Fatalf("PGs = %d, want 3", len(pgs))
	}
	want := []string{"1.2", "1.7", "2.1"}
	for i, pg := range pgs {
		if pg.ID().String() != want[i] {
			t.Errorf("PGs[%d] = %s, want %s", i, pg.ID(), want[i])
		}
	}
	if _, ok := d.Get(osdmap.MakeSPGID(3, 0, osdmap.NoShard)); ok {
		t.Error("Get returned a pg that was only waited for")
	}
	d.Loaded(ids[0], testPG(t, ids[0]))
	if d.Len() != 3 {
		t.Errorf("Len after duplicate load = %d, want 3", d.Len())
	}
}
