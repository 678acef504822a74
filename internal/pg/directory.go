package pg

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/osdmap"
)

// State is the creation state of a directory entry.
type State int32

const (
	StateAbsent State = iota
	StateCreating
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StatePresent:
		return "present"
	default:
		return "absent"
	}
}

type entry struct {
	state atomic.Int32
	pg    atomic.Pointer[PG]
	once  sync.Once
	done  chan struct{}
	// waiters counts blocked Wait calls. Guarded by Directory.mu.
	waiters int
}

func (e *entry) publish(pg *PG) bool {
	published := false
	e.once.Do(func() {
		e.pg.Store(pg)
		e.state.Store(int32(StatePresent))
		close(e.done)
		published = true
	})
	return published
}

func (e *entry) ready() (*PG, bool) {
	select {
	case <-e.done:
		return e.pg.Load(), true
	default:
		return nil, false
	}
}

// Future resolves to the handle of one pg once it is present.
type Future struct {
	d    *Directory
	pgid osdmap.SPGID
}

// Wait blocks until the pg is present or ctx is done.
func (f Future) Wait(ctx context.Context) (*PG, error) {
	e := f.d.acquire(f.pgid)
	defer f.d.release(f.pgid, e)
	select {
	case <-e.done:
		return e.pg.Load(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready returns the pg without blocking when it is present.
func (f Future) Ready() (*PG, bool) {
	return f.d.Get(f.pgid)
}

// Directory maps shard ids to pg handles. An entry lives while its pg is
// creating or present, or while a Wait blocks on it; readers need no lock.
type Directory struct {
	// mu orders entry insertion and removal with creation state changes.
	mu      sync.Mutex
	entries sync.Map // osdmap.SPGID -> *entry
	present atomic.Int64
}

func NewDirectory() *Directory {
	return &Directory{}
}

// entryLocked returns the entry of pgid, adding an absent one. d.mu is held.
func (d *Directory) entryLocked(pgid osdmap.SPGID) *entry {
	if e, ok := d.entries.Load(pgid); ok {
		return e.(*entry)
	}
	e := &entry{done: make(chan struct{})}
	d.entries.Store(pgid, e)
	return e
}

// dropLocked removes an absent entry nobody waits on. d.mu is held.
func (d *Directory) dropLocked(pgid osdmap.SPGID, e *entry) {
	if e.waiters == 0 && State(e.state.Load()) == StateAbsent {
		d.entries.CompareAndDelete(pgid, e)
	}
}

func (d *Directory) acquire(pgid osdmap.SPGID) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entryLocked(pgid)
	e.waiters++
	return e
}

func (d *Directory) release(pgid osdmap.SPGID, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.waiters--
	d.dropLocked(pgid, e)
}

// GetOrCreate returns the future of pgid. With create set, the first caller
// to find the entry absent moves it to creating and gets won=true; it must
// then run the creation workflow and finish with Created or Abort. Every
// other caller joins the same future.
func (d *Directory) GetOrCreate(pgid osdmap.SPGID, create bool) (fut Future, won bool) {
	fut = Future{d: d, pgid: pgid}
	if !create {
		return fut, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entryLocked(pgid)
	return fut, e.state.CompareAndSwap(int32(StateAbsent), int32(StateCreating))
}

// WaitFor returns the future of pgid without requesting creation.
func (d *Directory) WaitFor(pgid osdmap.SPGID) Future {
	f, _ := d.GetOrCreate(pgid, false)
	return f
}

// State returns the creation state of pgid.
func (d *Directory) State(pgid osdmap.SPGID) State {
	e, ok := d.entries.Load(pgid)
	if !ok {
		return StateAbsent
	}
	return State(e.(*entry).state.Load())
}

// Created publishes the handle of a pg whose creation this caller won.
func (d *Directory) Created(pgid osdmap.SPGID, pg *PG) {
	d.store(pgid, pg)
}

// Loaded publishes the handle of a pg read back from disk.
func (d *Directory) Loaded(pgid osdmap.SPGID, pg *PG) {
	d.store(pgid, pg)
}

func (d *Directory) store(pgid osdmap.SPGID, pg *PG) {
	d.mu.Lock()
	published := d.entryLocked(pgid).publish(pg)
	d.mu.Unlock()
	if published {
		metrics.PGs.Set(float64(d.present.Add(1)))
	}
}

// Abort returns a creating entry to absent. Blocked waiters keep waiting for
// a later creation.
func (d *Directory) Abort(pgid osdmap.SPGID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries.Load(pgid)
	if !ok {
		return
	}
	e := v.(*entry)
	e.state.CompareAndSwap(int32(StateCreating), int32(StateAbsent))
	d.dropLocked(pgid, e)
}

// Get returns the handle of pgid when it is present.
func (d *Directory) Get(pgid osdmap.SPGID) (*PG, bool) {
	e, ok := d.entries.Load(pgid)
	if !ok {
		return nil, false
	}
	return e.(*entry).ready()
}

// PGs returns every present pg ordered by id.
func (d *Directory) PGs() []*PG {
	var out []*PG
	d.entries.Range(func(_, v any) bool {
		if pg, ok := v.(*entry).ready(); ok {
			out = append(out, pg)
		}
		return true
	})
	slices.SortFunc(out, func(a, b *PG) int { return compareSPGID(a.ID(), b.ID()) })
	return out
}

// Len returns the number of present pgs.
func (d *Directory) Len() int { return int(d.present.Load()) }

// Close stops the advance worker of every present pg.
func (d *Directory) Close() {
	for _, pg := range d.PGs() {
		pg.Stop()
	}
}

func compareSPGID(a, b osdmap.SPGID) int {
	switch {
	case a.PGID.Pool != b.PGID.Pool:
		if a.PGID.Pool < b.PGID.Pool {
			return -1
		}
		return 1
	case a.PGID.Seed != b.PGID.Seed:
		if a.PGID.Seed < b.PGID.Seed {
			return -1
		}
		return 1
	default:
		return int(a.Shard) - int(b.Shard)
	}
}
