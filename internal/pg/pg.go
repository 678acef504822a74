// Package pg holds the node's placement group shards: the in-memory handle of
// each shard, its on-disk metadata, the worker that walks it through new map
// epochs, and the directory that owns every handle.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
)

// Maps returns decoded maps by epoch. *mapcache.Cache implements it.
type Maps interface {
	Get(ctx context.Context, e osdmap.Epoch) (*osdmap.Map, error)
}

// Config holds what every pg of a node shares.
type Config struct {
	Whoami  int32
	Store   objectstore.Store
	Maps    Maps
	Peering Peering
	Backend Backend
	// OnFatal is called when a pg cannot continue, such as when a persisted
	// map it needs is unreadable.
	OnFatal func(error)
	// OldestMap returns the oldest epoch the node stores. Pgs pass over the
	// epochs below it.
	OldestMap func() osdmap.Epoch
}

func (c Config) withDefaults() Config {
	if c.Peering == nil {
		c.Peering = LogPeering{}
	}
	if c.Backend == nil {
		c.Backend = LogBackend{}
	}
	if c.OnFatal == nil {
		c.OnFatal = func(err error) { slog.Error("pg fatal error", "error", err) }
	}
	if c.OldestMap == nil {
		c.OldestMap = func() osdmap.Epoch { return 0 }
	}
	return c
}

// Interval is the placement of a pg as of one map, and this node's role in it.
type Interval struct {
	Up            []int32
	UpPrimary     int32
	Acting        []int32
	ActingPrimary int32
	Role          int
}

func (iv Interval) sameAs(o Interval) bool {
	return slices.Equal(iv.Up, o.Up) && slices.Equal(iv.Acting, o.Acting) &&
		iv.UpPrimary == o.UpPrimary && iv.ActingPrimary == o.ActingPrimary
}

// ComputeInterval places pgid with map m. On erasure pools the node only
// holds a role when it sits at the position of its own shard.
func ComputeInterval(m *osdmap.Map, pgid osdmap.SPGID, pool osdmap.Pool, whoami int32) Interval {
	p := m.PGToUpActingOSDs(pgid.PGID)
	role := m.CalcPGRole(whoami, p.Acting)
	if !pool.IsReplicated() && role != int(pgid.Shard) {
		role = -1
	}
	return Interval{
		Up:            p.Up,
		UpPrimary:     p.UpPrimary,
		Acting:        p.Acting,
		ActingPrimary: p.ActingPrimary,
		Role:          role,
	}
}

// PG is the in-memory handle of one locally hosted shard. Its epoch only moves
// forward, driven by its own advance worker.
type PG struct {
	cfg       Config
	pgid      osdmap.SPGID
	pool      osdmap.Pool
	ecProfile map[string]string
	coll      string

	epoch    atomic.Uint32
	target   atomic.Uint32
	interval atomic.Pointer[Interval]
	history  atomic.Pointer[msg.PGHistory]

	kick    chan struct{}
	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds the handle of pgid as of map m. pool is the definition the shard
// is created or loaded with, which may come from a final pool snapshot when
// the pool has since been deleted.
func New(cfg Config, pgid osdmap.SPGID, pool osdmap.Pool, ecProfile map[string]string, m *osdmap.Map) *PG {
	pg := &PG{
		cfg:       cfg.withDefaults(),
		pgid:      pgid,
		pool:      pool,
		ecProfile: maps.Clone(ecProfile),
		coll:      objectstore.PGCollection(pgid),
		kick:      make(chan struct{}, 1),
	}
	pg.epoch.Store(uint32(m.GetEpoch()))
	pg.target.Store(uint32(m.GetEpoch()))
	iv := ComputeInterval(m, pgid, pool, cfg.Whoami)
	pg.interval.Store(&iv)
	pg.history.Store(&msg.PGHistory{})
	return pg
}

func (pg *PG) ID() osdmap.SPGID { return pg.pgid }

func (pg *PG) Pool() osdmap.Pool { return pg.pool }

func (pg *PG) PoolName() string { return pg.pool.Name }

func (pg *PG) ECProfile() map[string]string { return maps.Clone(pg.ecProfile) }

func (pg *PG) Collection() string { return pg.coll }

// Epoch returns the map epoch the pg has advanced to.
func (pg *PG) Epoch() osdmap.Epoch { return osdmap.Epoch(pg.epoch.Load()) }

func (pg *PG) Interval() Interval { return *pg.interval.Load() }

func (pg *PG) History() msg.PGHistory { return *pg.history.Load() }

func (pg *PG) Role() int { return pg.interval.Load().Role }

func (pg *PG) IsPrimary() bool { return pg.Role() == 0 }

func (pg *PG) info() Info {
	return Info{PGID: pg.pgid, Epoch: pg.Epoch(), History: pg.History()}
}

// CreateOnDisk queues creation of the pg collection and its metadata.
func (pg *PG) CreateOnDisk(txn *objectstore.Transaction, history msg.PGHistory) error {
	txn.CreateCollection(pg.coll, uint32(pg.pgid.PGID.SplitBits(pg.pool.PGNum)))
	h := history
	pg.history.Store(&h)
	return writeInfo(txn, pg.coll, pg.info())
}

// Init sets the placement and history a new pg starts with.
func (pg *PG) Init(iv Interval, history msg.PGHistory) {
	pg.interval.Store(&iv)
	h := history
	pg.history.Store(&h)
}

// ReadState restores the persisted metadata of a loaded pg. A pg loaded with
// a map newer than its persisted epoch has passed over trimmed epochs, so its
// interval starts again at the load map.
func (pg *PG) ReadState() error {
	info, err := ReadInfo(pg.cfg.Store, pg.pgid)
	if err != nil {
		return err
	}
	if info.Epoch > pg.Epoch() {
		return fmt.Errorf("pg %s: info epoch %d is past load map %d", pg.pgid, info.Epoch, pg.Epoch())
	}
	h := info.History
	if info.Epoch < pg.Epoch() {
		slog.Info("pg loaded past trimmed epochs", "pgid", pg.pgid.String(), "info_epoch", info.Epoch, "epoch", pg.Epoch())
		h.SameIntervalSince = pg.Epoch()
	}
	pg.history.Store(&h)
	return nil
}

// Stat returns the stats entry of this pg.
func (pg *PG) Stat() msg.PGStat {
	iv := pg.Interval()
	state := "stray"
	switch {
	case iv.Role == 0:
		state = "primary"
	case iv.Role > 0:
		state = "replica"
	}
	return msg.PGStat{
		PGID:          pg.pgid,
		ReportedEpoch: pg.Epoch(),
		State:         state,
		Up:            slices.Clone(iv.Up),
		Acting:        slices.Clone(iv.Acting),
	}
}

// HandleEvent passes a peering event to the peering state machine.
func (pg *PG) HandleEvent(ctx context.Context, ev Event) {
	pg.cfg.Peering.HandleEvent(ctx, pg, ev)
}

// Do hands a client operation to the backend.
func (pg *PG) Do(ctx context.Context, op *msg.OSDOp) error {
	return pg.cfg.Backend.Do(ctx, pg, op)
}

// Start runs the advance worker until ctx is done or Stop is called.
func (pg *PG) Start(ctx context.Context) {
	pg.startMu.Lock()
	defer pg.startMu.Unlock()
	if pg.cancel != nil {
		return
	}
	ctx, pg.cancel = context.WithCancel(ctx)
	pg.done = make(chan struct{})
	go pg.run(ctx)
	if pg.Epoch() < osdmap.Epoch(pg.target.Load()) {
		pg.poke()
	}
}

// Stop ends the advance worker and waits for it to exit.
func (pg *PG) Stop() {
	pg.startMu.Lock()
	cancel, done := pg.cancel, pg.done
	pg.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ScheduleAdvance asks the pg to advance to epoch to. It returns at once; the
// worker catches up in the background. Targets below one already scheduled
// are ignored, so the pg never moves backward.
func (pg *PG) ScheduleAdvance(to osdmap.Epoch) {
	for {
		cur := pg.target.Load()
		if uint32(to) <= cur {
			break
		}
		if pg.target.CompareAndSwap(cur, uint32(to)) {
			break
		}
	}
	pg.poke()
}

// Target returns the highest epoch the pg has been asked to reach.
func (pg *PG) Target() osdmap.Epoch { return osdmap.Epoch(pg.target.Load()) }

func (pg *PG) poke() {
	select {
	case pg.kick <- struct{}{}:
	default:
	}
}

func (pg *PG) run(ctx context.Context) {
	defer close(pg.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pg.kick:
		}
		if err := pg.advance(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			pg.cfg.OnFatal(err)
			return
		}
	}
}

// advance walks the pg one epoch at a time up to its target, then persists
// the reached epoch. Epochs below the oldest stored map are passed over in one
// step; the interval is taken to change there since nothing between can be
// read.
func (pg *PG) advance(ctx context.Context) error {
	target := osdmap.Epoch(pg.target.Load())
	cur := pg.Epoch()
	if cur >= target {
		return nil
	}
	start := time.Now()
	first := cur + 1
	if oldest := pg.cfg.OldestMap(); first < oldest {
		slog.Info("pg passing over epochs no longer stored", "pgid", pg.pgid.String(), "from", first, "to", oldest-1)
		first = oldest
	}
	skipped := first > cur+1
	// from stays nil when the pg's own map has been trimmed too.
	from, err := pg.cfg.Maps.Get(ctx, cur)
	if err != nil && (!skipped || !errors.Is(err, mapstore.ErrNoMap)) {
		return fmt.Errorf("pg %s: load map e%d: %w", pg.pgid, cur, err)
	}
	for e := first; e <= target; e++ {
		next, err := pg.cfg.Maps.Get(ctx, e)
		if err != nil {
			return fmt.Errorf("pg %s: load map e%d: %w", pg.pgid, e, err)
		}
		if from != nil {
			pg.cfg.Peering.AdvanceMap(ctx, pg, from, next)
		}
		iv := ComputeInterval(next, pg.pgid, pg.pool, pg.cfg.Whoami)
		if !iv.sameAs(pg.Interval()) || (skipped && e == first) {
			h := pg.History()
			h.SameIntervalSince = e
			pg.history.Store(&h)
		}
		pg.interval.Store(&iv)
		pg.epoch.Store(uint32(e))
		from = next
	}

	txn := objectstore.NewTransaction()
	if err := writeInfo(txn, pg.coll, pg.info()); err != nil {
		return err
	}
	if err := pg.cfg.Store.DoTransaction(txn); err != nil {
		return fmt.Errorf("pg %s: persist epoch %d: %w", pg.pgid, target, err)
	}
	pg.cfg.Peering.ActivateMap(ctx, pg)
	metrics.RecordPGAdvance(time.Since(start))
	slog.Debug("pg advanced", "pgid", pg.pgid.String(), "from", cur, "to", target)

	if osdmap.Epoch(pg.target.Load()) > target {
		pg.poke()
	}
	return nil
}
