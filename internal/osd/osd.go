// Package osd is the control core of a storage node: it applies cluster map
// pushes, negotiates membership with the monitor, and owns the directory of
// locally hosted placement groups.
package osd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"

	"github.com/user/osd/internal/heartbeat"
	"github.com/user/osd/internal/mapcache"
	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/mon"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/pg"
	"github.com/user/osd/internal/timer"
)

var tracer = otel.Tracer("github.com/user/osd/internal/osd")

// Config holds node settings.
type Config struct {
	Whoami int32

	// MapMessageMax is both the number of epochs a booting node may lag the
	// monitor by and the size of one map push.
	MapMessageMax    int
	MapCacheSize     int
	MapBlobCacheSize int

	BeaconInterval time.Duration
	TickInterval   time.Duration

	PublicAddrs  osdmap.AddrVec
	ClusterAddrs osdmap.AddrVec
	HBFrontAddrs osdmap.AddrVec
	HBBackAddrs  osdmap.AddrVec

	// LoadConcurrency bounds the pgs read back in parallel at start.
	LoadConcurrency int

	Peering pg.Peering
	Backend pg.Backend

	// OnFatal is called once with the first fatal error. The default logs it
	// and exits the process.
	OnFatal func(error)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MapMessageMax:    40,
		MapCacheSize:     50,
		MapBlobCacheSize: 50,
		BeaconInterval:   300 * time.Second,
		TickInterval:     time.Second,
		LoadConcurrency:  8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MapMessageMax <= 0 {
		c.MapMessageMax = def.MapMessageMax
	}
	if c.MapCacheSize <= 0 {
		c.MapCacheSize = def.MapCacheSize
	}
	if c.MapBlobCacheSize <= 0 {
		c.MapBlobCacheSize = def.MapBlobCacheSize
	}
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = def.BeaconInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.LoadConcurrency <= 0 {
		c.LoadConcurrency = def.LoadConcurrency
	}
	if len(c.HBFrontAddrs) == 0 {
		c.HBFrontAddrs = c.PublicAddrs
	}
	if len(c.HBBackAddrs) == 0 {
		c.HBBackAddrs = c.ClusterAddrs
	}
	if c.OnFatal == nil {
		c.OnFatal = func(err error) {
			slog.Error("fatal error, aborting", "error", err)
			os.Exit(1)
		}
	}
	return c
}

// Dialer connects the node to the monitor. Pushes from the monitor are
// delivered to d.
type Dialer func(d msg.Dispatcher) mon.Client

// OSD is one storage node. The current map, the superblock and the lifecycle
// state are published through atomics and may be read from any goroutine;
// they are only written by the map pipeline and the lifecycle transitions,
// which run one at a time under mu.
type OSD struct {
	cfg    Config
	whoami int32

	store objectstore.Store
	meta  *mapstore.Store
	cache *mapcache.Cache
	dial  Dialer
	monc  mon.Client
	hb    *heartbeat.Heartbeat
	pgs   *pg.Directory
	pgCfg pg.Config
	gate  *EpochGate

	beaconTimer *timer.Periodic
	tickTimer   *timer.Periodic

	mu           sync.Mutex
	state        atomic.Int32
	osdmap       atomic.Pointer[osdmap.Map]
	superblock   atomic.Pointer[mapstore.Superblock]
	upEpoch      atomic.Uint32
	bootEpoch    atomic.Uint32
	bindEpoch    atomic.Uint32
	upThruWanted atomic.Uint32
	upThruSent   atomic.Uint32

	publicAddrs  osdmap.AddrVec
	clusterAddrs osdmap.AddrVec

	ctx       context.Context
	cancel    context.CancelFunc
	taskMu    sync.Mutex
	stopping  bool
	tasks     conc.WaitGroup
	stopOnce  sync.Once
	fatalOnce sync.Once

	// onConsume observes every consumed epoch.
	onConsume func(e osdmap.Epoch)
}

// New builds a node over store. The store is mounted by Start.
func New(cfg Config, store objectstore.Store, dial Dialer) (*OSD, error) {
	cfg = cfg.withDefaults()
	meta := mapstore.New(store)
	cache, err := mapcache.New(meta, cfg.MapCacheSize, cfg.MapBlobCacheSize)
	if err != nil {
		return nil, err
	}
	o := &OSD{
		cfg:          cfg,
		whoami:       cfg.Whoami,
		store:        store,
		meta:         meta,
		cache:        cache,
		dial:         dial,
		pgs:          pg.NewDirectory(),
		gate:         NewEpochGate(),
		publicAddrs:  cfg.PublicAddrs,
		clusterAddrs: cfg.ClusterAddrs,
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.osdmap.Store(osdmap.New())
	o.superblock.Store(&mapstore.Superblock{})
	o.hb = heartbeat.New(o.CurrentMap, heartbeat.DefaultMinPeers)
	o.pgCfg = pg.Config{
		Whoami:    cfg.Whoami,
		Store:     store,
		Maps:      cache,
		Peering:   cfg.Peering,
		Backend:   cfg.Backend,
		OnFatal:   o.fail,
		OldestMap: o.oldestMap,
	}
	o.beaconTimer = timer.NewPeriodic("beacon", o.beacon)
	o.tickTimer = timer.NewPeriodic("tick", o.tick)
	return o, nil
}

// Whoami returns the node index.
func (o *OSD) Whoami() int32 { return o.whoami }

// CurrentMap returns the newest consumed map without I/O.
func (o *OSD) CurrentMap() *osdmap.Map { return o.osdmap.Load() }

// Map returns the map at epoch e from the cache or the map store.
func (o *OSD) Map(ctx context.Context, e osdmap.Epoch) (*osdmap.Map, error) {
	return o.cache.Get(ctx, e)
}

// Done is closed once the node starts stopping.
func (o *OSD) Done() <-chan struct{} { return o.ctx.Done() }

func (o *OSD) oldestMap() osdmap.Epoch { return o.Superblock().OldestMap }

// Superblock returns a copy of the current superblock.
func (o *OSD) Superblock() mapstore.Superblock { return *o.superblock.Load() }

// UpEpoch returns the epoch the node was last seen up at its own address.
func (o *OSD) UpEpoch() osdmap.Epoch { return osdmap.Epoch(o.upEpoch.Load()) }

// BootEpoch returns the epoch of the node's first activation.
func (o *OSD) BootEpoch() osdmap.Epoch { return osdmap.Epoch(o.bootEpoch.Load()) }

// BindEpoch returns the epoch the node last rebound at.
func (o *OSD) BindEpoch() osdmap.Epoch { return osdmap.Epoch(o.bindEpoch.Load()) }

// PublicAddrs returns the client-facing addresses of the node.
func (o *OSD) PublicAddrs() osdmap.AddrVec { return o.publicAddrs }

// ClusterAddrs returns the replication addresses of the node.
func (o *OSD) ClusterAddrs() osdmap.AddrVec { return o.clusterAddrs }

// Heartbeat returns the heartbeat peer table.
func (o *OSD) Heartbeat() *heartbeat.Heartbeat { return o.hb }

// Gate returns the epoch gate operations wait on.
func (o *OSD) Gate() *EpochGate { return o.gate }

func (o *OSD) publishMap(m *osdmap.Map) {
	o.osdmap.Store(m)
	metrics.MapEpoch.Set(float64(m.Epoch))
}

func (o *OSD) publishSuperblock(sb mapstore.Superblock) {
	o.superblock.Store(&sb)
	metrics.SuperblockNewestMap.Set(float64(sb.NewestMap))
	metrics.SuperblockOldestMap.Set(float64(sb.OldestMap))
}

// spawn runs fn as a tracked node task. It returns false once the node is
// stopping.
func (o *OSD) spawn(fn func(ctx context.Context)) bool {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()
	if o.stopping {
		return false
	}
	o.tasks.Go(func() { fn(o.ctx) })
	return true
}

// fail hands a fatal error to the abort hook once.
func (o *OSD) fail(err error) {
	o.fatalOnce.Do(func() {
		slog.Error("osd fatal error", "osd", o.whoami, "error", err)
		o.cfg.OnFatal(err)
	})
}

// report logs err from a node task, aborting when it is fatal.
func (o *OSD) report(what string, err error) {
	if err == nil {
		return
	}
	if IsFatal(err) {
		o.fail(fmt.Errorf("%s: %w", what, err))
		return
	}
	if o.State() == StateStopping {
		slog.Debug("osd task ended while stopping", "osd", o.whoami, "task", what, "error", err)
		return
	}
	slog.Warn("osd task failed", "osd", o.whoami, "task", what, "error", err)
}
