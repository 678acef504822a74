package mon

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/osdmap"
)

// LocalConfig configures an in-process monitor.
type LocalConfig struct {
	FSID string
	// MessageMax bounds the number of epochs in one map push.
	MessageMax int
	// AutoUp marks a node up as soon as it sends a boot message.
	AutoUp bool
}

// DefaultLocalConfig returns a LocalConfig with sensible defaults.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{MessageMax: 40, AutoUp: true}
}

// Local is an in-process monitor. It keeps the full map history, serves
// subscriptions, commits incrementals and records what nodes report to it.
type Local struct {
	cfg LocalConfig

	mu      sync.Mutex
	oldest  osdmap.Epoch
	newest  osdmap.Epoch
	maps    map[osdmap.Epoch]*osdmap.Map
	fulls   map[osdmap.Epoch][]byte
	incs    map[osdmap.Epoch][]byte
	clients map[int32]*LocalClient

	boots   []*msg.Boot
	alive   map[int32]osdmap.Epoch
	beacons map[int32]*msg.Beacon
	stats   map[int32]*msg.PGStats
}

// NewLocal returns a monitor holding only the empty epoch-0 map.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.MessageMax <= 0 {
		cfg.MessageMax = DefaultLocalConfig().MessageMax
	}
	m := osdmap.New()
	m.FSID = cfg.FSID
	return &Local{
		cfg:     cfg,
		oldest:  1,
		maps:    map[osdmap.Epoch]*osdmap.Map{0: m},
		fulls:   map[osdmap.Epoch][]byte{},
		incs:    map[osdmap.Epoch][]byte{},
		clients: map[int32]*LocalClient{},
		alive:   map[int32]osdmap.Epoch{},
		beacons: map[int32]*msg.Beacon{},
		stats:   map[int32]*msg.PGStats{},
	}
}

// FSID returns the cluster fsid.
func (l *Local) FSID() string { return l.cfg.FSID }

// Current returns the newest committed map.
func (l *Local) Current() *osdmap.Map {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maps[l.newest]
}

// Map returns the committed map at e, or nil when it is not retained.
func (l *Local) Map(e osdmap.Epoch) *osdmap.Map {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maps[e]
}

// Commit builds the next epoch from the incremental filled in by fn, then
// pushes it to every continuous subscriber.
func (l *Local) Commit(fn func(inc *osdmap.Incremental)) (*osdmap.Map, error) {
	l.mu.Lock()
	next, err := l.commitLocked(fn)
	clients := l.clientsLocked()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		c.renew()
	}
	return next, nil
}

func (l *Local) commitLocked(fn func(inc *osdmap.Incremental)) (*osdmap.Map, error) {
	cur := l.maps[l.newest]
	inc := osdmap.NewIncremental(cur)
	inc.FSID = l.cfg.FSID
	inc.EncodeFeatures = osdmap.FeaturesAll
	if fn != nil {
		fn(inc)
	}
	next, err := cur.ApplyIncremental(inc)
	if err != nil {
		return nil, fmt.Errorf("commit e%d: %w", inc.Epoch, err)
	}
	incBlob, err := inc.Encode()
	if err != nil {
		return nil, err
	}
	full, err := next.Encode(osdmap.FeaturesAll)
	if err != nil {
		return nil, err
	}
	l.maps[next.Epoch] = next
	l.fulls[next.Epoch] = full
	l.incs[next.Epoch] = incBlob
	l.newest = next.Epoch
	slog.Debug("mon: committed map", "epoch", next.Epoch)
	return next, nil
}

// Trim forgets every epoch below oldest.
func (l *Local) Trim(oldest osdmap.Epoch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if oldest > l.newest {
		oldest = l.newest
	}
	for e := l.oldest; e < oldest; e++ {
		delete(l.maps, e)
		delete(l.fulls, e)
		delete(l.incs, e)
	}
	if oldest > l.oldest {
		l.oldest = oldest
	}
}

// Versions returns the range of retained epochs.
func (l *Local) Versions() (oldest, newest osdmap.Epoch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.oldest, l.newest
}

// CreatePool commits pool with its creating flag set and sends a pg create
// request for every pg to its acting primary, when that node subscribed to
// pg creates.
func (l *Local) CreatePool(pool osdmap.Pool) (*osdmap.Map, error) {
	pool.Flags |= osdmap.PoolFlagCreating
	m, err := l.Commit(func(inc *osdmap.Incremental) {
		inc.NewPools = map[int64]osdmap.Pool{pool.ID: pool}
	})
	if err != nil {
		return nil, err
	}
	creates := map[int32]*msg.PGCreate{}
	for seed := uint32(0); seed < pool.PGNum; seed++ {
		pgid := osdmap.PGID{Pool: pool.ID, Seed: seed}
		p := m.PGToUpActingOSDs(pgid)
		primary := p.ActingPrimary
		if primary < 0 {
			continue
		}
		shard := osdmap.NoShard
		if pool.IsErasure() {
			shard = osdmap.ShardID(m.CalcPGRole(primary, p.Acting))
		}
		c := creates[primary]
		if c == nil {
			c = &msg.PGCreate{Epoch: m.Epoch}
			creates[primary] = c
		}
		c.PGs = append(c.PGs, msg.PGCreateEntry{
			PGID:  osdmap.SPGID{PGID: pgid, Shard: shard},
			Epoch: m.Epoch,
			History: msg.PGHistory{
				EpochCreated:      m.Epoch,
				EpochPoolCreated:  m.Epoch,
				SameIntervalSince: m.Epoch,
			},
		})
	}
	l.mu.Lock()
	clients := maps.Clone(l.clients)
	l.mu.Unlock()
	for osd, c := range creates {
		client, ok := clients[osd]
		if !ok || !client.wants(SubPGCreates) {
			continue
		}
		client.deliver(c)
	}
	return m, nil
}

// FinishPoolCreate clears the creating flag of a pool.
func (l *Local) FinishPoolCreate(id int64) (*osdmap.Map, error) {
	cur := l.Current()
	pool, ok := cur.Pool(id)
	if !ok {
		return nil, fmt.Errorf("pool %d does not exist", id)
	}
	pool.Flags &^= osdmap.PoolFlagCreating
	return l.Commit(func(inc *osdmap.Incremental) {
		inc.NewPools = map[int64]osdmap.Pool{id: pool}
	})
}

// Boots returns every boot message received so far.
func (l *Local) Boots() []*msg.Boot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*msg.Boot(nil), l.boots...)
}

// AliveWanted returns the newest up_thru osd asked for.
func (l *Local) AliveWanted(osd int32) osdmap.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive[osd]
}

// LastBeacon returns the last beacon osd sent.
func (l *Local) LastBeacon(osd int32) *msg.Beacon {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.beacons[osd]
}

// LastStats returns the last pg stats osd sent.
func (l *Local) LastStats(osd int32) *msg.PGStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats[osd]
}

func (l *Local) clientsLocked() []*LocalClient {
	out := make([]*LocalClient, 0, len(l.clients))
	for _, c := range l.clients {
		out = append(out, c)
	}
	return out
}

// handle processes a message a node sent to the monitor.
func (l *Local) handle(from int32, m msg.Message) error {
	switch m := m.(type) {
	case *msg.Boot:
		l.mu.Lock()
		l.boots = append(l.boots, m)
		l.mu.Unlock()
		slog.Info("mon: boot", "osd", from, "epoch", m.MapEpoch)
		if !l.cfg.AutoUp {
			return nil
		}
		cur := l.Current()
		if cur.IsNoUp(from) || cur.IsDestroyed(from) {
			return nil
		}
		if cur.IsUp(from) && cur.Addrs(from).Equal(m.PublicAddrs) && cur.ClusterAddrs(from).Equal(m.ClusterAddrs) {
			return nil
		}
		_, err := l.Commit(func(inc *osdmap.Incremental) {
			if !cur.Exists(from) {
				inc.NewExists = map[int32]string{from: m.OSDFSID}
			}
			if cur.IsUp(from) {
				inc.NewDown = []int32{from}
			}
			inc.NewUp = map[int32]osdmap.UpInfo{from: {
				PublicAddrs:  m.PublicAddrs,
				ClusterAddrs: m.ClusterAddrs,
				HBBackAddrs:  m.HBBackAddrs,
				HBFrontAddrs: m.HBFrontAddrs,
			}}
		})
		return err
	case *msg.Alive:
		l.mu.Lock()
		if m.Want > l.alive[from] {
			l.alive[from] = m.Want
		}
		l.mu.Unlock()
		cur := l.Current()
		if !cur.IsUp(from) || cur.UpThru(from) >= m.Want {
			return nil
		}
		_, err := l.Commit(func(inc *osdmap.Incremental) {
			inc.NewUpThru = map[int32]osdmap.Epoch{from: m.Want}
		})
		return err
	case *msg.Beacon:
		l.mu.Lock()
		l.beacons[from] = m
		l.mu.Unlock()
		return nil
	case *msg.PGStats:
		l.mu.Lock()
		l.stats[from] = m
		l.mu.Unlock()
		return nil
	default:
		slog.Debug("mon: ignoring message", "osd", from, "kind", m.Kind())
		return nil
	}
}

// buildPush assembles the map push for a subscription starting at start, or
// returns nil when there is nothing to send.
func (l *Local) buildPush(start osdmap.Epoch, full bool) *msg.OSDMap {
	l.mu.Lock()
	defer l.mu.Unlock()
	newest := l.newest
	if newest == 0 {
		return nil
	}
	push := &msg.OSDMap{
		FSID:         l.cfg.FSID,
		Maps:         map[osdmap.Epoch][]byte{},
		Incrementals: map[osdmap.Epoch][]byte{},
		OldestMap:    l.oldest,
		NewestMap:    newest,
	}
	if start == 0 {
		push.Maps[newest] = l.fulls[newest]
		return push
	}
	if start > newest {
		return nil
	}
	first := start
	if first < l.oldest {
		first = l.oldest
	}
	last := first + osdmap.Epoch(l.cfg.MessageMax) - 1
	if last > newest {
		last = newest
	}
	for e := first; e <= last; e++ {
		if full || e == first && start < l.oldest {
			push.Maps[e] = l.fulls[e]
		} else {
			push.Incrementals[e] = l.incs[e]
		}
	}
	return push
}

// Connect registers node whoami with the monitor and returns its client.
// Pushes are delivered to d.
func (l *Local) Connect(whoami int32, d msg.Dispatcher) *LocalClient {
	c := &LocalClient{
		mon:    l,
		whoami: whoami,
		d:      d,
		subs:   map[string]*subscription{},
		kick:   make(chan struct{}, 1),
	}
	l.mu.Lock()
	l.clients[whoami] = c
	l.mu.Unlock()
	return c
}
