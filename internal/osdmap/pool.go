package osdmap

// PoolType distinguishes replicated from erasure-coded pools.
type PoolType uint8

const (
	PoolReplicated PoolType = 1
	PoolErasure    PoolType = 3
)

// PoolFlags are per-pool flags.
type PoolFlags uint64

const (
	// PoolFlagCreating is set while the pool's initial pgs are being created.
	PoolFlagCreating  PoolFlags = 1 << 0
	PoolFlagFullQuota PoolFlags = 1 << 1
	PoolFlagNoDelete  PoolFlags = 1 << 2
)

// Pool is a pool definition as recorded in the map.
type Pool struct {
	ID                 int64     `msgpack:"id"`
	Name               string    `msgpack:"name"`
	Type               PoolType  `msgpack:"type"`
	Size               int       `msgpack:"size"`
	MinSize            int       `msgpack:"min_size"`
	PGNum              uint32    `msgpack:"pg_num"`
	Flags              PoolFlags `msgpack:"flags"`
	ErasureCodeProfile string    `msgpack:"ec_profile,omitempty"`
	LastChange         Epoch     `msgpack:"last_change"`
}

func (p Pool) IsReplicated() bool { return p.Type == PoolReplicated }

func (p Pool) IsErasure() bool { return p.Type == PoolErasure }

func (p Pool) HasFlag(f PoolFlags) bool { return p.Flags&f != 0 }
