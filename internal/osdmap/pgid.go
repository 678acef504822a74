package osdmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// PGID identifies a placement group within a pool.
type PGID struct {
	Pool int64  `msgpack:"pool"`
	Seed uint32 `msgpack:"seed"`
}

func (p PGID) String() string {
	return fmt.Sprintf("%d.%x", p.Pool, p.Seed)
}

// SplitBits returns the number of hash bits that select this pg when the pool
// has pgNum placement groups.
func (p PGID) SplitBits(pgNum uint32) int {
	if pgNum <= 1 {
		return 0
	}
	n := bits.Len32(pgNum)
	half := uint32(1) << (n - 1)
	if p.Seed%half < pgNum%half {
		return n
	}
	return n - 1
}

// ShardID is the position of a shard within an erasure-coded pg, or NoShard
// for replicated pools.
type ShardID int8

const NoShard ShardID = -1

// SPGID identifies one locally hosted shard of a placement group.
type SPGID struct {
	PGID  PGID    `msgpack:"pgid"`
	Shard ShardID `msgpack:"shard"`
}

// MakeSPGID builds a shard id.
func MakeSPGID(pool int64, seed uint32, shard ShardID) SPGID {
	return SPGID{PGID: PGID{Pool: pool, Seed: seed}, Shard: shard}
}

// Pool returns the pool the shard belongs to.
func (s SPGID) Pool() int64 { return s.PGID.Pool }

// IsNoShard reports whether this is a replicated-pool shard.
func (s SPGID) IsNoShard() bool { return s.Shard == NoShard }

func (s SPGID) String() string {
	if s.Shard == NoShard {
		return s.PGID.String()
	}
	return fmt.Sprintf("%ss%d", s.PGID, s.Shard)
}

// ParseSPGID parses the output of SPGID.String.
func ParseSPGID(s string) (SPGID, error) {
	out := SPGID{Shard: NoShard}
	poolStr, rest, ok := strings.Cut(s, ".")
	if !ok {
		return out, fmt.Errorf("parse pgid %q: missing '.'", s)
	}
	pool, err := strconv.ParseInt(poolStr, 10, 64)
	if err != nil {
		return out, fmt.Errorf("parse pgid %q: %w", s, err)
	}
	seedStr, shardStr, hasShard := strings.Cut(rest, "s")
	seed, err := strconv.ParseUint(seedStr, 16, 32)
	if err != nil {
		return out, fmt.Errorf("parse pgid %q: %w", s, err)
	}
	out.PGID = PGID{Pool: pool, Seed: uint32(seed)}
	if hasShard {
		shard, err := strconv.ParseInt(shardStr, 10, 8)
		if err != nil || shard < 0 {
			return out, fmt.Errorf("parse pgid %q: bad shard", s)
		}
		out.Shard = ShardID(shard)
	}
	return out, nil
}
