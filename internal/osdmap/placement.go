package osdmap

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Placement is the up and acting sets of a pg together with their primaries.
// Primaries are -1 when the set has no live member.
type Placement struct {
	Up            []int32
	UpPrimary     int32
	Acting        []int32
	ActingPrimary int32
}

// placementScore ranks osd for pgid with rendezvous hashing: every pg orders the
// live nodes independently, so a node joining or leaving only moves the pgs it
// wins or loses.
func placementScore(pgid PGID, osd int32) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(pgid.Pool))
	binary.BigEndian.PutUint32(buf[8:12], pgid.Seed)
	binary.BigEndian.PutUint32(buf[12:16], uint32(osd))
	return xxhash.Sum64(buf[:])
}

// PGToUpActingOSDs computes where pgid lives in this map. Replicated pools get a
// dense list of up to Size nodes; erasure pools keep one slot per shard and mark
// unfilled slots with ItemNone.
func (m *Map) PGToUpActingOSDs(pgid PGID) Placement {
	none := Placement{UpPrimary: -1, ActingPrimary: -1}
	pool, ok := m.Pools[pgid.Pool]
	if !ok || pool.Size <= 0 {
		return none
	}
	candidates := m.UpOSDs()
	slices.SortFunc(candidates, func(a, b int32) int {
		sa, sb := placementScore(pgid, a), placementScore(pgid, b)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return int(a - b)
		}
	})
	if len(candidates) > pool.Size {
		candidates = candidates[:pool.Size]
	}
	up := candidates
	if pool.IsErasure() {
		up = make([]int32, pool.Size)
		for i := range up {
			up[i] = ItemNone
		}
		copy(up, candidates)
	}
	primary := int32(-1)
	for _, osd := range up {
		if osd != ItemNone {
			primary = osd
			break
		}
	}
	return Placement{
		Up:            up,
		UpPrimary:     primary,
		Acting:        slices.Clone(up),
		ActingPrimary: primary,
	}
}

// CalcPGRole returns the position of osd in acting, or -1 when it is not a
// member. Position 0 is the primary.
func (m *Map) CalcPGRole(osd int32, acting []int32) int {
	for i, a := range acting {
		if a == osd {
			return i
		}
	}
	return -1
}
