// Package osdmaptest builds chains of cluster maps for tests.
package osdmaptest

import (
	"fmt"

	"github.com/user/osd/internal/osdmap"
)

// Builder produces consecutive epochs and keeps both encodings of each.
type Builder struct {
	cur   *osdmap.Map
	maps  map[osdmap.Epoch]*osdmap.Map
	fulls map[osdmap.Epoch][]byte
	incs  map[osdmap.Epoch][]byte
}

// NewBuilder starts a chain at the empty epoch-0 map of cluster fsid.
func NewBuilder(fsid string) *Builder {
	m := osdmap.New()
	m.FSID = fsid
	return &Builder{
		cur:   m,
		maps:  map[osdmap.Epoch]*osdmap.Map{0: m},
		fulls: map[osdmap.Epoch][]byte{},
		incs:  map[osdmap.Epoch][]byte{},
	}
}

// Next applies the incremental filled in by fn and returns the new map.
func (b *Builder) Next(fn func(inc *osdmap.Incremental)) *osdmap.Map {
	inc := osdmap.NewIncremental(b.cur)
	inc.EncodeFeatures = osdmap.FeaturesAll
	if fn != nil {
		fn(inc)
	}
	next, err := b.cur.ApplyIncremental(inc)
	if err != nil {
		panic(fmt.Sprintf("osdmaptest: apply e%d: %v", inc.Epoch, err))
	}
	incBlob, err := inc.Encode()
	if err != nil {
		panic(err)
	}
	full, err := next.Encode(osdmap.FeaturesAll)
	if err != nil {
		panic(err)
	}
	b.cur = next
	b.maps[next.Epoch] = next
	b.fulls[next.Epoch] = full
	b.incs[next.Epoch] = incBlob
	return next
}

// Advance appends n epochs that change nothing but the epoch.
func (b *Builder) Advance(n int) *osdmap.Map {
	for i := 0; i < n; i++ {
		b.Next(nil)
	}
	return b.cur
}

// Current returns the newest map.
func (b *Builder) Current() *osdmap.Map { return b.cur }

// Map returns the map at epoch e.
func (b *Builder) Map(e osdmap.Epoch) *osdmap.Map { return b.maps[e] }

// Full returns the full encoding of epoch e.
func (b *Builder) Full(e osdmap.Epoch) []byte { return b.fulls[e] }

// Inc returns the incremental that produced epoch e.
func (b *Builder) Inc(e osdmap.Epoch) []byte { return b.incs[e] }

// Fulls returns full encodings for [first, last].
func (b *Builder) Fulls(first, last osdmap.Epoch) map[osdmap.Epoch][]byte {
	out := map[osdmap.Epoch][]byte{}
	for e := first; e <= last; e++ {
		out[e] = b.fulls[e]
	}
	return out
}

// Incs returns incremental encodings for [first, last].
func (b *Builder) Incs(first, last osdmap.Epoch) map[osdmap.Epoch][]byte {
	out := map[osdmap.Epoch][]byte{}
	for e := first; e <= last; e++ {
		out[e] = b.incs[e]
	}
	return out
}

// Bootstrap fills a fresh chain with n up nodes, one replicated pool and the
// flags a node needs before it may boot.
func (b *Builder) Bootstrap(n int32, pool osdmap.Pool) *osdmap.Map {
	flags := osdmap.FlagSortBitwise
	return b.Next(func(inc *osdmap.Incremental) {
		inc.NewFlags = &flags
		inc.NewRequireOSDRelease = osdmap.ReleaseNautilus
		inc.NewMaxOSD = n
		inc.NewExists = map[int32]string{}
		inc.NewUp = map[int32]osdmap.UpInfo{}
		for i := int32(0); i < n; i++ {
			inc.NewExists[i] = fmt.Sprintf("uuid-%d", i)
			inc.NewUp[i] = UpInfo(i)
		}
		inc.NewPools = map[int64]osdmap.Pool{pool.ID: pool}
	})
}

// Addrs returns the deterministic public and cluster addresses of test node i.
func Addrs(i int32) (public, cluster osdmap.AddrVec) {
	public = osdmap.AddrVec{osdmap.Addr{IP: "127.0.0.1", Port: uint16(6800 + 2*i), Nonce: 1}}
	cluster = osdmap.AddrVec{osdmap.Addr{IP: "127.0.0.1", Port: uint16(6801 + 2*i), Nonce: 1}}
	return public, cluster
}

// UpInfo returns the up info of test node i bound on Addrs(i).
func UpInfo(i int32) osdmap.UpInfo {
	public, cluster := Addrs(i)
	return osdmap.UpInfo{PublicAddrs: public, ClusterAddrs: cluster}
}

// ReplicatedPool returns a replicated pool definition.
func ReplicatedPool(id int64, size int, pgNum uint32) osdmap.Pool {
	return osdmap.Pool{
		ID:      id,
		Name:    fmt.Sprintf("pool-%d", id),
		Type:    osdmap.PoolReplicated,
		Size:    size,
		MinSize: 1,
		PGNum:   pgNum,
	}
}
