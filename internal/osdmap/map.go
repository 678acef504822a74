package osdmap

import (
	"maps"
	"slices"
)

// Map is an immutable cluster map at one epoch. A *Map is shared by reference
// between the map cache, the node's current-map pointer and in-flight tasks;
// nothing may modify it after it has been built. New epochs are produced with
// ApplyIncremental, which returns a fresh copy.
type Map struct {
	FSID                string                       `msgpack:"fsid"`
	Epoch               Epoch                        `msgpack:"epoch"`
	Flags               Flags                        `msgpack:"flags"`
	RequireOSDRelease   Release                      `msgpack:"require_osd_release"`
	MaxOSD              int32                        `msgpack:"max_osd"`
	OSDs                []OSDInfo                    `msgpack:"osds"`
	Pools               map[int64]Pool               `msgpack:"pools"`
	ErasureCodeProfiles map[string]map[string]string `msgpack:"ec_profiles"`
}

// New returns the empty epoch-0 map.
func New() *Map {
	return &Map{
		Pools:               map[int64]Pool{},
		ErasureCodeProfiles: map[string]map[string]string{},
	}
}

// GetEpoch returns the map epoch; it is safe on a nil map.
func (m *Map) GetEpoch() Epoch {
	if m == nil {
		return 0
	}
	return m.Epoch
}

func (m *Map) info(osd int32) (OSDInfo, bool) {
	if osd < 0 || int(osd) >= len(m.OSDs) {
		return OSDInfo{}, false
	}
	return m.OSDs[osd], true
}

// Exists reports whether osd is a member of the cluster.
func (m *Map) Exists(osd int32) bool {
	i, ok := m.info(osd)
	return ok && i.State&StateExists != 0
}

// IsUp reports whether osd exists and is marked up.
func (m *Map) IsUp(osd int32) bool {
	i, ok := m.info(osd)
	return ok && i.State&StateExists != 0 && i.State&StateUp != 0
}

// IsDestroyed reports whether osd exists and has been destroyed.
func (m *Map) IsDestroyed(osd int32) bool {
	i, ok := m.info(osd)
	return ok && i.State&StateExists != 0 && i.State&StateDestroyed != 0
}

// IsNoUp reports whether osd is prevented from being marked up, either by its
// own flag or by the cluster-wide one.
func (m *Map) IsNoUp(osd int32) bool {
	if !m.Exists(osd) {
		return false
	}
	i, _ := m.info(osd)
	return i.State&StateNoUp != 0 || m.TestFlag(FlagNoUp)
}

// TestFlag reports whether every bit of f is set.
func (m *Map) TestFlag(f Flags) bool { return m.Flags&f == f }

// Addrs returns the public addresses of osd.
func (m *Map) Addrs(osd int32) AddrVec {
	i, _ := m.info(osd)
	return i.PublicAddrs
}

// ClusterAddrs returns the cluster-network addresses of osd.
func (m *Map) ClusterAddrs(osd int32) AddrVec {
	i, _ := m.info(osd)
	return i.ClusterAddrs
}

// HBFrontAddrs returns the front heartbeat addresses of osd.
func (m *Map) HBFrontAddrs(osd int32) AddrVec {
	i, _ := m.info(osd)
	return i.HBFrontAddrs
}

// HBBackAddrs returns the back heartbeat addresses of osd.
func (m *Map) HBBackAddrs(osd int32) AddrVec {
	i, _ := m.info(osd)
	return i.HBBackAddrs
}

// UpFrom returns the epoch osd was last marked up in.
func (m *Map) UpFrom(osd int32) Epoch {
	i, _ := m.info(osd)
	return i.UpFrom
}

// UpThru returns the last epoch osd has acknowledged being alive through.
func (m *Map) UpThru(osd int32) Epoch {
	i, _ := m.info(osd)
	return i.UpThru
}

// HavePool reports whether the pool exists in this map.
func (m *Map) HavePool(id int64) bool {
	_, ok := m.Pools[id]
	return ok
}

// Pool returns the definition of pool id.
func (m *Map) Pool(id int64) (Pool, bool) {
	p, ok := m.Pools[id]
	return p, ok
}

// PoolName returns the name of pool id, or "" when it does not exist.
func (m *Map) PoolName(id int64) string {
	return m.Pools[id].Name
}

// ErasureCodeProfile returns a copy of the named profile.
func (m *Map) ErasureCodeProfile(name string) map[string]string {
	return maps.Clone(m.ErasureCodeProfiles[name])
}

// UpOSDs returns the ids of every node that exists and is up.
func (m *Map) UpOSDs() []int32 {
	var out []int32
	for i := range m.OSDs {
		if m.IsUp(int32(i)) {
			out = append(out, int32(i))
		}
	}
	return out
}

// clone returns a copy that can be modified while building the next epoch.
// Address vectors are shared: they are replaced, never edited in place.
func (m *Map) clone() *Map {
	out := &Map{
		FSID:                m.FSID,
		Epoch:               m.Epoch,
		Flags:               m.Flags,
		RequireOSDRelease:   m.RequireOSDRelease,
		MaxOSD:              m.MaxOSD,
		OSDs:                slices.Clone(m.OSDs),
		Pools:               maps.Clone(m.Pools),
		ErasureCodeProfiles: maps.Clone(m.ErasureCodeProfiles),
	}
	if out.Pools == nil {
		out.Pools = map[int64]Pool{}
	}
	if out.ErasureCodeProfiles == nil {
		out.ErasureCodeProfiles = map[string]map[string]string{}
	}
	return out
}
