package osdmap

import (
	"errors"
	"fmt"
	"maps"
)

var (
	// ErrEpochMismatch is returned when an incremental does not follow the map it is applied to.
	ErrEpochMismatch = errors.New("osdmap: incremental epoch does not follow map epoch")
	// ErrFSIDMismatch is returned when an incremental belongs to another cluster.
	ErrFSIDMismatch = errors.New("osdmap: incremental fsid mismatch")
)

// UpInfo carries the addresses a node bound when it was marked up.
type UpInfo struct {
	PublicAddrs  AddrVec `msgpack:"public_addrs"`
	ClusterAddrs AddrVec `msgpack:"cluster_addrs"`
	HBBackAddrs  AddrVec `msgpack:"hb_back_addrs,omitempty"`
	HBFrontAddrs AddrVec `msgpack:"hb_front_addrs,omitempty"`
}

// Incremental is the diff between epoch Epoch-1 and Epoch.
type Incremental struct {
	FSID                 string                       `msgpack:"fsid"`
	Epoch                Epoch                        `msgpack:"epoch"`
	EncodeFeatures       uint64                       `msgpack:"encode_features"`
	NewFlags             *Flags                       `msgpack:"new_flags,omitempty"`
	NewRequireOSDRelease Release                      `msgpack:"new_require_osd_release,omitempty"`
	NewMaxOSD            int32                        `msgpack:"new_max_osd,omitempty"`
	NewExists            map[int32]string             `msgpack:"new_exists,omitempty"`
	Removed              []int32                      `msgpack:"removed,omitempty"`
	NewUp                map[int32]UpInfo             `msgpack:"new_up,omitempty"`
	NewDown              []int32                      `msgpack:"new_down,omitempty"`
	NewDestroyed         []int32                      `msgpack:"new_destroyed,omitempty"`
	NewNoUp              map[int32]bool               `msgpack:"new_noup,omitempty"`
	NewUpThru            map[int32]Epoch              `msgpack:"new_up_thru,omitempty"`
	NewPools             map[int64]Pool               `msgpack:"new_pools,omitempty"`
	OldPools             []int64                      `msgpack:"old_pools,omitempty"`
	NewECProfiles        map[string]map[string]string `msgpack:"new_ec_profiles,omitempty"`
}

// NewIncremental returns an empty diff from m to the following epoch.
func NewIncremental(m *Map) *Incremental {
	return &Incremental{FSID: m.FSID, Epoch: m.GetEpoch() + 1}
}

// MaxOSDID bounds the node ids an incremental may create.
const MaxOSDID = 1 << 20

func checkOSDID(field string, osd int32) error {
	if osd < 0 || osd >= MaxOSDID {
		return fmt.Errorf("%w: %s holds osd id %d", ErrCorrupt, field, osd)
	}
	return nil
}

// validate rejects node ids that cannot index the node table.
func (inc *Incremental) validate() error {
	if inc.NewMaxOSD < 0 || inc.NewMaxOSD > MaxOSDID {
		return fmt.Errorf("%w: new_max_osd %d", ErrCorrupt, inc.NewMaxOSD)
	}
	for osd := range inc.NewExists {
		if err := checkOSDID("new_exists", osd); err != nil {
			return err
		}
	}
	for osd := range inc.NewUp {
		if err := checkOSDID("new_up", osd); err != nil {
			return err
		}
	}
	for _, osd := range inc.NewDestroyed {
		if err := checkOSDID("new_destroyed", osd); err != nil {
			return err
		}
	}
	for osd := range inc.NewNoUp {
		if err := checkOSDID("new_noup", osd); err != nil {
			return err
		}
	}
	return nil
}

func (inc *Incremental) ensureOSD(m *Map, osd int32) {
	if int(osd) >= len(m.OSDs) {
		grown := make([]OSDInfo, osd+1)
		copy(grown, m.OSDs)
		m.OSDs = grown
	}
	if osd >= m.MaxOSD {
		m.MaxOSD = osd + 1
	}
}

// ApplyIncremental returns the map that results from applying inc to m. m is
// left untouched. An incremental naming an impossible node id fails with
// ErrCorrupt.
func (m *Map) ApplyIncremental(inc *Incremental) (*Map, error) {
	if inc.Epoch != m.GetEpoch()+1 {
		return nil, fmt.Errorf("%w: map e%d, incremental e%d", ErrEpochMismatch, m.GetEpoch(), inc.Epoch)
	}
	if m.FSID != "" && inc.FSID != "" && inc.FSID != m.FSID {
		return nil, fmt.Errorf("%w: %s != %s", ErrFSIDMismatch, inc.FSID, m.FSID)
	}
	if err := inc.validate(); err != nil {
		return nil, fmt.Errorf("incremental e%d: %w", inc.Epoch, err)
	}
	out := m.clone()
	out.Epoch = inc.Epoch
	if out.FSID == "" {
		out.FSID = inc.FSID
	}
	if inc.NewFlags != nil {
		out.Flags = *inc.NewFlags
	}
	if inc.NewRequireOSDRelease != ReleaseUnknown {
		out.RequireOSDRelease = inc.NewRequireOSDRelease
	}
	if inc.NewMaxOSD > 0 {
		out.MaxOSD = inc.NewMaxOSD
		if int(inc.NewMaxOSD) < len(out.OSDs) {
			out.OSDs = out.OSDs[:inc.NewMaxOSD]
		} else {
			inc.ensureOSD(out, inc.NewMaxOSD-1)
		}
	}
	for osd, uuid := range inc.NewExists {
		inc.ensureOSD(out, osd)
		out.OSDs[osd] = OSDInfo{State: StateExists, UUID: uuid}
	}
	for _, osd := range inc.Removed {
		if int(osd) < len(out.OSDs) && osd >= 0 {
			out.OSDs[osd] = OSDInfo{}
		}
	}
	for _, osd := range inc.NewDown {
		if int(osd) < len(out.OSDs) && osd >= 0 {
			info := out.OSDs[osd]
			if info.State&StateUp != 0 {
				info.State &^= StateUp
				info.DownAt = inc.Epoch
			}
			out.OSDs[osd] = info
		}
	}
	for osd, up := range inc.NewUp {
		inc.ensureOSD(out, osd)
		info := out.OSDs[osd]
		info.State |= StateExists | StateUp
		info.State &^= StateDestroyed
		info.UpFrom = inc.Epoch
		info.PublicAddrs = up.PublicAddrs
		info.ClusterAddrs = up.ClusterAddrs
		info.HBBackAddrs = up.HBBackAddrs
		info.HBFrontAddrs = up.HBFrontAddrs
		out.OSDs[osd] = info
	}
	for _, osd := range inc.NewDestroyed {
		inc.ensureOSD(out, osd)
		info := out.OSDs[osd]
		info.State |= StateExists | StateDestroyed
		if info.State&StateUp != 0 {
			info.State &^= StateUp
			info.DownAt = inc.Epoch
		}
		out.OSDs[osd] = info
	}
	for osd, noup := range inc.NewNoUp {
		inc.ensureOSD(out, osd)
		if noup {
			out.OSDs[osd].State |= StateNoUp
		} else {
			out.OSDs[osd].State &^= StateNoUp
		}
	}
	for osd, e := range inc.NewUpThru {
		if int(osd) < len(out.OSDs) && osd >= 0 {
			out.OSDs[osd].UpThru = e
		}
	}
	for name, profile := range inc.NewECProfiles {
		out.ErasureCodeProfiles[name] = maps.Clone(profile)
	}
	for _, id := range inc.OldPools {
		delete(out.Pools, id)
	}
	for id, p := range inc.NewPools {
		p.ID = id
		p.LastChange = inc.Epoch
		out.Pools[id] = p
	}
	return out, nil
}
