// Package osdmap holds the cluster map: an immutable, epoch-versioned snapshot of
// node liveness and addresses, pool definitions and placement, together with the
// incremental diffs that advance it one epoch at a time.
package osdmap

import "fmt"

// Epoch is the version number of a cluster map. Epoch 0 is the empty map.
type Epoch uint32

// Release identifies a named OSD release. Releases compare in order.
type Release uint8

const (
	ReleaseUnknown  Release = 0
	ReleaseJewel    Release = 10
	ReleaseKraken   Release = 11
	ReleaseLuminous Release = 12
	ReleaseMimic    Release = 13
	ReleaseNautilus Release = 14
	ReleaseOctopus  Release = 15
)

func (r Release) String() string {
	switch r {
	case ReleaseJewel:
		return "jewel"
	case ReleaseKraken:
		return "kraken"
	case ReleaseLuminous:
		return "luminous"
	case ReleaseMimic:
		return "mimic"
	case ReleaseNautilus:
		return "nautilus"
	case ReleaseOctopus:
		return "octopus"
	case ReleaseUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("release(%d)", uint8(r))
	}
}

// Flags are cluster-wide map flags.
type Flags uint32

const (
	FlagNoUp Flags = 1 << iota
	FlagNoDown
	FlagNoIn
	FlagNoOut
	FlagSortBitwise
	FlagRecoveryDeletes
	FlagPGLogHardLimit
)

// OSDState is the per-node state bitset carried in the map.
type OSDState uint32

const (
	StateExists OSDState = 1 << iota
	StateUp
	StateDestroyed
	StateNoUp
)

// OSDInfo is everything the map records about one node.
type OSDInfo struct {
	State        OSDState `msgpack:"state"`
	UUID         string   `msgpack:"uuid,omitempty"`
	UpFrom       Epoch    `msgpack:"up_from"`
	UpThru       Epoch    `msgpack:"up_thru"`
	DownAt       Epoch    `msgpack:"down_at"`
	PublicAddrs  AddrVec  `msgpack:"public_addrs,omitempty"`
	ClusterAddrs AddrVec  `msgpack:"cluster_addrs,omitempty"`
	HBBackAddrs  AddrVec  `msgpack:"hb_back_addrs,omitempty"`
	HBFrontAddrs AddrVec  `msgpack:"hb_front_addrs,omitempty"`
}

// ItemNone marks an empty position in an up or acting set.
const ItemNone int32 = 0x7fffffff
