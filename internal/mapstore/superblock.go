package mapstore

import (
	"github.com/google/uuid"

	"github.com/user/osd/internal/osdmap"
)

// Feature is one entry of a compat feature set.
type Feature struct {
	ID   uint64 `msgpack:"id"`
	Name string `msgpack:"name"`
}

// FeatureSet is a set of named feature bits.
type FeatureSet map[uint64]string

// Insert adds f to the set.
func (s FeatureSet) Insert(f Feature) { s[f.ID] = f.Name }

// Contains reports whether the set holds f.
func (s FeatureSet) Contains(f Feature) bool {
	_, ok := s[f.ID]
	return ok
}

// CompatSet records which on-disk features a store was written with, split by
// how an older binary must treat unknown bits.
type CompatSet struct {
	Compat   FeatureSet `msgpack:"compat"`
	ROCompat FeatureSet `msgpack:"ro_compat"`
	Incompat FeatureSet `msgpack:"incompat"`
}

// Incompatible on-disk features.
var (
	FeatureIncompatBase            = Feature{1, "initial feature set(~v.18)"}
	FeatureIncompatPGInfo          = Feature{2, "pginfo object"}
	FeatureIncompatOLoc            = Feature{3, "object locator"}
	FeatureIncompatLEC             = Feature{4, "last_epoch_clean"}
	FeatureIncompatCategories      = Feature{5, "categories"}
	FeatureIncompatHObjectPool     = Feature{6, "hobjectpool"}
	FeatureIncompatBigInfo         = Feature{7, "biginfo"}
	FeatureIncompatLevelDBInfo     = Feature{8, "leveldbinfo"}
	FeatureIncompatLevelDBLog      = Feature{9, "leveldblog"}
	FeatureIncompatSnapMapper      = Feature{10, "snapmapper"}
	FeatureIncompatHints           = Feature{12, "transaction hints"}
	FeatureIncompatPGMeta          = Feature{13, "pg meta object"}
	FeatureIncompatMissing         = Feature{14, "explicit missing set"}
	FeatureIncompatFastInfo        = Feature{15, "fastinfo pg attr"}
	FeatureIncompatRecoveryDeletes = Feature{16, "deletes in missing set"}
)

// InitialCompatSet returns the feature set a freshly created store is marked
// with.
func InitialCompatSet() CompatSet {
	cs := CompatSet{Compat: FeatureSet{}, ROCompat: FeatureSet{}, Incompat: FeatureSet{}}
	for _, f := range []Feature{
		FeatureIncompatBase,
		FeatureIncompatPGInfo,
		FeatureIncompatOLoc,
		FeatureIncompatLEC,
		FeatureIncompatCategories,
		FeatureIncompatHObjectPool,
		FeatureIncompatBigInfo,
		FeatureIncompatLevelDBInfo,
		FeatureIncompatLevelDBLog,
		FeatureIncompatSnapMapper,
		FeatureIncompatHints,
		FeatureIncompatPGMeta,
		FeatureIncompatMissing,
		FeatureIncompatFastInfo,
		FeatureIncompatRecoveryDeletes,
	} {
		cs.Incompat.Insert(f)
	}
	return cs
}

// Superblock is the node's durable identity and map watermark record. Once any
// map has been stored, OldestMap <= NewestMap == CurrentEpoch.
type Superblock struct {
	ClusterFSID  uuid.UUID    `msgpack:"cluster_fsid"`
	OSDFSID      uuid.UUID    `msgpack:"osd_fsid"`
	Whoami       int32        `msgpack:"whoami"`
	CurrentEpoch osdmap.Epoch `msgpack:"current_epoch"`
	OldestMap    osdmap.Epoch `msgpack:"oldest_map"`
	NewestMap    osdmap.Epoch `msgpack:"newest_map"`
	Mounted      osdmap.Epoch `msgpack:"mounted"`
	CleanThru    osdmap.Epoch `msgpack:"clean_thru"`
	Compat       CompatSet    `msgpack:"compat_features"`
}

// HasMaps reports whether any map epoch has been stored.
func (sb Superblock) HasMaps() bool { return sb.NewestMap != 0 }
