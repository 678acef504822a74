package objectstore

import (
	"strings"

	"github.com/user/osd/internal/osdmap"
)

// MetaCollection holds node-level objects: the superblock, map blobs and
// final pool snapshots.
const MetaCollection = "meta"

const (
	headSuffix = "_head"
	tempSuffix = "_TEMP"
)

// CollKind classifies an on-disk collection name.
type CollKind int

const (
	CollUnknown CollKind = iota
	CollMeta
	CollPG
	CollTemp
)

func (k CollKind) String() string {
	switch k {
	case CollMeta:
		return "meta"
	case CollPG:
		return "pg"
	case CollTemp:
		return "temp"
	default:
		return "unknown"
	}
}

// PGCollection returns the collection that holds the objects of a pg shard.
func PGCollection(pgid osdmap.SPGID) string {
	return pgid.String() + headSuffix
}

// TempCollection returns the scratch collection of a pg shard.
func TempCollection(pgid osdmap.SPGID) string {
	return pgid.String() + tempSuffix
}

// ParseCollection classifies a collection name and, for pg and temp
// collections, returns the shard it belongs to.
func ParseCollection(name string) (CollKind, osdmap.SPGID) {
	if name == MetaCollection {
		return CollMeta, osdmap.SPGID{}
	}
	kind := CollUnknown
	var base string
	switch {
	case strings.HasSuffix(name, headSuffix):
		kind, base = CollPG, strings.TrimSuffix(name, headSuffix)
	case strings.HasSuffix(name, tempSuffix):
		kind, base = CollTemp, strings.TrimSuffix(name, tempSuffix)
	default:
		return CollUnknown, osdmap.SPGID{}
	}
	pgid, err := osdmap.ParseSPGID(base)
	if err != nil {
		return CollUnknown, osdmap.SPGID{}
	}
	return kind, pgid
}
